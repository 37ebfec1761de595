package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/hochfrequenz/claude-cycle-runner/internal/notify"
)

const (
	clientBuffer = 64
	writeTimeout = 10 * time.Second
)

// matches applies the optional ?run= filter. Session events carry no run id
// and always pass.
func matches(ev notify.Event, runID string) bool {
	return runID == "" || ev.RunID == "" || ev.RunID == runID
}

func (s *Server) sseHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.deps.Events == nil {
			writeError(w, http.StatusServiceUnavailable, "event stream not available")
			return
		}
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "Streaming not supported", http.StatusInternalServerError)
			return
		}

		// Set SSE headers
		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.WriteHeader(http.StatusOK)
		flusher.Flush()

		events, cancel := s.deps.Events.Subscribe(clientBuffer)
		defer cancel()
		runID := r.URL.Query().Get("run")

		for {
			select {
			case <-r.Context().Done():
				return
			case ev, ok := <-events:
				if !ok {
					return
				}
				if !matches(ev, runID) {
					continue
				}
				data, err := json.Marshal(ev)
				if err != nil {
					continue
				}
				fmt.Fprintf(w, "event: %s\n", ev.Name)
				fmt.Fprintf(w, "data: %s\n\n", data)
				flusher.Flush()
			}
		}
	}
}

func (s *Server) wsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.deps.Events == nil {
			writeError(w, http.StatusServiceUnavailable, "event stream not available")
			return
		}
		conn, err := s.upgrader.Upgrade(w, r, nil)
		if err != nil {
			s.logger.Warn("websocket upgrade failed", zap.Error(err))
			return
		}
		s.streamEvents(conn, r.URL.Query().Get("run"))
	}
}

// streamEvents writes events to conn until the client goes away or the
// event source closes
func (s *Server) streamEvents(conn *websocket.Conn, runID string) {
	defer conn.Close()

	events, cancel := s.deps.Events.Subscribe(clientBuffer)
	defer cancel()

	// The read loop only exists to notice close frames and dead peers
	gone := make(chan struct{})
	conn.SetReadDeadline(time.Now().Add(2 * s.pingInterval))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(2 * s.pingInterval))
		return nil
	})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					s.logger.Debug("websocket read error", zap.Error(err))
				}
				return
			}
		}
	}()

	ping := time.NewTicker(s.pingInterval)
	defer ping.Stop()

	for {
		select {
		case <-gone:
			return
		case <-ping.C:
			conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case ev, ok := <-events:
			if !ok {
				conn.SetWriteDeadline(time.Now().Add(writeTimeout))
				conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"))
				return
			}
			if !matches(ev, runID) {
				continue
			}
			conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		}
	}
}
