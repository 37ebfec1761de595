package notify

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"
)

const (
	slackTimeout       = 10 * time.Second
	slackMaxRetryAfter = 30 * time.Second
)

// SlackNotifier posts notifications to an incoming webhook. A rate-limited
// post is retried once after the delay Slack asks for.
type SlackNotifier struct {
	webhookURL string
	client     *http.Client
	sleep      func(time.Duration)
}

// SlackMessage is the webhook payload
type SlackMessage struct {
	Text        string            `json:"text"`
	Attachments []SlackAttachment `json:"attachments,omitempty"`
}

// SlackAttachment carries the colored detail block of a message
type SlackAttachment struct {
	Fallback string       `json:"fallback,omitempty"`
	Color    string       `json:"color"`
	Title    string       `json:"title,omitempty"`
	Text     string       `json:"text,omitempty"`
	Fields   []SlackField `json:"fields,omitempty"`
	Footer   string       `json:"footer,omitempty"`
	Ts       int64        `json:"ts,omitempty"`
}

// SlackField is one short key/value pair of an attachment
type SlackField struct {
	Title string `json:"title"`
	Value string `json:"value"`
	Short bool   `json:"short"`
}

func NewSlackNotifier(webhookURL string) *SlackNotifier {
	return &SlackNotifier{
		webhookURL: webhookURL,
		client:     &http.Client{Timeout: slackTimeout},
		sleep:      time.Sleep,
	}
}

// SlackColor returns the attachment color for a notification type
func SlackColor(t NotificationType) string {
	switch t {
	case NotifySuccess:
		return "good"
	case NotifyWarning:
		return "warning"
	case NotifyError:
		return "danger"
	default:
		return "#439FE0"
	}
}

// NewSlackMessage lays a notification out as one attachment: the subject
// as title, the details as short fields
func NewSlackMessage(n Notification, at time.Time) SlackMessage {
	att := SlackAttachment{
		Fallback: n.Title + ": " + n.Message,
		Color:    SlackColor(n.Type),
		Title:    n.Subject(),
		Text:     n.Message,
		Footer:   "claude-cycle",
		Ts:       at.Unix(),
	}
	for _, f := range n.Fields {
		att.Fields = append(att.Fields, SlackField{Title: f.Name, Value: f.Value, Short: len(f.Value) <= 40})
	}
	return SlackMessage{Text: n.Title, Attachments: []SlackAttachment{att}}
}

// Send posts the notification. An empty webhook URL disables the notifier.
func (s *SlackNotifier) Send(n Notification) error {
	if s.webhookURL == "" {
		return nil
	}
	payload, err := json.Marshal(NewSlackMessage(n, time.Now()))
	if err != nil {
		return err
	}

	retryAfter, err := s.post(payload)
	if err != nil || retryAfter == 0 {
		return err
	}
	s.sleep(retryAfter)
	if _, err := s.post(payload); err != nil {
		return err
	}
	return nil
}

// post sends one request. A 429 answer returns the delay to wait before the
// retry instead of an error.
func (s *SlackNotifier) post(payload []byte) (time.Duration, error) {
	resp, err := s.client.Post(s.webhookURL, "application/json", bytes.NewReader(payload))
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
		return 0, nil
	case resp.StatusCode == http.StatusTooManyRequests:
		return retryDelay(resp.Header.Get("Retry-After")), nil
	default:
		return 0, fmt.Errorf("slack returned %d", resp.StatusCode)
	}
}

// retryDelay reads a Retry-After header in seconds, capped so a rate limit
// cannot stall the notification forwarder
func retryDelay(header string) time.Duration {
	secs, err := strconv.Atoi(header)
	if err != nil || secs < 1 {
		return time.Second
	}
	d := time.Duration(secs) * time.Second
	if d > slackMaxRetryAfter {
		return slackMaxRetryAfter
	}
	return d
}
