package notify

import (
	"os/exec"
	"runtime"
	"strings"
	"sync"
	"time"
)

// DefaultDesktopCooldown suppresses repeats of the same notification, such
// as a hang reported for every silent session of a stalled cycle
const DefaultDesktopCooldown = 30 * time.Second

// DesktopNotifier shows notifications through notify-send or osascript
type DesktopNotifier struct {
	enabled  bool
	goos     string
	cooldown time.Duration
	run      func(name string, args ...string) error
	now      func() time.Time

	mu   sync.Mutex
	sent map[string]time.Time
}

func NewDesktopNotifier(enabled bool) *DesktopNotifier {
	return &DesktopNotifier{
		enabled:  enabled,
		goos:     runtime.GOOS,
		cooldown: DefaultDesktopCooldown,
		run:      func(name string, args ...string) error { return exec.Command(name, args...).Run() },
		now:      time.Now,
		sent:     make(map[string]time.Time),
	}
}

// Send shows the notification unless an identical one was shown within the
// cooldown. Unsupported platforms are a no-op.
func (d *DesktopNotifier) Send(n Notification) error {
	if !d.enabled {
		return nil
	}
	name, args, ok := desktopCommand(d.goos, n)
	if !ok || d.suppressed(n) {
		return nil
	}
	return d.run(name, args...)
}

func (d *DesktopNotifier) suppressed(n Notification) bool {
	key := n.Title + "\x00" + n.Subject()
	now := d.now()

	d.mu.Lock()
	defer d.mu.Unlock()
	if last, ok := d.sent[key]; ok && now.Sub(last) < d.cooldown {
		return true
	}
	d.sent[key] = now
	for k, t := range d.sent {
		if now.Sub(t) >= d.cooldown {
			delete(d.sent, k)
		}
	}
	return false
}

// desktopCommand builds the platform command showing n
func desktopCommand(goos string, n Notification) (string, []string, bool) {
	switch goos {
	case "darwin":
		script := `display notification "` + appleScriptQuote(n.Message) + `" with title "` + appleScriptQuote(n.Title) + `"`
		if subject := n.Subject(); subject != "" {
			script += ` subtitle "` + appleScriptQuote(subject) + `"`
		}
		return "osascript", []string{"-e", script}, true
	case "linux":
		body := n.Message
		if subject := n.Subject(); subject != "" {
			body = subject + "\n" + body
		}
		return "notify-send", []string{
			"--app-name", "claude-cycle",
			"--urgency", urgency(n.Type),
			"--icon", IconForType(n.Type),
			n.Title, body,
		}, true
	}
	return "", nil, false
}

func appleScriptQuote(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	return strings.ReplaceAll(s, `"`, `\"`)
}

func urgency(t NotificationType) string {
	switch t {
	case NotifyError:
		return "critical"
	case NotifyInfo:
		return "low"
	default:
		return "normal"
	}
}

// IconForType returns a freedesktop icon name for the notification type
func IconForType(t NotificationType) string {
	switch t {
	case NotifySuccess:
		return "dialog-positive"
	case NotifyWarning:
		return "dialog-warning"
	case NotifyError:
		return "dialog-error"
	default:
		return "dialog-information"
	}
}
