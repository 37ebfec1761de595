// Package notify delivers orchestration events. Operator-facing messages go
// through a Notifier (desktop, Slack); the live event stream goes through a
// Broadcaster that never blocks its producers.
package notify

import (
	"errors"
	"strings"
)

// NotificationType represents the type of notification
type NotificationType int

const (
	NotifyInfo NotificationType = iota
	NotifySuccess
	NotifyWarning
	NotifyError
)

// Notification represents a notification to be sent
type Notification struct {
	Title      string
	Message    string
	Type       NotificationType
	RunID      string  // Optional run reference
	TaskID     string  // Optional task reference
	SessionKey string  // Optional agent session reference
	Fields     []Field // Details shown where the channel supports them
}

// Field is one labelled detail of a notification
type Field struct {
	Name  string
	Value string
}

// Subject names what the notification is about: run, task and session
// references joined by " / "
func (n Notification) Subject() string {
	var parts []string
	for _, p := range []string{n.RunID, n.TaskID, n.SessionKey} {
		if p != "" {
			parts = append(parts, p)
		}
	}
	return strings.Join(parts, " / ")
}

// Notifier is the interface for sending notifications
type Notifier interface {
	Send(n Notification) error
}

// MultiNotifier sends to multiple notifiers
type MultiNotifier struct {
	notifiers []Notifier
}

// NewMultiNotifier creates a notifier that sends to all provided notifiers
func NewMultiNotifier(notifiers ...Notifier) *MultiNotifier {
	return &MultiNotifier{notifiers: notifiers}
}

// Send sends the notification to all notifiers and joins their errors
func (m *MultiNotifier) Send(n Notification) error {
	var errs []error
	for _, notifier := range m.notifiers {
		if err := notifier.Send(n); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// NoopNotifier does nothing (for testing or disabled notifications)
type NoopNotifier struct{}

func (NoopNotifier) Send(n Notification) error { return nil }
