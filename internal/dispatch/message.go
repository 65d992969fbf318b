// Package dispatch delivers alert notifications to emergency contacts.
// Delivery is fire-and-forget from the caller's point of view: messages are
// queued and retried in the background, and failures are only logged.
package dispatch

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/sweeney/guardian/internal/logic"
)

// Severity orders notifications for the gateway.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Kind classifies a message.
type Kind string

const (
	KindAlert      Kind = "ALERT"      // an alert went Active
	KindEscalation Kind = "ESCALATION" // a watchdog level before the full raise
	KindSafe       Kind = "SAFE"       // the alert was resolved or cancelled
)

// Message is one notification as handed to a Notifier.
type Message struct {
	Kind     Kind
	AlertID  string
	Source   logic.Source
	Status   logic.Status
	Level    logic.Level
	Silent   bool
	At       time.Time
	Location *logic.Location
	Text     string
}

// Notifier delivers one message to a set of contacts. Implementations may
// block; the Dispatcher calls them from its own goroutine.
type Notifier interface {
	Notify(ctx context.Context, contacts []logic.Contact, msg Message, sev Severity) error
}

// NewAlert builds the message for an alert that just went Active.
func NewAlert(ev logic.AlertEvent) Message {
	return Message{
		Kind:     KindAlert,
		AlertID:  ev.ID,
		Source:   ev.TriggerSource,
		Status:   ev.Status,
		Level:    logic.LevelRaised,
		Silent:   ev.Silent,
		At:       ev.StartedAt,
		Location: copyLocation(ev.Location),
		Text:     alertText(ev.StartedAt, ev.Location),
	}
}

// NewEscalation builds the message for a watchdog level below the full raise.
func NewEscalation(step logic.Step, loc *logic.Location) Message {
	var b strings.Builder
	switch step.Level {
	case logic.LevelPrimary:
		fmt.Fprintf(&b, "SAFETY CHECK MISSED\n\nA scheduled safety check-in was missed at %s.", step.At.Format("15:04:05"))
	default:
		fmt.Fprintf(&b, "SAFETY CHECK STILL MISSED\n\nNo check-in since the deadline. A full emergency alert follows shortly unless they check in.")
	}
	if loc != nil {
		fmt.Fprintf(&b, "\n\nLast known location: %s", loc.MapsLink())
	}
	return Message{
		Kind:     KindEscalation,
		Source:   logic.SourceSafeTimer,
		Status:   logic.StatusIdle,
		Level:    step.Level,
		Silent:   step.Level == logic.LevelPrimary,
		At:       step.At,
		Location: copyLocation(loc),
		Text:     b.String(),
	}
}

// NewSafe builds the follow-up sent after an alert is resolved or cancelled.
func NewSafe(ev logic.AlertEvent) Message {
	at := ev.StartedAt
	if ev.ResolvedAt != nil {
		at = *ev.ResolvedAt
	}
	text := "I'M SAFE\n\nThe emergency alert has ended. I am safe now."
	if ev.Status == logic.StatusCancelled {
		text = "FALSE ALARM\n\nPlease disregard the previous emergency alert."
	}
	return Message{
		Kind:    KindSafe,
		AlertID: ev.ID,
		Source:  ev.TriggerSource,
		Status:  ev.Status,
		Silent:  ev.Silent,
		At:      at,
		Text:    text,
	}
}

// SeverityFor returns the severity the gateway should use for msg.
func SeverityFor(msg Message) Severity {
	switch msg.Kind {
	case KindSafe:
		return SeverityInfo
	case KindEscalation:
		if msg.Level == logic.LevelPrimary {
			return SeverityWarning
		}
	}
	return SeverityCritical
}

func alertText(at time.Time, loc *logic.Location) string {
	var b strings.Builder
	b.WriteString("EMERGENCY ALERT\n\nI need help!")
	if loc == nil {
		b.WriteString(" My location is unavailable.")
	} else {
		fmt.Fprintf(&b, " My current location:\n%.6f, %.6f\n\nMap: %s", loc.Lat, loc.Lng, loc.MapsLink())
	}
	fmt.Fprintf(&b, "\n\nTime: %s", at.Format("15:04:05"))
	if loc != nil && loc.Accuracy > 0 {
		fmt.Fprintf(&b, "\nAccuracy: ±%dm", int(math.Round(loc.Accuracy)))
	}
	return b.String()
}

func copyLocation(l *logic.Location) *logic.Location {
	if l == nil {
		return nil
	}
	c := *l
	return &c
}
