// Package mqtt carries alerts to the dispatch gateway and receives the
// phone-originated transcript and location feeds over an MQTT broker.
package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sweeney/guardian/internal/dispatch"
	"github.com/sweeney/guardian/internal/logic"
)

// TopicRoot prefixes every topic.
const TopicRoot = "guardian"

// AlertTopic is where alert, escalation and safe messages are published for
// the dispatch gateway.
func AlertTopic(userID string) string { return TopicRoot + "/" + userID + "/alerts" }

// SystemTopic carries daemon lifecycle events.
func SystemTopic(userID string) string { return TopicRoot + "/" + userID + "/system" }

// TranscriptTopic is fed by the phone's speech recogniser.
func TranscriptTopic(userID string) string { return TopicRoot + "/" + userID + "/transcript" }

// LocationTopic is fed by the phone's geolocation provider.
func LocationTopic(userID string) string { return TopicRoot + "/" + userID + "/location" }

// Publisher publishes to the broker.
type Publisher interface {
	// Notify publishes one dispatch message. It satisfies dispatch.Notifier.
	Notify(ctx context.Context, contacts []logic.Contact, msg dispatch.Message, sev dispatch.Severity) error

	// PublishSystem sends a system lifecycle event to the broker.
	PublishSystem(event SystemEvent) error

	// Close disconnects from the broker.
	Close() error
}

// Handler receives one inbound message.
type Handler func(topic string, payload []byte)

// Subscriber delivers messages on a topic to a handler. Subscriptions
// survive reconnects.
type Subscriber interface {
	Subscribe(topic string, h Handler) error
}

// ConnectionStatus reports whether the MQTT connection is active.
type ConnectionStatus interface {
	IsConnected() bool
}

// SystemEvent represents a system lifecycle event (e.g., startup, shutdown, heartbeat).
type SystemEvent struct {
	Timestamp  time.Time
	Event      string // e.g., "STARTUP", "SHUTDOWN", "HEARTBEAT", "RECONNECTED"
	Reason     string // e.g., "SIGTERM", "SIGINT" (shutdown only)
	RawPayload []byte // Pre-formatted JSON payload; if set, FormatSystemPayload returns it directly
	Retained   bool   // Whether the message should be retained by the broker
}

// AlertPayload is the message consumed by the dispatch gateway.
type AlertPayload struct {
	Alert AlertBody `json:"alert"`
}

// AlertBody contains the notification details.
type AlertBody struct {
	Timestamp string           `json:"timestamp"`
	Kind      string           `json:"kind"`
	AlertID   string           `json:"alert_id,omitempty"`
	Source    string           `json:"source,omitempty"`
	Status    string           `json:"status,omitempty"`
	Level     int              `json:"level"`
	Silent    bool             `json:"silent"`
	Severity  string           `json:"severity"`
	Text      string           `json:"text"`
	Contacts  []ContactPayload `json:"contacts"`
	Location  *LocationPayload `json:"location,omitempty"`
}

// ContactPayload is one recipient.
type ContactPayload struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Phone    string `json:"phone"`
	Priority string `json:"priority,omitempty"`
}

// LocationPayload is a geolocation sample on the wire, in both directions.
type LocationPayload struct {
	Lat       float64 `json:"lat"`
	Lng       float64 `json:"lng"`
	Accuracy  float64 `json:"accuracy"`
	Timestamp string  `json:"timestamp,omitempty"`
	MapsLink  string  `json:"maps_link,omitempty"`
}

// FormatAlertPayload creates the JSON payload for a dispatch message.
func FormatAlertPayload(contacts []logic.Contact, msg dispatch.Message, sev dispatch.Severity) ([]byte, error) {
	body := AlertBody{
		Timestamp: msg.At.UTC().Format(time.RFC3339),
		Kind:      string(msg.Kind),
		AlertID:   msg.AlertID,
		Source:    string(msg.Source),
		Status:    string(msg.Status),
		Level:     int(msg.Level),
		Silent:    msg.Silent,
		Severity:  string(sev),
		Text:      msg.Text,
		Contacts:  make([]ContactPayload, 0, len(contacts)),
	}
	for _, c := range contacts {
		body.Contacts = append(body.Contacts, ContactPayload{
			ID:       c.ID,
			Name:     c.Name,
			Phone:    c.Phone,
			Priority: string(c.Priority),
		})
	}
	if l := msg.Location; l != nil {
		lp := &LocationPayload{
			Lat:      l.Lat,
			Lng:      l.Lng,
			Accuracy: l.Accuracy,
			MapsLink: l.MapsLink(),
		}
		if !l.Timestamp.IsZero() {
			lp.Timestamp = l.Timestamp.UTC().Format(time.RFC3339)
		}
		body.Location = lp
	}
	return json.Marshal(AlertPayload{Alert: body})
}

// SystemPayload represents the MQTT message payload for system events.
type SystemPayload struct {
	System SystemPayloadInner `json:"system"`
}

// SystemPayloadInner contains the system event details.
type SystemPayloadInner struct {
	Timestamp string `json:"timestamp"`
	Event     string `json:"event"`
	Reason    string `json:"reason,omitempty"`
}

// FormatSystemPayload creates the JSON payload for a system event.
// If event.RawPayload is set, it is returned directly (used for full status snapshots).
func FormatSystemPayload(event SystemEvent) ([]byte, error) {
	if event.RawPayload != nil {
		return event.RawPayload, nil
	}

	payload := SystemPayload{
		System: SystemPayloadInner{
			Timestamp: event.Timestamp.UTC().Format(time.RFC3339),
			Event:     event.Event,
			Reason:    event.Reason,
		},
	}
	return json.Marshal(payload)
}

// ErrInvalidLocation is returned for samples outside the valid ranges.
var ErrInvalidLocation = errors.New("invalid location sample")

// ParseLocation decodes a location sample published by the phone.
// A missing timestamp is left zero for the receiver to stamp.
func ParseLocation(payload []byte) (logic.Location, error) {
	var p LocationPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return logic.Location{}, fmt.Errorf("decode location: %w", err)
	}
	if p.Lat < -90 || p.Lat > 90 || p.Lng < -180 || p.Lng > 180 || p.Accuracy < 0 {
		return logic.Location{}, ErrInvalidLocation
	}
	loc := logic.Location{Lat: p.Lat, Lng: p.Lng, Accuracy: p.Accuracy}
	if p.Timestamp != "" {
		ts, err := time.Parse(time.RFC3339, p.Timestamp)
		if err != nil {
			return logic.Location{}, fmt.Errorf("decode location timestamp: %w", err)
		}
		loc.Timestamp = ts
	}
	return loc, nil
}

// TranscriptPayload is one recognised phrase from the speech recogniser.
type TranscriptPayload struct {
	Text  string `json:"text"`
	Final bool   `json:"final"`
}

// ParseTranscript decodes a transcript message. A payload that is not a
// JSON object is taken as plain text.
func ParseTranscript(payload []byte) (TranscriptPayload, error) {
	trimmed := strings.TrimSpace(string(payload))
	if !strings.HasPrefix(trimmed, "{") {
		return TranscriptPayload{Text: trimmed, Final: true}, nil
	}
	var p TranscriptPayload
	if err := json.Unmarshal([]byte(trimmed), &p); err != nil {
		return TranscriptPayload{}, fmt.Errorf("decode transcript: %w", err)
	}
	return p, nil
}
