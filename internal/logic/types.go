// Package logic contains the pure decision core of the guardian daemon:
// trigger qualification, the SOS lifecycle and the watchdog ladder.
// This package has NO external dependencies (no GPIO, MQTT, OS, or time.Sleep).
// Time is always injectable via time.Time parameters.
package logic

import (
	"fmt"
	"strconv"
	"time"
)

// Source identifies what caused a candidate or a raise.
type Source string

const (
	SourceDistressPassword Source = "distress_password"
	SourceVoice            Source = "voice"
	SourceGesture          Source = "gesture"
	SourceManual           Source = "manual"
	SourceHiddenSequence   Source = "hidden_sequence"
	SourceSafeTimer        Source = "safe_timer"
)

// Silent reports whether a raise from this source is silent by default.
// Silent raises never change what the person holding the device sees.
func (s Source) Silent() bool {
	return s == SourceDistressPassword || s == SourceHiddenSequence
}

// Candidate is a raw, unconfirmed observation from one signal source.
// Only the fields relevant to Source are read.
type Candidate struct {
	Source     Source
	Confidence float64   // gesture: 0..1
	ObservedAt time.Time // when the observation was made
	Transcript string    // voice: rolling transcript, lower-case
	Held       bool      // manual: one fixed hold tick, true while pressed
	Input      string    // hidden sequence: one discrete input token
	Err        error     // adapter failure; never qualifies
}

// Status is the canonical alert state.
type Status string

const (
	StatusIdle      Status = "IDLE"
	StatusActive    Status = "ACTIVE"
	StatusResolved  Status = "RESOLVED"
	StatusCancelled Status = "CANCELLED"
)

// Priority orders emergency contacts.
type Priority string

const (
	PriorityPrimary   Priority = "primary"
	PrioritySecondary Priority = "secondary"
	PriorityTertiary  Priority = "tertiary"
)

// Contact is an emergency contact.
type Contact struct {
	ID       string
	Name     string
	Phone    string
	Priority Priority
}

// PrimaryContacts returns the contacts marked primary, or the first contact
// when none is marked.
func PrimaryContacts(contacts []Contact) []Contact {
	var out []Contact
	for _, c := range contacts {
		if c.Priority == PriorityPrimary {
			out = append(out, c)
		}
	}
	if len(out) == 0 && len(contacts) > 0 {
		out = append(out, contacts[0])
	}
	return out
}

// ContactIDs returns the ids of contacts in order.
func ContactIDs(contacts []Contact) []string {
	ids := make([]string, 0, len(contacts))
	for _, c := range contacts {
		ids = append(ids, c.ID)
	}
	return ids
}

// Location is a single geolocation sample.
type Location struct {
	Lat       float64
	Lng       float64
	Accuracy  float64 // metres
	Timestamp time.Time
}

// MapsLink returns a shareable map link for the sample.
func (l Location) MapsLink() string {
	return "https://www.google.com/maps?q=" +
		strconv.FormatFloat(l.Lat, 'f', -1, 64) + "," +
		strconv.FormatFloat(l.Lng, 'f', -1, 64)
}

// AlertEvent is one alert from raise to resolution.
// Immutable once Status is no longer StatusActive.
type AlertEvent struct {
	ID              string
	StartedAt       time.Time
	ResolvedAt      *time.Time
	TriggerSource   Source
	Status          Status
	Silent          bool
	NotifiedTargets []string
	Location        *Location
}

// Clone returns a deep copy safe to hand to readers outside the owner.
func (e AlertEvent) Clone() AlertEvent {
	out := e
	if e.ResolvedAt != nil {
		t := *e.ResolvedAt
		out.ResolvedAt = &t
	}
	if e.Location != nil {
		l := *e.Location
		out.Location = &l
	}
	out.NotifiedTargets = append([]string(nil), e.NotifiedTargets...)
	return out
}

// Level is the ordinal severity of the watchdog response.
type Level int

const (
	LevelArmed   Level = 0 // counting down to the deadline
	LevelPrimary Level = 1 // silent notify primary contact
	LevelAll     Level = 2 // notify all contacts
	LevelRaised  Level = 3 // full alert raised
)

func (l Level) String() string {
	switch l {
	case LevelArmed:
		return "ARMED"
	case LevelPrimary:
		return "PRIMARY"
	case LevelAll:
		return "ALL_CONTACTS"
	case LevelRaised:
		return "RAISED"
	}
	return fmt.Sprintf("LEVEL_%d", int(l))
}
