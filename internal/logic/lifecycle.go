package logic

import (
	"errors"
	"time"
)

var (
	// ErrNoActiveAlert is returned when closing an alert that is not active.
	ErrNoActiveAlert = errors.New("no active alert")
	// ErrInvalidPin is returned when a cancel confirmation is not accepted.
	ErrInvalidPin = errors.New("invalid confirmation pin")
)

// CancelPolicy selects which confirmation codes may cancel an active alert.
type CancelPolicy string

const (
	// CancelPermissive accepts the overt code (Resolved) or any numeric
	// input of at least MinPinLength digits (Cancelled).
	CancelPermissive CancelPolicy = "permissive"
	// CancelStrict accepts only the overt code.
	CancelStrict CancelPolicy = "strict"
)

// MinPinLength is the shortest numeric input accepted as a confirmation.
const MinPinLength = 4

// ClassifyCancel decides the terminal status for a cancel attempt.
// overt reports whether pin equals the current overt code.
func ClassifyCancel(pin string, overt bool, policy CancelPolicy) (Status, error) {
	if overt {
		return StatusResolved, nil
	}
	if policy == CancelStrict {
		return "", ErrInvalidPin
	}
	if len(pin) < MinPinLength || !isDigits(pin) {
		return "", ErrInvalidPin
	}
	return StatusCancelled, nil
}

func isDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return s != ""
}

// RaiseRequest describes one raise.
type RaiseRequest struct {
	Source   Source
	At       time.Time
	Silent   bool
	Targets  []string
	Location *Location
}

// Lifecycle owns the canonical alert state: Idle -> Active -> Resolved|Cancelled.
// Terminal events are kept as the last event until the next raise replaces
// them. Not safe for concurrent use.
type Lifecycle struct {
	current *AlertEvent
	newID   func() string
}

// NewLifecycle creates an idle lifecycle that names new events with newID.
func NewLifecycle(newID func() string) *Lifecycle {
	return &Lifecycle{newID: newID}
}

// Status returns StatusActive while an alert is active, StatusIdle otherwise.
func (l *Lifecycle) Status() Status {
	if l.current != nil && l.current.Status == StatusActive {
		return StatusActive
	}
	return StatusIdle
}

// Raise moves Idle to Active and returns the new event with created=true.
// While Active it is idempotent: the active event is returned with new
// targets appended and created=false.
func (l *Lifecycle) Raise(req RaiseRequest) (AlertEvent, bool) {
	if l.Status() == StatusActive {
		l.current.NotifiedTargets = appendUnique(l.current.NotifiedTargets, req.Targets)
		if l.current.Location == nil && req.Location != nil {
			loc := *req.Location
			l.current.Location = &loc
		}
		return l.current.Clone(), false
	}
	ev := &AlertEvent{
		ID:              l.newID(),
		StartedAt:       req.At,
		TriggerSource:   req.Source,
		Status:          StatusActive,
		Silent:          req.Silent,
		NotifiedTargets: appendUnique(nil, req.Targets),
	}
	if req.Location != nil {
		loc := *req.Location
		ev.Location = &loc
	}
	l.current = ev
	return ev.Clone(), true
}

// Close moves the active event to a terminal status.
func (l *Lifecycle) Close(status Status, at time.Time) (AlertEvent, error) {
	if l.Status() != StatusActive {
		return AlertEvent{}, ErrNoActiveAlert
	}
	if status != StatusResolved && status != StatusCancelled {
		return AlertEvent{}, errors.New("close: status must be RESOLVED or CANCELLED")
	}
	resolved := at
	l.current.Status = status
	l.current.ResolvedAt = &resolved
	return l.current.Clone(), nil
}

// Locate updates the location of the active event. It is a no-op when idle.
func (l *Lifecycle) Locate(loc Location) bool {
	if l.Status() != StatusActive {
		return false
	}
	l.current.Location = &loc
	return true
}

// Current returns the active event, or the last terminal one.
func (l *Lifecycle) Current() (AlertEvent, bool) {
	if l.current == nil {
		return AlertEvent{}, false
	}
	return l.current.Clone(), true
}

func appendUnique(dst []string, add []string) []string {
	seen := make(map[string]bool, len(dst))
	for _, s := range dst {
		seen[s] = true
	}
	for _, s := range add {
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		dst = append(dst, s)
	}
	return dst
}
