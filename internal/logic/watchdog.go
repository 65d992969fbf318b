package logic

import (
	"errors"
	"time"
)

var (
	// ErrNotArmed is returned by check-in, extend and cancel on a disarmed watchdog.
	ErrNotArmed = errors.New("watchdog not armed")
	// ErrInvalidInterval is returned for non-positive intervals and extensions.
	ErrInvalidInterval = errors.New("interval must be positive")
)

// WatchdogConfig holds the grace window layout.
type WatchdogConfig struct {
	// Grace is the time between a missed deadline and the full raise.
	Grace time.Duration
	// AllContactsAfter is the offset into grace at which all contacts are notified.
	AllContactsAfter time.Duration
}

// DefaultWatchdogConfig returns a 5 minute grace with level 2 at 1 minute.
func DefaultWatchdogConfig() WatchdogConfig {
	return WatchdogConfig{
		Grace:            5 * time.Minute,
		AllContactsAfter: time.Minute,
	}
}

// WatchdogSession exists only while the watchdog is armed.
type WatchdogSession struct {
	ArmedAt       time.Time
	Interval      time.Duration
	Deadline      time.Time
	GraceDeadline time.Time
	Level         Level
	CheckInCount  int
	LastCheckIn   time.Time
}

// Step is one escalation level reached, with the time it became due.
type Step struct {
	Level Level
	At    time.Time
}

// WatchdogStage summarises the watchdog for readers.
type WatchdogStage string

const (
	StageDisarmed WatchdogStage = "DISARMED"
	StageArmed    WatchdogStage = "ARMED"
	StageGrace    WatchdogStage = "GRACE"
	StageRaised   WatchdogStage = "RAISED"
)

// WatchdogState is a point-in-time copy of the watchdog.
type WatchdogState struct {
	Stage   WatchdogStage
	Session *WatchdogSession
}

// Watchdog is a dead-man's switch with a monotonic escalation ladder.
// Not safe for concurrent use.
type Watchdog struct {
	cfg     WatchdogConfig
	session *WatchdogSession
	raised  bool
	// generation changes whenever scheduled transitions become invalid.
	generation uint64
}

// NewWatchdog creates a disarmed watchdog.
func NewWatchdog(cfg WatchdogConfig) *Watchdog {
	return &Watchdog{cfg: cfg}
}

// Arm starts a new arming cycle with deadline now+interval, replacing any
// current cycle.
func (w *Watchdog) Arm(now time.Time, interval time.Duration) error {
	if interval <= 0 {
		return ErrInvalidInterval
	}
	deadline := now.Add(interval)
	w.session = &WatchdogSession{
		ArmedAt:       now,
		Interval:      interval,
		Deadline:      deadline,
		GraceDeadline: deadline.Add(w.cfg.Grace),
		LastCheckIn:   now,
	}
	w.raised = false
	w.generation++
	return nil
}

// CheckIn returns the ladder to level 0 with a fresh deadline.
// The caller must Advance to now first so a check-in can only win over
// transitions that were not yet due.
func (w *Watchdog) CheckIn(now time.Time) error {
	if w.session == nil {
		return ErrNotArmed
	}
	s := w.session
	s.Level = LevelArmed
	s.Deadline = now.Add(s.Interval)
	s.GraceDeadline = s.Deadline.Add(w.cfg.Grace)
	s.CheckInCount++
	s.LastCheckIn = now
	w.generation++
	return nil
}

// Extend adds d to the current deadline. Level and check-in count are kept.
func (w *Watchdog) Extend(d time.Duration) error {
	if w.session == nil {
		return ErrNotArmed
	}
	if d <= 0 {
		return ErrInvalidInterval
	}
	w.session.Deadline = w.session.Deadline.Add(d)
	w.session.GraceDeadline = w.session.GraceDeadline.Add(d)
	w.generation++
	return nil
}

// Cancel disarms the watchdog.
func (w *Watchdog) Cancel() error {
	if w.session == nil {
		return ErrNotArmed
	}
	w.session = nil
	w.generation++
	return nil
}

// Advance steps the ladder up to now and returns every level reached, in
// order. Reaching LevelRaised destroys the session.
func (w *Watchdog) Advance(now time.Time) []Step {
	if w.session == nil {
		return nil
	}
	var steps []Step
	for next := w.session.Level + 1; next <= LevelRaised; next++ {
		due := w.dueAt(next)
		if now.Before(due) {
			break
		}
		w.session.Level = next
		steps = append(steps, Step{Level: next, At: due})
	}
	if w.session.Level == LevelRaised {
		w.session = nil
		w.raised = true
		w.generation++
	}
	return steps
}

func (w *Watchdog) dueAt(l Level) time.Time {
	s := w.session
	switch l {
	case LevelPrimary:
		return s.Deadline
	case LevelAll:
		at := s.Deadline.Add(w.cfg.AllContactsAfter)
		if at.After(s.GraceDeadline) {
			return s.GraceDeadline
		}
		return at
	default:
		return s.GraceDeadline
	}
}

// NextWake returns when the next level becomes due.
func (w *Watchdog) NextWake() (time.Time, bool) {
	if w.session == nil || w.session.Level >= LevelRaised {
		return time.Time{}, false
	}
	return w.dueAt(w.session.Level + 1), true
}

// Generation identifies the current schedule. Any timer scheduled under an
// older generation must not act.
func (w *Watchdog) Generation() uint64 {
	return w.generation
}

// Armed reports whether a session exists.
func (w *Watchdog) Armed() bool {
	return w.session != nil
}

// State returns a copy of the watchdog.
func (w *Watchdog) State() WatchdogState {
	if w.session == nil {
		if w.raised {
			return WatchdogState{Stage: StageRaised}
		}
		return WatchdogState{Stage: StageDisarmed}
	}
	s := *w.session
	stage := StageArmed
	if s.Level > LevelArmed {
		stage = StageGrace
	}
	return WatchdogState{Stage: stage, Session: &s}
}
