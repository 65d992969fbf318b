package session

import (
	"time"

	"go.uber.org/zap"

	"github.com/sweeney/guardian/internal/dispatch"
	"github.com/sweeney/guardian/internal/logic"
	"github.com/sweeney/guardian/internal/metrics"
)

// Arm starts the watchdog with deadline now+interval.
func (s *Session) Arm(interval time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	now := s.clock.Now()
	s.advanceLocked(now)
	if s.wd.Armed() {
		return ErrAlreadyArmed
	}
	if err := s.wd.Arm(now, interval); err != nil {
		return err
	}
	metrics.SetWatchdogLevel(int(logic.LevelArmed))
	s.log.Info("watchdog armed", zap.Duration("interval", interval))
	s.scheduleWatchdogLocked(now)
	return nil
}

// CheckIn resets the watchdog to level 0 with a fresh deadline. Levels that
// were already due at the time of the check-in are applied first, so a
// check-in after the grace deadline returns logic.ErrNotArmed.
func (s *Session) CheckIn() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	now := s.clock.Now()
	s.advanceLocked(now)
	if err := s.wd.CheckIn(now); err != nil {
		return err
	}
	metrics.CheckInsTotal.Inc()
	metrics.SetWatchdogLevel(int(logic.LevelArmed))
	s.log.Info("watchdog check-in", zap.Int("count", s.wd.State().Session.CheckInCount))
	s.scheduleWatchdogLocked(now)
	return nil
}

// Cancel disarms the watchdog.
func (s *Session) Cancel() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	now := s.clock.Now()
	s.advanceLocked(now)
	if err := s.wd.Cancel(); err != nil {
		return err
	}
	stopTimer(&s.wdTimer)
	metrics.SetWatchdogLevel(-1)
	s.log.Info("watchdog cancelled")
	return nil
}

// Extend adds d to the current deadline without resetting the level or the
// check-in count.
func (s *Session) Extend(d time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	now := s.clock.Now()
	s.advanceLocked(now)
	if err := s.wd.Extend(d); err != nil {
		return err
	}
	s.log.Info("watchdog extended", zap.Duration("by", d))
	s.scheduleWatchdogLocked(now)
	return nil
}

// scheduleWatchdogLocked replaces the watchdog timer with one for the next
// due level. The callback carries the schedule generation it was made for.
func (s *Session) scheduleWatchdogLocked(now time.Time) {
	stopTimer(&s.wdTimer)
	next, ok := s.wd.NextWake()
	if !ok || s.closed {
		return
	}
	gen := s.wd.Generation()
	s.wdTimer = s.clock.AfterFunc(nonNegative(next.Sub(now)), func() {
		s.onWatchdogTimer(gen)
	})
}

func (s *Session) onWatchdogTimer(gen uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || gen != s.wd.Generation() {
		return
	}
	now := s.clock.Now()
	s.advanceLocked(now)
	s.scheduleWatchdogLocked(now)
}

// advanceLocked applies every watchdog level due at now, in order.
func (s *Session) advanceLocked(now time.Time) {
	for _, step := range s.wd.Advance(now) {
		metrics.RecordEscalation(step.Level.String())
		s.log.Warn("watchdog escalation",
			zap.String("level", step.Level.String()),
			zap.Time("due", step.At))

		switch step.Level {
		case logic.LevelPrimary:
			metrics.SetWatchdogLevel(int(step.Level))
			primary := logic.PrimaryContacts(s.cfg.Contacts)
			s.notify.Enqueue(primary, dispatch.NewEscalation(step, s.location))
		case logic.LevelAll:
			metrics.SetWatchdogLevel(int(step.Level))
			s.notify.Enqueue(s.cfg.Contacts, dispatch.NewEscalation(step, s.location))
		case logic.LevelRaised:
			metrics.SetWatchdogLevel(-1)
			d := s.agg.Force(logic.SourceSafeTimer, step.At)
			s.recordDecision(logic.SourceSafeTimer, d)
			s.scheduleKeywordLocked(now)
			s.raiseLocked(logic.SourceSafeTimer, false, step.At, s.cfg.Contacts)
		}
	}
}
