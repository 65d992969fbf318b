// Package session owns one user's alerting state: the secret pair, the
// trigger aggregator, the alert lifecycle and the watchdog.
//
// Every decision is taken under one mutex, and the time of a decision is read
// from the clock while holding it, so lock order is timestamp order. Timers
// never act directly: a firing timer takes the lock, re-reads the clock and
// asks the pure state machines what is due. A timer that fires after the
// state it was scheduled for has changed is a no-op.
package session

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"k8s.io/utils/clock"

	"github.com/sweeney/guardian/internal/dispatch"
	"github.com/sweeney/guardian/internal/logic"
	"github.com/sweeney/guardian/internal/metrics"
	"github.com/sweeney/guardian/internal/secret"
)

var (
	// ErrAlreadyArmed is returned by Arm while a watchdog cycle is running.
	ErrAlreadyArmed = errors.New("watchdog already armed")
	// ErrSecretConflict is returned when the secrets changed during ChangeSecret.
	ErrSecretConflict = errors.New("secrets changed concurrently, retry")
	// ErrClosed is returned by operations on a closed session.
	ErrClosed = errors.New("session closed")
	// ErrSourceUnavailable is returned when enabling a source that has no
	// working adapter behind it.
	ErrSourceUnavailable = errors.New("signal source has no working adapter")
)

// Clock is the time source and timer factory. clock.RealClock satisfies it.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) clock.Timer
}

// Persister receives writes to apply in the background. It must not block.
type Persister interface {
	CreateAlertEvent(userID string, ev logic.AlertEvent)
	UpdateAlertEvent(id string, status logic.Status, resolvedAt time.Time)
	UpdateAlertTargets(id string, targets []string)
	UpdateAlertLocation(id string, loc logic.Location)
	SaveSecrets(userID string, s secret.Stored)
}

// Notifier queues a message for contacts. It must not block.
type Notifier interface {
	Enqueue(contacts []logic.Contact, msg dispatch.Message)
}

// Config holds the per-user settings.
type Config struct {
	UserID       string
	Contacts     []logic.Contact
	Aggregator   logic.AggregatorConfig
	Watchdog     logic.WatchdogConfig
	CancelPolicy logic.CancelPolicy
	// LocationHistory caps the number of retained location samples.
	LocationHistory int
}

// DefaultConfig returns the stock settings for userID.
func DefaultConfig(userID string) Config {
	return Config{
		UserID:          userID,
		Aggregator:      logic.DefaultAggregatorConfig(),
		Watchdog:        logic.DefaultWatchdogConfig(),
		CancelPolicy:    logic.CancelPermissive,
		LocationHistory: 100,
	}
}

// Deps are the session's collaborators. Zero fields get defaults: the real
// clock, a no-op logger, uuid ids, and discarding persister and notifier.
type Deps struct {
	Clock     Clock
	Logger    *zap.Logger
	Persister Persister
	Notifier  Notifier
	NewID     func() string
}

// Snapshot is a point-in-time copy of the session, safe to use after the
// lock is released.
type Snapshot struct {
	UserID       string
	Now          time.Time
	Alert        *logic.AlertEvent
	Watchdog     logic.WatchdogState
	Aggregator   logic.AggregatorState
	Location     *logic.Location
	Samples      int
	Contacts     []logic.Contact
	CancelPolicy logic.CancelPolicy
}

// Session is the single writer for one user's alerting state.
type Session struct {
	cfg     Config
	clock   Clock
	log     *zap.Logger
	persist Persister
	notify  Notifier

	mu       sync.Mutex
	secrets  *secret.Pair
	agg      *logic.Aggregator
	life     *logic.Lifecycle
	wd       *logic.Watchdog
	wdTimer  clock.Timer
	kwTimer  clock.Timer
	location *logic.Location
	history  []logic.Location
	detached map[logic.Source]bool
	closed   bool
}

// New creates a session for pair.
func New(cfg Config, pair *secret.Pair, deps Deps) *Session {
	if deps.Clock == nil {
		deps.Clock = clock.RealClock{}
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Persister == nil {
		deps.Persister = discard{}
	}
	if deps.Notifier == nil {
		deps.Notifier = discard{}
	}
	if deps.NewID == nil {
		deps.NewID = uuid.NewString
	}
	if cfg.CancelPolicy == "" {
		cfg.CancelPolicy = logic.CancelPermissive
	}
	if cfg.LocationHistory <= 0 {
		cfg.LocationHistory = 100
	}
	s := &Session{
		cfg:      cfg,
		clock:    deps.Clock,
		log:      deps.Logger.Named("session").With(zap.String("user", cfg.UserID)),
		persist:  deps.Persister,
		notify:   deps.Notifier,
		secrets:  pair,
		agg:      logic.NewAggregator(cfg.Aggregator),
		life:     logic.NewLifecycle(deps.NewID),
		wd:       logic.NewWatchdog(cfg.Watchdog),
		detached: make(map[logic.Source]bool),
	}
	for _, src := range allSources {
		metrics.SetSourceEnabled(string(src), true)
	}
	return s
}

var allSources = []logic.Source{
	logic.SourceVoice,
	logic.SourceGesture,
	logic.SourceManual,
	logic.SourceHiddenSequence,
}

// Close stops all timers. Later timer firings are no-ops.
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	stopTimer(&s.wdTimer)
	stopTimer(&s.kwTimer)
}

func (s *Session) pair() *secret.Pair {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.secrets
}

// Resolve maps code to Overt, Covert or Invalid. Covert also raises a
// silent alert with source distress_password. Callers must present all
// three outcomes through the same code path.
func (s *Session) Resolve(code string) secret.Outcome {
	out := s.pair().Resolve(code)
	if out == secret.Covert {
		s.force(logic.SourceDistressPassword, true)
	}
	return out
}

// TriggerManual raises an alert from an explicit user action. It is not
// subject to the trigger cooldown, and is idempotent while an alert is
// active.
func (s *Session) TriggerManual(silent bool) (logic.AlertEvent, error) {
	return s.force(logic.SourceManual, silent)
}

func (s *Session) force(source logic.Source, silent bool) (logic.AlertEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return logic.AlertEvent{}, ErrClosed
	}
	now := s.clock.Now()
	d := s.agg.Force(source, now)
	s.recordDecision(source, d)
	s.scheduleKeywordLocked(now)
	return s.raiseLocked(source, silent, now, s.cfg.Contacts), nil
}

// Submit hands one candidate to the aggregator. A zero ObservedAt is
// stamped with the session clock.
func (s *Session) Submit(c logic.Candidate) logic.Decision {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return logic.Decision{Verdict: logic.VerdictIgnored, Source: c.Source}
	}
	now := s.clock.Now()
	if c.ObservedAt.IsZero() {
		c.ObservedAt = now
	}
	d := s.agg.Submit(c)
	s.recordDecision(c.Source, d)
	if d.Raise {
		s.raiseLocked(d.Source, d.Silent, d.At, s.cfg.Contacts)
	}
	if d.Verdict == logic.VerdictError && c.Err != nil {
		s.log.Debug("source reported an error", zap.String("source", string(c.Source)), zap.Error(c.Err))
	}
	s.scheduleKeywordLocked(now)
	return d
}

func (s *Session) recordDecision(source logic.Source, d logic.Decision) {
	metrics.RecordCandidate(string(source), string(d.Verdict))
	if d.Raise {
		metrics.RecordRaise(string(d.Source))
	}
}

// raiseLocked moves the lifecycle to Active, or extends the active event's
// targets. Contacts not notified before are sent the alert.
func (s *Session) raiseLocked(source logic.Source, silent bool, at time.Time, contacts []logic.Contact) logic.AlertEvent {
	var before []string
	if prev, ok := s.life.Current(); ok && prev.Status == logic.StatusActive {
		before = prev.NotifiedTargets
	}
	ev, created := s.life.Raise(logic.RaiseRequest{
		Source:   source,
		At:       at,
		Silent:   silent,
		Targets:  logic.ContactIDs(contacts),
		Location: s.location,
	})
	if created {
		metrics.RecordAlertStatus(string(logic.StatusActive), true)
		s.log.Info("alert raised",
			zap.String("alert_id", ev.ID),
			zap.String("source", string(source)),
			zap.Bool("silent", silent))
		s.persist.CreateAlertEvent(s.cfg.UserID, ev)
		s.notify.Enqueue(contacts, dispatch.NewAlert(ev))
		return ev
	}

	added := newContacts(contacts, before)
	if len(added) > 0 {
		s.log.Info("alert targets extended",
			zap.String("alert_id", ev.ID),
			zap.String("source", string(source)),
			zap.Int("added", len(added)))
		s.persist.UpdateAlertTargets(ev.ID, ev.NotifiedTargets)
		s.notify.Enqueue(added, dispatch.NewAlert(ev))
	}
	return ev
}

// CancelAlert ends the active alert. The overt code resolves it; under the
// permissive policy any other numeric input of at least four digits cancels
// it. Contacts that were notified get a follow-up.
func (s *Session) CancelAlert(pin string) (logic.AlertEvent, error) {
	overt := s.pair().IsOvert(pin)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return logic.AlertEvent{}, ErrClosed
	}
	if s.life.Status() != logic.StatusActive {
		return logic.AlertEvent{}, logic.ErrNoActiveAlert
	}
	status, err := logic.ClassifyCancel(pin, overt, s.cfg.CancelPolicy)
	if err != nil {
		return logic.AlertEvent{}, err
	}
	now := s.clock.Now()
	ev, err := s.life.Close(status, now)
	if err != nil {
		return logic.AlertEvent{}, err
	}
	metrics.RecordAlertStatus(string(status), false)
	s.log.Info("alert closed", zap.String("alert_id", ev.ID), zap.String("status", string(status)))
	s.persist.UpdateAlertEvent(ev.ID, status, now)
	s.notify.Enqueue(s.contactsByID(ev.NotifiedTargets), dispatch.NewSafe(ev))
	return ev, nil
}

// ChangeSecret replaces the overt or covert code.
func (s *Session) ChangeSecret(kind secret.Kind, current, next string) error {
	old := s.pair()
	updated, err := old.Change(kind, current, next)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if s.secrets != old {
		return ErrSecretConflict
	}
	s.secrets = updated
	s.log.Info("secret changed", zap.String("kind", string(kind)))
	s.persist.SaveSecrets(s.cfg.UserID, updated.Stored())
	return nil
}

// UpdateLocation records a geolocation sample. The latest sample enriches
// alerts and escalation messages.
func (s *Session) UpdateLocation(loc logic.Location) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if loc.Timestamp.IsZero() {
		loc.Timestamp = s.clock.Now()
	}
	s.location = &loc
	s.history = append(s.history, loc)
	if over := len(s.history) - s.cfg.LocationHistory; over > 0 {
		s.history = append([]logic.Location(nil), s.history[over:]...)
	}
	if s.life.Locate(loc) {
		if ev, ok := s.life.Current(); ok {
			s.persist.UpdateAlertLocation(ev.ID, loc)
		}
	}
}

// LocationHistory returns the retained samples, oldest first.
func (s *Session) LocationHistory() []logic.Location {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]logic.Location(nil), s.history...)
}

// DisableSource stops a signal source from contributing, for example when
// the device refused access to it. EnableSource can re-admit it.
func (s *Session) DisableSource(src logic.Source) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.disableLocked(src)
}

// DetachSource disables a source that has no adapter running, because it
// was switched off in the config or its device could not be opened. It
// cannot be re-enabled until restart.
func (s *Session) DetachSource(src logic.Source) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.detached[src] = true
	s.disableLocked(src)
}

func (s *Session) disableLocked(src logic.Source) {
	if s.agg.Disabled(src) {
		return
	}
	s.agg.Disable(src)
	if src == logic.SourceVoice {
		s.scheduleKeywordLocked(s.clock.Now())
	}
	metrics.SetSourceEnabled(string(src), false)
	s.log.Warn("signal source disabled", zap.String("source", string(src)))
}

// EnableSource re-admits a disabled source.
func (s *Session) EnableSource(src logic.Source) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.detached[src] {
		return ErrSourceUnavailable
	}
	if !s.agg.Disabled(src) {
		return nil
	}
	s.agg.Enable(src)
	metrics.SetSourceEnabled(string(src), true)
	s.log.Info("signal source enabled", zap.String("source", string(src)))
	return nil
}

// SourceDisabled reports whether src is currently kept out of the
// aggregator.
func (s *Session) SourceDisabled(src logic.Source) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.agg.Disabled(src)
}

// CurrentAlertEvent returns the active alert, or the last terminal one.
func (s *Session) CurrentAlertEvent() (logic.AlertEvent, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.life.Current()
}

// CurrentWatchdogState returns a copy of the watchdog.
func (s *Session) CurrentWatchdogState() logic.WatchdogState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.wd.State()
}

// Snapshot returns a copy of the whole session.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := Snapshot{
		UserID:       s.cfg.UserID,
		Now:          s.clock.Now(),
		Watchdog:     s.wd.State(),
		Aggregator:   s.agg.State(),
		Samples:      len(s.history),
		Contacts:     append([]logic.Contact(nil), s.cfg.Contacts...),
		CancelPolicy: s.cfg.CancelPolicy,
	}
	if ev, ok := s.life.Current(); ok {
		snap.Alert = &ev
	}
	if s.location != nil {
		loc := *s.location
		snap.Location = &loc
	}
	return snap
}

// scheduleKeywordLocked keeps one timer for a running keyword countdown.
func (s *Session) scheduleKeywordLocked(now time.Time) {
	stopTimer(&s.kwTimer)
	until, pending := s.agg.PendingUntil()
	if !pending || s.closed {
		return
	}
	s.kwTimer = s.clock.AfterFunc(nonNegative(until.Sub(now)), s.onKeywordTimer)
}

func (s *Session) onKeywordTimer() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	now := s.clock.Now()
	d := s.agg.Poll(now)
	if d.Raise {
		s.recordDecision(logic.SourceVoice, d)
		s.raiseLocked(d.Source, d.Silent, d.At, s.cfg.Contacts)
	}
	s.scheduleKeywordLocked(now)
}

func (s *Session) contactsByID(ids []string) []logic.Contact {
	want := make(map[string]bool, len(ids))
	for _, id := range ids {
		want[id] = true
	}
	var out []logic.Contact
	for _, c := range s.cfg.Contacts {
		if want[c.ID] {
			out = append(out, c)
		}
	}
	return out
}

func newContacts(contacts []logic.Contact, notified []string) []logic.Contact {
	seen := make(map[string]bool, len(notified))
	for _, id := range notified {
		seen[id] = true
	}
	var out []logic.Contact
	for _, c := range contacts {
		if !seen[c.ID] {
			out = append(out, c)
		}
	}
	return out
}

func stopTimer(t *clock.Timer) {
	if *t != nil {
		(*t).Stop()
		*t = nil
	}
}

func nonNegative(d time.Duration) time.Duration {
	if d < 0 {
		return 0
	}
	return d
}

type discard struct{}

func (discard) CreateAlertEvent(string, logic.AlertEvent) {}
func (discard) UpdateAlertEvent(string, logic.Status, time.Time) {}
func (discard) UpdateAlertTargets(string, []string) {}
func (discard) UpdateAlertLocation(string, logic.Location) {}
func (discard) SaveSecrets(string, secret.Stored) {}
func (discard) Enqueue([]logic.Contact, dispatch.Message) {}
