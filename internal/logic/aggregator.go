package logic

import (
	"sort"
	"time"
)

// AggregatorConfig holds the qualification rules for every signal source.
type AggregatorConfig struct {
	Keywords   []string
	CancelWord string
	// Countdown is the pre-raise window after a keyword, during which the
	// cancel word aborts. Zero raises on the keyword itself.
	Countdown time.Duration

	GestureThreshold   float64
	GestureConsecutive int

	HoldTicks int

	Sequence        []string
	SequenceTimeout time.Duration

	// Cooldown suppresses raises from all sources after any raise.
	Cooldown time.Duration
}

// DefaultAggregatorConfig returns the stock qualification rules.
func DefaultAggregatorConfig() AggregatorConfig {
	return AggregatorConfig{
		Keywords:           []string{"help", "emergency", "sos", "call 911", "save me"},
		CancelWord:         "cancel",
		Countdown:          3 * time.Second,
		GestureThreshold:   0.7,
		GestureConsecutive: 2,
		HoldTicks:          20,
		Sequence:           []string{"tl", "tr", "bl", "br"},
		SequenceTimeout:    3 * time.Second,
		Cooldown:           10 * time.Second,
	}
}

// Verdict is what the aggregator did with one candidate.
type Verdict string

const (
	VerdictRejected   Verdict = "rejected"   // did not qualify (yet)
	VerdictRaised     Verdict = "raised"     // qualified and raised
	VerdictPending    Verdict = "pending"    // keyword countdown started
	VerdictCancelled  Verdict = "cancelled"  // keyword countdown aborted
	VerdictSuppressed Verdict = "suppressed" // qualified during global cooldown
	VerdictIgnored    Verdict = "ignored"    // source disabled
	VerdictError      Verdict = "error"      // adapter reported a failure
)

// Decision is the result of Submit or Poll.
type Decision struct {
	Verdict Verdict
	// Raise is set when the caller must raise an alert for Source.
	Raise  bool
	Source Source
	Silent bool
	At     time.Time
	// Keyword and PendingUntil describe a started countdown.
	Keyword      string
	PendingUntil time.Time
}

// AggregatorState is a point-in-time copy of the aggregator's debounce state.
type AggregatorState struct {
	Keyword       KeywordGate
	Gesture       GestureGate
	Hold          HoldGate
	Sequence      SequenceGate
	CooldownUntil time.Time
	Disabled      []Source
	Raises        map[Source]int
}

// Aggregator debounces candidates from all sources into single raise
// decisions. Not safe for concurrent use; the owning session serializes.
type Aggregator struct {
	cfg           AggregatorConfig
	keyword       KeywordGate
	gesture       GestureGate
	hold          HoldGate
	sequence      SequenceGate
	cooldownUntil time.Time
	disabled      map[Source]bool
	raises        map[Source]int
}

// NewAggregator creates an aggregator with the given rules.
func NewAggregator(cfg AggregatorConfig) *Aggregator {
	return &Aggregator{
		cfg:      cfg,
		disabled: make(map[Source]bool),
		raises:   make(map[Source]int),
	}
}

// Submit processes one candidate. An expired keyword countdown older than
// the candidate is resolved first, so decisions follow observation order.
func (a *Aggregator) Submit(c Candidate) Decision {
	at := c.ObservedAt
	if d := a.Poll(at); d.Raise {
		return d
	}

	if a.disabled[c.Source] {
		return Decision{Verdict: VerdictIgnored, Source: c.Source, At: at}
	}
	if c.Err != nil {
		// A failed poll breaks a streak, but a recogniser hiccup must not
		// abort a keyword countdown.
		if c.Source != SourceVoice {
			a.resetSource(c.Source)
		}
		return Decision{Verdict: VerdictError, Source: c.Source, At: at}
	}

	qualified := false
	switch c.Source {
	case SourceVoice:
		return a.submitVoice(c)
	case SourceGesture:
		a.gesture, qualified = a.gesture.Next(c.Confidence, a.cfg.GestureThreshold, a.cfg.GestureConsecutive)
	case SourceManual:
		a.hold, qualified = a.hold.Next(c.Held, a.cfg.HoldTicks)
	case SourceHiddenSequence:
		a.sequence, qualified = a.sequence.Next(c.Input, at, a.cfg.Sequence, a.cfg.SequenceTimeout)
	default:
		return Decision{Verdict: VerdictIgnored, Source: c.Source, At: at}
	}
	if !qualified {
		return Decision{Verdict: VerdictRejected, Source: c.Source, At: at}
	}
	return a.raise(c.Source, at)
}

func (a *Aggregator) submitVoice(c Candidate) Decision {
	at := c.ObservedAt
	if !a.keyword.Pending && a.CoolingDown(at) {
		if _, ok := MatchKeyword(c.Transcript, a.cfg.Keywords); ok {
			return Decision{Verdict: VerdictSuppressed, Source: SourceVoice, At: at}
		}
		return Decision{Verdict: VerdictRejected, Source: SourceVoice, At: at}
	}

	next, step := a.keyword.Next(c.Transcript, at, a.cfg.Keywords, a.cfg.CancelWord, a.cfg.Countdown)
	a.keyword = next
	switch step {
	case keywordCancelled:
		return Decision{Verdict: VerdictCancelled, Source: SourceVoice, At: at}
	case keywordStarted:
		if a.cfg.Countdown <= 0 {
			return a.raise(SourceVoice, at)
		}
		return Decision{
			Verdict:      VerdictPending,
			Source:       SourceVoice,
			At:           at,
			Keyword:      next.Keyword,
			PendingUntil: next.Deadline,
		}
	}
	return Decision{Verdict: VerdictRejected, Source: SourceVoice, At: at}
}

// Poll fires a keyword countdown that has run out at now.
// It returns a zero Decision when nothing is due.
func (a *Aggregator) Poll(now time.Time) Decision {
	if !a.keyword.Expired(now) {
		return Decision{}
	}
	at := a.keyword.Deadline
	a.keyword = KeywordGate{}
	return a.raise(SourceVoice, at)
}

// Force raises for source at now without any qualification rule.
// Used for explicit human actions; it ignores and then restarts the cooldown.
func (a *Aggregator) Force(source Source, now time.Time) Decision {
	a.cooldownUntil = time.Time{}
	return a.raise(source, now)
}

func (a *Aggregator) raise(source Source, at time.Time) Decision {
	if a.CoolingDown(at) {
		return Decision{Verdict: VerdictSuppressed, Source: source, At: at}
	}
	a.keyword = KeywordGate{}
	a.gesture = GestureGate{}
	a.sequence = SequenceGate{}
	if source != SourceManual {
		a.hold = HoldGate{}
	}
	a.cooldownUntil = at.Add(a.cfg.Cooldown)
	a.raises[source]++
	return Decision{
		Verdict: VerdictRaised,
		Raise:   true,
		Source:  source,
		Silent:  source.Silent(),
		At:      at,
	}
}

// CoolingDown reports whether raises are suppressed at now.
func (a *Aggregator) CoolingDown(now time.Time) bool {
	return now.Before(a.cooldownUntil)
}

// PendingUntil returns the deadline of a running keyword countdown.
func (a *Aggregator) PendingUntil() (time.Time, bool) {
	return a.keyword.Deadline, a.keyword.Pending
}

// Disable stops a source from contributing; its progress is discarded.
func (a *Aggregator) Disable(source Source) {
	a.disabled[source] = true
	a.resetSource(source)
}

// Enable re-admits a disabled source.
func (a *Aggregator) Enable(source Source) {
	delete(a.disabled, source)
}

// Disabled reports whether source is disabled.
func (a *Aggregator) Disabled(source Source) bool {
	return a.disabled[source]
}

func (a *Aggregator) resetSource(source Source) {
	switch source {
	case SourceVoice:
		a.keyword = KeywordGate{}
	case SourceGesture:
		a.gesture = GestureGate{}
	case SourceManual:
		a.hold = HoldGate{}
	case SourceHiddenSequence:
		a.sequence = SequenceGate{}
	}
}

// State returns a copy of the debounce state.
func (a *Aggregator) State() AggregatorState {
	s := AggregatorState{
		Keyword:       a.keyword,
		Gesture:       a.gesture,
		Hold:          a.hold,
		Sequence:      a.sequence,
		CooldownUntil: a.cooldownUntil,
		Raises:        make(map[Source]int, len(a.raises)),
	}
	for src := range a.disabled {
		s.Disabled = append(s.Disabled, src)
	}
	sort.Slice(s.Disabled, func(i, j int) bool { return s.Disabled[i] < s.Disabled[j] })
	for src, n := range a.raises {
		s.Raises[src] = n
	}
	return s
}
