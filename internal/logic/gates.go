package logic

import (
	"strings"
	"time"
)

// Each gate is the debounce state for one signal source. Gates are values:
// Next returns the successor state and whether the candidate qualified.
// A gate in its zero value is fully reset.

// GestureGate counts consecutive polls at or above the confidence threshold.
type GestureGate struct {
	Consecutive int
}

// Next applies one poll result. Any poll below threshold resets the count.
func (g GestureGate) Next(confidence, threshold float64, need int) (GestureGate, bool) {
	if confidence < threshold {
		return GestureGate{}, false
	}
	g.Consecutive++
	if g.Consecutive >= need {
		return GestureGate{}, true
	}
	return g, false
}

// HoldGate counts fixed ticks of continuous press.
type HoldGate struct {
	Ticks int
	// Latched is set once the hold qualified and stays set until release,
	// so one long press qualifies exactly once.
	Latched bool
}

// Next applies one hold tick. Releasing resets progress to zero.
func (h HoldGate) Next(held bool, need int) (HoldGate, bool) {
	if !held {
		return HoldGate{}, false
	}
	if h.Latched {
		return h, false
	}
	h.Ticks++
	if h.Ticks >= need {
		return HoldGate{Latched: true}, true
	}
	return h, false
}

// Progress returns hold progress in [0,1].
func (h HoldGate) Progress(need int) float64 {
	if h.Latched || need <= 0 {
		return 1
	}
	return float64(h.Ticks) / float64(need)
}

// SequenceGate tracks how much of the secret input order has been matched.
type SequenceGate struct {
	Matched int
	LastAt  time.Time
}

// Next applies one discrete input observed at at. An out-of-order input or
// a gap of timeout or more since the previous input resets the sequence.
func (s SequenceGate) Next(input string, at time.Time, secret []string, timeout time.Duration) (SequenceGate, bool) {
	if len(secret) == 0 {
		return SequenceGate{}, false
	}
	if s.Matched > 0 && timeout > 0 && at.Sub(s.LastAt) >= timeout {
		s = SequenceGate{}
	}
	if input != secret[s.Matched] {
		return SequenceGate{}, false
	}
	s.Matched++
	s.LastAt = at
	if s.Matched == len(secret) {
		return SequenceGate{}, true
	}
	return s, false
}

// KeywordGate holds the pre-raise countdown started by a spoken keyword.
type KeywordGate struct {
	Pending  bool
	Keyword  string
	Deadline time.Time
}

// keywordStep is what a transcript did to the keyword gate.
type keywordStep int

const (
	keywordNone keywordStep = iota
	keywordStarted
	keywordCancelled
)

// Next applies one transcript observed at at. A cancel word only matters
// while a countdown is pending; a keyword while pending is ignored.
func (k KeywordGate) Next(transcript string, at time.Time, keywords []string, cancelWord string, countdown time.Duration) (KeywordGate, keywordStep) {
	text := strings.ToLower(transcript)
	if k.Pending {
		if cancelWord != "" && strings.Contains(text, strings.ToLower(cancelWord)) {
			return KeywordGate{}, keywordCancelled
		}
		return k, keywordNone
	}
	kw, ok := MatchKeyword(text, keywords)
	if !ok {
		return k, keywordNone
	}
	return KeywordGate{Pending: true, Keyword: kw, Deadline: at.Add(countdown)}, keywordStarted
}

// Expired reports whether a pending countdown has run out at now.
func (k KeywordGate) Expired(now time.Time) bool {
	return k.Pending && !now.Before(k.Deadline)
}

// MatchKeyword returns the first keyword contained in text,
// compared case-insensitively.
func MatchKeyword(text string, keywords []string) (string, bool) {
	text = strings.ToLower(text)
	for _, kw := range keywords {
		if kw == "" {
			continue
		}
		if strings.Contains(text, strings.ToLower(kw)) {
			return kw, true
		}
	}
	return "", false
}
