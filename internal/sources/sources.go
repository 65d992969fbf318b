// Package sources adapts external signals into trigger candidates: spoken
// transcripts, remote gesture inference, the panic button, the hidden tap
// pads and geolocation samples. Adapter failures become non-qualifying
// candidates; sources that cannot work at all disable themselves.
package sources

import (
	"github.com/sweeney/guardian/internal/logic"
)

// Sink receives candidates. *session.Session satisfies it.
type Sink interface {
	Submit(c logic.Candidate) logic.Decision
	DisableSource(src logic.Source)
	SourceDisabled(src logic.Source) bool
}

// LocationSink receives location samples. *session.Session satisfies it.
type LocationSink interface {
	UpdateLocation(loc logic.Location)
}

// consumed reports whether a decision used up the evidence that produced it.
func consumed(v logic.Verdict) bool {
	switch v {
	case logic.VerdictPending, logic.VerdictRaised, logic.VerdictCancelled, logic.VerdictSuppressed:
		return true
	}
	return false
}
