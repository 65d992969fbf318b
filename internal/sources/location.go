package sources

import (
	"sync"

	"go.uber.org/zap"

	"github.com/sweeney/guardian/internal/mqtt"
)

// LocationFeed decodes location samples from the phone and hands them to
// the session. Invalid samples are dropped.
type LocationFeed struct {
	sink LocationSink
	log  *zap.Logger

	mu       sync.Mutex
	accepted int
	rejected int
}

// NewLocationFeed creates a feed into sink.
func NewLocationFeed(sink LocationSink, log *zap.Logger) *LocationFeed {
	if log == nil {
		log = zap.NewNop()
	}
	return &LocationFeed{sink: sink, log: log.Named("location")}
}

// Handle is an mqtt.Handler for the location topic.
func (f *LocationFeed) Handle(_ string, payload []byte) {
	loc, err := mqtt.ParseLocation(payload)
	f.mu.Lock()
	if err != nil {
		f.rejected++
	} else {
		f.accepted++
	}
	f.mu.Unlock()
	if err != nil {
		f.log.Debug("location sample rejected", zap.Error(err))
		return
	}
	f.sink.UpdateLocation(loc)
}

// Counts returns the number of accepted and rejected samples.
func (f *LocationFeed) Counts() (accepted, rejected int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.accepted, f.rejected
}
