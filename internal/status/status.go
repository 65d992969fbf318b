// Package status provides a thread-safe status tracker for the guardian daemon.
// It is read by HTTP handlers and by the heartbeat publisher.
package status

import (
	"sync"
	"time"

	"github.com/sweeney/guardian/internal/session"
)

// NetworkInfo contains network state. This is a local copy to avoid
// importing internal/mqtt from status.
type NetworkInfo struct {
	Type       string
	IP         string
	Status     string
	Gateway    string
	WifiStatus string
	SSID       string
}

// Config contains daemon configuration for display.
type Config struct {
	UserID      string
	TickMs      int64
	HeartbeatMs int64
	Broker      string
	HTTPAddr    string
}

// Snapshot is a point-in-time view of daemon state.
// It is a value type and safe to use after the lock is released.
type Snapshot struct {
	Session       session.Snapshot
	StartTime     time.Time
	Now           time.Time
	MQTTConnected bool
	Buffered      int
	Network       *NetworkInfo
	Config        Config
}

// Uptime returns the duration since the daemon started.
func (s Snapshot) Uptime() time.Duration {
	return s.Now.Sub(s.StartTime)
}

// Tracker holds mutable daemon state behind an RWMutex.
type Tracker struct {
	mu   sync.RWMutex
	snap Snapshot
	now  func() time.Time
}

// NewTracker creates a Tracker with the given start time and config.
func NewTracker(startTime time.Time, cfg Config) *Tracker {
	return &Tracker{
		snap: Snapshot{
			StartTime: startTime,
			Config:    cfg,
		},
		now: time.Now,
	}
}

// Update stores the latest session snapshot. Called from runLoop on every tick.
func (t *Tracker) Update(s session.Snapshot) {
	t.mu.Lock()
	t.snap.Session = s
	t.mu.Unlock()
}

// SetMQTTConnected sets the MQTT connection status and the number of
// messages waiting for the broker.
func (t *Tracker) SetMQTTConnected(connected bool, buffered int) {
	t.mu.Lock()
	t.snap.MQTTConnected = connected
	t.snap.Buffered = buffered
	t.mu.Unlock()
}

// SetNetwork sets the network info.
func (t *Tracker) SetNetwork(info *NetworkInfo) {
	t.mu.Lock()
	t.snap.Network = info
	t.mu.Unlock()
}

// Snapshot returns a point-in-time copy of the daemon state.
// The Now field is set to the current time at the moment of the call.
func (t *Tracker) Snapshot() Snapshot {
	t.mu.RLock()
	s := t.snap
	t.mu.RUnlock()
	s.Now = t.now()
	return s
}
