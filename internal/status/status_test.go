package status

import (
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sweeney/guardian/internal/logic"
	"github.com/sweeney/guardian/internal/session"
)

var start = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func armedSession() session.Snapshot {
	return session.Snapshot{
		UserID: "alice",
		Now:    start.Add(15 * time.Minute),
		Watchdog: logic.WatchdogState{
			Stage: logic.StageGrace,
			Session: &logic.WatchdogSession{
				ArmedAt:       start,
				Interval:      10 * time.Minute,
				Deadline:      start.Add(10 * time.Minute),
				GraceDeadline: start.Add(15 * time.Minute),
				Level:         logic.LevelPrimary,
				CheckInCount:  2,
			},
		},
		Aggregator: logic.AggregatorState{
			Disabled:      []logic.Source{logic.SourceGesture},
			CooldownUntil: start.Add(15*time.Minute + 5*time.Second),
		},
		Location:     &logic.Location{Lat: 51.5, Lng: -0.12, Accuracy: 8, Timestamp: start},
		Samples:      3,
		Contacts:     []logic.Contact{{ID: "c1"}, {ID: "c2"}},
		CancelPolicy: logic.CancelPermissive,
	}
}

func alertEvent(silent bool) *logic.AlertEvent {
	return &logic.AlertEvent{
		ID:              "ev-1",
		StartedAt:       start.Add(time.Minute),
		TriggerSource:   logic.SourceDistressPassword,
		Status:          logic.StatusActive,
		Silent:          silent,
		NotifiedTargets: []string{"c1", "c2"},
	}
}

func TestNewTracker(t *testing.T) {
	cfg := Config{UserID: "alice", TickMs: 100, Broker: "tcp://localhost:1883", HTTPAddr: ":8080"}
	tr := NewTracker(start, cfg)

	snap := tr.Snapshot()
	if !snap.StartTime.Equal(start) {
		t.Errorf("StartTime: got %v, want %v", snap.StartTime, start)
	}
	if snap.Config.TickMs != 100 {
		t.Errorf("Config.TickMs: got %d, want 100", snap.Config.TickMs)
	}
	if snap.Config.HTTPAddr != ":8080" {
		t.Errorf("Config.HTTPAddr: got %q, want %q", snap.Config.HTTPAddr, ":8080")
	}
	if snap.MQTTConnected {
		t.Error("expected MQTTConnected=false initially")
	}
	if snap.Session.Alert != nil {
		t.Error("expected no alert initially")
	}
}

func TestUpdateAndSnapshot(t *testing.T) {
	tr := NewTracker(start, Config{})
	tr.Update(armedSession())

	snap := tr.Snapshot()
	if snap.Session.Watchdog.Stage != logic.StageGrace {
		t.Errorf("Watchdog.Stage: got %q, want GRACE", snap.Session.Watchdog.Stage)
	}
	if snap.Session.Samples != 3 {
		t.Errorf("Samples: got %d, want 3", snap.Session.Samples)
	}
}

func TestSetMQTTConnected(t *testing.T) {
	tr := NewTracker(start, Config{})

	tr.SetMQTTConnected(true, 0)
	if !tr.Snapshot().MQTTConnected {
		t.Error("expected MQTTConnected=true")
	}

	tr.SetMQTTConnected(false, 4)
	snap := tr.Snapshot()
	if snap.MQTTConnected || snap.Buffered != 4 {
		t.Errorf("got connected=%v buffered=%d, want false 4", snap.MQTTConnected, snap.Buffered)
	}
}

func TestSetNetwork(t *testing.T) {
	tr := NewTracker(start, Config{})

	if tr.Snapshot().Network != nil {
		t.Error("expected nil Network initially")
	}

	tr.SetNetwork(&NetworkInfo{Type: "wifi", IP: "192.168.1.42", Status: "connected"})
	snap := tr.Snapshot()
	if snap.Network == nil || snap.Network.IP != "192.168.1.42" {
		t.Errorf("Network: got %+v", snap.Network)
	}
}

func TestSnapshotUptime(t *testing.T) {
	snap := Snapshot{StartTime: start, Now: start.Add(15 * time.Minute)}
	if snap.Uptime() != 15*time.Minute {
		t.Errorf("Uptime: got %v, want 15m", snap.Uptime())
	}
}

func TestSnapshotNowIsSet(t *testing.T) {
	tr := NewTracker(start, Config{})

	before := time.Now()
	snap := tr.Snapshot()
	after := time.Now()

	if snap.Now.Before(before) || snap.Now.After(after) {
		t.Errorf("Now (%v) not between %v and %v", snap.Now, before, after)
	}
}

func TestFormatJSON(t *testing.T) {
	snap := Snapshot{
		Session:       armedSession(),
		StartTime:     start,
		Now:           start.Add(15 * time.Minute),
		MQTTConnected: true,
		Config:        Config{UserID: "alice", TickMs: 100, HeartbeatMs: 900000, Broker: "tcp://localhost:1883"},
	}

	var parsed StatusJSON
	if err := json.Unmarshal(FormatJSON(snap), &parsed); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	st := parsed.Status

	if st.UserID != "alice" || st.UptimeSeconds != 900 || !st.MQTT.Connected {
		t.Errorf("header: %+v", st)
	}
	if st.Watchdog.Stage != "GRACE" || st.Watchdog.Level != "PRIMARY" || st.Watchdog.IntervalSeconds != 600 || st.Watchdog.CheckIns != 2 {
		t.Errorf("watchdog: %+v", st.Watchdog)
	}
	if st.Watchdog.GraceDeadline != "2026-01-01T00:15:00Z" {
		t.Errorf("grace deadline: %q", st.Watchdog.GraceDeadline)
	}
	if len(st.Sources.Disabled) != 1 || st.Sources.Disabled[0] != "gesture" {
		t.Errorf("disabled sources: %v", st.Sources.Disabled)
	}
	if st.Sources.CooldownUntil == "" {
		t.Error("expected cooldown_until while cooling down")
	}
	if st.Location == nil || st.Location.Samples != 3 || st.Location.Lat != 51.5 {
		t.Errorf("location: %+v", st.Location)
	}
	if st.Config.Contacts != 2 || st.Config.CancelPolicy != "permissive" {
		t.Errorf("config: %+v", st.Config)
	}
	if st.Event != "" || st.Reason != "" {
		t.Errorf("expected no event/reason for web format, got %q/%q", st.Event, st.Reason)
	}
}

func TestFormatJSONDisarmed(t *testing.T) {
	snap := Snapshot{StartTime: start, Now: start.Add(time.Second)}

	var parsed StatusJSON
	json.Unmarshal(FormatJSON(snap), &parsed)

	if parsed.Status.Watchdog.Stage != "DISARMED" {
		t.Errorf("Stage: got %q, want DISARMED", parsed.Status.Watchdog.Stage)
	}
	if parsed.Status.Sources.Disabled == nil {
		t.Error("disabled should encode as an empty list")
	}
	if parsed.Status.Alert != nil || parsed.Status.Location != nil {
		t.Error("expected no alert and no location")
	}
}

func TestFormatJSONHidesSilentAlert(t *testing.T) {
	snap := Snapshot{StartTime: start, Now: start.Add(2 * time.Minute)}
	snap.Session.Alert = alertEvent(true)

	data := FormatJSON(snap)
	if strings.Contains(string(data), "ev-1") || strings.Contains(string(data), "distress") {
		t.Errorf("silent alert leaked into web status: %s", data)
	}

	snap.Session.Alert = alertEvent(false)
	var parsed StatusJSON
	json.Unmarshal(FormatJSON(snap), &parsed)
	if parsed.Status.Alert == nil || parsed.Status.Alert.ID != "ev-1" {
		t.Errorf("overt alert missing: %+v", parsed.Status.Alert)
	}
}

func TestFormatStatusEventIncludesSilentAlert(t *testing.T) {
	snap := Snapshot{StartTime: start, Now: start.Add(15 * time.Minute)}
	snap.Session.Alert = alertEvent(true)
	resolved := start.Add(10 * time.Minute)
	snap.Session.Alert.ResolvedAt = &resolved
	snap.Session.Alert.Status = logic.StatusCancelled

	var parsed StatusJSON
	if err := json.Unmarshal(FormatStatusEvent(snap, "HEARTBEAT", ""), &parsed); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if parsed.Status.Event != "HEARTBEAT" {
		t.Errorf("Event: got %q, want HEARTBEAT", parsed.Status.Event)
	}
	a := parsed.Status.Alert
	if a == nil || !a.Silent || a.Status != "CANCELLED" || a.ResolvedAt != "2026-01-01T00:10:00Z" {
		t.Errorf("alert: %+v", a)
	}
	if len(a.Targets) != 2 {
		t.Errorf("targets: %v", a.Targets)
	}
}

func TestFormatStatusEventShutdown(t *testing.T) {
	snap := Snapshot{StartTime: start, Now: start.Add(30 * time.Minute)}

	var parsed StatusJSON
	if err := json.Unmarshal(FormatStatusEvent(snap, "SHUTDOWN", "SIGTERM"), &parsed); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if parsed.Status.Event != "SHUTDOWN" || parsed.Status.Reason != "SIGTERM" {
		t.Errorf("got %q/%q, want SHUTDOWN/SIGTERM", parsed.Status.Event, parsed.Status.Reason)
	}
}

func TestFormatStatusEventOmitsReasonWhenEmpty(t *testing.T) {
	snap := Snapshot{StartTime: start, Now: start.Add(time.Second)}

	var raw map[string]interface{}
	json.Unmarshal(FormatStatusEvent(snap, "STARTUP", ""), &raw)
	status := raw["status"].(map[string]interface{})
	if _, exists := status["reason"]; exists {
		t.Error("reason should be omitted when empty")
	}
	if status["event"] != "STARTUP" {
		t.Errorf("event: got %v, want STARTUP", status["event"])
	}
}

func TestFormatJSONWithNetwork(t *testing.T) {
	snap := Snapshot{
		StartTime: start,
		Now:       start.Add(time.Minute),
		Network:   &NetworkInfo{Type: "wifi", IP: "192.168.1.42", Status: "connected", SSID: "MyNet"},
	}

	var parsed StatusJSON
	json.Unmarshal(FormatJSON(snap), &parsed)

	if parsed.Status.Network == nil {
		t.Fatal("expected Network in JSON")
	}
	if parsed.Status.Network.SSID != "MyNet" {
		t.Errorf("Network.SSID: got %q, want MyNet", parsed.Status.Network.SSID)
	}
}

func TestConcurrentAccess(t *testing.T) {
	tr := NewTracker(time.Now(), Config{})
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 1000; i++ {
			tr.Update(session.Snapshot{Samples: i})
			tr.SetMQTTConnected(i%2 == 0, i)
			tr.SetNetwork(&NetworkInfo{IP: "1.2.3.4"})
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 1000; i++ {
			snap := tr.Snapshot()
			_ = snap.Uptime()
			_ = FormatJSON(snap)
		}
	}()

	wg.Wait()
}
