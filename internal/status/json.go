package status

import (
	"encoding/json"
	"time"

	"github.com/sweeney/guardian/internal/logic"
)

// StatusJSON is the top-level JSON envelope for status output.
type StatusJSON struct {
	Status StatusInner `json:"status"`
}

// StatusInner contains the status details.
type StatusInner struct {
	Event         string        `json:"event,omitempty"`
	Reason        string        `json:"reason,omitempty"`
	UserID        string        `json:"user_id"`
	UptimeSeconds int64         `json:"uptime_seconds"`
	StartTime     string        `json:"start_time"`
	Timestamp     string        `json:"timestamp"`
	MQTT          MQTTStatus    `json:"mqtt"`
	Alert         *AlertJSON    `json:"alert,omitempty"`
	Watchdog      WatchdogJSON  `json:"watchdog"`
	Sources       SourcesJSON   `json:"sources"`
	Location      *LocationJSON `json:"location,omitempty"`
	Network       *NetworkJSON  `json:"network,omitempty"`
	Config        ConfigJSON    `json:"config"`
}

// MQTTStatus reports MQTT connection state.
type MQTTStatus struct {
	Connected bool   `json:"connected"`
	Broker    string `json:"broker"`
	Buffered  int    `json:"buffered"`
}

// AlertJSON is the JSON representation of the current alert event.
type AlertJSON struct {
	ID         string   `json:"id"`
	Status     string   `json:"status"`
	Source     string   `json:"source"`
	Silent     bool     `json:"silent"`
	StartedAt  string   `json:"started_at"`
	ResolvedAt string   `json:"resolved_at,omitempty"`
	Targets    []string `json:"targets"`
}

// WatchdogJSON is the JSON representation of the watchdog.
type WatchdogJSON struct {
	Stage           string `json:"stage"`
	Level           string `json:"level,omitempty"`
	IntervalSeconds int64  `json:"interval_seconds,omitempty"`
	Deadline        string `json:"deadline,omitempty"`
	GraceDeadline   string `json:"grace_deadline,omitempty"`
	CheckIns        int    `json:"check_ins"`
}

// SourcesJSON reports signal source state.
type SourcesJSON struct {
	Disabled       []string `json:"disabled"`
	CooldownUntil  string   `json:"cooldown_until,omitempty"`
	KeywordPending bool     `json:"keyword_pending"`
}

// LocationJSON is the JSON representation of the last location sample.
type LocationJSON struct {
	Lat       float64 `json:"lat"`
	Lng       float64 `json:"lng"`
	Accuracy  float64 `json:"accuracy"`
	Timestamp string  `json:"timestamp"`
	Samples   int     `json:"samples"`
}

// NetworkJSON is the JSON representation of network info.
type NetworkJSON struct {
	Type       string `json:"type"`
	IP         string `json:"ip"`
	Status     string `json:"status"`
	Gateway    string `json:"gateway"`
	WifiStatus string `json:"wifi_status"`
	SSID       string `json:"ssid"`
}

// ConfigJSON is the JSON representation of daemon config.
type ConfigJSON struct {
	TickMs       int64  `json:"tick_ms"`
	HeartbeatMs  int64  `json:"heartbeat_ms"`
	Broker       string `json:"broker"`
	HTTPAddr     string `json:"http_addr"`
	CancelPolicy string `json:"cancel_policy"`
	Contacts     int    `json:"contacts"`
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func buildInner(snap Snapshot) StatusInner {
	sess := snap.Session
	inner := StatusInner{
		UserID:        snap.Config.UserID,
		UptimeSeconds: int64(snap.Uptime().Truncate(time.Second).Seconds()),
		StartTime:     formatTime(snap.StartTime),
		Timestamp:     formatTime(snap.Now),
		MQTT:          MQTTStatus{Connected: snap.MQTTConnected, Broker: snap.Config.Broker, Buffered: snap.Buffered},
		Watchdog:      WatchdogJSON{Stage: string(sess.Watchdog.Stage)},
		Sources: SourcesJSON{
			Disabled:       []string{},
			KeywordPending: sess.Aggregator.Keyword.Pending,
		},
		Config: ConfigJSON{
			TickMs:       snap.Config.TickMs,
			HeartbeatMs:  snap.Config.HeartbeatMs,
			Broker:       snap.Config.Broker,
			HTTPAddr:     snap.Config.HTTPAddr,
			CancelPolicy: string(sess.CancelPolicy),
			Contacts:     len(sess.Contacts),
		},
	}
	if inner.Watchdog.Stage == "" {
		inner.Watchdog.Stage = string(logic.StageDisarmed)
	}
	if ws := sess.Watchdog.Session; ws != nil {
		inner.Watchdog.Level = ws.Level.String()
		inner.Watchdog.IntervalSeconds = int64(ws.Interval / time.Second)
		inner.Watchdog.Deadline = formatTime(ws.Deadline)
		inner.Watchdog.GraceDeadline = formatTime(ws.GraceDeadline)
		inner.Watchdog.CheckIns = ws.CheckInCount
	}
	for _, src := range sess.Aggregator.Disabled {
		inner.Sources.Disabled = append(inner.Sources.Disabled, string(src))
	}
	if sess.Aggregator.CooldownUntil.After(snap.Now) {
		inner.Sources.CooldownUntil = formatTime(sess.Aggregator.CooldownUntil)
	}
	if loc := sess.Location; loc != nil {
		inner.Location = &LocationJSON{
			Lat:       loc.Lat,
			Lng:       loc.Lng,
			Accuracy:  loc.Accuracy,
			Timestamp: formatTime(loc.Timestamp),
			Samples:   sess.Samples,
		}
	}
	return inner
}

func buildAlert(ev *logic.AlertEvent) *AlertJSON {
	if ev == nil {
		return nil
	}
	a := &AlertJSON{
		ID:        ev.ID,
		Status:    string(ev.Status),
		Source:    string(ev.TriggerSource),
		Silent:    ev.Silent,
		StartedAt: formatTime(ev.StartedAt),
		Targets:   append([]string{}, ev.NotifiedTargets...),
	}
	if ev.ResolvedAt != nil {
		a.ResolvedAt = formatTime(*ev.ResolvedAt)
	}
	return a
}

func buildNetwork(snap Snapshot, inner *StatusInner) {
	if snap.Network != nil {
		inner.Network = &NetworkJSON{
			Type:       snap.Network.Type,
			IP:         snap.Network.IP,
			Status:     snap.Network.Status,
			Gateway:    snap.Network.Gateway,
			WifiStatus: snap.Network.WifiStatus,
			SSID:       snap.Network.SSID,
		}
	}
}

// FormatJSON returns the JSON status for the web endpoint (no event/reason).
// The device screen can be seen by whoever is coercing the user, so a silent
// alert is left out.
func FormatJSON(snap Snapshot) []byte {
	inner := buildInner(snap)
	if ev := snap.Session.Alert; ev != nil && !ev.Silent {
		inner.Alert = buildAlert(ev)
	}
	buildNetwork(snap, &inner)

	data, _ := json.MarshalIndent(StatusJSON{Status: inner}, "", "  ")
	return data
}

// FormatStatusEvent returns the JSON status for an MQTT system event. The
// system topic is read by contacts, so silent alerts are included.
func FormatStatusEvent(snap Snapshot, event, reason string) []byte {
	inner := buildInner(snap)
	inner.Event = event
	inner.Reason = reason
	inner.Alert = buildAlert(snap.Session.Alert)
	buildNetwork(snap, &inner)

	data, _ := json.Marshal(StatusJSON{Status: inner})
	return data
}
