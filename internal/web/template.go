package web

import (
	"fmt"
	"html/template"
	"io"
	"time"

	"github.com/sweeney/guardian/internal/logic"
	"github.com/sweeney/guardian/internal/status"
)

var indexTmpl = template.Must(template.New("index").Funcs(template.FuncMap{
	"uptime": func(d time.Duration) string {
		d = d.Truncate(time.Second)
		days := int(d.Hours()) / 24
		h := int(d.Hours()) % 24
		m := int(d.Minutes()) % 60
		s := int(d.Seconds()) % 60
		if days > 0 {
			return fmt.Sprintf("%dd %dh %dm %ds", days, h, m, s)
		}
		if h > 0 {
			return fmt.Sprintf("%dh %dm %ds", h, m, s)
		}
		if m > 0 {
			return fmt.Sprintf("%dm %ds", m, s)
		}
		return fmt.Sprintf("%ds", s)
	},
	"clock": func(t time.Time) string {
		if t.IsZero() {
			return "-"
		}
		return t.UTC().Format("15:04:05Z")
	},
	"remaining": func(until, now time.Time) string {
		d := until.Sub(now).Truncate(time.Second)
		if d < 0 {
			return "overdue " + (-d).String()
		}
		return d.String()
	},
}).Parse(indexHTML))

const indexHTML = `<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<meta http-equiv="refresh" content="10">
<title>Guardian</title>
<style>
body { font-family: monospace; max-width: 600px; margin: 2em auto; padding: 0 1em; }
h1 { font-size: 1.4em; }
table { border-collapse: collapse; width: 100%; margin: 1em 0; }
td, th { text-align: left; padding: 4px 8px; border-bottom: 1px solid #ddd; }
th { width: 40%; }
.active { color: red; font-weight: bold; }
.armed { color: green; font-weight: bold; }
.grace { color: orange; font-weight: bold; }
.off { color: #888; }
.connected { color: green; }
.disconnected { color: red; }
</style>
</head>
<body>
<h1>Guardian</h1>

<h2>Alert</h2>
<table>
{{with .Alert}}<tr><th>Status</th><td class="{{if eq (printf "%s" .Status) "ACTIVE"}}active{{else}}off{{end}}">{{.Status}}</td></tr>
<tr><th>Source</th><td>{{.TriggerSource}}</td></tr>
<tr><th>Started</th><td>{{clock .StartedAt}}</td></tr>
<tr><th>Contacts notified</th><td>{{len .NotifiedTargets}}</td></tr>
{{else}}<tr><th>Status</th><td class="off">none</td></tr>
{{end}}</table>

<h2>Safety Timer</h2>
<table>
{{with .Session.Watchdog.Session}}<tr><th>State</th><td class="{{if gt .Level 0}}grace{{else}}armed{{end}}">{{$.Session.Watchdog.Stage}}</td></tr>
<tr><th>Check in within</th><td>{{remaining .Deadline $.Now}}</td></tr>
<tr><th>Interval</th><td>{{.Interval}}</td></tr>
<tr><th>Check-ins</th><td>{{.CheckInCount}} (last {{clock .LastCheckIn}})</td></tr>
{{else}}<tr><th>State</th><td class="off">{{if .Session.Watchdog.Stage}}{{.Session.Watchdog.Stage}}{{else}}DISARMED{{end}}</td></tr>
{{end}}</table>

<h2>Sources</h2>
<table>
<tr><th>Disabled</th><td>{{range $i, $s := .Session.Aggregator.Disabled}}{{if $i}}, {{end}}{{$s}}{{else}}none{{end}}</td></tr>
<tr><th>Contacts</th><td>{{len .Session.Contacts}}</td></tr>
{{with .Session.Location}}<tr><th>Location</th><td><a href="{{.MapsLink}}">{{printf "%.5f, %.5f" .Lat .Lng}}</a> ±{{printf "%.0f" .Accuracy}}m</td></tr>{{end}}
</table>

<h2>Connectivity</h2>
<table>
<tr><th>MQTT</th><td class="{{if .MQTTConnected}}connected{{else}}disconnected{{end}}">{{if .MQTTConnected}}connected{{else}}disconnected{{end}}{{if .Buffered}} ({{.Buffered}} queued){{end}}</td></tr>
<tr><th>Broker</th><td>{{.Config.Broker}}</td></tr>
{{if .Network}}<tr><th>Network</th><td>{{.Network.Status}} ({{.Network.Type}}{{if .Network.SSID}}, {{.Network.SSID}}{{end}})</td></tr>
<tr><th>IP</th><td>{{.Network.IP}}</td></tr>{{end}}
</table>

<h2>System</h2>
<table>
<tr><th>Uptime</th><td>{{uptime .Uptime}}</td></tr>
<tr><th>Started</th><td>{{.StartTime.UTC.Format "2006-01-02T15:04:05Z"}}</td></tr>
<tr><th>Tick</th><td>{{.Config.TickMs}}ms</td></tr>
<tr><th>Heartbeat</th><td>{{if eq .Config.HeartbeatMs 0}}disabled{{else}}{{.Config.HeartbeatMs}}ms{{end}}</td></tr>
<tr><th>HTTP</th><td>{{.Config.HTTPAddr}}</td></tr>
</table>

<p><a href="/index.json">JSON</a> · <a href="/metrics">metrics</a></p>
</body>
</html>
`

func renderHTML(w io.Writer, snap status.Snapshot) {
	// Snapshot has Uptime() method but template needs a Duration field.
	data := struct {
		status.Snapshot
		Uptime time.Duration
		Alert  *logic.AlertEvent
	}{
		Snapshot: snap,
		Uptime:   snap.Uptime(),
	}
	// A silent alert never reaches the screen.
	if ev := snap.Session.Alert; ev != nil && !ev.Silent {
		data.Alert = ev
	}
	indexTmpl.Execute(w, data)
}
