package web

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/sweeney/guardian/internal/logic"
	"github.com/sweeney/guardian/internal/mqtt"
	"github.com/sweeney/guardian/internal/secret"
	"github.com/sweeney/guardian/internal/session"
)

const maxBody = 4 << 10

// OKResponse is the body of every action response.
type OKResponse struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

// CodeRequest carries a code to resolve.
type CodeRequest struct {
	Code string `json:"code"`
}

// PinRequest carries a cancel confirmation.
type PinRequest struct {
	Pin string `json:"pin"`
}

// TriggerRequest raises a manual alert.
type TriggerRequest struct {
	Silent bool `json:"silent"`
}

// ChangeSecretRequest replaces one code.
type ChangeSecretRequest struct {
	Current string `json:"current"`
	Next    string `json:"next"`
}

// MinutesRequest carries a watchdog interval or extension.
type MinutesRequest struct {
	Minutes int `json:"minutes"`
}

func (m MinutesRequest) duration() time.Duration {
	return time.Duration(m.Minutes) * time.Minute
}

// WatchdogJSON is the watchdog state returned by the watchdog endpoints.
type WatchdogJSON struct {
	Stage         string `json:"stage"`
	Level         string `json:"level,omitempty"`
	Deadline      string `json:"deadline,omitempty"`
	GraceDeadline string `json:"grace_deadline,omitempty"`
	CheckIns      int    `json:"check_ins"`
	LastCheckIn   string `json:"last_check_in,omitempty"`
}

// AlertJSON is one past alert.
type AlertJSON struct {
	ID         string   `json:"id"`
	Status     string   `json:"status"`
	Source     string   `json:"source"`
	StartedAt  string   `json:"started_at"`
	ResolvedAt string   `json:"resolved_at,omitempty"`
	Targets    []string `json:"targets"`
}

// AlertsResponse lists past alerts.
type AlertsResponse struct {
	Alerts []AlertJSON `json:"alerts"`
}

// LocationsResponse lists retained location samples, oldest first.
type LocationsResponse struct {
	Locations []mqtt.LocationPayload `json:"locations"`
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func watchdogJSON(st logic.WatchdogState) WatchdogJSON {
	out := WatchdogJSON{Stage: string(st.Stage)}
	if ws := st.Session; ws != nil {
		out.Level = ws.Level.String()
		out.Deadline = formatTime(ws.Deadline)
		out.GraceDeadline = formatTime(ws.GraceDeadline)
		out.CheckIns = ws.CheckInCount
		out.LastCheckIn = formatTime(ws.LastCheckIn)
	}
	return out
}

// alertsJSON drops silent alerts; this page is served to the device.
func alertsJSON(events []logic.AlertEvent) []AlertJSON {
	out := []AlertJSON{}
	for _, ev := range events {
		if ev.Silent {
			continue
		}
		a := AlertJSON{
			ID:        ev.ID,
			Status:    string(ev.Status),
			Source:    string(ev.TriggerSource),
			StartedAt: formatTime(ev.StartedAt),
			Targets:   append([]string{}, ev.NotifiedTargets...),
		}
		if ev.ResolvedAt != nil {
			a.ResolvedAt = formatTime(*ev.ResolvedAt)
		}
		out = append(out, a)
	}
	return out
}

func locationsJSON(locs []logic.Location) LocationsResponse {
	out := LocationsResponse{Locations: []mqtt.LocationPayload{}}
	for _, l := range locs {
		out.Locations = append(out.Locations, mqtt.LocationPayload{
			Lat:       l.Lat,
			Lng:       l.Lng,
			Accuracy:  l.Accuracy,
			Timestamp: formatTime(l.Timestamp),
			MapsLink:  l.MapsLink(),
		})
	}
	return out
}

// parseLocation accepts the same sample format the phone publishes.
func parseLocation(body []byte) (logic.Location, error) {
	return mqtt.ParseLocation(body)
}

func readBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBody))
	if err != nil {
		writeJSON(w, http.StatusRequestEntityTooLarge, OKResponse{Error: "request too large"})
		return nil, false
	}
	return body, true
}

// decode reads a JSON body into v. An empty body leaves v zero.
func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	body, ok := readBody(w, r)
	if !ok {
		return false
	}
	if len(body) == 0 {
		return true
	}
	if err := json.Unmarshal(body, v); err != nil {
		writeJSON(w, http.StatusBadRequest, OKResponse{Error: "malformed request"})
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

// writeError maps session errors to status codes. A failed action is always
// reported so the UI can re-prompt.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	var verr *secret.ValidationError
	switch {
	case errors.As(err, &verr):
		code := http.StatusBadRequest
		if verr.Reason == secret.ReasonCurrent {
			code = http.StatusUnauthorized
		}
		writeJSON(w, code, OKResponse{Error: verr.Error()})
	case errors.Is(err, logic.ErrInvalidPin):
		writeJSON(w, http.StatusUnauthorized, OKResponse{Error: err.Error()})
	case errors.Is(err, logic.ErrInvalidInterval):
		writeJSON(w, http.StatusBadRequest, OKResponse{Error: err.Error()})
	case errors.Is(err, logic.ErrNotArmed),
		errors.Is(err, logic.ErrNoActiveAlert),
		errors.Is(err, session.ErrAlreadyArmed),
		errors.Is(err, session.ErrSecretConflict),
		errors.Is(err, session.ErrSourceUnavailable):
		writeJSON(w, http.StatusConflict, OKResponse{Error: err.Error()})
	case errors.Is(err, session.ErrClosed):
		writeJSON(w, http.StatusServiceUnavailable, OKResponse{Error: err.Error()})
	default:
		s.log.Error("request failed", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, OKResponse{Error: "internal error"})
	}
}
