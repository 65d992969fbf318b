// Package web provides the local HTTP control surface for the guardian daemon.
package web

import (
	"context"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/sweeney/guardian/internal/logic"
	"github.com/sweeney/guardian/internal/metrics"
	"github.com/sweeney/guardian/internal/secret"
	"github.com/sweeney/guardian/internal/session"
	"github.com/sweeney/guardian/internal/status"
)

// Controller is the session surface the server drives. *session.Session
// satisfies it.
type Controller interface {
	Resolve(code string) secret.Outcome
	TriggerManual(silent bool) (logic.AlertEvent, error)
	CancelAlert(pin string) (logic.AlertEvent, error)
	ChangeSecret(kind secret.Kind, current, next string) error
	Arm(interval time.Duration) error
	CheckIn() error
	Cancel() error
	Extend(d time.Duration) error
	UpdateLocation(loc logic.Location)
	LocationHistory() []logic.Location
	DisableSource(src logic.Source)
	EnableSource(src logic.Source) error
	Snapshot() session.Snapshot
}

// History lists past alert events. The store satisfies it.
type History interface {
	ListAlertEvents(ctx context.Context, userID string, limit int) ([]logic.AlertEvent, error)
}

// Options are the server's collaborators. History and Logger may be nil.
type Options struct {
	Tracker *status.Tracker
	Session Controller
	History History
	UserID  string
	Logger  *zap.Logger
}

// Server serves the status page and the control API over HTTP.
type Server struct {
	httpServer *http.Server
	tracker    *status.Tracker
	ctl        Controller
	history    History
	userID     string
	log        *zap.Logger
}

// New creates a Server listening on addr.
func New(addr string, opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	s := &Server{
		tracker: opts.Tracker,
		ctl:     opts.Session,
		history: opts.History,
		userID:  opts.UserID,
		log:     opts.Logger.Named("web"),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", s.handleIndex)
	mux.HandleFunc("GET /index.html", s.handleIndex)
	mux.HandleFunc("GET /index.json", s.handleJSON)
	mux.Handle("GET /metrics", promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}))

	mux.HandleFunc("POST /api/resolve", s.handleResolve)
	mux.HandleFunc("POST /api/trigger", s.handleTrigger)
	mux.HandleFunc("POST /api/alert/cancel", s.handleCancelAlert)
	mux.HandleFunc("GET /api/alerts", s.handleAlerts)
	mux.HandleFunc("POST /api/secrets/{kind}", s.handleChangeSecret)

	mux.HandleFunc("POST /api/watchdog/arm", s.handleArm)
	mux.HandleFunc("POST /api/watchdog/checkin", s.handleCheckIn)
	mux.HandleFunc("POST /api/watchdog/cancel", s.handleCancel)
	mux.HandleFunc("POST /api/watchdog/extend", s.handleExtend)

	mux.HandleFunc("POST /api/location", s.handleLocation)
	mux.HandleFunc("GET /api/location/history", s.handleLocationHistory)
	mux.HandleFunc("POST /api/sources/{source}/{action}", s.handleSource)

	s.httpServer = &http.Server{
		Addr:    addr,
		Handler: mux,
	}
	return s
}

// Handler returns the server's routes.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// ListenAndServe starts listening. It blocks until the server is shut down.
func (s *Server) ListenAndServe() error {
	return s.httpServer.ListenAndServe()
}

// Serve accepts connections on the given listener. Useful for tests.
func (s *Server) Serve(ln net.Listener) error {
	return s.httpServer.Serve(ln)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// snapshot reads the tracker and replaces its session copy with a live one,
// so an action is visible on the next page load rather than the next tick.
func (s *Server) snapshot() status.Snapshot {
	snap := s.tracker.Snapshot()
	if s.ctl != nil {
		snap.Session = s.ctl.Snapshot()
	}
	return snap
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	renderHTML(w, s.snapshot())
}

func (s *Server) handleJSON(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write(status.FormatJSON(s.snapshot()))
}

// handleResolve answers Overt and Covert identically. Only an invalid code
// is distinguishable.
func (s *Server) handleResolve(w http.ResponseWriter, r *http.Request) {
	var req CodeRequest
	if !decode(w, r, &req) {
		return
	}
	if s.ctl.Resolve(req.Code) == secret.Invalid {
		writeJSON(w, http.StatusUnauthorized, OKResponse{Error: "invalid code"})
		return
	}
	writeJSON(w, http.StatusOK, OKResponse{OK: true})
}

// handleTrigger does not echo the alert back: the response to a silent
// trigger must look like any other.
func (s *Server) handleTrigger(w http.ResponseWriter, r *http.Request) {
	var req TriggerRequest
	if !decode(w, r, &req) {
		return
	}
	if _, err := s.ctl.TriggerManual(req.Silent); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, OKResponse{OK: true})
}

func (s *Server) handleCancelAlert(w http.ResponseWriter, r *http.Request) {
	var req PinRequest
	if !decode(w, r, &req) {
		return
	}
	if _, err := s.ctl.CancelAlert(req.Pin); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, OKResponse{OK: true})
}

func (s *Server) handleChangeSecret(w http.ResponseWriter, r *http.Request) {
	var req ChangeSecretRequest
	if !decode(w, r, &req) {
		return
	}
	kind := secret.Kind(r.PathValue("kind"))
	if err := s.ctl.ChangeSecret(kind, req.Current, req.Next); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, OKResponse{OK: true})
}

// handleAlerts lists past overt alerts, newest first.
func (s *Server) handleAlerts(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		writeJSON(w, http.StatusOK, AlertsResponse{Alerts: []AlertJSON{}})
		return
	}
	limit := 20
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 500 {
			writeJSON(w, http.StatusBadRequest, OKResponse{Error: "limit must be 1..500"})
			return
		}
		limit = n
	}
	events, err := s.history.ListAlertEvents(r.Context(), s.userID, limit)
	if err != nil {
		s.log.Warn("list alert events", zap.Error(err))
		writeJSON(w, http.StatusServiceUnavailable, OKResponse{Error: "history unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, AlertsResponse{Alerts: alertsJSON(events)})
}

func (s *Server) handleArm(w http.ResponseWriter, r *http.Request) {
	var req MinutesRequest
	if !decode(w, r, &req) {
		return
	}
	if err := s.ctl.Arm(req.duration()); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeWatchdog(w)
}

func (s *Server) handleCheckIn(w http.ResponseWriter, r *http.Request) {
	if err := s.ctl.CheckIn(); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeWatchdog(w)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	if err := s.ctl.Cancel(); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeWatchdog(w)
}

func (s *Server) handleExtend(w http.ResponseWriter, r *http.Request) {
	var req MinutesRequest
	if !decode(w, r, &req) {
		return
	}
	if err := s.ctl.Extend(req.duration()); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeWatchdog(w)
}

func (s *Server) writeWatchdog(w http.ResponseWriter) {
	writeJSON(w, http.StatusOK, watchdogJSON(s.ctl.Snapshot().Watchdog))
}

func (s *Server) handleLocation(w http.ResponseWriter, r *http.Request) {
	body, ok := readBody(w, r)
	if !ok {
		return
	}
	loc, err := parseLocation(body)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, OKResponse{Error: err.Error()})
		return
	}
	s.ctl.UpdateLocation(loc)
	writeJSON(w, http.StatusOK, OKResponse{OK: true})
}

func (s *Server) handleLocationHistory(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, locationsJSON(s.ctl.LocationHistory()))
}

func (s *Server) handleSource(w http.ResponseWriter, r *http.Request) {
	src := logic.Source(r.PathValue("source"))
	switch src {
	case logic.SourceVoice, logic.SourceGesture, logic.SourceManual, logic.SourceHiddenSequence:
	default:
		writeJSON(w, http.StatusNotFound, OKResponse{Error: "unknown source"})
		return
	}
	switch r.PathValue("action") {
	case "enable":
		if err := s.ctl.EnableSource(src); err != nil {
			s.writeError(w, err)
			return
		}
	case "disable":
		s.ctl.DisableSource(src)
	default:
		writeJSON(w, http.StatusNotFound, OKResponse{Error: "unknown action"})
		return
	}
	writeJSON(w, http.StatusOK, OKResponse{OK: true})
}
