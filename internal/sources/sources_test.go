package sources

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sweeney/guardian/internal/gpio"
	"github.com/sweeney/guardian/internal/logic"
)

var t0 = time.Date(2026, 5, 1, 23, 0, 0, 0, time.UTC)

// aggSink runs candidates through a real aggregator on a manual clock.
type aggSink struct {
	mu         sync.Mutex
	agg        *logic.Aggregator
	now        time.Time
	candidates []logic.Candidate
	raises     []logic.Decision
	disabled   []logic.Source
	locations  []logic.Location
}

func newAggSink() *aggSink {
	return &aggSink{agg: logic.NewAggregator(logic.DefaultAggregatorConfig()), now: t0}
}

func (s *aggSink) Submit(c logic.Candidate) logic.Decision {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c.ObservedAt.IsZero() {
		c.ObservedAt = s.now
	}
	s.candidates = append(s.candidates, c)
	d := s.agg.Submit(c)
	if d.Raise {
		s.raises = append(s.raises, d)
	}
	return d
}

func (s *aggSink) DisableSource(src logic.Source) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.agg.Disable(src)
	s.disabled = append(s.disabled, src)
}

func (s *aggSink) SourceDisabled(src logic.Source) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.agg.Disabled(src)
}

func (s *aggSink) enable(src logic.Source) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.agg.Enable(src)
}

func (s *aggSink) UpdateLocation(loc logic.Location) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.locations = append(s.locations, loc)
}

func (s *aggSink) advance(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = s.now.Add(d)
	if p := s.agg.Poll(s.now); p.Raise {
		s.raises = append(s.raises, p)
	}
}

func (s *aggSink) raiseCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.raises)
}

func TestKeywordSpotterRollingWindow(t *testing.T) {
	sink := newAggSink()
	k := NewKeywordSpotter(sink, nil, 0)

	if d := k.Hear("is anyone"); d.Verdict != logic.VerdictRejected {
		t.Fatalf("no keyword yet: %s", d.Verdict)
	}
	if k.Transcript() != "is anyone" {
		t.Errorf("transcript: %q", k.Transcript())
	}
	d := k.Hear("There, HELP")
	if d.Verdict != logic.VerdictPending || d.Keyword != "help" {
		t.Fatalf("keyword: %+v", d)
	}
	if k.Transcript() != "" {
		t.Errorf("window should be cleared after a keyword, got %q", k.Transcript())
	}
	sink.advance(3 * time.Second)
	if sink.raiseCount() != 1 {
		t.Fatalf("expected a raise after the countdown, got %d", sink.raiseCount())
	}
}

func TestKeywordSpotterKeywordAcrossPhrases(t *testing.T) {
	sink := newAggSink()
	k := NewKeywordSpotter(sink, nil, 0)
	k.Hear("please call")
	if d := k.Hear("911 now"); d.Verdict != logic.VerdictPending || d.Keyword != "call 911" {
		t.Fatalf("split keyword: %+v", d)
	}
}

func TestKeywordSpotterCancel(t *testing.T) {
	sink := newAggSink()
	k := NewKeywordSpotter(sink, nil, 0)
	k.Hear("sos")
	sink.advance(time.Second)
	if d := k.Hear("no wait, cancel that"); d.Verdict != logic.VerdictCancelled {
		t.Fatalf("cancel: %s", d.Verdict)
	}
	sink.advance(10 * time.Second)
	if sink.raiseCount() != 0 {
		t.Error("cancelled countdown raised")
	}
	// The words that were acted on are gone; only new speech counts.
	if d := k.Hear("all good"); d.Verdict != logic.VerdictRejected {
		t.Errorf("after cancel: %s", d.Verdict)
	}
}

func TestKeywordSpotterWindowTrim(t *testing.T) {
	sink := newAggSink()
	k := NewKeywordSpotter(sink, nil, 10)
	k.Hear("abcdefgh")
	k.Hear("ijkl")
	if got := k.Transcript(); got != "defgh ijkl" {
		t.Errorf("window: %q", got)
	}
}

func TestKeywordSpotterHandle(t *testing.T) {
	sink := newAggSink()
	k := NewKeywordSpotter(sink, nil, 0)
	k.Handle("guardian/u1/transcript", []byte(`{"text":"Save me","final":true}`))
	if _, pending := sink.agg.PendingUntil(); !pending {
		t.Fatal("JSON transcript should start the countdown")
	}
	k.Handle("guardian/u1/transcript", []byte(`{"text":`))
	if k.Errors() != 1 {
		t.Errorf("errors: %d", k.Errors())
	}
	if _, pending := sink.agg.PendingUntil(); !pending {
		t.Error("an undecodable transcript must not abort the countdown")
	}
}

type fakeFrames struct {
	data []byte
	err  error
}

func (f fakeFrames) Frame(context.Context) ([]byte, error) { return f.data, f.err }

type scriptedInferrer struct {
	results []Inference
	errs    []error
	calls   int
}

func (s *scriptedInferrer) Infer(context.Context, []byte) (Inference, error) {
	i := s.calls
	s.calls++
	if i < len(s.errs) && s.errs[i] != nil {
		return Inference{}, s.errs[i]
	}
	return s.results[i], nil
}

func TestGesturePollerQualifiesOnSecondConsecutive(t *testing.T) {
	sink := newAggSink()
	inf := &scriptedInferrer{results: []Inference{
		{Matched: true, Confidence: 0.9},
		{Matched: true, Confidence: 0.3},
		{Matched: true, Confidence: 0.9},
		{Matched: true, Confidence: 0.9},
	}}
	g := NewGesturePoller(fakeFrames{data: []byte{0xff, 0xd8, 0xff}}, inf, sink, nil, time.Second)
	for i := 0; i < 4; i++ {
		d, ok := g.Poll(context.Background())
		if !ok {
			t.Fatal("poller stopped")
		}
		if d.Raise != (i == 3) {
			t.Errorf("poll %d: %+v", i, d)
		}
		sink.advance(2 * time.Second)
	}
}

func TestGesturePollerUnmatchedIsZero(t *testing.T) {
	sink := newAggSink()
	inf := &scriptedInferrer{results: []Inference{
		{Matched: false, Confidence: 0.95},
		{Matched: false, Confidence: 0.95},
	}}
	g := NewGesturePoller(fakeFrames{data: []byte("x")}, inf, sink, nil, 0)
	g.Poll(context.Background())
	g.Poll(context.Background())
	if sink.raiseCount() != 0 {
		t.Error("an unmatched gesture must not qualify")
	}
	if sink.candidates[0].Confidence != 0 {
		t.Errorf("confidence: %v", sink.candidates[0].Confidence)
	}
}

func TestGesturePollerErrorsResetStreak(t *testing.T) {
	sink := newAggSink()
	inf := &scriptedInferrer{
		results: []Inference{{Matched: true, Confidence: 0.9}, {}, {Matched: true, Confidence: 0.9}},
		errs:    []error{nil, errors.New("inference returned 500"), nil},
	}
	g := NewGesturePoller(fakeFrames{data: []byte("x")}, inf, sink, nil, 0)
	for i := 0; i < 3; i++ {
		d, _ := g.Poll(context.Background())
		if i == 1 && d.Verdict != logic.VerdictError {
			t.Errorf("poll 1: %s", d.Verdict)
		}
	}
	if sink.raiseCount() != 0 {
		t.Error("an error between two high readings must not raise")
	}
}

// flakyCamera is denied for the first denied calls, then returns data.
type flakyCamera struct {
	mu     sync.Mutex
	denied int
	calls  int
}

func (c *flakyCamera) Frame(context.Context) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	if c.calls <= c.denied {
		return nil, ErrUnavailable
	}
	return []byte{0xff, 0xd8, 0xff}, nil
}

func (c *flakyCamera) frameCalls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

func TestGesturePollerDisablesWhenCameraUnavailable(t *testing.T) {
	sink := newAggSink()
	cam := &flakyCamera{denied: 1}
	inf := &scriptedInferrer{results: []Inference{
		{Matched: true, Confidence: 0.9},
		{Matched: true, Confidence: 0.9},
	}}
	g := NewGesturePoller(cam, inf, sink, nil, 0)
	ctx := context.Background()

	if !g.Tick(ctx) {
		t.Fatal("first tick should poll")
	}
	if len(sink.disabled) != 1 || sink.disabled[0] != logic.SourceGesture {
		t.Fatalf("disabled: %v", sink.disabled)
	}
	if g.Tick(ctx) || cam.frameCalls() != 1 {
		t.Errorf("disabled source must not poll, frame calls %d", cam.frameCalls())
	}

	sink.enable(logic.SourceGesture)
	g.Tick(ctx)
	g.Tick(ctx)
	if cam.frameCalls() != 3 {
		t.Errorf("frame calls after enable: got %d, want 3", cam.frameCalls())
	}
	if sink.raiseCount() != 1 {
		t.Errorf("re-enabled gesture should raise, got %d raises", sink.raiseCount())
	}
}

func TestGesturePollerRunSurvivesDisable(t *testing.T) {
	sink := newAggSink()
	cam := &flakyCamera{denied: 1}
	// The tick sent just before enabling may or may not poll.
	inf := &scriptedInferrer{results: []Inference{
		{Matched: true, Confidence: 0.9},
		{Matched: true, Confidence: 0.9},
		{Matched: true, Confidence: 0.9},
		{Matched: true, Confidence: 0.9},
	}}
	g := NewGesturePoller(cam, inf, sink, nil, 0)

	ctx, cancel := context.WithCancel(context.Background())
	tick := make(chan time.Time)
	done := make(chan struct{})
	go func() {
		g.Run(ctx, tick)
		close(done)
	}()

	// An unbuffered send returns only once Run has finished the previous tick.
	tick <- t0
	tick <- t0
	sink.enable(logic.SourceGesture)
	tick <- t0
	tick <- t0
	tick <- t0
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop on cancel")
	}

	if cam.frameCalls() < 3 {
		t.Errorf("polling should resume after enable, frame calls %d", cam.frameCalls())
	}
	if sink.raiseCount() != 1 {
		t.Errorf("raises: got %d, want 1", sink.raiseCount())
	}
}

func TestHTTPInferrer(t *testing.T) {
	var got inferRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != DetectPath {
			http.Error(w, "wrong route", http.StatusNotFound)
			return
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"panicGestureDetected":true,"confidenceScore":0.82}`))
	}))
	defer srv.Close()

	h := NewHTTPInferrer(srv.URL+"/", time.Second)
	res, err := h.Infer(context.Background(), []byte{0xff, 0xd8, 0xff, 0xe0})
	if err != nil {
		t.Fatalf("infer: %v", err)
	}
	if !res.Matched || res.Confidence != 0.82 {
		t.Errorf("result: %+v", res)
	}
	if !strings.HasPrefix(got.VideoFrameDataURI, "data:image/jpeg;base64,") {
		t.Errorf("data uri: %q", got.VideoFrameDataURI)
	}
}

func TestHTTPInferrerErrors(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
	}{
		{"server error", http.StatusInternalServerError, "boom"},
		{"bad json", http.StatusOK, "{"},
		{"confidence out of range", http.StatusOK, `{"panicGestureDetected":true,"confidenceScore":1.5}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			}))
			defer srv.Close()
			if _, err := NewHTTPInferrer(srv.URL, time.Second).Infer(context.Background(), []byte("x")); err == nil {
				t.Error("expected an error")
			}
		})
	}
}

func TestFileFrames(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "frame.jpg")
	if _, err := (FileFrames{Path: path}).Frame(context.Background()); err == nil || errors.Is(err, ErrUnavailable) {
		t.Errorf("missing frame should be a transient error, got %v", err)
	}
	if err := os.WriteFile(path, []byte{0xff, 0xd8}, 0o600); err != nil {
		t.Fatal(err)
	}
	data, err := (FileFrames{Path: path}).Frame(context.Background())
	if err != nil || len(data) != 2 {
		t.Errorf("frame: %v, %v", data, err)
	}
}

func TestButtonPollerHold(t *testing.T) {
	sink := newAggSink()
	// 19 held ticks then release: one short of the threshold.
	b := NewButtonPoller(gpio.NewFakeReader(gpio.Hold(19)), sink, nil)
	for i := 0; i < 20; i++ {
		b.Tick()
	}
	if sink.raiseCount() != 0 {
		t.Fatal("released at 1.9s must not raise")
	}

	sink = newAggSink()
	b = NewButtonPoller(gpio.NewFakeReader(gpio.Hold(40)), sink, nil)
	for i := 0; i < 41; i++ {
		b.Tick()
	}
	if sink.raiseCount() != 1 {
		t.Fatalf("held past 2s: got %d raises, want 1", sink.raiseCount())
	}
}

func TestButtonPollerTapSequence(t *testing.T) {
	sink := newAggSink()
	// Each pad is held for two ticks; only the press edge counts.
	var samples []gpio.Sample
	for _, p := range []string{"tl", "tr", "bl", "br"} {
		samples = append(samples, gpio.Sample{Pad: p}, gpio.Sample{Pad: p}, gpio.Sample{})
	}
	b := NewButtonPoller(gpio.NewFakeReader(samples), sink, nil)
	for range samples {
		b.Tick()
		sink.advance(100 * time.Millisecond)
	}
	if sink.raiseCount() != 1 || !sink.raises[0].Silent || sink.raises[0].Source != logic.SourceHiddenSequence {
		t.Fatalf("sequence raise: %+v", sink.raises)
	}
	inputs := 0
	for _, c := range sink.candidates {
		if c.Source == logic.SourceHiddenSequence {
			inputs++
		}
	}
	if inputs != 4 {
		t.Errorf("inputs: got %d, want 4", inputs)
	}
}

func TestButtonPollerReadErrors(t *testing.T) {
	sink := newAggSink()
	r := gpio.NewFakeReader(gpio.Hold(30))
	b := NewButtonPoller(r, sink, nil)
	for i := 0; i < 15; i++ {
		b.Tick()
	}
	r.SetError(errors.New("line busy"))
	b.Tick()
	r.SetError(nil)
	for i := 0; i < 10; i++ {
		b.Tick()
	}
	if sink.raiseCount() != 0 {
		t.Error("a read error must reset hold progress")
	}
}

func TestButtonPollerRun(t *testing.T) {
	sink := newAggSink()
	r := gpio.NewFakeReader([]gpio.Sample{{}})
	b := NewButtonPoller(r, sink, nil)
	ctx, cancel := context.WithCancel(context.Background())
	tick := make(chan time.Time)
	done := make(chan struct{})
	go func() {
		b.Run(ctx, tick)
		close(done)
	}()
	tick <- t0
	tick <- t0
	cancel()
	<-done
	if r.Reads() != 2 {
		t.Errorf("reads: got %d, want 2", r.Reads())
	}
}

func TestLocationFeed(t *testing.T) {
	sink := newAggSink()
	f := NewLocationFeed(sink, nil)
	f.Handle("guardian/u1/location", []byte(`{"lat":40.7,"lng":-74,"accuracy":10}`))
	f.Handle("guardian/u1/location", []byte(`{"lat":400,"lng":0}`))
	f.Handle("guardian/u1/location", []byte(`nope`))
	acc, rej := f.Counts()
	if acc != 1 || rej != 2 {
		t.Errorf("counts: %d accepted, %d rejected", acc, rej)
	}
	if len(sink.locations) != 1 || sink.locations[0].Lat != 40.7 {
		t.Errorf("locations: %+v", sink.locations)
	}
}
