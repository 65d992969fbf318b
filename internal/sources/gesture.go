package sources

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/sweeney/guardian/internal/logic"
)

// ErrUnavailable marks a source that cannot work until an operator fixes
// something, such as a denied camera.
var ErrUnavailable = errors.New("signal source unavailable")

// Inference is one gesture classification of a frame.
type Inference struct {
	Matched    bool
	Confidence float64 // 0..1
}

// Inferrer classifies a camera frame.
type Inferrer interface {
	Infer(ctx context.Context, frame []byte) (Inference, error)
}

// FrameSource yields the latest camera frame.
type FrameSource interface {
	Frame(ctx context.Context) ([]byte, error)
}

// DetectPath is the inference endpoint, relative to the service base URL.
const DetectPath = "/api/detect-panic-gesture"

// HTTPInferrer calls the remote gesture-confidence service.
type HTTPInferrer struct {
	URL    string
	client *http.Client
}

// NewHTTPInferrer creates a client for the service at baseURL.
func NewHTTPInferrer(baseURL string, timeout time.Duration) *HTTPInferrer {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPInferrer{
		URL:    strings.TrimRight(baseURL, "/") + DetectPath,
		client: &http.Client{Timeout: timeout},
	}
}

type inferRequest struct {
	VideoFrameDataURI string `json:"videoFrameDataUri"`
}

type inferResponse struct {
	PanicGestureDetected bool    `json:"panicGestureDetected"`
	ConfidenceScore      float64 `json:"confidenceScore"`
}

// Infer sends frame as a data URI and returns the classification.
func (h *HTTPInferrer) Infer(ctx context.Context, frame []byte) (Inference, error) {
	uri := "data:" + http.DetectContentType(frame) + ";base64," + base64.StdEncoding.EncodeToString(frame)
	body, err := json.Marshal(inferRequest{VideoFrameDataURI: uri})
	if err != nil {
		return Inference{}, fmt.Errorf("encode inference request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.URL, bytes.NewReader(body))
	if err != nil {
		return Inference{}, fmt.Errorf("inference request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.client.Do(req)
	if err != nil {
		return Inference{}, fmt.Errorf("inference call: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return Inference{}, fmt.Errorf("inference returned %d: %s", resp.StatusCode, string(respBody))
	}
	var out inferResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return Inference{}, fmt.Errorf("decode inference response: %w", err)
	}
	if out.ConfidenceScore < 0 || out.ConfidenceScore > 1 {
		return Inference{}, fmt.Errorf("confidence %v out of range", out.ConfidenceScore)
	}
	return Inference{Matched: out.PanicGestureDetected, Confidence: out.ConfidenceScore}, nil
}

// FileFrames reads the latest still written by a camera capture process.
type FileFrames struct {
	Path string
}

// Frame returns the file contents. A permission error means the camera was
// denied and is reported as ErrUnavailable.
func (f FileFrames) Frame(_ context.Context) ([]byte, error) {
	data, err := os.ReadFile(f.Path)
	if errors.Is(err, fs.ErrPermission) {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if err != nil {
		return nil, fmt.Errorf("read frame: %w", err)
	}
	if len(data) == 0 {
		return nil, errors.New("read frame: empty file")
	}
	return data, nil
}

// GesturePoller classifies one frame per tick and submits the confidence.
// A frame that was not matched counts as confidence 0.
type GesturePoller struct {
	frames  FrameSource
	inf     Inferrer
	sink    Sink
	log     *zap.Logger
	timeout time.Duration
}

// NewGesturePoller creates a poller. timeout bounds one frame+inference.
func NewGesturePoller(frames FrameSource, inf Inferrer, sink Sink, log *zap.Logger, timeout time.Duration) *GesturePoller {
	if log == nil {
		log = zap.NewNop()
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &GesturePoller{frames: frames, inf: inf, sink: sink, log: log.Named("gesture"), timeout: timeout}
}

// Run polls on every tick until ctx is cancelled. Ticks are skipped while
// the source is disabled, so polling resumes once it is enabled again.
func (g *GesturePoller) Run(ctx context.Context, tick <-chan time.Time) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-tick:
			g.Tick(ctx)
		}
	}
}

// Tick polls once unless the source is disabled. It reports whether a
// frame was taken.
func (g *GesturePoller) Tick(ctx context.Context) bool {
	if g.sink.SourceDisabled(logic.SourceGesture) {
		return false
	}
	g.Poll(ctx)
	return true
}

// Poll runs one frame through inference. It returns false when the camera
// was unavailable and the source has been disabled.
func (g *GesturePoller) Poll(ctx context.Context) (logic.Decision, bool) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	frame, err := g.frames.Frame(ctx)
	if errors.Is(err, ErrUnavailable) {
		g.log.Warn("camera unavailable, disabling gesture source", zap.Error(err))
		g.sink.DisableSource(logic.SourceGesture)
		return logic.Decision{Verdict: logic.VerdictIgnored, Source: logic.SourceGesture}, false
	}
	if err != nil {
		return g.fail(err), true
	}

	res, err := g.inf.Infer(ctx, frame)
	if err != nil {
		return g.fail(err), true
	}
	conf := res.Confidence
	if !res.Matched {
		conf = 0
	}
	return g.sink.Submit(logic.Candidate{Source: logic.SourceGesture, Confidence: conf}), true
}

func (g *GesturePoller) fail(err error) logic.Decision {
	g.log.Debug("gesture poll failed", zap.Error(err))
	return g.sink.Submit(logic.Candidate{Source: logic.SourceGesture, Err: err})
}
