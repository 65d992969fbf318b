package sources

import (
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/sweeney/guardian/internal/logic"
	"github.com/sweeney/guardian/internal/mqtt"
)

// DefaultTranscriptWindow is the number of characters of recent speech
// that keywords are matched against.
const DefaultTranscriptWindow = 200

// KeywordSpotter keeps a rolling transcript of recognised speech and submits
// it as a voice candidate after every phrase. The window is cleared once a
// keyword or the cancel word has been acted on, so the same words are not
// matched twice.
type KeywordSpotter struct {
	sink   Sink
	log    *zap.Logger
	window int

	mu     sync.Mutex
	text   string
	errors int
}

// NewKeywordSpotter creates a spotter. window <= 0 uses DefaultTranscriptWindow.
func NewKeywordSpotter(sink Sink, log *zap.Logger, window int) *KeywordSpotter {
	if log == nil {
		log = zap.NewNop()
	}
	if window <= 0 {
		window = DefaultTranscriptWindow
	}
	return &KeywordSpotter{sink: sink, log: log.Named("voice"), window: window}
}

// Handle is an mqtt.Handler for the transcript topic.
func (k *KeywordSpotter) Handle(_ string, payload []byte) {
	p, err := mqtt.ParseTranscript(payload)
	if err != nil {
		k.mu.Lock()
		k.errors++
		k.mu.Unlock()
		k.log.Debug("undecodable transcript", zap.Error(err))
		k.sink.Submit(logic.Candidate{Source: logic.SourceVoice, Err: err})
		return
	}
	k.Hear(p.Text)
}

// Hear adds one recognised phrase and submits the window.
func (k *KeywordSpotter) Hear(phrase string) logic.Decision {
	phrase = strings.ToLower(strings.TrimSpace(phrase))
	if phrase == "" {
		return logic.Decision{Verdict: logic.VerdictRejected, Source: logic.SourceVoice}
	}

	// Holding the lock across Submit keeps phrases in arrival order.
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.text == "" {
		k.text = phrase
	} else {
		k.text += " " + phrase
	}
	if over := len(k.text) - k.window; over > 0 {
		k.text = k.text[over:]
	}

	d := k.sink.Submit(logic.Candidate{Source: logic.SourceVoice, Transcript: k.text})
	if consumed(d.Verdict) {
		k.text = ""
	}
	if d.Verdict == logic.VerdictPending {
		k.log.Info("keyword heard, countdown started",
			zap.String("keyword", d.Keyword),
			zap.Time("until", d.PendingUntil))
	}
	return d
}

// Transcript returns the current window.
func (k *KeywordSpotter) Transcript() string {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.text
}

// Errors returns the number of undecodable transcript messages.
func (k *KeywordSpotter) Errors() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.errors
}
