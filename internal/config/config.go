// Package config loads the daemon's YAML configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/sweeney/guardian/internal/gpio"
	"github.com/sweeney/guardian/internal/logic"
	"github.com/sweeney/guardian/internal/session"
)

// Config is the whole daemon configuration.
type Config struct {
	UserID   string `yaml:"user_id"`
	DBPath   string `yaml:"db_path"`
	Broker   string `yaml:"broker"`
	HTTPAddr string `yaml:"http_addr"`

	// Secrets seed the store on first start only. Leave them out of the file
	// once the daemon has run.
	Secrets Secrets `yaml:"secrets,omitempty"`

	Contacts []Contact `yaml:"contacts"`

	Voice    Voice    `yaml:"voice"`
	Gesture  Gesture  `yaml:"gesture"`
	Button   Button   `yaml:"button"`
	Watchdog Watchdog `yaml:"watchdog"`

	// Cooldown suppresses raises from all sources after any raise.
	Cooldown        time.Duration `yaml:"cooldown"`
	CancelPolicy    string        `yaml:"cancel_policy"`
	LocationHistory int           `yaml:"location_history"`
	Heartbeat       time.Duration `yaml:"heartbeat"`
}

// Secrets are the plaintext first-run codes.
type Secrets struct {
	Overt  string `yaml:"overt,omitempty"`
	Covert string `yaml:"covert,omitempty"`
}

// Contact is one emergency contact.
type Contact struct {
	ID       string `yaml:"id"`
	Name     string `yaml:"name"`
	Phone    string `yaml:"phone"`
	Priority string `yaml:"priority"`
}

// Voice configures the keyword spotter.
type Voice struct {
	Enabled    bool          `yaml:"enabled"`
	Keywords   []string      `yaml:"keywords"`
	CancelWord string        `yaml:"cancel_word"`
	Countdown  time.Duration `yaml:"countdown"`
	Window     int           `yaml:"window"`
}

// Gesture configures the camera poller.
type Gesture struct {
	Enabled      bool          `yaml:"enabled"`
	InferenceURL string        `yaml:"inference_url"`
	FramePath    string        `yaml:"frame_path"`
	Interval     time.Duration `yaml:"interval"`
	Timeout      time.Duration `yaml:"timeout"`
	Threshold    float64       `yaml:"threshold"`
	Consecutive  int           `yaml:"consecutive"`
}

// Button configures the panic button and tap pads.
type Button struct {
	Enabled         bool           `yaml:"enabled"`
	Chip            string         `yaml:"chip"`
	PanicPin        int            `yaml:"panic_pin"`
	Pads            map[string]int `yaml:"pads"`
	Tick            time.Duration  `yaml:"tick"`
	HoldTicks       int            `yaml:"hold_ticks"`
	Sequence        []string       `yaml:"sequence"`
	SequenceTimeout time.Duration  `yaml:"sequence_timeout"`
}

// Watchdog configures the dead-man's switch.
type Watchdog struct {
	DefaultInterval  time.Duration `yaml:"default_interval"`
	Grace            time.Duration `yaml:"grace"`
	AllContactsAfter time.Duration `yaml:"all_contacts_after"`
}

// Default returns the stock configuration.
func Default() Config {
	agg := logic.DefaultAggregatorConfig()
	wd := logic.DefaultWatchdogConfig()
	pins := gpio.DefaultPins()
	return Config{
		UserID:   "default",
		DBPath:   "/var/lib/guardian/guardian.db",
		Broker:   "tcp://localhost:1883",
		HTTPAddr: "127.0.0.1:8080",
		Voice: Voice{
			Enabled:    true,
			Keywords:   agg.Keywords,
			CancelWord: agg.CancelWord,
			Countdown:  agg.Countdown,
			Window:     200,
		},
		Gesture: Gesture{
			Interval:    2 * time.Second,
			Timeout:     10 * time.Second,
			Threshold:   agg.GestureThreshold,
			Consecutive: agg.GestureConsecutive,
		},
		Button: Button{
			Enabled:         true,
			Chip:            "gpiochip0",
			PanicPin:        pins.Panic,
			Tick:            100 * time.Millisecond,
			HoldTicks:       agg.HoldTicks,
			Sequence:        agg.Sequence,
			SequenceTimeout: agg.SequenceTimeout,
		},
		Watchdog: Watchdog{
			DefaultInterval:  30 * time.Minute,
			Grace:            wd.Grace,
			AllContactsAfter: wd.AllContactsAfter,
		},
		Cooldown:        agg.Cooldown,
		CancelPolicy:    string(logic.CancelPermissive),
		LocationHistory: 100,
		Heartbeat:       15 * time.Minute,
	}
}

// Load reads path over the defaults and validates the result.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports every problem with the configuration.
func (c Config) Validate() error {
	var errs []error
	if c.UserID == "" {
		errs = append(errs, errors.New("user_id is required"))
	}
	seen := make(map[string]bool)
	for i, ct := range c.Contacts {
		if ct.ID == "" {
			errs = append(errs, fmt.Errorf("contacts[%d]: id is required", i))
		} else if seen[ct.ID] {
			errs = append(errs, fmt.Errorf("contacts[%d]: duplicate id %q", i, ct.ID))
		}
		seen[ct.ID] = true
		switch logic.Priority(ct.Priority) {
		case "", logic.PriorityPrimary, logic.PrioritySecondary, logic.PriorityTertiary:
		default:
			errs = append(errs, fmt.Errorf("contacts[%d]: unknown priority %q", i, ct.Priority))
		}
	}
	switch logic.CancelPolicy(c.CancelPolicy) {
	case logic.CancelPermissive, logic.CancelStrict:
	default:
		errs = append(errs, fmt.Errorf("cancel_policy must be permissive or strict, got %q", c.CancelPolicy))
	}
	if c.Gesture.Threshold <= 0 || c.Gesture.Threshold > 1 {
		errs = append(errs, fmt.Errorf("gesture.threshold must be in (0,1], got %v", c.Gesture.Threshold))
	}
	if c.Gesture.Enabled && c.Gesture.InferenceURL == "" {
		errs = append(errs, errors.New("gesture.inference_url is required when gesture is enabled"))
	}
	for name, d := range map[string]time.Duration{
		"gesture.interval":          c.Gesture.Interval,
		"button.tick":               c.Button.Tick,
		"button.sequence_timeout":   c.Button.SequenceTimeout,
		"watchdog.default_interval": c.Watchdog.DefaultInterval,
		"watchdog.grace":            c.Watchdog.Grace,
		"heartbeat":                 c.Heartbeat,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", name))
		}
	}
	if c.Watchdog.AllContactsAfter < 0 || c.Watchdog.AllContactsAfter > c.Watchdog.Grace {
		errs = append(errs, errors.New("watchdog.all_contacts_after must be within the grace window"))
	}
	if c.Gesture.Consecutive < 1 || c.Button.HoldTicks < 1 {
		errs = append(errs, errors.New("gesture.consecutive and button.hold_ticks must be at least 1"))
	}
	if len(c.Button.Sequence) == 0 {
		errs = append(errs, errors.New("button.sequence must not be empty"))
	}
	return errors.Join(errs...)
}

// Aggregator returns the trigger qualification rules.
func (c Config) Aggregator() logic.AggregatorConfig {
	return logic.AggregatorConfig{
		Keywords:           c.Voice.Keywords,
		CancelWord:         c.Voice.CancelWord,
		Countdown:          c.Voice.Countdown,
		GestureThreshold:   c.Gesture.Threshold,
		GestureConsecutive: c.Gesture.Consecutive,
		HoldTicks:          c.Button.HoldTicks,
		Sequence:           c.Button.Sequence,
		SequenceTimeout:    c.Button.SequenceTimeout,
		Cooldown:           c.Cooldown,
	}
}

// LogicContacts returns the contacts in core form.
func (c Config) LogicContacts() []logic.Contact {
	out := make([]logic.Contact, 0, len(c.Contacts))
	for _, ct := range c.Contacts {
		out = append(out, logic.Contact{
			ID:       ct.ID,
			Name:     ct.Name,
			Phone:    ct.Phone,
			Priority: logic.Priority(ct.Priority),
		})
	}
	return out
}

// Session returns the per-user session settings.
func (c Config) Session() session.Config {
	return session.Config{
		UserID:     c.UserID,
		Contacts:   c.LogicContacts(),
		Aggregator: c.Aggregator(),
		Watchdog: logic.WatchdogConfig{
			Grace:            c.Watchdog.Grace,
			AllContactsAfter: c.Watchdog.AllContactsAfter,
		},
		CancelPolicy:    logic.CancelPolicy(c.CancelPolicy),
		LocationHistory: c.LocationHistory,
	}
}

// Pins returns the GPIO wiring. Pads default to the stock corners.
func (c Config) Pins() gpio.Pins {
	p := gpio.Pins{Panic: c.Button.PanicPin, Pads: c.Button.Pads}
	if len(p.Pads) == 0 {
		p.Pads = gpio.DefaultPins().Pads
	}
	return p
}
