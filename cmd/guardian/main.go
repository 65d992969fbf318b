// Command guardian is a personal safety daemon. It watches the panic button,
// tap pads, a camera and the phone's speech feed for distress signals, runs a
// check-in timer, and publishes alerts for the user's contacts over MQTT.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"

	"github.com/sweeney/guardian/internal/config"
	"github.com/sweeney/guardian/internal/dispatch"
	"github.com/sweeney/guardian/internal/mqtt"
	"github.com/sweeney/guardian/internal/session"
	"github.com/sweeney/guardian/internal/status"
	"github.com/sweeney/guardian/internal/store"
	"github.com/sweeney/guardian/internal/web"
)

// statusTick is how often runLoop refreshes the status tracker.
const statusTick = time.Second

type options struct {
	configPath  string
	userID      string
	broker      string
	httpAddr    string
	dbPath      string
	heartbeat   time.Duration
	debug       bool
	printConfig bool
	changed     func(name string) bool
}

func main() {
	opts, err := parseFlags(os.Args[1:])
	if err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "guardian: %v\n", err)
		os.Exit(2)
	}
	if err := run(opts); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func parseFlags(args []string) (options, error) {
	var o options
	fs := pflag.NewFlagSet("guardian", pflag.ContinueOnError)
	fs.StringVarP(&o.configPath, "config", "c", "/etc/guardian/guardian.yaml", "YAML config file (empty for built-in defaults)")
	fs.StringVar(&o.userID, "user", "", "User id (overrides config)")
	fs.StringVar(&o.broker, "broker", "", "MQTT broker address (overrides config)")
	fs.StringVar(&o.httpAddr, "http", "", `HTTP control address (overrides config, "off" disables)`)
	fs.StringVar(&o.dbPath, "db", "", "SQLite database path (overrides config)")
	fs.DurationVar(&o.heartbeat, "heartbeat", 0, "Heartbeat interval (overrides config)")
	fs.BoolVar(&o.debug, "debug", false, "Enable debug logging")
	fs.BoolVar(&o.printConfig, "print-config", false, "Print the effective config and exit")
	if err := fs.Parse(args); err != nil {
		return options{}, err
	}
	o.changed = fs.Changed
	return o, nil
}

// loadConfig reads the config file and applies flag overrides.
func loadConfig(o options) (config.Config, error) {
	cfg := config.Default()
	if o.configPath != "" {
		var err error
		if cfg, err = config.Load(o.configPath); err != nil {
			return config.Config{}, err
		}
	}
	changed := o.changed
	if changed == nil {
		changed = func(string) bool { return false }
	}
	if changed("user") {
		cfg.UserID = o.userID
	}
	if changed("broker") {
		cfg.Broker = o.broker
	}
	if changed("http") {
		cfg.HTTPAddr = o.httpAddr
	}
	if changed("db") {
		cfg.DBPath = o.dbPath
	}
	if changed("heartbeat") {
		cfg.Heartbeat = o.heartbeat
	}
	if cfg.HTTPAddr == "off" {
		cfg.HTTPAddr = ""
	}
	return cfg, cfg.Validate()
}

func newLogger(debug bool) (*zap.Logger, error) {
	zc := zap.NewProductionConfig()
	zc.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	if debug {
		zc.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	}
	return zc.Build()
}

func run(o options) error {
	cfg, err := loadConfig(o)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if o.printConfig {
		cfg.Secrets = config.Secrets{}
		out, err := yaml.Marshal(cfg)
		if err != nil {
			return fmt.Errorf("encode config: %w", err)
		}
		os.Stdout.Write(out)
		return nil
	}

	log, err := newLogger(o.debug)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer log.Sync()
	log = log.With(zap.String("user", cfg.UserID))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := store.NewSQLiteStore(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer db.Close()

	pair, err := loadSecrets(ctx, db, cfg, log)
	if err != nil {
		return err
	}

	client, err := mqtt.NewRealClient(mqtt.Options{
		Broker: cfg.Broker,
		UserID: cfg.UserID,
		Logger: log,
	})
	if err != nil {
		return fmt.Errorf("init mqtt: %w", err)
	}
	defer client.Close()

	// Deferred after the client and db, so the queues stop before either
	// is closed.
	bg := newWorkers(ctx)
	defer bg.Stop()

	outbox := store.NewOutbox(db, log, store.DefaultOutboxConfig())
	bg.Go(outbox.Run)
	dispatcher := dispatch.New(client, log, dispatch.DefaultConfig())
	bg.Go(dispatcher.Run)

	sess := session.New(cfg.Session(), pair, session.Deps{
		Logger:    log,
		Persister: outbox,
		Notifier:  dispatcher,
	})

	stopSources := startSources(ctx, cfg, sess, client, log)

	// Initialize status tracker (before STARTUP so snapshot is available)
	tracker := status.NewTracker(time.Now(), status.Config{
		UserID:      cfg.UserID,
		TickMs:      cfg.Button.Tick.Milliseconds(),
		HeartbeatMs: cfg.Heartbeat.Milliseconds(),
		Broker:      cfg.Broker,
		HTTPAddr:    cfg.HTTPAddr,
	})
	if net := readNetworkInfo(); net != nil {
		tracker.SetNetwork(net)
	}
	tracker.Update(sess.Snapshot())

	snap := tracker.Snapshot()
	if err := client.PublishSystem(mqtt.SystemEvent{
		Timestamp:  snap.Now,
		Event:      "STARTUP",
		Retained:   true,
		RawPayload: status.FormatStatusEvent(snap, "STARTUP", ""),
	}); err != nil {
		log.Warn("failed to publish startup event", zap.Error(err))
	}

	var srv *web.Server
	if cfg.HTTPAddr != "" {
		srv = web.New(cfg.HTTPAddr, web.Options{
			Tracker: tracker,
			Session: sess,
			History: db,
			UserID:  cfg.UserID,
			Logger:  log,
		})
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Error("http server error", zap.Error(err))
			}
		}()
		log.Info("http control server listening", zap.String("addr", cfg.HTTPAddr))
	}

	log.Info("started",
		zap.String("broker", cfg.Broker),
		zap.Int("contacts", len(cfg.Contacts)),
		zap.Duration("heartbeat", cfg.Heartbeat))

	ticker := time.NewTicker(statusTick)
	defer ticker.Stop()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	err = runLoop(sess, client, client, tracker, cfg.Heartbeat, log, time.Now, ticker.C, sigCh)

	// Stop every input, then give queued alerts and writes a moment to go
	// out before the workers stop.
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	if srv != nil {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Warn("http shutdown", zap.Error(err))
		}
	}
	stopSources()
	sess.Close()
	if !drain(5*time.Second, dispatcher.Flush, outbox.Flush) {
		log.Warn("shutdown with undelivered messages or writes")
	}
	return err
}

// snapshotter is the read side of the session.
type snapshotter interface {
	Snapshot() session.Snapshot
}

func runLoop(sess snapshotter, publisher mqtt.Publisher, mqttStatus mqtt.ConnectionStatus, tracker *status.Tracker, heartbeat time.Duration, log *zap.Logger, now func() time.Time, tick <-chan time.Time, sig <-chan os.Signal) error {
	lastHeartbeat := now()

	refresh := func() {
		tracker.Update(sess.Snapshot())
		if mqttStatus != nil {
			buffered := 0
			if b, ok := mqttStatus.(interface{ Buffered() int }); ok {
				buffered = b.Buffered()
			}
			tracker.SetMQTTConnected(mqttStatus.IsConnected(), buffered)
		}
	}

	for {
		select {
		case s := <-sig:
			log.Info("shutting down", zap.String("signal", s.String()))
			signalName := "UNKNOWN"
			if s == syscall.SIGINT {
				signalName = "SIGINT"
			} else if s == syscall.SIGTERM {
				signalName = "SIGTERM"
			}
			refresh()
			snap := tracker.Snapshot()
			event := mqtt.SystemEvent{
				Timestamp:  now(),
				Event:      "SHUTDOWN",
				Reason:     signalName,
				Retained:   true,
				RawPayload: status.FormatStatusEvent(snap, "SHUTDOWN", signalName),
			}
			if err := publisher.PublishSystem(event); err != nil {
				log.Warn("failed to publish shutdown event", zap.Error(err))
			}
			return nil

		case <-tick:
			t := now()
			refresh()

			if heartbeat <= 0 || t.Sub(lastHeartbeat) < heartbeat {
				continue
			}
			lastHeartbeat = t
			snap := tracker.Snapshot()
			log.Info("heartbeat",
				zap.Duration("uptime", snap.Uptime().Truncate(time.Second)),
				zap.Bool("mqtt", snap.MQTTConnected),
				zap.String("watchdog", string(snap.Session.Watchdog.Stage)))
			if err := publisher.PublishSystem(mqtt.SystemEvent{
				Timestamp:  t,
				Event:      "HEARTBEAT",
				RawPayload: status.FormatStatusEvent(snap, "HEARTBEAT", ""),
			}); err != nil {
				log.Warn("heartbeat publish error", zap.Error(err))
			}
		}
	}
}

// drain runs each flush in turn until all return or d elapses.
func drain(d time.Duration, flushes ...func()) bool {
	done := make(chan struct{})
	go func() {
		for _, f := range flushes {
			f()
		}
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(d):
		return false
	}
}

// pi-helper env var names (written to /run/pi-helper.env).
const (
	envNetworkType       = "NETWORK_TYPE"
	envNetworkIP         = "NETWORK_IP"
	envNetworkStatus     = "NETWORK_STATUS"
	envNetworkGateway    = "NETWORK_GATEWAY"
	envNetworkWifiStatus = "NETWORK_WIFI_STATUS"
	envNetworkWifiSSID   = "NETWORK_WIFI_SSID"
)

func readNetworkInfo() *status.NetworkInfo {
	s := os.Getenv(envNetworkStatus)
	if s == "" {
		return nil
	}
	return &status.NetworkInfo{
		Type:       os.Getenv(envNetworkType),
		IP:         os.Getenv(envNetworkIP),
		Status:     s,
		Gateway:    os.Getenv(envNetworkGateway),
		WifiStatus: os.Getenv(envNetworkWifiStatus),
		SSID:       os.Getenv(envNetworkWifiSSID),
	}
}
