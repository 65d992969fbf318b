package mqtt

import (
	"context"
	"fmt"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"

	"github.com/sweeney/guardian/internal/dispatch"
	"github.com/sweeney/guardian/internal/logic"
	"github.com/sweeney/guardian/internal/metrics"
)

// Options configures RealClient.
type Options struct {
	Broker   string
	ClientID string
	UserID   string
	// BufferSize is the number of system events kept while the broker is
	// unreachable. Alerts are always kept.
	BufferSize int
	Logger     *zap.Logger
}

// RealClient publishes to and subscribes on an actual MQTT broker.
// Messages published while disconnected are buffered and replayed when the
// connection comes back, alerts ahead of system events.
type RealClient struct {
	client paho.Client
	userID string
	log    *zap.Logger

	mu        sync.Mutex
	buf       *offlineQueue
	subs      map[string]Handler
	connected bool
	connects  int
}

// NewRealClient creates a client and starts connecting to the broker.
// The broker does not have to be reachable yet; paho keeps retrying.
func NewRealClient(o Options) (*RealClient, error) {
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	if o.ClientID == "" {
		o.ClientID = "guardian-" + o.UserID
	}
	if o.BufferSize <= 0 {
		o.BufferSize = 100
	}
	log := o.Logger.Named("mqtt")
	c := &RealClient{
		userID: o.UserID,
		log:    log,
		buf:    newOfflineQueue(o.BufferSize, log),
		subs:   make(map[string]Handler),
	}

	will, err := FormatSystemPayload(SystemEvent{
		Timestamp: time.Now(),
		Event:     "SHUTDOWN",
		Reason:    "MQTT_DISCONNECT",
	})
	if err != nil {
		return nil, fmt.Errorf("format will: %w", err)
	}

	opts := paho.NewClientOptions().
		AddBroker(o.Broker).
		SetClientID(o.ClientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5*time.Second).
		SetWill(SystemTopic(o.UserID), string(will), 1, true).
		SetOnConnectHandler(c.onConnect).
		SetConnectionLostHandler(c.onConnectionLost)

	c.client = paho.NewClient(opts)
	token := c.client.Connect()
	if token.WaitTimeout(10*time.Second) && token.Error() != nil {
		return nil, fmt.Errorf("connect to broker: %w", token.Error())
	}
	return c, nil
}

func (c *RealClient) onConnect(client paho.Client) {
	c.mu.Lock()
	c.connected = true
	c.connects++
	reconnect := c.connects > 1
	pending := c.buf.drainAll()
	subs := make(map[string]Handler, len(c.subs))
	for t, h := range c.subs {
		subs[t] = h
	}
	c.mu.Unlock()

	metrics.SetBrokerConnected(true)
	c.log.Info("connected to broker", zap.Bool("reconnect", reconnect), zap.Int("replay", len(pending)))

	for topic, h := range subs {
		if err := c.subscribe(topic, h); err != nil {
			c.log.Warn("resubscribe failed", zap.String("topic", topic), zap.Error(err))
		}
	}
	for _, m := range pending {
		token := client.Publish(m.topic, m.qos, m.retained, m.payload)
		if !token.WaitTimeout(5*time.Second) || token.Error() != nil {
			c.log.Warn("replay failed, re-buffering", zap.String("topic", m.topic), zap.Error(token.Error()))
			c.mu.Lock()
			c.buf.push(m)
			c.mu.Unlock()
		}
	}

	if reconnect {
		if err := c.PublishSystem(SystemEvent{Timestamp: time.Now(), Event: "RECONNECTED"}); err != nil {
			c.log.Warn("publish reconnect event", zap.Error(err))
		}
	}
}

func (c *RealClient) onConnectionLost(_ paho.Client, err error) {
	c.mu.Lock()
	c.connected = false
	c.mu.Unlock()
	metrics.SetBrokerConnected(false)
	c.log.Warn("connection to broker lost", zap.Error(err))
}

// Notify publishes msg for the dispatch gateway at QoS 1.
func (c *RealClient) Notify(ctx context.Context, contacts []logic.Contact, msg dispatch.Message, sev dispatch.Severity) error {
	payload, err := FormatAlertPayload(contacts, msg, sev)
	if err != nil {
		return fmt.Errorf("format alert payload: %w", err)
	}
	return c.publish(ctx, bufferedMsg{topic: AlertTopic(c.userID), payload: payload, qos: 1, alert: true})
}

// PublishSystem sends a system lifecycle event to the MQTT broker.
func (c *RealClient) PublishSystem(event SystemEvent) error {
	payload, err := FormatSystemPayload(event)
	if err != nil {
		return fmt.Errorf("format system payload: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return c.publish(ctx, bufferedMsg{
		topic:    SystemTopic(c.userID),
		payload:  payload,
		qos:      1,
		retained: event.Retained,
	})
}

// publish sends m, or buffers it when the broker is unreachable. A buffered
// message counts as accepted.
func (c *RealClient) publish(ctx context.Context, m bufferedMsg) error {
	c.mu.Lock()
	if !c.connected {
		c.buf.push(m)
		c.mu.Unlock()
		c.log.Debug("broker offline, message buffered", zap.String("topic", m.topic))
		return nil
	}
	c.mu.Unlock()

	token := c.client.Publish(m.topic, m.qos, m.retained, m.payload)
	select {
	case <-token.Done():
	case <-ctx.Done():
		return fmt.Errorf("publish %s: %w", m.topic, ctx.Err())
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publish %s: %w", m.topic, err)
	}
	return nil
}

// Subscribe registers h for topic. The subscription is renewed on every
// reconnect.
func (c *RealClient) Subscribe(topic string, h Handler) error {
	c.mu.Lock()
	c.subs[topic] = h
	connected := c.connected
	c.mu.Unlock()
	if !connected {
		return nil
	}
	return c.subscribe(topic, h)
}

func (c *RealClient) subscribe(topic string, h Handler) error {
	token := c.client.Subscribe(topic, 1, func(_ paho.Client, m paho.Message) {
		h(m.Topic(), m.Payload())
	})
	if !token.WaitTimeout(5 * time.Second) {
		return fmt.Errorf("subscribe %s: timeout", topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("subscribe %s: %w", topic, err)
	}
	return nil
}

// IsConnected reports whether the broker connection is up.
func (c *RealClient) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Buffered returns the number of messages waiting for a connection.
func (c *RealClient) Buffered() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.buf.len()
}

// Close disconnects from the broker.
func (c *RealClient) Close() error {
	c.client.Disconnect(1000) // 1 second timeout
	metrics.SetBrokerConnected(false)
	return nil
}
