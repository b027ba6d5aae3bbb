// Package pubsub implements the broker-backed transport connector on NATS.
// It owns one broker connection, subscribes the per-device data and status
// topic families, and republishes everything as typed connector events.
package pubsub

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/Joothis/myozen/errors"
	"github.com/Joothis/myozen/telemetry"
	"github.com/Joothis/myozen/transport"
)

// Config holds the broker connection settings.
type Config struct {
	URL            string        `json:"url"`
	Username       string        `json:"username,omitempty"`
	Password       string        `json:"password,omitempty"`
	ClientName     string        `json:"client_name,omitempty"`
	SubjectPrefix  string        `json:"subject_prefix,omitempty"` // default "devices"
	ConnectTimeout time.Duration `json:"connect_timeout,omitempty"`
	KeepAlive      time.Duration `json:"keep_alive,omitempty"`
}

// ApplyDefaults fills unset fields.
func (c *Config) ApplyDefaults() {
	if c.SubjectPrefix == "" {
		c.SubjectPrefix = "devices"
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 5 * time.Second
	}
	if c.KeepAlive <= 0 {
		c.KeepAlive = 30 * time.Second
	}
	if c.ClientName == "" {
		c.ClientName = "myozen-bridge"
	}
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.URL == "" {
		return errors.WrapInvalid(errors.ErrMissingConfig, "pubsub.Config", "Validate", "check broker url")
	}
	return nil
}

// Connector is the NATS-backed transport connector. Reconnection is the
// supervisor's job, so the underlying NATS reconnect machinery is
// disabled: a lost connection surfaces as a disconnected event and the
// connector waits to be told to connect again.
type Connector struct {
	cfg    Config
	logger *slog.Logger

	mu     sync.Mutex
	conn   *nats.Conn
	subs   []*nats.Subscription
	filter string

	events  chan transport.Event
	emitMu  sync.RWMutex
	dropped atomic.Int64
	closed  atomic.Bool
}

var _ transport.Connector = (*Connector)(nil)

// New creates a broker connector. The returned connector is idle until
// Connect is called.
func New(cfg Config, logger *slog.Logger) (*Connector, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Connector{
		cfg:    cfg,
		logger: logger,
		filter: "*",
		events: make(chan transport.Event, 256),
	}, nil
}

// Name implements transport.Connector.
func (c *Connector) Name() string {
	return "broker"
}

// Source implements transport.Connector.
func (c *Connector) Source() telemetry.Source {
	return telemetry.SourcePubSub
}

// Events implements transport.Connector.
func (c *Connector) Events() <-chan transport.Event {
	return c.events
}

// Subscribe implements transport.Connector. Must be called before
// Connect; changing the filter on a live connection is not supported.
func (c *Connector) Subscribe(filter string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn != nil {
		return errors.WrapInvalid(errors.ErrAlreadyStarted, "pubsub", "Subscribe", "change filter on live connection")
	}
	if filter == "" {
		filter = "*"
	}
	if strings.ContainsAny(filter, ". ") {
		return errors.WrapInvalid(
			fmt.Errorf("filter %q contains subject separators", filter),
			"pubsub", "Subscribe", "validate filter")
	}
	c.filter = filter
	return nil
}

// Connect implements transport.Connector.
func (c *Connector) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed.Load() {
		return errors.ErrShuttingDown
	}
	if c.conn != nil {
		if c.conn.IsConnected() {
			return nil
		}
		// Stale handle from a lost connection; release it before redialing.
		c.conn.Close()
		c.conn = nil
	}

	timeout := c.cfg.ConnectTimeout
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining < timeout {
			timeout = remaining
		}
	}

	opts := []nats.Option{
		nats.Name(c.cfg.ClientName),
		nats.Timeout(timeout),
		nats.PingInterval(c.cfg.KeepAlive),
		nats.NoReconnect(),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			c.emit(transport.Event{Kind: transport.EventDisconnected, Err: err, At: time.Now()})
		}),
		nats.ErrorHandler(func(_ *nats.Conn, _ *nats.Subscription, err error) {
			c.emit(transport.Event{Kind: transport.EventError, Err: err, At: time.Now()})
		}),
	}
	if c.cfg.Username != "" {
		opts = append(opts, nats.UserInfo(c.cfg.Username, c.cfg.Password))
	}

	conn, err := nats.Connect(c.cfg.URL, opts...)
	if err != nil {
		return errors.WrapTransient(err, "pubsub", "Connect", "dial broker")
	}

	if err := c.subscribeLocked(conn); err != nil {
		conn.Close()
		return err
	}

	c.conn = conn
	c.emit(transport.Event{Kind: transport.EventConnected, At: time.Now()})
	c.logger.Info("broker connected", "url", c.cfg.URL, "filter", c.filter)
	return nil
}

// subscribeLocked subscribes the data and status topic families for the
// current filter. Caller holds c.mu.
func (c *Connector) subscribeLocked(conn *nats.Conn) error {
	c.subs = nil
	families := []struct {
		suffix string
		topic  transport.TopicKind
	}{
		{"data", transport.TopicData},
		{"status", transport.TopicStatus},
	}

	for _, fam := range families {
		topic := fam.topic
		subject := fmt.Sprintf("%s.%s.%s", c.cfg.SubjectPrefix, c.filter, fam.suffix)
		sub, err := conn.Subscribe(subject, func(msg *nats.Msg) {
			c.handleMessage(msg, topic)
		})
		if err != nil {
			return errors.WrapTransient(err, "pubsub", "subscribe", "subscribe "+subject)
		}
		c.subs = append(c.subs, sub)
	}
	return nil
}

func (c *Connector) handleMessage(msg *nats.Msg, topic transport.TopicKind) {
	deviceID := deviceFromSubject(msg.Subject)
	if deviceID == "" {
		c.emit(transport.Event{
			Kind: transport.EventError,
			Err:  fmt.Errorf("subject %q missing device token", msg.Subject),
			At:   time.Now(),
		})
		return
	}

	c.emit(transport.Event{
		Kind:     transport.EventFrame,
		DeviceID: deviceID,
		Payload:  msg.Data,
		Topic:    topic,
		Source:   telemetry.SourcePubSub,
		At:       time.Now(),
	})
}

// Send implements transport.Connector. Publishes to the device command
// subject.
func (c *Connector) Send(_ context.Context, target string, payload []byte) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()

	if conn == nil || !conn.IsConnected() {
		return errors.ErrNotConnected
	}
	subject := fmt.Sprintf("%s.%s.cmd", c.cfg.SubjectPrefix, target)
	if err := conn.Publish(subject, payload); err != nil {
		return errors.WrapTransient(err, "pubsub", "Send", "publish "+subject)
	}
	return nil
}

// Disconnect implements transport.Connector. Safe to call repeatedly;
// once called the connector is done and a fresh instance is needed to
// reconnect.
func (c *Connector) Disconnect(timeout time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed.Swap(true) {
		return nil
	}

	if c.conn != nil {
		for _, sub := range c.subs {
			_ = sub.Unsubscribe()
		}
		c.subs = nil

		done := make(chan struct{})
		conn := c.conn
		go func() {
			_ = conn.Drain()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(timeout):
			conn.Close()
		}
		c.conn = nil
	}

	// Exclude in-flight emits before closing the channel.
	c.emitMu.Lock()
	close(c.events)
	c.emitMu.Unlock()
	return nil
}

// Dropped returns the number of events discarded because the event buffer
// was full.
func (c *Connector) Dropped() int64 {
	return c.dropped.Load()
}

// emit delivers an event without blocking the NATS callback goroutine.
// A full buffer drops the event; the consumer is expected to keep up.
func (c *Connector) emit(ev transport.Event) {
	c.emitMu.RLock()
	defer c.emitMu.RUnlock()
	if c.closed.Load() {
		return
	}
	select {
	case c.events <- ev:
	default:
		c.dropped.Add(1)
	}
}

// deviceFromSubject extracts the device token from
// "<prefix>.<device>.<family>".
func deviceFromSubject(subject string) string {
	parts := strings.Split(subject, ".")
	if len(parts) < 3 {
		return ""
	}
	return parts[len(parts)-2]
}
