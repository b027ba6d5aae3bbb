// Package wireless implements the short-range transport connector as a
// controlled simulation. It honors the same connector contract as the
// broker transport: bounded-duration discovery, a per-device connect
// handshake, then periodic frame emission until disconnect. A real radio
// stack can replace it without touching the decoder or aggregator.
package wireless

import (
	"context"
	"encoding/binary"
	"log/slog"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Joothis/myozen/errors"
	"github.com/Joothis/myozen/telemetry"
	"github.com/Joothis/myozen/transport"
)

// SimDevice describes one simulated device advertised during discovery.
type SimDevice struct {
	ID   string         `json:"id"`
	Kind telemetry.Kind `json:"kind"`
}

// Config holds the simulation parameters.
type Config struct {
	Devices          []SimDevice   `json:"devices"`
	ScanWindow       time.Duration `json:"scan_window,omitempty"`
	HandshakeLatency time.Duration `json:"handshake_latency,omitempty"`
	EmitInterval     time.Duration `json:"emit_interval,omitempty"`
	SamplesPerFrame  int           `json:"samples_per_frame,omitempty"`
}

// ApplyDefaults fills unset fields.
func (c *Config) ApplyDefaults() {
	if c.ScanWindow <= 0 {
		c.ScanWindow = 2 * time.Second
	}
	if c.HandshakeLatency <= 0 {
		c.HandshakeLatency = 100 * time.Millisecond
	}
	if c.EmitInterval <= 0 {
		c.EmitInterval = 500 * time.Millisecond
	}
	if c.SamplesPerFrame <= 0 {
		c.SamplesPerFrame = 16
	}
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if len(c.Devices) == 0 {
		return errors.WrapInvalid(errors.ErrMissingConfig, "wireless.Config", "Validate", "check device list")
	}
	for _, d := range c.Devices {
		if d.ID == "" || !d.Kind.Valid() {
			return errors.WrapInvalid(errors.ErrInvalidConfig, "wireless.Config", "Validate", "check device entry")
		}
	}
	return nil
}

// Connector is the simulated wireless transport.
type Connector struct {
	cfg    Config
	logger *slog.Logger

	mu      sync.Mutex
	filter  string
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	session uint32

	events chan transport.Event
	emitMu sync.RWMutex
	closed atomic.Bool
}

var _ transport.Connector = (*Connector)(nil)

// New creates a wireless connector from the simulation config.
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
		events: make(chan transport.Event, 256),
	}, nil
}

// Name implements transport.Connector.
func (c *Connector) Name() string {
	return "wireless"
}

// Source implements transport.Connector.
func (c *Connector) Source() telemetry.Source {
	return telemetry.SourceWireless
}

// Events implements transport.Connector.
func (c *Connector) Events() <-chan transport.Event {
	return c.events
}

// Subscribe implements transport.Connector. The filter restricts which
// discovered devices emit frames.
func (c *Connector) Subscribe(filter string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.filter = filter
	return nil
}

// Connect implements transport.Connector. Discovery runs for the
// configured scan window, then each discovered device completes a
// handshake; both phases respect ctx so shutdown never waits them out.
func (c *Connector) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed.Load() {
		return errors.ErrShuttingDown
	}
	if c.cancel != nil {
		return nil // already connected
	}

	discovered := c.discover(ctx)
	if ctx.Err() != nil {
		return errors.WrapTransient(ctx.Err(), "wireless", "Connect", "discovery scan")
	}
	if len(discovered) == 0 {
		return errors.WrapTransient(errors.ErrConnectionTimeout, "wireless", "Connect", "discover devices")
	}

	for _, dev := range discovered {
		if err := sleepCtx(ctx, c.cfg.HandshakeLatency); err != nil {
			return errors.WrapTransient(err, "wireless", "Connect", "handshake "+dev.ID)
		}
	}

	emitCtx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.session++
	session := c.session

	c.emit(transport.Event{Kind: transport.EventConnected, At: time.Now()})
	c.logger.Info("wireless devices connected", "count", len(discovered), "session", session)

	for _, dev := range discovered {
		c.wg.Add(1)
		go c.emitLoop(emitCtx, dev, session)
	}
	return nil
}

// discover waits out the scan window (bounded by ctx) and returns the
// devices matching the subscription filter.
func (c *Connector) discover(ctx context.Context) []SimDevice {
	_ = sleepCtx(ctx, c.cfg.ScanWindow)
	if ctx.Err() != nil {
		return nil
	}

	var out []SimDevice
	for _, dev := range c.cfg.Devices {
		if c.filter == "" || c.filter == dev.ID {
			out = append(out, dev)
		}
	}
	return out
}

// emitLoop models the device's push behavior: one synthetic frame per
// interval until disconnect.
func (c *Connector) emitLoop(ctx context.Context, dev SimDevice, session uint32) {
	defer c.wg.Done()

	rng := rand.New(rand.NewSource(time.Now().UnixNano() ^ int64(session)))
	ticker := time.NewTicker(c.cfg.EmitInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.emit(transport.Event{
				Kind:     transport.EventFrame,
				DeviceID: dev.ID,
				Payload:  c.buildFrame(rng, dev.Kind, session),
				Source:   telemetry.SourceWireless,
				At:       time.Now(),
			})
		}
	}
}

// buildFrame assembles a wire-contract frame: discriminator byte, 4-byte
// session id, 8-byte timestamp, kind-specific tail.
func (c *Connector) buildFrame(rng *rand.Rand, kind telemetry.Kind, session uint32) []byte {
	const headerLen = 13

	var tail []byte
	discriminator := byte(0x01)
	if kind == telemetry.KindEMS {
		discriminator = 0x02
		// 3 stimulation parameters plus a response blob of 16-bit values.
		tail = make([]byte, 3+c.cfg.SamplesPerFrame*2)
		tail[0] = byte(20 + rng.Intn(60)) // intensity
		tail[1] = byte(10 + rng.Intn(90)) // frequency
		tail[2] = byte(rng.Intn(256))     // pulse width
		for i := 0; i < c.cfg.SamplesPerFrame; i++ {
			binary.LittleEndian.PutUint16(tail[3+i*2:], uint16(rng.Intn(1024)))
		}
	} else {
		tail = make([]byte, c.cfg.SamplesPerFrame*2)
		for i := 0; i < c.cfg.SamplesPerFrame; i++ {
			binary.LittleEndian.PutUint16(tail[i*2:], uint16(int16(rng.Intn(2048)-1024)))
		}
	}

	frame := make([]byte, headerLen+len(tail))
	frame[0] = discriminator
	binary.LittleEndian.PutUint32(frame[1:5], session)
	binary.LittleEndian.PutUint64(frame[5:13], uint64(time.Now().UnixMilli()))
	copy(frame[headerLen:], tail)
	return frame
}

// Send implements transport.Connector. The simulation accepts and
// discards device commands.
func (c *Connector) Send(_ context.Context, target string, _ []byte) error {
	for _, dev := range c.cfg.Devices {
		if dev.ID == target {
			return nil
		}
	}
	return errors.ErrDeviceNotFound
}

// Disconnect implements transport.Connector.
func (c *Connector) Disconnect(timeout time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed.Swap(true) {
		return nil
	}

	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
	}

	c.emitMu.Lock()
	close(c.events)
	c.emitMu.Unlock()
	return nil
}

func (c *Connector) emit(ev transport.Event) {
	c.emitMu.RLock()
	defer c.emitMu.RUnlock()
	if c.closed.Load() {
		return
	}
	select {
	case c.events <- ev:
	default:
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
