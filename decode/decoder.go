package decode

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/Joothis/myozen/metric"
	"github.com/Joothis/myozen/telemetry"
)

// Decoder wraps Frame with drop accounting and rate-limited diagnostics.
// Every malformed frame increments a counter; at most one log line per
// throttle interval per source is emitted so a misbehaving device cannot
// flood the logs.
type Decoder struct {
	logger   *slog.Logger
	throttle time.Duration

	mu      sync.Mutex
	lastLog map[Source]time.Time

	dropped atomic.Int64
	decoded atomic.Int64

	framesDecoded *prometheus.CounterVec
	framesDropped *prometheus.CounterVec
}

// DecoderOption configures a Decoder.
type DecoderOption func(*Decoder)

// WithLogger sets the logger used for decode diagnostics.
func WithLogger(logger *slog.Logger) DecoderOption {
	return func(d *Decoder) {
		if logger != nil {
			d.logger = logger
		}
	}
}

// WithThrottle sets the minimum interval between diagnostic log lines per
// source.
func WithThrottle(interval time.Duration) DecoderOption {
	return func(d *Decoder) {
		if interval > 0 {
			d.throttle = interval
		}
	}
}

// WithMetrics registers decode counters with the registry.
func WithMetrics(registry *metric.Registry) DecoderOption {
	return func(d *Decoder) {
		if registry == nil {
			return
		}
		d.framesDecoded = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "myozen",
			Subsystem: "decoder",
			Name:      "frames_decoded_total",
			Help:      "Total frames decoded successfully",
		}, []string{"source", "kind"})
		d.framesDropped = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "myozen",
			Subsystem: "decoder",
			Name:      "frames_dropped_total",
			Help:      "Total malformed frames dropped",
		}, []string{"source"})
		registry.MustRegister("decoder", "frames_decoded_total", d.framesDecoded)
		registry.MustRegister("decoder", "frames_dropped_total", d.framesDropped)
	}
}

// NewDecoder creates a Decoder with a 10s diagnostic throttle by default.
func NewDecoder(opts ...DecoderOption) *Decoder {
	d := &Decoder{
		logger:   slog.Default(),
		throttle: 10 * time.Second,
		lastLog:  make(map[Source]time.Time),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Decode decodes one raw frame. Malformed frames return nil; the caller
// drops the event and moves on.
func (d *Decoder) Decode(deviceID string, raw []byte, src Source) *telemetry.DeviceEvent {
	ev, err := Frame(deviceID, raw, src)
	if err != nil {
		d.recordDrop(deviceID, src, len(raw), err)
		return nil
	}

	d.decoded.Add(1)
	if d.framesDecoded != nil {
		d.framesDecoded.WithLabelValues(src.String(), string(ev.Kind)).Inc()
	}
	return ev
}

// Dropped returns the total number of frames dropped since creation.
func (d *Decoder) Dropped() int64 {
	return d.dropped.Load()
}

// Decoded returns the total number of frames decoded since creation.
func (d *Decoder) Decoded() int64 {
	return d.decoded.Load()
}

func (d *Decoder) recordDrop(deviceID string, src Source, frameLen int, err error) {
	total := d.dropped.Add(1)
	if d.framesDropped != nil {
		d.framesDropped.WithLabelValues(src.String()).Inc()
	}

	now := time.Now()
	d.mu.Lock()
	last := d.lastLog[src]
	shouldLog := now.Sub(last) >= d.throttle
	if shouldLog {
		d.lastLog[src] = now
	}
	d.mu.Unlock()

	if shouldLog {
		d.logger.Warn("dropping malformed frame",
			"device", deviceID,
			"source", src.String(),
			"frame_bytes", frameLen,
			"dropped_total", total,
			"error", err)
	}
}
