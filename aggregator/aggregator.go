// Package aggregator applies decoded device events to session records.
// Events for the same (deviceRef, sessionID) pair are routed through one
// worker partition, which serializes the find-or-create-and-append
// sequence without locking the store.
package aggregator

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/Joothis/myozen/errors"
	"github.com/Joothis/myozen/metric"
	"github.com/Joothis/myozen/pkg/worker"
	"github.com/Joothis/myozen/storage"
	"github.com/Joothis/myozen/telemetry"
)

const defaultDeviceCacheSize = 512

// Config sizes the aggregator's worker pool.
type Config struct {
	Partitions      int `json:"partitions,omitempty"`
	QueueSize       int `json:"queue_size,omitempty"`
	DeviceCacheSize int `json:"device_cache_size,omitempty"`
}

// ApplyDefaults fills unset fields.
func (c *Config) ApplyDefaults() {
	if c.Partitions <= 0 {
		c.Partitions = 8
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 256
	}
	if c.DeviceCacheSize <= 0 {
		c.DeviceCacheSize = defaultDeviceCacheSize
	}
}

// Aggregator consumes DeviceEvents and maintains session records through
// the storage interface.
type Aggregator struct {
	store  storage.Store
	pool   *worker.KeyedPool[*telemetry.DeviceEvent]
	logger *slog.Logger

	// deviceRefs caches wire-level device ID to storage reference lookups.
	deviceRefs *lru.Cache[string, string]

	appended int64
	created  int64
	dropped  int64
}

// Option configures an Aggregator.
type Option func(*Aggregator, *poolOptions)

type poolOptions struct {
	registry *metric.Registry
}

// WithLogger sets the aggregator's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(a *Aggregator, _ *poolOptions) {
		if logger != nil {
			a.logger = logger
		}
	}
}

// WithMetrics registers worker pool metrics with the registry.
func WithMetrics(registry *metric.Registry) Option {
	return func(_ *Aggregator, po *poolOptions) {
		po.registry = registry
	}
}

// New creates an aggregator over the given store.
func New(store storage.Store, cfg Config, opts ...Option) (*Aggregator, error) {
	if store == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "aggregator", "New", "store is required")
	}
	cfg.ApplyDefaults()

	a := &Aggregator{
		store:  store,
		logger: slog.Default(),
	}
	po := &poolOptions{}
	for _, opt := range opts {
		opt(a, po)
	}

	cache, err := lru.New[string, string](cfg.DeviceCacheSize)
	if err != nil {
		return nil, errors.WrapInvalid(err, "aggregator", "New", "device cache init")
	}
	a.deviceRefs = cache

	var poolOpts []worker.Option[*telemetry.DeviceEvent]
	if po.registry != nil {
		poolOpts = append(poolOpts, worker.WithMetrics[*telemetry.DeviceEvent](po.registry, "aggregator"))
	}
	a.pool = worker.NewKeyedPool(cfg.Partitions, cfg.QueueSize, a.process, poolOpts...)

	return a, nil
}

// Start launches the worker partitions.
func (a *Aggregator) Start(ctx context.Context) error {
	return a.pool.Start(ctx)
}

// Stop drains the queued events, bounded by timeout.
func (a *Aggregator) Stop(timeout time.Duration) error {
	return a.pool.Stop(timeout)
}

// Handle routes the event to the partition owning its session key. A full
// partition queue drops the event; ingestion never blocks on storage.
func (a *Aggregator) Handle(ev *telemetry.DeviceEvent) error {
	if ev == nil {
		return nil
	}
	err := a.pool.Submit(ev.DeviceID+"/"+ev.SessionID, ev)
	if err != nil {
		atomic.AddInt64(&a.dropped, 1)
		a.logger.Warn("event dropped",
			"device", ev.DeviceID,
			"session", ev.SessionID,
			"error", err)
	}
	return err
}

// Stats describes aggregator throughput.
type Stats struct {
	Created int64            `json:"created"`
	Appends int64            `json:"appends"`
	Dropped int64            `json:"dropped"`
	Pool    worker.PoolStats `json:"pool"`
}

// Stats returns a snapshot of aggregator counters.
func (a *Aggregator) Stats() Stats {
	return Stats{
		Created: atomic.LoadInt64(&a.created),
		Appends: atomic.LoadInt64(&a.appended),
		Dropped: atomic.LoadInt64(&a.dropped),
		Pool:    a.pool.Stats(),
	}
}

// process is the partition worker body. It runs at most once at a time
// per session key.
func (a *Aggregator) process(ctx context.Context, ev *telemetry.DeviceEvent) error {
	deviceRef := a.resolveDevice(ctx, ev.DeviceID)

	// Device status is a side effect of ingestion. Failures here are
	// logged and never fail the append.
	a.touchDevice(ctx, deviceRef, ev)

	// Status-only frames carry no session and end here.
	if ev.SessionID == "" {
		return nil
	}

	if err := a.upsertSession(ctx, deviceRef, ev); err != nil {
		a.logger.Error("session upsert failed; event dropped",
			"device", ev.DeviceID,
			"session", ev.SessionID,
			"kind", ev.Kind,
			"error", err)
		return err
	}
	return nil
}

// upsertSession appends to the open record for the event's session, or
// creates one when none exists. The caller guarantees no concurrent call
// for the same (deviceRef, sessionID), so find-then-create cannot race
// with itself.
func (a *Aggregator) upsertSession(ctx context.Context, deviceRef string, ev *telemetry.DeviceEvent) error {
	rec, err := a.store.FindOpenSession(ctx, deviceRef, ev.SessionID)
	switch {
	case err == nil:
		err = a.store.AppendToSession(ctx, rec.ID, ev.Samples, ev.Response, ev.Timestamp)
		if err != nil {
			return errors.WrapTransient(err, "aggregator", "upsertSession", "append")
		}
		atomic.AddInt64(&a.appended, 1)
		return nil

	case errors.Is(err, errors.ErrSessionNotFound):
		rec := &telemetry.SessionRecord{
			DeviceRef: deviceRef,
			SessionID: ev.SessionID,
			Kind:      ev.Kind,
			StartTime: ev.Timestamp,
			EndTime:   ev.Timestamp,
			Samples:   ev.Samples,
			Stim:      ev.Stim,
			Response:  ev.Response,
			Metadata:  ev.Metadata,
		}
		if _, err := a.store.CreateSession(ctx, rec); err != nil {
			return errors.WrapTransient(err, "aggregator", "upsertSession", "create")
		}
		atomic.AddInt64(&a.created, 1)
		a.logger.Info("session opened",
			"device", ev.DeviceID,
			"session", ev.SessionID,
			"kind", ev.Kind)
		return nil

	default:
		return errors.WrapTransient(err, "aggregator", "upsertSession", "find open session")
	}
}

// resolveDevice maps the wire-level device ID to its storage reference.
// Unknown devices fall back to the wire ID so their data is still kept.
func (a *Aggregator) resolveDevice(ctx context.Context, externalID string) string {
	if ref, ok := a.deviceRefs.Get(externalID); ok {
		return ref
	}
	ref, err := a.store.FindDeviceByExternalID(ctx, externalID)
	if err != nil {
		if !errors.Is(err, errors.ErrDeviceNotFound) {
			a.logger.Warn("device lookup failed", "device", externalID, "error", err)
		}
		return externalID
	}
	a.deviceRefs.Add(externalID, ref)
	return ref
}

// touchDevice advances lastConnected and forwards any status fields the
// frame carried.
func (a *Aggregator) touchDevice(ctx context.Context, deviceRef string, ev *telemetry.DeviceEvent) {
	now := time.Now()
	fields := storage.DeviceFields{LastConnected: &now}
	if ev.Status != nil {
		fields.Battery = ev.Status.Battery
		if ev.Status.Firmware != "" {
			fw := ev.Status.Firmware
			fields.Firmware = &fw
		}
	}
	if err := a.store.UpdateDeviceStatus(ctx, deviceRef, fields); err != nil {
		a.logger.Debug("device status update failed",
			"device", deviceRef,
			"error", err)
	}
}
