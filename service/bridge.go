// Package service assembles the telemetry core: storage, decoder,
// aggregator, transport supervisors, and the sync scheduler, wired from
// one configuration and managed as a unit.
package service

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"github.com/Joothis/myozen/aggregator"
	"github.com/Joothis/myozen/component"
	"github.com/Joothis/myozen/config"
	"github.com/Joothis/myozen/decode"
	"github.com/Joothis/myozen/errors"
	"github.com/Joothis/myozen/metric"
	"github.com/Joothis/myozen/storage"
	"github.com/Joothis/myozen/storage/memstore"
	"github.com/Joothis/myozen/storage/sqlstore"
	"github.com/Joothis/myozen/supervisor"
	"github.com/Joothis/myozen/syncer"
	"github.com/Joothis/myozen/telemetry"
	"github.com/Joothis/myozen/transport"
	"github.com/Joothis/myozen/transport/pubsub"
	"github.com/Joothis/myozen/transport/wireless"
)

// Connection names used in status reports.
const (
	ConnPubSub   = "pubsub"
	ConnWireless = "wireless"
)

// Bridge owns the assembled pipeline. Construction wires the pieces;
// Start and Stop drive them in dependency order.
type Bridge struct {
	cfg      *config.Config
	logger   *slog.Logger
	registry *metric.Registry

	store      storage.Store
	closeStore func() error

	decoder     *decode.Decoder
	agg         *aggregator.Aggregator
	scheduler   *syncer.Scheduler
	supervisors map[string]*supervisor.Supervisor

	// components in start order; stopped in reverse.
	components []component.Managed
}

// Option configures a Bridge.
type Option func(*Bridge)

// WithLogger sets the bridge's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(b *Bridge) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// WithMetrics sets the metric registry shared by all components.
func WithMetrics(registry *metric.Registry) Option {
	return func(b *Bridge) {
		b.registry = registry
	}
}

// WithStore overrides the configured store. The caller keeps ownership
// of the store's lifetime.
func WithStore(store storage.Store) Option {
	return func(b *Bridge) {
		b.store = store
		b.closeStore = nil
	}
}

// New assembles a bridge from configuration.
func New(cfg *config.Config, opts ...Option) (*Bridge, error) {
	if cfg == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "service", "New", "config is required")
	}

	b := &Bridge{
		cfg:         cfg,
		logger:      slog.Default(),
		supervisors: make(map[string]*supervisor.Supervisor),
	}
	for _, opt := range opts {
		opt(b)
	}

	if b.store == nil {
		if err := b.openStore(); err != nil {
			return nil, err
		}
	}

	decodeOpts := []decode.DecoderOption{decode.WithLogger(b.logger)}
	if b.registry != nil {
		decodeOpts = append(decodeOpts, decode.WithMetrics(b.registry))
	}
	b.decoder = decode.NewDecoder(decodeOpts...)

	aggOpts := []aggregator.Option{aggregator.WithLogger(b.logger)}
	if b.registry != nil {
		aggOpts = append(aggOpts, aggregator.WithMetrics(b.registry))
	}
	agg, err := aggregator.New(b.store, cfg.Aggregator, aggOpts...)
	if err != nil {
		return nil, err
	}
	b.agg = agg
	b.addComponent("aggregator", agg)

	if err := b.buildTransports(); err != nil {
		return nil, err
	}
	if err := b.buildScheduler(); err != nil {
		return nil, err
	}

	return b, nil
}

func (b *Bridge) openStore() error {
	switch b.cfg.Storage.Driver {
	case "", config.StorageMemory:
		b.store = memstore.New()
	case config.StorageSQLite:
		store, err := sqlstore.Open(b.cfg.Storage.Path)
		if err != nil {
			return err
		}
		b.store = store
		b.closeStore = store.Close
	default:
		return errors.WrapInvalid(errors.ErrInvalidConfig, "service", "openStore", "unknown storage driver")
	}
	return nil
}

// buildTransports creates a connector plus supervisor per configured
// transport. A transport left unconfigured is skipped; its status entry
// reports not configured.
func (b *Bridge) buildTransports() error {
	if b.cfg.PubSubEnabled() {
		conn, err := pubsub.New(*b.cfg.PubSub, b.logger)
		if err != nil {
			return err
		}
		b.addSupervisor(ConnPubSub, conn)
	} else {
		b.logger.Info("pubsub transport not configured, skipping")
	}

	if b.cfg.WirelessEnabled() {
		conn, err := wireless.New(*b.cfg.Wireless, b.logger)
		if err != nil {
			return err
		}
		b.addSupervisor(ConnWireless, conn)
	} else {
		b.logger.Info("wireless transport not configured, skipping")
	}
	return nil
}

func (b *Bridge) addSupervisor(name string, conn transport.Connector) {
	supOpts := []supervisor.Option{supervisor.WithLogger(b.logger)}
	if b.registry != nil {
		supOpts = append(supOpts, supervisor.WithMetrics(b.registry))
	}
	sup := supervisor.New(conn, b.cfg.Supervisor, b.ingest, supOpts...)
	b.supervisors[name] = sup
	b.addComponent("supervisor:"+name, sup)
}

func (b *Bridge) buildScheduler() error {
	if b.cfg.Remote == nil {
		b.logger.Info("remote sync not configured, scheduler disabled")
		return nil
	}
	pusher, err := syncer.NewHTTPPusher(*b.cfg.Remote)
	if err != nil {
		return err
	}
	schedOpts := []syncer.Option{syncer.WithLogger(b.logger)}
	if b.registry != nil {
		schedOpts = append(schedOpts, syncer.WithMetrics(b.registry))
	}
	sched, err := syncer.New(b.store, pusher, b.cfg.Sync, schedOpts...)
	if err != nil {
		return err
	}
	b.scheduler = sched
	b.addComponent("syncer", sched)
	return nil
}

func (b *Bridge) addComponent(name string, c component.Lifecycle) {
	b.components = append(b.components, component.Managed{
		Name:      name,
		Component: c,
		State:     component.StateCreated,
	})
}

// ingest is the frame path: transport event in, aggregator submission
// out. Malformed frames are dropped by the decoder; a full aggregator
// queue drops the event rather than blocking the supervisor loop.
func (b *Bridge) ingest(ev transport.Event) {
	src := decode.SourceWireless
	if ev.Source == telemetry.SourcePubSub {
		if ev.Topic == transport.TopicStatus {
			src = decode.SourceBrokerStatus
		} else {
			src = decode.SourceBrokerData
		}
	}

	event := b.decoder.Decode(ev.DeviceID, ev.Payload, src)
	if event == nil {
		return
	}
	_ = b.agg.Handle(event)
}

// Start starts every component in registration order: the aggregator
// first so frames arriving during transport connect have a consumer.
func (b *Bridge) Start(ctx context.Context) error {
	for i := range b.components {
		mc := &b.components[i]
		if err := mc.Component.Start(ctx); err != nil {
			mc.State = component.StateFailed
			mc.LastError = err
			return errors.Wrap(err, "service", "Start", "start "+mc.Name)
		}
		mc.State = component.StateStarted
		b.logger.Info("component started", "component", mc.Name)
	}
	return nil
}

// Stop stops components in reverse start order, bounded by timeout per
// component, then closes the store.
func (b *Bridge) Stop(timeout time.Duration) error {
	var firstErr error
	for i := len(b.components) - 1; i >= 0; i-- {
		mc := &b.components[i]
		if mc.State != component.StateStarted {
			continue
		}
		if err := mc.Component.Stop(timeout); err != nil {
			mc.State = component.StateFailed
			mc.LastError = err
			b.logger.Error("component stop failed", "component", mc.Name, "error", err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		mc.State = component.StateStopped
		b.logger.Info("component stopped", "component", mc.Name)
	}

	if b.closeStore != nil {
		if err := b.closeStore(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// ConnectionStatuses returns the per-connection read model, including
// entries for transports that were never configured.
func (b *Bridge) ConnectionStatuses() []telemetry.ConnectionStatus {
	statuses := make([]telemetry.ConnectionStatus, 0, 2)
	for _, name := range []string{ConnPubSub, ConnWireless} {
		if sup, ok := b.supervisors[name]; ok {
			statuses = append(statuses, sup.Status())
		} else {
			statuses = append(statuses, telemetry.ConnectionStatus{
				Name:       name,
				Configured: false,
				State:      "not configured",
			})
		}
	}
	sort.Slice(statuses, func(i, j int) bool { return statuses[i].Name < statuses[j].Name })
	return statuses
}

// SyncStatus returns the scheduler state, or ok=false when remote sync
// is not configured.
func (b *Bridge) SyncStatus() (syncer.Status, bool) {
	if b.scheduler == nil {
		return syncer.Status{}, false
	}
	return b.scheduler.Status(), true
}

// ForceSync synchronously syncs the named records. Fails with
// ErrNotConfigured when remote sync is disabled.
func (b *Bridge) ForceSync(ctx context.Context, ids []string, kind telemetry.Kind) (syncer.Summary, error) {
	if b.scheduler == nil {
		return syncer.Summary{}, errors.ErrNotConfigured
	}
	return b.scheduler.ForceSync(ctx, ids, kind)
}

// RunSyncOnce triggers one out-of-band sync pass.
func (b *Bridge) RunSyncOnce(ctx context.Context) (syncer.Summary, error) {
	if b.scheduler == nil {
		return syncer.Summary{}, errors.ErrNotConfigured
	}
	return b.scheduler.RunOnce(ctx)
}

// Store exposes the underlying store to the outer application layer.
func (b *Bridge) Store() storage.Store {
	return b.store
}

// IngestStats returns aggregator throughput counters.
func (b *Bridge) IngestStats() aggregator.Stats {
	return b.agg.Stats()
}

// DecodeStats reports decoded and dropped frame counts.
func (b *Bridge) DecodeStats() (decoded, dropped int64) {
	return b.decoder.Decoded(), b.decoder.Dropped()
}
