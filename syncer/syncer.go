// Package syncer reconciles locally buffered session records with the
// remote store. A timer drives batch scans over unsynced records; runs
// are single-flight, and per-record push failures are isolated so one
// bad record never blocks the rest of a batch.
package syncer

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/Joothis/myozen/errors"
	"github.com/Joothis/myozen/metric"
	"github.com/Joothis/myozen/storage"
	"github.com/Joothis/myozen/telemetry"
)

// Config holds sync cadence and batch sizing.
type Config struct {
	Interval    time.Duration `json:"interval,omitempty"`
	BatchSize   int           `json:"batch_size,omitempty"`
	PushTimeout time.Duration `json:"push_timeout,omitempty"`
}

// ApplyDefaults fills unset fields.
func (c *Config) ApplyDefaults() {
	if c.Interval <= 0 {
		c.Interval = time.Minute
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	if c.PushTimeout <= 0 {
		c.PushTimeout = 15 * time.Second
	}
}

// Summary reports the outcome of one sync pass.
type Summary struct {
	Total   int `json:"total"`
	Success int `json:"success"`
	Failed  int `json:"failed"`
}

func (s Summary) add(other Summary) Summary {
	return Summary{
		Total:   s.Total + other.Total,
		Success: s.Success + other.Success,
		Failed:  s.Failed + other.Failed,
	}
}

// Scheduler drives periodic sync runs against the store.
type Scheduler struct {
	store  storage.Store
	pusher Pusher
	cfg    Config
	logger *slog.Logger

	// running guards single-flight: RunOnce and ForceSync share it, so a
	// forced sync also refuses to overlap a scheduled run.
	running atomic.Bool

	lifecycleMu sync.Mutex
	started     bool
	cancel      context.CancelFunc
	wg          sync.WaitGroup

	lastRun   atomic.Int64 // Unix millis of last completed run
	skipped   int64
	syncedTot prometheus.Counter
	failedTot prometheus.Counter
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithLogger sets the scheduler's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Scheduler) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithMetrics registers sync counters with the registry.
func WithMetrics(registry *metric.Registry) Option {
	return func(s *Scheduler) {
		if registry == nil {
			return
		}
		s.syncedTot = prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "myozen",
			Subsystem: "sync",
			Name:      "records_synced_total",
			Help:      "Total records successfully pushed to the remote store",
		})
		s.failedTot = prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "myozen",
			Subsystem: "sync",
			Name:      "records_failed_total",
			Help:      "Total record pushes that failed",
		})
		registry.MustRegister("syncer", "records_synced_total", s.syncedTot)
		registry.MustRegister("syncer", "records_failed_total", s.failedTot)
	}
}

// New creates a scheduler over the given store and pusher.
func New(store storage.Store, pusher Pusher, cfg Config, opts ...Option) (*Scheduler, error) {
	if store == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "syncer", "New", "store is required")
	}
	if pusher == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "syncer", "New", "pusher is required")
	}
	cfg.ApplyDefaults()

	s := &Scheduler{
		store:  store,
		pusher: pusher,
		cfg:    cfg,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Start launches the timer loop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.lifecycleMu.Lock()
	defer s.lifecycleMu.Unlock()

	if s.started {
		return errors.ErrAlreadyStarted
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.started = true

	s.wg.Add(1)
	go s.loop(runCtx)
	return nil
}

// Stop halts the timer and waits for an in-flight run, bounded by timeout.
func (s *Scheduler) Stop(timeout time.Duration) error {
	s.lifecycleMu.Lock()
	defer s.lifecycleMu.Unlock()

	if !s.started {
		return nil
	}
	s.cancel()
	s.started = false

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		return errors.WrapTransient(errors.ErrShuttingDown, "syncer", "Stop", "run still in flight")
	}
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			summary, err := s.RunOnce(ctx)
			if err != nil {
				if !errors.Is(err, errors.ErrSyncInProgress) {
					s.logger.Error("sync run failed", "error", err)
				}
				continue
			}
			if summary.Total > 0 {
				s.logger.Info("sync run complete",
					"total", summary.Total,
					"success", summary.Success,
					"failed", summary.Failed)
			}
		}
	}
}

// RunOnce performs one sync pass over both record kinds. It is
// single-flight: a call while another run is in progress returns
// errors.ErrSyncInProgress without doing any work. The next timer tick
// picks the skipped records up.
func (s *Scheduler) RunOnce(ctx context.Context) (Summary, error) {
	if !s.running.CompareAndSwap(false, true) {
		atomic.AddInt64(&s.skipped, 1)
		s.logger.Debug("sync trigger skipped, run already in progress")
		return Summary{}, errors.ErrSyncInProgress
	}
	defer s.running.Store(false)

	var total Summary
	for _, kind := range []telemetry.Kind{telemetry.KindEMG, telemetry.KindEMS} {
		summary, err := s.syncKind(ctx, kind)
		total = total.add(summary)
		if err != nil {
			return total, err
		}
	}
	s.lastRun.Store(time.Now().UnixMilli())
	return total, nil
}

// syncKind pushes up to one batch of unsynced records of the given kind.
// A failed push leaves its record unsynced for the next cycle; the rest
// of the batch proceeds.
func (s *Scheduler) syncKind(ctx context.Context, kind telemetry.Kind) (Summary, error) {
	records, err := s.store.FindUnsynced(ctx, kind, s.cfg.BatchSize)
	if err != nil {
		return Summary{}, errors.WrapTransient(err, "syncer", "syncKind", "find unsynced")
	}

	var summary Summary
	for i := range records {
		if ctx.Err() != nil {
			return summary, errors.WrapTransient(ctx.Err(), "syncer", "syncKind", "run cancelled")
		}
		summary.Total++
		if s.syncRecord(ctx, &records[i]) {
			summary.Success++
		} else {
			summary.Failed++
		}
	}
	return summary, nil
}

// syncRecord pushes one record and marks it synced on success.
func (s *Scheduler) syncRecord(ctx context.Context, rec *telemetry.SessionRecord) bool {
	pushCtx, cancel := context.WithTimeout(ctx, s.cfg.PushTimeout)
	defer cancel()

	if err := s.pusher.Push(pushCtx, rec); err != nil {
		if s.failedTot != nil {
			s.failedTot.Inc()
		}
		s.logger.Warn("record push failed, will retry next cycle",
			"record", rec.ID,
			"kind", rec.Kind,
			"error", err)
		return false
	}

	if err := s.store.MarkSynced(ctx, rec.ID, time.Now()); err != nil {
		// The remote side has the record; the local flag catches up on
		// the next cycle because MarkSynced is idempotent.
		s.logger.Warn("mark synced failed",
			"record", rec.ID,
			"error", err)
		return false
	}
	if s.syncedTot != nil {
		s.syncedTot.Inc()
	}
	return true
}

// ForceSync synchronously pushes the named records regardless of the
// timer. It shares the single-flight guard with the scheduled run, so a
// forced sync never overlaps one; MarkSynced idempotency makes a record
// caught by both a harmless double submission.
func (s *Scheduler) ForceSync(ctx context.Context, ids []string, kind telemetry.Kind) (Summary, error) {
	if !s.running.CompareAndSwap(false, true) {
		return Summary{}, errors.ErrSyncInProgress
	}
	defer s.running.Store(false)

	var summary Summary
	for _, id := range ids {
		if ctx.Err() != nil {
			return summary, errors.WrapTransient(ctx.Err(), "syncer", "ForceSync", "cancelled")
		}
		summary.Total++

		rec, err := s.store.GetSession(ctx, id)
		if err != nil {
			summary.Failed++
			s.logger.Warn("force sync lookup failed", "record", id, "error", err)
			continue
		}
		if rec.Kind != kind {
			summary.Failed++
			s.logger.Warn("force sync kind mismatch",
				"record", id,
				"want", kind,
				"got", rec.Kind)
			continue
		}
		if rec.Sync.Synced {
			summary.Success++
			continue
		}
		if s.syncRecord(ctx, rec) {
			summary.Success++
		} else {
			summary.Failed++
		}
	}
	return summary, nil
}

// Status describes the scheduler for the outer HTTP layer.
type Status struct {
	Running   bool      `json:"running"`
	LastRun   time.Time `json:"lastRun,omitzero"`
	Skipped   int64     `json:"skippedTriggers"`
	Interval  string    `json:"interval"`
	BatchSize int       `json:"batchSize"`
}

// Status returns a snapshot of scheduler state.
func (s *Scheduler) Status() Status {
	var last time.Time
	if ms := s.lastRun.Load(); ms > 0 {
		last = time.UnixMilli(ms)
	}
	return Status{
		Running:   s.running.Load(),
		LastRun:   last,
		Skipped:   atomic.LoadInt64(&s.skipped),
		Interval:  s.cfg.Interval.String(),
		BatchSize: s.cfg.BatchSize,
	}
}
