// Package worker provides a key-partitioned worker pool. Work items
// submitted under the same key are processed by the same partition in FIFO
// order; items under different keys proceed fully concurrently.
package worker

import (
	"context"
	"errors"
	"hash/fnv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/Joothis/myozen/metric"
)

// Pool lifecycle and submission errors
var (
	ErrNilProcessor       = errors.New("worker: processor function cannot be nil")
	ErrPoolNotStarted     = errors.New("worker: pool not started")
	ErrPoolStopped        = errors.New("worker: pool stopped")
	ErrPoolAlreadyStarted = errors.New("worker: pool already started")
	ErrQueueFull          = errors.New("worker: partition queue full")
	ErrStopTimeout        = errors.New("worker: timed out waiting for workers to stop")
)

// KeyedPool routes work items to partitions by key hash. Each partition
// runs a single goroutine, which gives per-key serialization without a
// lock around the processor.
type KeyedPool[T any] struct {
	partitions int
	queueSize  int
	processor  func(context.Context, T) error

	queues []chan T
	wg     *sync.WaitGroup

	lifecycleMu sync.Mutex
	started     bool
	stopped     bool

	// Statistics (atomic)
	submitted int64
	processed int64
	failed    int64
	dropped   int64

	metrics *poolMetrics
}

type poolMetrics struct {
	submitted      prometheus.Counter
	processed      prometheus.Counter
	failed         prometheus.Counter
	dropped        prometheus.Counter
	queueDepth     prometheus.Gauge
	processingTime *prometheus.HistogramVec
}

// Option configures a KeyedPool.
type Option[T any] func(*KeyedPool[T])

// WithMetrics registers pool metrics with the given registry under prefix.
func WithMetrics[T any](registry *metric.Registry, prefix string) Option[T] {
	return func(p *KeyedPool[T]) {
		if registry == nil || prefix == "" {
			return
		}
		m := &poolMetrics{
			submitted: prometheus.NewCounter(prometheus.CounterOpts{
				Name: prefix + "_submitted_total",
				Help: "Total work items submitted",
			}),
			processed: prometheus.NewCounter(prometheus.CounterOpts{
				Name: prefix + "_processed_total",
				Help: "Total work items processed",
			}),
			failed: prometheus.NewCounter(prometheus.CounterOpts{
				Name: prefix + "_failed_total",
				Help: "Total work items that failed processing",
			}),
			dropped: prometheus.NewCounter(prometheus.CounterOpts{
				Name: prefix + "_dropped_total",
				Help: "Total work items dropped due to a full partition queue",
			}),
			queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
				Name: prefix + "_queue_depth",
				Help: "Aggregate queue depth across partitions",
			}),
			processingTime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Name:    prefix + "_processing_duration_seconds",
				Help:    "Time spent processing work items",
				Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
			}, []string{"status"}),
		}

		registry.MustRegister("worker_pool", prefix+"_submitted_total", m.submitted)
		registry.MustRegister("worker_pool", prefix+"_processed_total", m.processed)
		registry.MustRegister("worker_pool", prefix+"_failed_total", m.failed)
		registry.MustRegister("worker_pool", prefix+"_dropped_total", m.dropped)
		registry.MustRegister("worker_pool", prefix+"_queue_depth", m.queueDepth)
		registry.MustRegister("worker_pool", prefix+"_processing_duration_seconds", m.processingTime)

		p.metrics = m
	}
}

// NewKeyedPool creates a pool with the given partition count and
// per-partition queue size.
func NewKeyedPool[T any](partitions, queueSize int, processor func(context.Context, T) error, opts ...Option[T]) *KeyedPool[T] {
	if partitions <= 0 {
		partitions = 8
	}
	if queueSize <= 0 {
		queueSize = 256
	}
	if processor == nil {
		panic(ErrNilProcessor)
	}

	pool := &KeyedPool[T]{
		partitions: partitions,
		queueSize:  queueSize,
		processor:  processor,
		queues:     make([]chan T, partitions),
	}
	for i := range pool.queues {
		pool.queues[i] = make(chan T, queueSize)
	}

	for _, opt := range opts {
		opt(pool)
	}

	return pool
}

// Submit routes work to the partition owning key. Returns ErrQueueFull if
// that partition's queue is full; the caller decides whether dropping is
// acceptable.
func (p *KeyedPool[T]) Submit(key string, work T) error {
	p.lifecycleMu.Lock()
	if !p.started {
		p.lifecycleMu.Unlock()
		return ErrPoolNotStarted
	}
	if p.stopped {
		p.lifecycleMu.Unlock()
		return ErrPoolStopped
	}
	p.lifecycleMu.Unlock()

	q := p.queues[p.partition(key)]
	select {
	case q <- work:
		atomic.AddInt64(&p.submitted, 1)
		if p.metrics != nil {
			p.metrics.submitted.Inc()
			p.metrics.queueDepth.Set(float64(p.depth()))
		}
		return nil
	default:
		atomic.AddInt64(&p.dropped, 1)
		if p.metrics != nil {
			p.metrics.dropped.Inc()
		}
		return ErrQueueFull
	}
}

// Start launches one goroutine per partition.
func (p *KeyedPool[T]) Start(ctx context.Context) error {
	p.lifecycleMu.Lock()
	defer p.lifecycleMu.Unlock()

	if p.started {
		return ErrPoolAlreadyStarted
	}

	p.wg = &sync.WaitGroup{}
	for i := 0; i < p.partitions; i++ {
		p.wg.Add(1)
		go p.worker(ctx, p.queues[i])
	}

	p.started = true
	return nil
}

// Stop closes the queues and waits for the partitions to drain, up to the
// timeout. Queued work is still processed before workers exit.
func (p *KeyedPool[T]) Stop(timeout time.Duration) error {
	p.lifecycleMu.Lock()
	defer p.lifecycleMu.Unlock()

	if !p.started || p.stopped {
		return nil
	}
	p.stopped = true

	for _, q := range p.queues {
		close(q)
	}

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-done:
		return nil
	case <-timer.C:
		return ErrStopTimeout
	}
}

// Stats returns a snapshot of pool counters.
func (p *KeyedPool[T]) Stats() PoolStats {
	return PoolStats{
		Partitions: p.partitions,
		QueueSize:  p.queueSize,
		QueueDepth: p.depth(),
		Submitted:  atomic.LoadInt64(&p.submitted),
		Processed:  atomic.LoadInt64(&p.processed),
		Failed:     atomic.LoadInt64(&p.failed),
		Dropped:    atomic.LoadInt64(&p.dropped),
	}
}

// PoolStats represents keyed pool statistics
type PoolStats struct {
	Partitions int   `json:"partitions"`
	QueueSize  int   `json:"queue_size"`
	QueueDepth int   `json:"queue_depth"`
	Submitted  int64 `json:"submitted"`
	Processed  int64 `json:"processed"`
	Failed     int64 `json:"failed"`
	Dropped    int64 `json:"dropped"`
}

func (p *KeyedPool[T]) partition(key string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() % uint32(p.partitions))
}

func (p *KeyedPool[T]) depth() int {
	depth := 0
	for _, q := range p.queues {
		depth += len(q)
	}
	return depth
}

func (p *KeyedPool[T]) worker(ctx context.Context, queue <-chan T) {
	defer p.wg.Done()

	for work := range queue {
		start := time.Now()
		err := p.processor(ctx, work)
		duration := time.Since(start)

		atomic.AddInt64(&p.processed, 1)
		if err != nil {
			atomic.AddInt64(&p.failed, 1)
		}

		if p.metrics != nil {
			p.metrics.processed.Inc()
			status := "success"
			if err != nil {
				p.metrics.failed.Inc()
				status = "error"
			}
			p.metrics.processingTime.WithLabelValues(status).Observe(duration.Seconds())
		}
	}
}
