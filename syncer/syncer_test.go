package syncer

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Joothis/myozen/errors"
	"github.com/Joothis/myozen/storage/memstore"
	"github.com/Joothis/myozen/telemetry"
)

// seedSessions creates n unsynced records of the given kind and returns
// their storage IDs.
func seedSessions(t *testing.T, store *memstore.Store, kind telemetry.Kind, n int) []string {
	t.Helper()
	ids := make([]string, 0, n)
	for i := 0; i < n; i++ {
		id, err := store.CreateSession(context.Background(), &telemetry.SessionRecord{
			DeviceRef: fmt.Sprintf("dev-%03d", i),
			SessionID: fmt.Sprintf("%d", i),
			Kind:      kind,
			StartTime: time.Now(),
			Samples:   []int16{1, 2, 3},
		})
		require.NoError(t, err)
		ids = append(ids, id)
	}
	return ids
}

// countingPusher records pushed IDs and fails the ones in failIDs.
type countingPusher struct {
	mu      sync.Mutex
	pushed  []string
	failIDs map[string]bool
}

func (p *countingPusher) Push(_ context.Context, rec *telemetry.SessionRecord) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pushed = append(p.pushed, rec.ID)
	if p.failIDs[rec.ID] {
		return errors.ErrPushFailed
	}
	return nil
}

func (p *countingPusher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pushed)
}

func TestNewValidates(t *testing.T) {
	store := memstore.New()
	_, err := New(nil, &countingPusher{}, Config{})
	assert.Error(t, err)
	_, err = New(store, nil, Config{})
	assert.Error(t, err)
}

func TestRunOnceMarksBatchSynced(t *testing.T) {
	store := memstore.New()
	ids := seedSessions(t, store, telemetry.KindEMG, 5)
	pusher := &countingPusher{}
	s, err := New(store, pusher, Config{BatchSize: 100})
	require.NoError(t, err)

	summary, err := s.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Summary{Total: 5, Success: 5, Failed: 0}, summary)
	assert.Equal(t, 5, pusher.count())

	for _, id := range ids {
		rec, err := store.GetSession(context.Background(), id)
		require.NoError(t, err)
		assert.True(t, rec.Sync.Synced)
		require.NotNil(t, rec.Sync.SyncedAt)
	}

	// A second run finds nothing left.
	summary, err = s.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, summary.Total)
}

func TestRunOnceRespectsBatchSize(t *testing.T) {
	store := memstore.New()
	seedSessions(t, store, telemetry.KindEMG, 150)
	pusher := &countingPusher{}
	s, err := New(store, pusher, Config{BatchSize: 100})
	require.NoError(t, err)

	summary, err := s.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 100, summary.Total)
	assert.Equal(t, 100, pusher.count())

	// The remaining 50 go in the next cycle.
	summary, err = s.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 50, summary.Total)
	assert.Equal(t, 150, pusher.count())
}

func TestRunOnceIsolatesRecordFailure(t *testing.T) {
	store := memstore.New()
	ids := seedSessions(t, store, telemetry.KindEMS, 10)
	pusher := &countingPusher{failIDs: map[string]bool{ids[3]: true}}
	s, err := New(store, pusher, Config{BatchSize: 100})
	require.NoError(t, err)

	summary, err := s.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Summary{Total: 10, Success: 9, Failed: 1}, summary)

	for i, id := range ids {
		rec, err := store.GetSession(context.Background(), id)
		require.NoError(t, err)
		assert.Equal(t, i != 3, rec.Sync.Synced, "record %d", i)
	}

	// The failed record is retried on the next run.
	pusher.failIDs = nil
	summary, err = s.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Summary{Total: 1, Success: 1, Failed: 0}, summary)
}

func TestRunOnceSingleFlight(t *testing.T) {
	store := memstore.New()
	seedSessions(t, store, telemetry.KindEMG, 1)

	release := make(chan struct{})
	entered := make(chan struct{})
	var once sync.Once
	blocking := PusherFunc(func(_ context.Context, _ *telemetry.SessionRecord) error {
		once.Do(func() { close(entered) })
		<-release
		return nil
	})
	s, err := New(store, blocking, Config{BatchSize: 100})
	require.NoError(t, err)

	var firstErr error
	done := make(chan struct{})
	go func() {
		_, firstErr = s.RunOnce(context.Background())
		close(done)
	}()

	<-entered
	_, err = s.RunOnce(context.Background())
	assert.ErrorIs(t, err, errors.ErrSyncInProgress)

	close(release)
	<-done
	assert.NoError(t, firstErr)
	assert.Equal(t, int64(1), s.Status().Skipped)
}

func TestRunOnceCoversBothKinds(t *testing.T) {
	store := memstore.New()
	seedSessions(t, store, telemetry.KindEMG, 3)
	seedSessions(t, store, telemetry.KindEMS, 2)
	pusher := &countingPusher{}
	s, err := New(store, pusher, Config{BatchSize: 100})
	require.NoError(t, err)

	summary, err := s.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 5, summary.Total)
	assert.Equal(t, 5, summary.Success)
}

func TestForceSyncSubset(t *testing.T) {
	store := memstore.New()
	ids := seedSessions(t, store, telemetry.KindEMG, 6)
	pusher := &countingPusher{}
	s, err := New(store, pusher, Config{BatchSize: 100})
	require.NoError(t, err)

	summary, err := s.ForceSync(context.Background(), ids[:3], telemetry.KindEMG)
	require.NoError(t, err)
	assert.Equal(t, Summary{Total: 3, Success: 3, Failed: 0}, summary)
	assert.Equal(t, 3, pusher.count())

	rec, err := store.GetSession(context.Background(), ids[4])
	require.NoError(t, err)
	assert.False(t, rec.Sync.Synced)
}

func TestForceSyncKindMismatchAndUnknownID(t *testing.T) {
	store := memstore.New()
	ids := seedSessions(t, store, telemetry.KindEMS, 1)
	s, err := New(store, &countingPusher{}, Config{})
	require.NoError(t, err)

	summary, err := s.ForceSync(context.Background(), []string{ids[0], "no-such-id"}, telemetry.KindEMG)
	require.NoError(t, err)
	assert.Equal(t, Summary{Total: 2, Success: 0, Failed: 2}, summary)
}

func TestForceSyncAlreadySyncedCountsAsSuccess(t *testing.T) {
	store := memstore.New()
	ids := seedSessions(t, store, telemetry.KindEMG, 1)
	require.NoError(t, store.MarkSynced(context.Background(), ids[0], time.Now()))

	pusher := &countingPusher{}
	s, err := New(store, pusher, Config{})
	require.NoError(t, err)

	summary, err := s.ForceSync(context.Background(), ids, telemetry.KindEMG)
	require.NoError(t, err)
	assert.Equal(t, Summary{Total: 1, Success: 1, Failed: 0}, summary)
	assert.Equal(t, 0, pusher.count(), "already-synced record is not re-pushed")
}

func TestSchedulerTimerDrivesRuns(t *testing.T) {
	store := memstore.New()
	seedSessions(t, store, telemetry.KindEMG, 2)

	var pushes int64
	pusher := PusherFunc(func(_ context.Context, _ *telemetry.SessionRecord) error {
		atomic.AddInt64(&pushes, 1)
		return nil
	})
	s, err := New(store, pusher, Config{Interval: 10 * time.Millisecond, BatchSize: 100})
	require.NoError(t, err)

	require.NoError(t, s.Start(context.Background()))
	defer s.Stop(time.Second)

	require.Eventually(t, func() bool {
		return atomic.LoadInt64(&pushes) == 2
	}, 2*time.Second, 5*time.Millisecond)

	assert.ErrorIs(t, s.Start(context.Background()), errors.ErrAlreadyStarted)
	require.NoError(t, s.Stop(time.Second))
	assert.NoError(t, s.Stop(time.Second))
}

func TestConfigApplyDefaults(t *testing.T) {
	var cfg Config
	cfg.ApplyDefaults()
	assert.Equal(t, time.Minute, cfg.Interval)
	assert.Equal(t, 100, cfg.BatchSize)
	assert.Equal(t, 15*time.Second, cfg.PushTimeout)
}
