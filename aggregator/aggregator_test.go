package aggregator

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Joothis/myozen/storage/memstore"
	"github.com/Joothis/myozen/telemetry"
)

func newTestAggregator(t *testing.T, store *memstore.Store) *Aggregator {
	t.Helper()
	agg, err := New(store, Config{Partitions: 4, QueueSize: 64})
	require.NoError(t, err)
	require.NoError(t, agg.Start(context.Background()))
	t.Cleanup(func() { agg.Stop(time.Second) })
	return agg
}

func emgEvent(deviceID, sessionID string, ts time.Time, samples ...int16) *telemetry.DeviceEvent {
	return &telemetry.DeviceEvent{
		DeviceID:  deviceID,
		Source:    telemetry.SourcePubSub,
		Kind:      telemetry.KindEMG,
		SessionID: sessionID,
		Timestamp: ts,
		Samples:   samples,
	}
}

func TestNewRequiresStore(t *testing.T) {
	_, err := New(nil, Config{})
	assert.Error(t, err)
}

func TestHandleCreatesThenAppends(t *testing.T) {
	store := memstore.New()
	agg := newTestAggregator(t, store)

	t0 := time.Now().Truncate(time.Millisecond)
	t1 := t0.Add(500 * time.Millisecond)

	require.NoError(t, agg.Handle(emgEvent("emg-001", "7", t0, 1, 2, 3)))
	require.NoError(t, agg.Handle(emgEvent("emg-001", "7", t1, 4, 5)))

	require.NoError(t, agg.Stop(time.Second))

	rec, err := store.FindOpenSession(context.Background(), "emg-001", "7")
	require.NoError(t, err)
	assert.Equal(t, []int16{1, 2, 3, 4, 5}, rec.Samples)
	assert.Equal(t, t0, rec.StartTime)
	assert.True(t, rec.EndTime.Equal(t1))
	assert.False(t, rec.Sync.Synced)
	assert.Equal(t, 1, store.SessionCount())
}

func TestHandleConcurrentSameSessionNoDuplicates(t *testing.T) {
	store := memstore.New()
	agg := newTestAggregator(t, store)

	const events = 50
	base := time.Now()
	var wg sync.WaitGroup
	for i := 0; i < events; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ev := emgEvent("emg-001", "9", base.Add(time.Duration(i)*time.Millisecond), int16(i), int16(i))
			assert.NoError(t, agg.Handle(ev))
		}(i)
	}
	wg.Wait()
	require.NoError(t, agg.Stop(time.Second))

	rec, err := store.FindOpenSession(context.Background(), "emg-001", "9")
	require.NoError(t, err)
	assert.Equal(t, 1, store.SessionCount())
	assert.Len(t, rec.Samples, events*2)
}

func TestHandleSameKeyPreservesArrivalOrder(t *testing.T) {
	store := memstore.New()
	agg := newTestAggregator(t, store)

	base := time.Now()
	var want []int16
	for i := 0; i < 40; i++ {
		require.NoError(t, agg.Handle(emgEvent("emg-002", "1", base.Add(time.Duration(i)*time.Millisecond), int16(i))))
		want = append(want, int16(i))
	}
	require.NoError(t, agg.Stop(time.Second))

	rec, err := store.FindOpenSession(context.Background(), "emg-002", "1")
	require.NoError(t, err)
	assert.Equal(t, want, rec.Samples)
}

func TestHandleDistinctSessionsStaySeparate(t *testing.T) {
	store := memstore.New()
	agg := newTestAggregator(t, store)

	base := time.Now()
	for dev := 0; dev < 3; dev++ {
		for session := 0; session < 2; session++ {
			id := fmt.Sprintf("emg-%03d", dev)
			require.NoError(t, agg.Handle(emgEvent(id, fmt.Sprintf("%d", session), base, 1)))
		}
	}
	require.NoError(t, agg.Stop(time.Second))

	assert.Equal(t, 6, store.SessionCount())
}

func TestHandleResolvesDeviceRef(t *testing.T) {
	store := memstore.New()
	store.AddDevice("ref-42", "emg-001")
	agg := newTestAggregator(t, store)

	require.NoError(t, agg.Handle(emgEvent("emg-001", "3", time.Now(), 1, 2)))
	require.NoError(t, agg.Stop(time.Second))

	rec, err := store.FindOpenSession(context.Background(), "ref-42", "3")
	require.NoError(t, err)
	assert.Equal(t, "ref-42", rec.DeviceRef)

	dev, ok := store.Device("ref-42")
	require.True(t, ok)
	assert.False(t, dev.LastConnected.IsZero())
}

func TestHandleEMSEvent(t *testing.T) {
	store := memstore.New()
	agg := newTestAggregator(t, store)

	ev := &telemetry.DeviceEvent{
		DeviceID:  "ems-001",
		Source:    telemetry.SourceWireless,
		Kind:      telemetry.KindEMS,
		SessionID: "11",
		Timestamp: time.Now(),
		Stim:      &telemetry.StimParameters{Intensity: 40, Frequency: 50, PulseWidth: 200},
		Response:  []byte{0x01, 0x02, 0x03, 0x04},
	}
	require.NoError(t, agg.Handle(ev))
	require.NoError(t, agg.Stop(time.Second))

	rec, err := store.FindOpenSession(context.Background(), "ems-001", "11")
	require.NoError(t, err)
	assert.Equal(t, telemetry.KindEMS, rec.Kind)
	require.NotNil(t, rec.Stim)
	assert.Equal(t, uint8(40), rec.Stim.Intensity)
	assert.Equal(t, []byte{0x01, 0x02, 0x03, 0x04}, rec.Response)
}

func TestHandleStatusOnlyEventUpdatesDevice(t *testing.T) {
	store := memstore.New()
	store.AddDevice("ref-7", "emg-001")
	agg := newTestAggregator(t, store)

	battery := 73
	ev := &telemetry.DeviceEvent{
		DeviceID:  "emg-001",
		Source:    telemetry.SourcePubSub,
		Timestamp: time.Now(),
		Status: &telemetry.DeviceStatus{
			Battery:  &battery,
			Firmware: "2.4.1",
		},
	}
	require.NoError(t, agg.Handle(ev))
	require.NoError(t, agg.Stop(time.Second))

	assert.Equal(t, 0, store.SessionCount())
	dev, ok := store.Device("ref-7")
	require.True(t, ok)
	require.NotNil(t, dev.Battery)
	assert.Equal(t, 73, *dev.Battery)
	assert.Equal(t, "2.4.1", dev.Firmware)
}

func TestHandleNilEvent(t *testing.T) {
	agg := newTestAggregator(t, memstore.New())
	assert.NoError(t, agg.Handle(nil))
}

func TestStatsCountCreatesAndAppends(t *testing.T) {
	store := memstore.New()
	agg := newTestAggregator(t, store)

	now := time.Now()
	require.NoError(t, agg.Handle(emgEvent("emg-001", "1", now, 1)))
	require.NoError(t, agg.Handle(emgEvent("emg-001", "1", now.Add(time.Millisecond), 2)))
	require.NoError(t, agg.Handle(emgEvent("emg-001", "2", now, 3)))
	require.NoError(t, agg.Stop(time.Second))

	stats := agg.Stats()
	assert.Equal(t, int64(2), stats.Created)
	assert.Equal(t, int64(1), stats.Appends)
	assert.Equal(t, int64(0), stats.Dropped)
	assert.Equal(t, int64(3), stats.Pool.Submitted)
}
