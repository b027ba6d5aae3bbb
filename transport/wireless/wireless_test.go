package wireless

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Joothis/myozen/decode"
	"github.com/Joothis/myozen/telemetry"
	"github.com/Joothis/myozen/transport"
)

func testConfig() Config {
	return Config{
		Devices: []SimDevice{
			{ID: "MYO-EMG-1", Kind: telemetry.KindEMG},
			{ID: "MYO-EMS-1", Kind: telemetry.KindEMS},
		},
		ScanWindow:       10 * time.Millisecond,
		HandshakeLatency: 5 * time.Millisecond,
		EmitInterval:     10 * time.Millisecond,
		SamplesPerFrame:  4,
	}
}

func TestConfig_Validate(t *testing.T) {
	cfg := Config{}
	cfg.ApplyDefaults()
	assert.Error(t, cfg.Validate())

	cfg.Devices = []SimDevice{{ID: "d1", Kind: telemetry.Kind("bogus")}}
	assert.Error(t, cfg.Validate())

	cfg.Devices = []SimDevice{{ID: "d1", Kind: telemetry.KindEMG}}
	assert.NoError(t, cfg.Validate())
}

func TestConnector_EmitsDecodableFrames(t *testing.T) {
	c, err := New(testConfig(), nil)
	require.NoError(t, err)

	require.NoError(t, c.Connect(context.Background()))

	// First event is the connected notification.
	ev := <-c.Events()
	assert.Equal(t, transport.EventConnected, ev.Kind)

	seen := map[string]telemetry.Kind{}
	deadline := time.After(2 * time.Second)
	for len(seen) < 2 {
		select {
		case ev := <-c.Events():
			if ev.Kind != transport.EventFrame {
				continue
			}
			decoded, err := decode.Frame(ev.DeviceID, ev.Payload, decode.SourceWireless)
			require.NoError(t, err, "frame from %s must decode", ev.DeviceID)
			seen[ev.DeviceID] = decoded.Kind
			assert.NotEmpty(t, decoded.SessionID)
			if decoded.Kind == telemetry.KindEMG {
				assert.Len(t, decoded.Samples, 4)
			} else {
				require.NotNil(t, decoded.Stim)
				assert.Len(t, decoded.Samples, 4)
			}
		case <-deadline:
			t.Fatal("timed out waiting for frames from both devices")
		}
	}

	assert.Equal(t, telemetry.KindEMG, seen["MYO-EMG-1"])
	assert.Equal(t, telemetry.KindEMS, seen["MYO-EMS-1"])

	require.NoError(t, c.Disconnect(time.Second))
}

func TestConnector_SubscribeFiltersDevices(t *testing.T) {
	c, err := New(testConfig(), nil)
	require.NoError(t, err)
	require.NoError(t, c.Subscribe("MYO-EMG-1"))
	require.NoError(t, c.Connect(context.Background()))
	defer c.Disconnect(time.Second)

	deadline := time.After(500 * time.Millisecond)
	frames := 0
	for frames < 5 {
		select {
		case ev := <-c.Events():
			if ev.Kind == transport.EventFrame {
				assert.Equal(t, "MYO-EMG-1", ev.DeviceID)
				frames++
			}
		case <-deadline:
			t.Fatalf("only %d frames before deadline", frames)
		}
	}
}

func TestConnector_ConnectHonorsContext(t *testing.T) {
	cfg := testConfig()
	cfg.ScanWindow = 5 * time.Second

	c, err := New(cfg, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	start := time.Now()
	err = c.Connect(ctx)
	assert.Error(t, err)
	assert.Less(t, time.Since(start), time.Second, "connect must not wait out the scan window")
}

func TestConnector_SendValidatesTarget(t *testing.T) {
	c, err := New(testConfig(), nil)
	require.NoError(t, err)

	assert.NoError(t, c.Send(context.Background(), "MYO-EMG-1", []byte("calibrate")))
	assert.Error(t, c.Send(context.Background(), "nope", nil))
}
