package syncer

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Joothis/myozen/errors"
	"github.com/Joothis/myozen/telemetry"
)

func TestHTTPPusherConfigValidate(t *testing.T) {
	cfg := HTTPPusherConfig{}
	assert.Error(t, cfg.Validate())

	cfg = HTTPPusherConfig{URL: "http://localhost:9000/sync", Timeout: 10 * time.Minute}
	assert.Error(t, cfg.Validate())

	cfg = HTTPPusherConfig{URL: "http://localhost:9000/sync"}
	assert.NoError(t, cfg.Validate())
}

func TestHTTPPusherPostsRecordWithKindPath(t *testing.T) {
	var gotPath, gotAuth string
	var gotRecord telemetry.SessionRecord
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotRecord))
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	pusher, err := NewHTTPPusher(HTTPPusherConfig{
		URL:     server.URL + "/sessions",
		Headers: map[string]string{"Authorization": "Bearer token"},
	})
	require.NoError(t, err)

	rec := &telemetry.SessionRecord{
		ID:        "rec-1",
		DeviceRef: "dev-1",
		SessionID: "4",
		Kind:      telemetry.KindEMG,
		Samples:   []int16{10, 20, 30},
	}
	require.NoError(t, pusher.Push(context.Background(), rec))

	assert.Equal(t, "/sessions/emg", gotPath)
	assert.Equal(t, "Bearer token", gotAuth)
	assert.Equal(t, "rec-1", gotRecord.ID)
	assert.Equal(t, []int16{10, 20, 30}, gotRecord.Samples)
}

func TestHTTPPusherServerErrorIsTransient(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	pusher, err := NewHTTPPusher(HTTPPusherConfig{URL: server.URL})
	require.NoError(t, err)

	err = pusher.Push(context.Background(), &telemetry.SessionRecord{ID: "rec-1", Kind: telemetry.KindEMG})
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrPushFailed)
	assert.True(t, errors.IsTransient(err))
}

func TestHTTPPusherClientErrorIsInvalid(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
	}))
	defer server.Close()

	pusher, err := NewHTTPPusher(HTTPPusherConfig{URL: server.URL})
	require.NoError(t, err)

	err = pusher.Push(context.Background(), &telemetry.SessionRecord{ID: "rec-1", Kind: telemetry.KindEMS})
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))
}

func TestHTTPPusherUnreachableEndpoint(t *testing.T) {
	pusher, err := NewHTTPPusher(HTTPPusherConfig{
		URL:     "http://127.0.0.1:1/sync",
		Timeout: 200 * time.Millisecond,
	})
	require.NoError(t, err)

	err = pusher.Push(context.Background(), &telemetry.SessionRecord{ID: "rec-1", Kind: telemetry.KindEMG})
	require.Error(t, err)
	assert.True(t, errors.IsTransient(err))
}
