package service

import (
	"encoding/json"
	"net/http"

	"github.com/Joothis/myozen/errors"
	"github.com/Joothis/myozen/telemetry"
)

// statusReport is the document served on the status endpoint.
type statusReport struct {
	Connections []telemetry.ConnectionStatus `json:"connections"`
	Sync        any                          `json:"sync,omitempty"`
	Ingest      any                          `json:"ingest"`
	Decoded     int64                        `json:"framesDecoded"`
	Dropped     int64                        `json:"framesDropped"`
}

type forceSyncRequest struct {
	IDs  []string       `json:"ids"`
	Kind telemetry.Kind `json:"kind"`
}

// Handler returns the HTTP surface consumed by the outer application
// layer: connection status, sync status, and out-of-band sync triggers.
func (b *Bridge) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /status", b.handleStatus)
	mux.HandleFunc("POST /sync/run", b.handleSyncRun)
	mux.HandleFunc("POST /sync/force", b.handleForceSync)
	return mux
}

func (b *Bridge) handleStatus(w http.ResponseWriter, _ *http.Request) {
	report := statusReport{
		Connections: b.ConnectionStatuses(),
		Ingest:      b.IngestStats(),
	}
	report.Decoded, report.Dropped = b.DecodeStats()
	if status, ok := b.SyncStatus(); ok {
		report.Sync = status
	}
	writeJSON(w, http.StatusOK, report)
}

func (b *Bridge) handleSyncRun(w http.ResponseWriter, r *http.Request) {
	summary, err := b.RunSyncOnce(r.Context())
	if err != nil {
		writeSyncError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (b *Bridge) handleForceSync(w http.ResponseWriter, r *http.Request) {
	var req forceSyncRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	if !req.Kind.Valid() {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "unknown record kind"})
		return
	}
	summary, err := b.ForceSync(r.Context(), req.IDs, req.Kind)
	if err != nil {
		writeSyncError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func writeSyncError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, errors.ErrNotConfigured):
		writeJSON(w, http.StatusConflict, map[string]string{"error": "remote sync not configured"})
	case errors.Is(err, errors.ErrSyncInProgress):
		writeJSON(w, http.StatusConflict, map[string]string{"error": "sync run already in progress"})
	default:
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
}

func writeJSON(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}
