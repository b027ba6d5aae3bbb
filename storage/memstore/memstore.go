// Package memstore provides the in-memory Store implementation used by
// tests and by deployments where the outer layer owns durable persistence.
package memstore

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Joothis/myozen/errors"
	"github.com/Joothis/myozen/storage"
	"github.com/Joothis/myozen/telemetry"
)

// Device is the in-memory device record tracked alongside sessions.
type Device struct {
	Ref           string
	ExternalID    string
	LastConnected time.Time
	Battery       *int
	Firmware      string
}

// Store is a mutex-guarded in-memory implementation of storage.Store.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]*telemetry.SessionRecord // by storage ID
	open     map[string]string                   // deviceRef/sessionID -> storage ID
	devices  map[string]*Device                  // by deviceRef
	byExtID  map[string]string                   // external ID -> deviceRef
}

var _ storage.Store = (*Store)(nil)

// New creates an empty in-memory store.
func New() *Store {
	return &Store{
		sessions: make(map[string]*telemetry.SessionRecord),
		open:     make(map[string]string),
		devices:  make(map[string]*Device),
		byExtID:  make(map[string]string),
	}
}

// AddDevice registers a device so FindDeviceByExternalID can resolve it.
// Test and bootstrap helper; the production device inventory lives in the
// outer application layer.
func (s *Store) AddDevice(ref, externalID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.devices[ref] = &Device{Ref: ref, ExternalID: externalID}
	s.byExtID[externalID] = ref
}

// Device returns a copy of the device record for assertions in tests.
func (s *Store) Device(ref string) (Device, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.devices[ref]
	if !ok {
		return Device{}, false
	}
	return *d, true
}

func openKey(deviceRef, sessionID string) string {
	return deviceRef + "/" + sessionID
}

// FindOpenSession implements storage.Store.
func (s *Store) FindOpenSession(_ context.Context, deviceRef, sessionID string) (*telemetry.SessionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.open[openKey(deviceRef, sessionID)]
	if !ok {
		return nil, errors.ErrSessionNotFound
	}
	return s.sessions[id].Clone(), nil
}

// GetSession implements storage.Store.
func (s *Store) GetSession(_ context.Context, id string) (*telemetry.SessionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.sessions[id]
	if !ok {
		return nil, errors.ErrSessionNotFound
	}
	return rec.Clone(), nil
}

// CreateSession implements storage.Store.
func (s *Store) CreateSession(_ context.Context, rec *telemetry.SessionRecord) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := rec.Clone()
	if cp.ID == "" {
		cp.ID = uuid.NewString()
	}
	s.sessions[cp.ID] = cp
	s.open[openKey(cp.DeviceRef, cp.SessionID)] = cp.ID
	return cp.ID, nil
}

// AppendToSession implements storage.Store.
func (s *Store) AppendToSession(_ context.Context, id string, samples []int16, response []byte, endTime time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.sessions[id]
	if !ok {
		return errors.ErrSessionNotFound
	}

	rec.Samples = append(rec.Samples, samples...)
	rec.Response = append(rec.Response, response...)
	if endTime.After(rec.EndTime) {
		rec.EndTime = endTime
	}
	return nil
}

// FindUnsynced implements storage.Store.
func (s *Store) FindUnsynced(_ context.Context, kind telemetry.Kind, limit int) ([]telemetry.SessionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]telemetry.SessionRecord, 0, limit)
	for _, rec := range s.sessions {
		if len(out) >= limit {
			break
		}
		if rec.Kind == kind && !rec.Sync.Synced {
			out = append(out, *rec.Clone())
		}
	}
	return out, nil
}

// MarkSynced implements storage.Store. Idempotent: a second mark keeps the
// first synced-at time.
func (s *Store) MarkSynced(_ context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.sessions[id]
	if !ok {
		return errors.ErrSessionNotFound
	}
	if rec.Sync.Synced {
		return nil
	}
	rec.Sync.Synced = true
	rec.Sync.SyncedAt = &at
	return nil
}

// UpdateDeviceStatus implements storage.Store.
func (s *Store) UpdateDeviceStatus(_ context.Context, deviceRef string, fields storage.DeviceFields) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	dev, ok := s.devices[deviceRef]
	if !ok {
		return errors.ErrDeviceNotFound
	}
	if fields.LastConnected != nil {
		dev.LastConnected = *fields.LastConnected
	}
	if fields.Battery != nil {
		b := *fields.Battery
		dev.Battery = &b
	}
	if fields.Firmware != nil {
		dev.Firmware = *fields.Firmware
	}
	return nil
}

// FindDeviceByExternalID implements storage.Store.
func (s *Store) FindDeviceByExternalID(_ context.Context, externalID string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ref, ok := s.byExtID[externalID]
	if !ok {
		return "", errors.ErrDeviceNotFound
	}
	return ref, nil
}

// SessionCount returns the number of stored records. Test helper.
func (s *Store) SessionCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}
