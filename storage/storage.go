// Package storage defines the persistence interface consumed by the
// ingestion and sync components. The outer application layer may supply
// its own implementation; memstore and sqlstore provide ready-made ones.
package storage

import (
	"context"
	"time"

	"github.com/Joothis/myozen/telemetry"
)

// DeviceFields carries the best-effort device status update applied on
// ingestion. Nil pointer fields are left untouched.
type DeviceFields struct {
	LastConnected *time.Time
	Battery       *int
	Firmware      *string
}

// Store is the storage interface consumed by the telemetry core.
//
// Implementations must be safe for concurrent use. AppendToSession must be
// atomic: concurrent readers never observe a record with the new end time
// but without the new samples.
type Store interface {
	// FindOpenSession returns the open record for (deviceRef, sessionID),
	// or errors.ErrSessionNotFound if none exists.
	FindOpenSession(ctx context.Context, deviceRef, sessionID string) (*telemetry.SessionRecord, error)

	// GetSession returns the record with the given storage ID.
	GetSession(ctx context.Context, id string) (*telemetry.SessionRecord, error)

	// CreateSession persists a new record and returns its storage ID.
	CreateSession(ctx context.Context, rec *telemetry.SessionRecord) (string, error)

	// AppendToSession atomically appends samples (and the EMS response
	// blob, if any) to the record and advances its end time. The end time
	// is monotonically non-decreasing: an earlier endTime leaves the
	// stored value unchanged.
	AppendToSession(ctx context.Context, id string, samples []int16, response []byte, endTime time.Time) error

	// FindUnsynced returns up to limit unsynced records of the given kind.
	FindUnsynced(ctx context.Context, kind telemetry.Kind, limit int) ([]telemetry.SessionRecord, error)

	// MarkSynced flips the record's sync flag. Marking an already-synced
	// record is a no-op that preserves the original synced-at time, which
	// makes double submission from overlapping sync runs harmless.
	MarkSynced(ctx context.Context, id string, at time.Time) error

	// UpdateDeviceStatus applies a partial device status update.
	UpdateDeviceStatus(ctx context.Context, deviceRef string, fields DeviceFields) error

	// FindDeviceByExternalID resolves the wire-level device identifier to
	// the storage reference, or errors.ErrDeviceNotFound.
	FindDeviceByExternalID(ctx context.Context, externalID string) (string, error)
}
