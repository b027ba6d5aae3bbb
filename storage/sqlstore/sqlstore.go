// Package sqlstore provides the SQLite-backed Store implementation used
// for the offline-first local buffer. Records created while the remote
// store is unreachable survive process restarts and are picked up by the
// next sync cycle.
package sqlstore

import (
	"context"
	"database/sql"
	"encoding/binary"
	"encoding/json"
	stderrors "errors"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/Joothis/myozen/errors"
	"github.com/Joothis/myozen/storage"
	"github.com/Joothis/myozen/telemetry"
)

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	id          TEXT PRIMARY KEY,
	device_ref  TEXT NOT NULL,
	session_id  TEXT NOT NULL,
	kind        TEXT NOT NULL,
	patient_ref TEXT NOT NULL DEFAULT '',
	doctor_ref  TEXT NOT NULL DEFAULT '',
	start_time  INTEGER NOT NULL,
	end_time    INTEGER NOT NULL DEFAULT 0,
	samples     BLOB NOT NULL DEFAULT x'',
	stim        TEXT,
	response    BLOB NOT NULL DEFAULT x'',
	metadata    TEXT,
	synced      INTEGER NOT NULL DEFAULT 0,
	synced_at   INTEGER,
	UNIQUE(device_ref, session_id)
);

CREATE INDEX IF NOT EXISTS idx_sessions_unsynced ON sessions(kind, synced);

CREATE TABLE IF NOT EXISTS devices (
	ref            TEXT PRIMARY KEY,
	external_id    TEXT NOT NULL UNIQUE,
	last_connected INTEGER,
	battery        INTEGER,
	firmware       TEXT NOT NULL DEFAULT ''
);
`

// Store is the SQLite implementation of storage.Store.
type Store struct {
	db *sql.DB
}

var _ storage.Store = (*Store)(nil)

// Open opens (or creates) the database at path and applies the schema.
// Use ":memory:" for an ephemeral store.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.WrapFatal(err, "sqlstore", "Open", "open database")
	}
	// SQLite handles one writer at a time; serialize access through a
	// single connection to avoid SQLITE_BUSY under concurrent appends.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, errors.WrapFatal(err, "sqlstore", "Open", "apply schema")
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// AddDevice registers a device so ingestion can resolve its wire ID.
func (s *Store) AddDevice(ctx context.Context, ref, externalID string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO devices (ref, external_id) VALUES (?, ?)
		 ON CONFLICT(ref) DO UPDATE SET external_id = excluded.external_id`,
		ref, externalID)
	return errors.Wrap(err, "sqlstore", "AddDevice", "upsert device")
}

// FindOpenSession implements storage.Store.
func (s *Store) FindOpenSession(ctx context.Context, deviceRef, sessionID string) (*telemetry.SessionRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, device_ref, session_id, kind, patient_ref, doctor_ref,
		        start_time, end_time, samples, stim, response, metadata, synced, synced_at
		 FROM sessions WHERE device_ref = ? AND session_id = ?`,
		deviceRef, sessionID)
	return scanRecord(row)
}

// GetSession implements storage.Store.
func (s *Store) GetSession(ctx context.Context, id string) (*telemetry.SessionRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, device_ref, session_id, kind, patient_ref, doctor_ref,
		        start_time, end_time, samples, stim, response, metadata, synced, synced_at
		 FROM sessions WHERE id = ?`, id)
	return scanRecord(row)
}

// CreateSession implements storage.Store.
func (s *Store) CreateSession(ctx context.Context, rec *telemetry.SessionRecord) (string, error) {
	id := rec.ID
	if id == "" {
		id = uuid.NewString()
	}

	var stimJSON any
	if rec.Stim != nil {
		b, err := json.Marshal(rec.Stim)
		if err != nil {
			return "", errors.WrapInvalid(err, "sqlstore", "CreateSession", "encode stim parameters")
		}
		stimJSON = string(b)
	}
	var metaJSON any
	if len(rec.Metadata) > 0 {
		b, err := json.Marshal(rec.Metadata)
		if err != nil {
			return "", errors.WrapInvalid(err, "sqlstore", "CreateSession", "encode metadata")
		}
		metaJSON = string(b)
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, device_ref, session_id, kind, patient_ref, doctor_ref,
		                       start_time, end_time, samples, stim, response, metadata, synced)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0)`,
		id, rec.DeviceRef, rec.SessionID, string(rec.Kind), rec.PatientRef, rec.DoctorRef,
		rec.StartTime.UnixMilli(), endMillis(rec.EndTime),
		encodeSamples(rec.Samples), stimJSON, rec.Response, metaJSON)
	if err != nil {
		return "", errors.WrapTransient(err, "sqlstore", "CreateSession", "insert session")
	}
	return id, nil
}

// AppendToSession implements storage.Store. The append is a single UPDATE,
// so readers never observe the new end time without the new samples.
func (s *Store) AppendToSession(ctx context.Context, id string, samples []int16, response []byte, endTime time.Time) error {
	if response == nil {
		response = []byte{}
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions
		 SET samples  = samples || ?,
		     response = response || ?,
		     end_time = CASE WHEN end_time < ? THEN ? ELSE end_time END
		 WHERE id = ?`,
		encodeSamples(samples), response, endTime.UnixMilli(), endTime.UnixMilli(), id)
	if err != nil {
		return errors.WrapTransient(err, "sqlstore", "AppendToSession", "append samples")
	}
	n, err := res.RowsAffected()
	if err == nil && n == 0 {
		return errors.ErrSessionNotFound
	}
	return nil
}

// FindUnsynced implements storage.Store.
func (s *Store) FindUnsynced(ctx context.Context, kind telemetry.Kind, limit int) ([]telemetry.SessionRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, device_ref, session_id, kind, patient_ref, doctor_ref,
		        start_time, end_time, samples, stim, response, metadata, synced, synced_at
		 FROM sessions WHERE kind = ? AND synced = 0
		 ORDER BY start_time LIMIT ?`,
		string(kind), limit)
	if err != nil {
		return nil, errors.WrapTransient(err, "sqlstore", "FindUnsynced", "query sessions")
	}
	defer rows.Close()

	var out []telemetry.SessionRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *rec)
	}
	return out, errors.Wrap(rows.Err(), "sqlstore", "FindUnsynced", "iterate rows")
}

// MarkSynced implements storage.Store. The WHERE synced = 0 guard makes a
// repeat mark a no-op that keeps the first synced-at time.
func (s *Store) MarkSynced(ctx context.Context, id string, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET synced = 1, synced_at = ? WHERE id = ? AND synced = 0`,
		at.UnixMilli(), id)
	if err != nil {
		return errors.WrapTransient(err, "sqlstore", "MarkSynced", "update sync status")
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		// Either already synced (fine) or missing.
		var exists int
		if err := s.db.QueryRowContext(ctx, `SELECT 1 FROM sessions WHERE id = ?`, id).Scan(&exists); err != nil {
			if stderrors.Is(err, sql.ErrNoRows) {
				return errors.ErrSessionNotFound
			}
			return errors.WrapTransient(err, "sqlstore", "MarkSynced", "check session")
		}
	}
	return nil
}

// UpdateDeviceStatus implements storage.Store.
func (s *Store) UpdateDeviceStatus(ctx context.Context, deviceRef string, fields storage.DeviceFields) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE devices
		 SET last_connected = COALESCE(?, last_connected),
		     battery        = COALESCE(?, battery),
		     firmware       = COALESCE(?, firmware)
		 WHERE ref = ?`,
		millisOrNil(fields.LastConnected), fields.Battery, fields.Firmware, deviceRef)
	if err != nil {
		return errors.WrapTransient(err, "sqlstore", "UpdateDeviceStatus", "update device")
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return errors.ErrDeviceNotFound
	}
	return nil
}

// FindDeviceByExternalID implements storage.Store.
func (s *Store) FindDeviceByExternalID(ctx context.Context, externalID string) (string, error) {
	var ref string
	err := s.db.QueryRowContext(ctx,
		`SELECT ref FROM devices WHERE external_id = ?`, externalID).Scan(&ref)
	if stderrors.Is(err, sql.ErrNoRows) {
		return "", errors.ErrDeviceNotFound
	}
	if err != nil {
		return "", errors.WrapTransient(err, "sqlstore", "FindDeviceByExternalID", "query device")
	}
	return ref, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*telemetry.SessionRecord, error) {
	var (
		rec       telemetry.SessionRecord
		kind      string
		startMs   int64
		endMs     int64
		samples   []byte
		stimJSON  sql.NullString
		metaJSON  sql.NullString
		synced    int
		syncedAt  sql.NullInt64
	)

	err := row.Scan(&rec.ID, &rec.DeviceRef, &rec.SessionID, &kind, &rec.PatientRef, &rec.DoctorRef,
		&startMs, &endMs, &samples, &stimJSON, &rec.Response, &metaJSON, &synced, &syncedAt)
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, errors.ErrSessionNotFound
	}
	if err != nil {
		return nil, errors.WrapTransient(err, "sqlstore", "scanRecord", "scan row")
	}

	rec.Kind = telemetry.Kind(kind)
	rec.StartTime = time.UnixMilli(startMs).UTC()
	if endMs > 0 {
		rec.EndTime = time.UnixMilli(endMs).UTC()
	}
	rec.Samples = decodeSamples(samples)
	if stimJSON.Valid {
		var stim telemetry.StimParameters
		if err := json.Unmarshal([]byte(stimJSON.String), &stim); err != nil {
			return nil, errors.WrapInvalid(err, "sqlstore", "scanRecord", "decode stim parameters")
		}
		rec.Stim = &stim
	}
	if metaJSON.Valid {
		if err := json.Unmarshal([]byte(metaJSON.String), &rec.Metadata); err != nil {
			return nil, errors.WrapInvalid(err, "sqlstore", "scanRecord", "decode metadata")
		}
	}
	rec.Sync.Synced = synced != 0
	if syncedAt.Valid {
		at := time.UnixMilli(syncedAt.Int64).UTC()
		rec.Sync.SyncedAt = &at
	}
	return &rec, nil
}

// encodeSamples packs samples as little-endian int16 pairs, matching the
// wireless wire format.
func encodeSamples(samples []int16) []byte {
	buf := make([]byte, len(samples)*2)
	for i, v := range samples {
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(v))
	}
	return buf
}

func decodeSamples(buf []byte) []int16 {
	out := make([]int16, len(buf)/2)
	for i := range out {
		out[i] = int16(binary.LittleEndian.Uint16(buf[i*2:]))
	}
	return out
}

func endMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func millisOrNil(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixMilli()
}
