// Package telemetry defines the domain types shared across the Myozen
// ingestion pipeline: decoded device events, persisted session records,
// and the per-connection status read model.
package telemetry

import "time"

// Kind discriminates the two record shapes produced by Myozen devices.
type Kind string

// Supported record kinds
const (
	KindEMG Kind = "emg"
	KindEMS Kind = "ems"
)

// Valid reports whether k is a known record kind.
func (k Kind) Valid() bool {
	return k == KindEMG || k == KindEMS
}

// Source identifies which transport delivered a frame.
type Source string

// Transport sources
const (
	SourcePubSub   Source = "pubsub"
	SourceWireless Source = "wireless"
)

// StimParameters holds the EMS stimulation settings carried by a frame.
// Each parameter is a single byte on the wireless wire.
type StimParameters struct {
	Intensity  uint8 `json:"intensity"`
	Frequency  uint8 `json:"frequency"`
	PulseWidth uint8 `json:"pulseWidth"`
}

// DeviceStatus carries the device health fields reported on the status
// topic family. Pointer fields distinguish "absent" from zero values.
type DeviceStatus struct {
	Battery  *int   `json:"battery,omitempty"`
	Firmware string `json:"firmware,omitempty"`
}

// DeviceEvent is the normalized result of decoding one raw frame.
// It is created and consumed within a single ingestion pass and never
// persisted. Events are immutable after decode.
type DeviceEvent struct {
	DeviceID  string
	Source    Source
	Kind      Kind
	SessionID string
	Timestamp time.Time

	// EMG payload: sampled muscle activity, insertion order significant.
	Samples []int16

	// EMS payload: stimulation settings plus the device's response.
	Stim     *StimParameters
	Response []byte

	// Status fields, present when the frame carried device health data.
	Status *DeviceStatus

	Metadata map[string]string
}

// SampleCount returns the number of ordered payload values this event
// contributes to a session record.
func (e *DeviceEvent) SampleCount() int {
	return len(e.Samples)
}

// SyncStatus tracks whether a session record has reached the remote store.
type SyncStatus struct {
	Synced   bool       `json:"synced"`
	SyncedAt *time.Time `json:"syncedAt,omitempty"`
}

// SessionRecord is the persisted shape of one recording session. A
// (DeviceRef, SessionID) pair identifies at most one open record; events
// for the same pair append to it rather than creating duplicates.
type SessionRecord struct {
	ID         string            `json:"id"`
	DeviceRef  string            `json:"deviceRef"`
	PatientRef string            `json:"patientRef,omitempty"`
	DoctorRef  string            `json:"doctorRef,omitempty"`
	SessionID  string            `json:"sessionId"`
	Kind       Kind              `json:"kind"`
	StartTime  time.Time         `json:"startTime"`
	EndTime    time.Time         `json:"endTime,omitempty"`
	Samples    []int16           `json:"samples"`
	Stim       *StimParameters   `json:"stimParameters,omitempty"`
	Response   []byte            `json:"response,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	Sync       SyncStatus        `json:"syncStatus"`
}

// Clone returns a deep copy so stores can hand out records without
// exposing their internal buffers to concurrent mutation.
func (r *SessionRecord) Clone() *SessionRecord {
	if r == nil {
		return nil
	}
	cp := *r
	cp.Samples = append([]int16(nil), r.Samples...)
	cp.Response = append([]byte(nil), r.Response...)
	if r.Stim != nil {
		stim := *r.Stim
		cp.Stim = &stim
	}
	if r.Sync.SyncedAt != nil {
		at := *r.Sync.SyncedAt
		cp.Sync.SyncedAt = &at
	}
	if r.Metadata != nil {
		cp.Metadata = make(map[string]string, len(r.Metadata))
		for k, v := range r.Metadata {
			cp.Metadata[k] = v
		}
	}
	return &cp
}

// ConnectionStatus is the per-connection read model queried by the outer
// HTTP layer.
type ConnectionStatus struct {
	Name              string    `json:"name"`
	Configured        bool      `json:"configured"`
	IsConnected       bool      `json:"isConnected"`
	State             string    `json:"state"`
	ReconnectAttempts int       `json:"reconnectAttempts"`
	LastMessageTime   time.Time `json:"lastMessageTime"`
	MessageCount      int64     `json:"messageCount"`
}
