// Package decode turns raw transport frames into normalized DeviceEvents.
// Decoding never panics and never returns an error to the ingestion loop:
// malformed frames yield a nil event and a counted, rate-limited
// diagnostic, so one bad frame cannot halt the stream.
package decode

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/Joothis/myozen/errors"
	"github.com/Joothis/myozen/telemetry"
)

// Frame source kinds, matching the topic family or transport the raw
// payload arrived on.
type Source int

// Decode sources
const (
	SourceBrokerData Source = iota
	SourceBrokerStatus
	SourceWireless
)

// String returns the source name used in logs and metric labels.
func (s Source) String() string {
	switch s {
	case SourceBrokerData:
		return "broker_data"
	case SourceBrokerStatus:
		return "broker_status"
	case SourceWireless:
		return "wireless"
	default:
		return "unknown"
	}
}

// Wireless wire layout: 1-byte kind discriminator, 4-byte session id,
// 8-byte timestamp, variable tail.
const (
	wirelessHeaderLen = 13

	frameKindEMG = 0x01
	frameKindEMS = 0x02

	emsStimParamLen = 3
)

// brokerPayload is the structured document carried on the data topic.
type brokerPayload struct {
	Type            string                    `json:"type"`
	SessionID       string                    `json:"sessionId"`
	Timestamp       int64                     `json:"timestamp,omitempty"` // Unix milliseconds
	Samples         []int16                   `json:"samples,omitempty"`
	StimParameters  *telemetry.StimParameters `json:"stimParameters,omitempty"`
	ResponseSamples []int16                   `json:"responseSamples,omitempty"`
	Response        []byte                    `json:"response,omitempty"`
	Battery         *int                      `json:"battery,omitempty"`
	Firmware        string                    `json:"firmware,omitempty"`
	Metadata        map[string]string         `json:"metadata,omitempty"`
}

// statusPayload is the structured document carried on the status topic.
type statusPayload struct {
	Battery  *int   `json:"battery,omitempty"`
	Firmware string `json:"firmware,omitempty"`
}

// Frame decodes one raw frame from the given source into a DeviceEvent.
// It returns a nil event and a classified error for malformed input; it
// never panics. Callers that need drop accounting should go through
// Decoder.Decode instead.
func Frame(deviceID string, raw []byte, src Source) (*telemetry.DeviceEvent, error) {
	switch src {
	case SourceBrokerData:
		return decodeBrokerData(deviceID, raw)
	case SourceBrokerStatus:
		return decodeBrokerStatus(deviceID, raw)
	case SourceWireless:
		return decodeWireless(deviceID, raw)
	default:
		return nil, errors.WrapInvalid(
			fmt.Errorf("source %d", int(src)),
			"decode", "Frame", "resolve source kind")
	}
}

func decodeBrokerData(deviceID string, raw []byte) (*telemetry.DeviceEvent, error) {
	var p brokerPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, errors.WrapInvalid(errors.ErrMalformedPayload, "decode", "decodeBrokerData", "unmarshal payload")
	}

	kind := telemetry.Kind(p.Type)
	if !kind.Valid() {
		return nil, errors.WrapInvalid(errors.ErrUnknownFrameKind, "decode", "decodeBrokerData", "validate type")
	}
	if p.SessionID == "" {
		return nil, errors.WrapInvalid(errors.ErrMissingSessionID, "decode", "decodeBrokerData", "validate session id")
	}

	ev := &telemetry.DeviceEvent{
		DeviceID:  deviceID,
		Source:    telemetry.SourcePubSub,
		Kind:      kind,
		SessionID: p.SessionID,
		Timestamp: timestampOrNow(p.Timestamp),
		Metadata:  p.Metadata,
	}

	switch kind {
	case telemetry.KindEMG:
		if len(p.Samples) == 0 {
			return nil, errors.WrapInvalid(errors.ErrMalformedPayload, "decode", "decodeBrokerData", "validate samples")
		}
		ev.Samples = p.Samples
	case telemetry.KindEMS:
		if p.StimParameters == nil {
			return nil, errors.WrapInvalid(errors.ErrMalformedPayload, "decode", "decodeBrokerData", "validate stim parameters")
		}
		ev.Stim = p.StimParameters
		ev.Samples = p.ResponseSamples
		ev.Response = p.Response
	}

	if p.Battery != nil || p.Firmware != "" {
		ev.Status = &telemetry.DeviceStatus{Battery: p.Battery, Firmware: p.Firmware}
	}

	return ev, nil
}

func decodeBrokerStatus(deviceID string, raw []byte) (*telemetry.DeviceEvent, error) {
	var p statusPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, errors.WrapInvalid(errors.ErrMalformedPayload, "decode", "decodeBrokerStatus", "unmarshal payload")
	}
	if p.Battery == nil && p.Firmware == "" {
		return nil, errors.WrapInvalid(errors.ErrMalformedPayload, "decode", "decodeBrokerStatus", "validate status fields")
	}

	// Status frames carry no session; the aggregator forwards them as a
	// device status update only.
	return &telemetry.DeviceEvent{
		DeviceID:  deviceID,
		Source:    telemetry.SourcePubSub,
		Timestamp: time.Now().UTC(),
		Status:    &telemetry.DeviceStatus{Battery: p.Battery, Firmware: p.Firmware},
	}, nil
}

func decodeWireless(deviceID string, raw []byte) (*telemetry.DeviceEvent, error) {
	if len(raw) < wirelessHeaderLen {
		return nil, errors.WrapInvalid(errors.ErrFrameTruncated, "decode", "decodeWireless", "validate header length")
	}

	sessionNum := binary.LittleEndian.Uint32(raw[1:5])
	tsMillis := int64(binary.LittleEndian.Uint64(raw[5:13]))
	tail := raw[wirelessHeaderLen:]

	ev := &telemetry.DeviceEvent{
		DeviceID:  deviceID,
		Source:    telemetry.SourceWireless,
		SessionID: strconv.FormatUint(uint64(sessionNum), 10),
		Timestamp: timestampOrNow(tsMillis),
	}

	switch raw[0] {
	case frameKindEMG:
		if len(tail)%2 != 0 {
			return nil, errors.WrapInvalid(errors.ErrFrameTruncated, "decode", "decodeWireless", "validate sample tail")
		}
		ev.Kind = telemetry.KindEMG
		ev.Samples = make([]int16, len(tail)/2)
		for i := range ev.Samples {
			ev.Samples[i] = int16(binary.LittleEndian.Uint16(tail[i*2:]))
		}

	case frameKindEMS:
		if len(tail) < emsStimParamLen {
			return nil, errors.WrapInvalid(errors.ErrFrameTruncated, "decode", "decodeWireless", "validate stim tail")
		}
		ev.Kind = telemetry.KindEMS
		ev.Stim = &telemetry.StimParameters{
			Intensity:  tail[0],
			Frequency:  tail[1],
			PulseWidth: tail[2],
		}
		blob := tail[emsStimParamLen:]
		ev.Response = append([]byte(nil), blob...)
		// A response blob of even length is interpreted as 16-bit samples;
		// odd-length blobs stay raw only.
		if len(blob) > 0 && len(blob)%2 == 0 {
			ev.Samples = make([]int16, len(blob)/2)
			for i := range ev.Samples {
				ev.Samples[i] = int16(binary.LittleEndian.Uint16(blob[i*2:]))
			}
		}

	default:
		return nil, errors.WrapInvalid(errors.ErrUnknownFrameKind, "decode", "decodeWireless", "resolve discriminator")
	}

	return ev, nil
}

func timestampOrNow(millis int64) time.Time {
	if millis <= 0 {
		return time.Now().UTC()
	}
	return time.UnixMilli(millis).UTC()
}
