// Package streaming implements the per-session sequencer, snapshot-anchored
// ring buffer, and client fan-out that turn raw recorder events into an
// ordered broadcast stream (spec §3, §4.5, §5). The host never interprets
// recorder payloads beyond the two fields RecorderEvent exposes.
package streaming

import (
	"encoding/json"
	"fmt"

	"github.com/hazyhaar/visualcore/sessionid"
)

// snapshotType is the RecorderEvent.type value denoting a FullSnapshot.
const snapshotType = 2

// RecorderEvent is an opaque JSON object produced by the in-page recorder.
// The core parses only type and timestamp; every other field passes
// through verbatim (spec §3, §9 "dynamic event shape").
type RecorderEvent json.RawMessage

type recorderEventFields struct {
	Type      int   `json:"type"`
	Timestamp int64 `json:"timestamp"`
}

// Type returns the event's type field, or -1 if it cannot be parsed.
func (e RecorderEvent) Type() int {
	var f recorderEventFields
	if err := json.Unmarshal(e, &f); err != nil {
		return -1
	}
	return f.Type
}

// Timestamp returns the event's timestamp field in milliseconds, or 0 if
// it cannot be parsed.
func (e RecorderEvent) Timestamp() int64 {
	var f recorderEventFields
	if err := json.Unmarshal(e, &f); err != nil {
		return 0
	}
	return f.Timestamp
}

// IsSnapshot reports whether the event is a FullSnapshot.
func (e RecorderEvent) IsSnapshot() bool {
	return e.Type() == snapshotType
}

func (e RecorderEvent) MarshalJSON() ([]byte, error) {
	if len(e) == 0 {
		return []byte("null"), nil
	}
	return e, nil
}

func (e *RecorderEvent) UnmarshalJSON(data []byte) error {
	*e = append((*e)[0:0], data...)
	return nil
}

// WireMetadata carries optional host-attached fields (spec §3).
type WireMetadata struct {
	OriginURL  string `json:"origin_url,omitempty"`
	IsSnapshot bool   `json:"is_snapshot,omitempty"`
}

// WireEvent is the envelope placed on the Stream Channel. The JSON key for
// the recorder payload MUST be "event", never "event_data" (spec §3, §6).
type WireEvent struct {
	SessionID  sessionid.ID `json:"session_id"`
	Timestamp  float64      `json:"timestamp"`
	Event      RecorderEvent `json:"event"`
	SequenceID uint64       `json:"sequence_id"`
	Metadata   WireMetadata `json:"metadata,omitempty"`
}

// parseRecorderEvent checks that raw is well-formed JSON before wrapping
// it; any JSON value passes, not only an object. spec §4.5's enqueue path parses the payload into a RecorderEvent,
// which at minimum means "is valid JSON".
func parseRecorderEvent(raw []byte) (RecorderEvent, error) {
	if !json.Valid(raw) {
		return nil, fmt.Errorf("streaming: invalid recorder event JSON")
	}
	return RecorderEvent(raw), nil
}
