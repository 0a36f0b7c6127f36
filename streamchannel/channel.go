// Package streamchannel is the Stream Channel (spec §4.6): the
// bidirectional websocket endpoint viewers connect to for a session's
// sequenced event broadcast. Grounded on
// odvcencio-buckley/pkg/acp/observability/event_stream.go's
// subscriber/readPump/writePump split; subscribe/unsubscribe is replaced
// by the spec's client_ready/sequence_reset_request/ping vocabulary.
package streamchannel

import (
	"encoding/json"
	"time"
)

// FrameType enumerates the server→client and client→server frame "type"
// discriminators (spec §4.6, §6).
type FrameType string

const (
	FrameConnectionEstablished FrameType = "connection_established"
	FrameSequenceReset         FrameType = "sequence_reset"
	FrameSessionExpired        FrameType = "session_expired"
	FramePing                  FrameType = "ping"
	FramePong                  FrameType = "pong"
	FrameClientReady           FrameType = "client_ready"
	FrameSequenceResetRequest  FrameType = "sequence_reset_request"
	FrameError                 FrameType = "error"
)

// clientMessage is the shape of any client→server frame this channel
// accepts. Only Type is required; unknown types elicit an error frame
// without closing the connection (spec §4.6).
type clientMessage struct {
	Type FrameType `json:"type"`
}

// connectionEstablishedFrame is emitted once, immediately after upgrade.
type connectionEstablishedFrame struct {
	Type      FrameType `json:"type"`
	SessionID string    `json:"session_id"`
	Timestamp float64   `json:"timestamp"`
}

// sequenceResetFrame announces a new base sequence_id after a slow-client
// drop (spec §4.5/§4.6).
type sequenceResetFrame struct {
	Type       FrameType `json:"type"`
	SequenceID uint64    `json:"sequence_id"`
}

// sessionExpiredFrame is the terminal frame sent before the server closes
// the connection (spec §4.6, §5).
type sessionExpiredFrame struct {
	Type FrameType `json:"type"`
}

// pongFrame replies to a client ping with the host's timestamp.
type pongFrame struct {
	Type      FrameType `json:"type"`
	Timestamp float64   `json:"timestamp"`
}

// errorFrame reports a malformed or unknown client message without
// closing the channel (spec §4.6, §7).
type errorFrame struct {
	Type      FrameType `json:"type"`
	ErrorType string    `json:"error_type"`
}

func nowSeconds() float64 {
	return float64(time.Now().UnixNano()) / 1e9
}

func mustMarshal(v any) []byte {
	b, _ := json.Marshal(v)
	return b
}
