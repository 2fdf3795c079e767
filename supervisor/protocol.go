// Package supervisor implements the supervisor loop (C12): the
// newline-delimited JSON socket server that turns inbound motor-state
// frames from the realtime spine into recommendation envelopes, wiring
// together the safety validator, engine dispatcher, observation buffer,
// decision store, semantic cache, and digital twin adapter built by the
// rest of this module.
package supervisor

import (
	"encoding/json"
)

// InboundFrame is one line of the spine-to-cortex wire protocol.
// Unknown fields are ignored by the decoder.
type InboundFrame struct {
	Type          string  `json:"type"`
	TimestampUs   uint64  `json:"timestamp_us"`
	UnixUs        uint64  `json:"unix_us"`
	CycleCount    uint64  `json:"cycle_count"`
	SafetyState   string  `json:"safety_state"`
	MotorSpeedRPM float64 `json:"motor_speed_rpm"`
	MotorTempC    float64 `json:"motor_temp_c"`
	PressureBar   float64 `json:"pressure_bar"`
	CycleJitterUs uint64  `json:"cycle_jitter_us"`
}

// ProtocolVersion is carried on every outbound frame.
type ProtocolVersion struct {
	Major int `json:"major"`
	Minor int `json:"minor"`
}

var currentProtocolVersion = ProtocolVersion{Major: 1, Minor: 0}

// OutboundFrame is one line of the cortex-to-spine wire protocol.
// TargetSpeedRPM is a pointer so an unapproved candidate serializes to
// a JSON null, per spec: the spine must never act on an unapproved
// target.
type OutboundFrame struct {
	Type             string          `json:"type"`
	ProtocolVersion  ProtocolVersion `json:"protocol_version"`
	Sequence         uint64          `json:"sequence"`
	IssuedAtUnixUs   int64           `json:"issued_at_unix_us"`
	TTLMs            int             `json:"ttl_ms"`
	TargetSpeedRPM   *float64        `json:"target_speed_rpm"`
	Confidence       float64         `json:"confidence"`
	ReasoningHash    string          `json:"reasoning_hash"`
	ClientUnixUs     int64           `json:"client_unix_us"`
	AuthToken        string          `json:"auth_token,omitempty"`
}

// HelloFrame is an optional frame a client may send on connect.
type HelloFrame struct {
	Type            string          `json:"type"`
	ProtocolVersion ProtocolVersion `json:"protocol_version"`
	Capabilities    []string        `json:"capabilities"`
	ClientID        string          `json:"client_id"`
}

// parseInboundFrame decodes one line. Only a JSON decode error is
// reported; the frame's type is not checked here, so the caller must
// skip both decode failures and frames whose Type is not "state".
func parseInboundFrame(line []byte) (InboundFrame, error) {
	var frame InboundFrame
	if err := json.Unmarshal(line, &frame); err != nil {
		return InboundFrame{}, err
	}
	return frame, nil
}
