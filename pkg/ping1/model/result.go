package model

import (
	"time"
)

// PingMessage is the application data carried by ping control frames. A
// compliant peer echoes it verbatim in the corresponding pong, which makes it
// possible to match each pong to the ping it answers.
type PingMessage struct {
	// Seq is the probe's sequence number.
	Seq int `json:"seq"`
	// NS is the send time in nanoseconds since the start of the session.
	NS int64 `json:"ns"`
}

// LossReason says why a probe did not get a pong.
type LossReason string

const (
	// LossClosed means the session ended before a pong was received.
	LossClosed = LossReason("closed")
	// LossTimeout means no pong was received within the probe timeout.
	LossTimeout = LossReason("timeout")
	// LossCanceled means the run was canceled while waiting for the pong.
	LossCanceled = LossReason("canceled")
)

// RoundTrip is the outcome of a single probe. If the pong was never
// received, Lost is true and Reason says why. Otherwise RTT holds the
// round-trip time.
type RoundTrip struct {
	// Seq is the 1-based sequence number of the probe.
	Seq int
	// RTT is the round-trip time (nanoseconds when serialized).
	RTT time.Duration `json:",omitempty"`
	// Lost says if the probe was lost.
	Lost bool `json:",omitempty"`
	// Reason is set for lost probes.
	Reason LossReason `json:",omitempty"`
}

// ArchivalData is the archival data format for a wsping run.
type ArchivalData struct {
	// GitShortCommit is the Git commit (short form) of the running code.
	GitShortCommit string
	// Version is the symbolic version (if any) of the running code.
	Version string
	// ID is the unique identifier for this run.
	ID string

	// UUID is the unique identifier of the TCP connection used by this run.
	UUID string

	// Target is the WebSocket URL that was probed.
	Target string
	// ResolvedIP is the first address the target's host resolved to.
	ResolvedIP string
	// Client is the client's ip:port pair.
	Client string
	// Server is the server's ip:port pair.
	Server string

	// StartTime is the time the run started, before the handshake.
	StartTime time.Time
	// EndTime is the time the session was closed.
	EndTime time.Time

	// RoundTrips is the ordered list of probe outcomes.
	RoundTrips []RoundTrip

	// PacketsSent is the number of probes attempted.
	PacketsSent int
	// PacketsReceived is the number of probes that received a pong.
	PacketsReceived int
	// LossPercent is the percentage of lost probes.
	LossPercent float64

	// MinRTT, MaxRTT, AvgRTT and MdevRTT are only populated when at least
	// one probe succeeded.
	MinRTT  time.Duration `json:",omitempty"`
	MaxRTT  time.Duration `json:",omitempty"`
	AvgRTT  time.Duration `json:",omitempty"`
	MdevRTT time.Duration `json:",omitempty"`

	// BytesSent and BytesReceived are network-level counters for the
	// session's TCP connection, including the handshake.
	BytesSent     int64
	BytesReceived int64

	// Error is the fatal error that ended the run early, if any.
	Error string `json:",omitempty"`
}
