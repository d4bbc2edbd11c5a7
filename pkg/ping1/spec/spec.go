// Package spec contains constants for the ping1 protocol.
package spec

import "time"

const (
	// DefaultCount is the default number of pings sent by a client.
	DefaultCount = 4

	// DefaultInterval is the default delay between the end of a probe and
	// the start of the next one.
	DefaultInterval = 1 * time.Second

	// DefaultTimeout is the default per-probe timeout. A zero timeout makes
	// the client wait until the peer closes the session.
	DefaultTimeout = 5 * time.Second

	// DefaultHandshakeTimeout is the default timeout for the WebSocket
	// handshake.
	DefaultHandshakeTimeout = 5 * time.Second

	// MaxControlPayload is the maximum payload of a WebSocket control frame
	// (RFC 6455, section 5.5).
	MaxControlPayload = 125

	// WriteTimeout bounds every control frame write.
	WriteTimeout = 1 * time.Second

	// CloseTimeout is how long Close waits for the peer's close frame.
	CloseTimeout = 1 * time.Second

	// InflightTTL is how long a ping's token is remembered after it is sent.
	// Pongs echoing a token inside this window are reported as late.
	InflightTTL = 1 * time.Minute

	// FrameBuffer is the number of inbound frames that can be queued while
	// no probe is waiting.
	FrameBuffer = 64

	// MaxMessageSize is the read limit for data messages.
	MaxMessageSize = 1 << 20

	// DefaultMaxSessionDuration is how long the wsping server keeps a session
	// open before closing it.
	DefaultMaxSessionDuration = 5 * time.Minute

	// SecWebSocketProtocol is the optional value of the Sec-WebSocket-Protocol
	// header used by the wsping server.
	SecWebSocketProtocol = "net.measurementlab.ping.v1"

	// PingPath is the path served by the wsping server.
	PingPath = "/ping/v1"
)
