package model

import "time"

// SessionData is the archival data format for a session served by
// wsping-server.
type SessionData struct {
	// GitShortCommit is the Git commit (short form) of the running server code.
	GitShortCommit string
	// Version is the symbolic version (if any) of the running server code.
	Version string

	// MeasurementID is the ID from the client's access token or "mid"
	// parameter, if any.
	MeasurementID string
	// UUID is the unique identifier of the session's TCP connection.
	UUID string
	// Subprotocol is the negotiated Sec-WebSocket-Protocol, if any.
	Subprotocol string
	// UserAgent is the User-Agent sent by the client.
	UserAgent string

	// Client is the client's ip:port pair.
	Client string
	// Server is the server's ip:port pair.
	Server string

	// StartTime is the time the session was upgraded.
	StartTime time.Time
	// EndTime is the time the session ended.
	EndTime time.Time

	// PingsReceived is the number of ping frames answered.
	PingsReceived int
	// MessagesEchoed is the number of data messages sent back to the client.
	MessagesEchoed int

	// BytesSent and BytesReceived are network-level counters for the
	// session's TCP connection.
	BytesSent     int64
	BytesReceived int64

	// Outcome says how the session ended: "closed", "expired" or "error".
	Outcome string
}
