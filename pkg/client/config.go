package client

import (
	"crypto/tls"
	"net/http"
	"time"
)

// Config is the configuration for a Client.
type Config struct {
	// Count is the number of probes to send. Values below one select
	// spec.DefaultCount.
	Count int

	// Interval is the delay between the end of a probe and the start of the
	// next one. There is no delay after the last probe.
	Interval time.Duration

	// Timeout is the per-probe timeout. When zero, a probe is only lost if the
	// session ends before its pong arrives.
	Timeout time.Duration

	// HandshakeTimeout bounds the WebSocket opening handshake. Zero selects
	// spec.DefaultHandshakeTimeout.
	HandshakeTimeout time.Duration

	// Subprotocol is requested via Sec-WebSocket-Protocol when not empty.
	Subprotocol string

	// Headers are additional headers sent with the opening handshake.
	Headers http.Header

	// NoPayload sends empty pings. Pongs are then matched first-come
	// first-served.
	NoPayload bool

	// TLSConfig is the TLS configuration used for wss targets. It should come
	// from tlsx.Init.
	TLSConfig *tls.Config

	// DataDir is the directory where the archive of each run is written. If
	// empty, nothing is written.
	DataDir string

	// Emitter is the interface used to emit the results of the run. It can be
	// overridden to provide a custom output.
	Emitter Emitter
}
