// Package tlsx builds the TLS configuration used for wss:// sessions.
//
// The configuration is created by an explicit initialization step that runs
// once per process, before any socket is opened. Nothing else in wsping
// mutates TLS state.
package tlsx

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"sync"
)

// ErrAlreadyInitialized is returned by Init when called more than once.
var ErrAlreadyInitialized = errors.New("tls configuration already initialized")

// Options configures the TLS client.
type Options struct {
	// InsecureSkipVerify disables certificate verification.
	InsecureSkipVerify bool
	// CAFile is an optional PEM bundle used instead of the system roots.
	CAFile string
}

// Bootstrap holds the process TLS configuration.
type Bootstrap struct {
	mu     sync.Mutex
	config *tls.Config
}

// Init builds the TLS configuration. Only the first successful call has an
// effect: subsequent calls return ErrAlreadyInitialized.
func (b *Bootstrap) Init(opts Options) (*tls.Config, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.config != nil {
		return nil, ErrAlreadyInitialized
	}

	var roots *x509.CertPool
	if opts.CAFile != "" {
		data, err := os.ReadFile(opts.CAFile)
		if err != nil {
			return nil, fmt.Errorf("read CA bundle: %w", err)
		}
		roots = x509.NewCertPool()
		if !roots.AppendCertsFromPEM(data) {
			return nil, fmt.Errorf("invalid CA bundle %q", opts.CAFile)
		}
	}

	b.config = &tls.Config{
		MinVersion:         tls.VersionTLS12,
		RootCAs:            roots,
		InsecureSkipVerify: opts.InsecureSkipVerify,
	}
	return b.config.Clone(), nil
}

// Config returns a copy of the configuration, or nil if Init has not
// succeeded yet.
func (b *Bootstrap) Config() *tls.Config {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.config == nil {
		return nil
	}
	return b.config.Clone()
}

var process Bootstrap

// Init initializes the process-wide TLS configuration. See Bootstrap.Init.
func Init(opts Options) (*tls.Config, error) {
	return process.Init(opts)
}
