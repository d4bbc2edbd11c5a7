// Package client implements a WebSocket ping client. A Client opens one
// session to the target, sends a fixed number of sequential probes and
// reports per-probe outcomes and summary statistics through an Emitter.
package client

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/m-lab/go/prometheusx"

	"github.com/m-lab/wsping/internal/metrics"
	"github.com/m-lab/wsping/internal/netx"
	"github.com/m-lab/wsping/internal/persistence"
	"github.com/m-lab/wsping/pkg/ping1"
	"github.com/m-lab/wsping/pkg/ping1/model"
	"github.com/m-lab/wsping/pkg/ping1/spec"
	"github.com/m-lab/wsping/pkg/ping1/stats"
	"github.com/m-lab/wsping/pkg/version"
)

const (
	libraryName = "wsping"

	// datatype and subtest name the archive files.
	datatype = "wsping"
	subtest  = "probe"
)

var (
	// ErrInvalidScheme is returned if the target is not a ws:// or wss:// URL.
	ErrInvalidScheme = errors.New("invalid scheme, must be ws or wss")

	// ErrHandshake is returned if the WebSocket session cannot be established.
	ErrHandshake = errors.New("websocket handshake failed")

	libraryVersion = version.Version
)

// State is the state of a Client's run.
type State int32

const (
	// Idle means the session is not established yet.
	Idle State = iota
	// Running means probes are being sent.
	Running
	// Draining means the session is being closed.
	Draining
	// Done means the run is over and its results are final.
	Done
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Running:
		return "running"
	case Draining:
		return "draining"
	case Done:
		return "done"
	default:
		return "unknown"
	}
}

// prober runs a single probe. *ping1.Protocol implements it.
type prober interface {
	Probe(ctx context.Context, seq int) (model.RoundTrip, error)
}

// Option configures optional Client dependencies.
type Option func(*Client)

// WithResolver sets the resolver used to display the target's address.
func WithResolver(r Resolver) Option {
	return func(c *Client) {
		c.resolver = r
	}
}

// WithSleep replaces the function used to wait between probes.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(c *Client) {
		c.sleep = sleep
	}
}

// Client is a client for the ping1 protocol.
type Client struct {
	// ClientName is the name of the client sent to the server as part of the user-agent.
	ClientName string
	// ClientVersion is the version of the client sent to the server as part of the user-agent.
	ClientVersion string

	config Config

	dialer   *websocket.Dialer
	resolver Resolver
	sleep    func(ctx context.Context, d time.Duration) error

	state atomic.Int32
}

// Result is the outcome of a run.
type Result struct {
	// Target is the URL that was probed.
	Target string
	// IP is the address the target's host resolved to.
	IP string
	// RoundTrips are the probe outcomes, in order.
	RoundTrips []model.RoundTrip
	// Stats are the summary statistics of RoundTrips.
	Stats stats.Statistics
	// Elapsed is the time from the start of the handshake to the end of the
	// last probe.
	Elapsed time.Duration
	// Err is the transport error that ended the run early, if any.
	Err error
	// DataFile is the archive written for this run, if any.
	DataFile *persistence.DataFile
}

// makeUserAgent creates the user agent string.
func makeUserAgent(clientName, clientVersion string) string {
	return clientName + "/" + clientVersion + " " + libraryName + "/" + libraryVersion
}

// New returns a new Client with the provided client name, version and config.
// It panics if clientName or clientVersion are empty.
func New(clientName, clientVersion string, config Config, opts ...Option) *Client {
	if clientName == "" || clientVersion == "" {
		panic("client name and version must be non-empty")
	}
	if config.Count < 1 {
		config.Count = spec.DefaultCount
	}
	if config.HandshakeTimeout <= 0 {
		config.HandshakeTimeout = spec.DefaultHandshakeTimeout
	}
	if config.Emitter == nil {
		config.Emitter = HumanReadable{}
	}
	dialer := &websocket.Dialer{
		HandshakeTimeout: config.HandshakeTimeout,
		NetDialContext:   netx.DialContext,
		TLSClientConfig:  config.TLSConfig,
	}
	if config.Subprotocol != "" {
		dialer.Subprotocols = []string{config.Subprotocol}
	}
	c := &Client{
		ClientName:    clientName,
		ClientVersion: clientVersion,

		config:   config,
		dialer:   dialer,
		resolver: net.DefaultResolver,
		sleep:    sleepContext,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// State returns the current state of the client.
func (c *Client) State() State {
	return State(c.state.Load())
}

func (c *Client) setState(s State) {
	old := State(c.state.Swap(int32(s)))
	log.Debug("state transition", "from", old, "to", s)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Client) connect(ctx context.Context, target *url.URL) (*websocket.Conn, error) {
	headers := http.Header{}
	for k, v := range c.config.Headers {
		headers[k] = append([]string(nil), v...)
	}
	if headers.Get("User-Agent") == "" {
		headers.Set("User-Agent", makeUserAgent(c.ClientName, c.ClientVersion))
	}
	conn, resp, err := c.dialer.DialContext(ctx, target.String(), headers)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("%w: %s: %w", ErrHandshake, resp.Status, err)
		}
		return nil, fmt.Errorf("%w: %w", ErrHandshake, err)
	}
	return conn, nil
}

// Run probes target and returns the result of the run. An error is returned
// only if no probe could be sent: invalid target, failed lookup or failed
// handshake. Canceling ctx during the handshake is not an error: the result
// then holds no probes. A transport error during the run is reported in Result.Err,
// along with the statistics of the probes completed until then.
func (c *Client) Run(ctx context.Context, target *url.URL) (*Result, error) {
	c.setState(Idle)
	if target.Scheme != "ws" && target.Scheme != "wss" {
		return nil, fmt.Errorf("%w: %q", ErrInvalidScheme, target.Scheme)
	}
	ip, err := Resolve(ctx, c.resolver, target.Hostname())
	if err != nil {
		return nil, err
	}
	c.config.Emitter.OnStart(target.String(), ip, c.config.Count, c.config.Interval)

	startTime := time.Now()
	conn, err := c.connect(ctx, target)
	if err != nil && ctx.Err() != nil {
		// Canceled before the session started: nothing was measured.
		log.Debug("canceled during the handshake", "err", err)
		c.setState(Done)
		result := &Result{
			Target:  target.String(),
			IP:      ip,
			Stats:   stats.Compute(nil),
			Elapsed: time.Since(startTime),
		}
		c.config.Emitter.OnSummary(target.Hostname(), result.Stats, result.Elapsed)
		return result, nil
	}
	if err != nil {
		metrics.HandshakeErrorsTotal.Inc()
		return nil, err
	}
	c.config.Emitter.OnConnect(conn.RemoteAddr().String())
	log.Debug("connected", "target", target, "subprotocol", conn.Subprotocol())

	proto := ping1.New(conn, ping1.Options{
		Timeout:   c.config.Timeout,
		NoPayload: c.config.NoPayload,
	})

	c.setState(Running)
	rts, runErr := c.runProbes(ctx, proto, target.Scheme, ip)
	elapsed := time.Since(startTime)

	c.setState(Draining)
	closeCtx, cancel := context.WithTimeout(context.Background(), spec.CloseTimeout+spec.WriteTimeout)
	if err := proto.Close(closeCtx); err != nil {
		log.Warn("failed to close the session", "err", err)
	}
	cancel()
	endTime := time.Now()

	c.setState(Done)
	result := &Result{
		Target:     target.String(),
		IP:         ip,
		RoundTrips: rts,
		Stats:      stats.Compute(rts),
		Elapsed:    elapsed,
		Err:        runErr,
	}
	c.config.Emitter.OnSummary(target.Hostname(), result.Stats, elapsed)
	if runErr != nil {
		c.config.Emitter.OnError(runErr)
	}

	if c.config.DataDir != "" {
		result.DataFile = c.archive(conn, result, startTime, endTime)
	}
	return result, nil
}

// runProbes sends up to Count probes through p, one at a time. It stops early
// on transport errors and when a probe is lost because the session ended or
// ctx was canceled.
func (c *Client) runProbes(ctx context.Context, p prober, scheme, ip string) ([]model.RoundTrip, error) {
	rts := make([]model.RoundTrip, 0, c.config.Count)
	for seq := 1; seq <= c.config.Count; seq++ {
		rt, err := p.Probe(ctx, seq)
		if err != nil {
			return rts, fmt.Errorf("probe %d: %w", seq, err)
		}
		rts = append(rts, rt)
		metrics.ObserveRoundTrip(rt)
		c.config.Emitter.OnRoundTrip(scheme, ip, rt)

		if rt.Lost && rt.Reason != model.LossTimeout {
			log.Debug("stopping early", "seq", seq, "reason", rt.Reason)
			return rts, nil
		}
		if seq == c.config.Count {
			break
		}
		if err := c.sleep(ctx, c.config.Interval); err != nil {
			log.Debug("interrupted between probes", "seq", seq, "err", err)
			return rts, nil
		}
	}
	return rts, nil
}

// archive writes the run to the configured data directory. Failures are
// logged and do not affect the run's outcome.
func (c *Client) archive(conn *websocket.Conn, result *Result, start, end time.Time) *persistence.DataFile {
	data := model.ArchivalData{
		GitShortCommit:  prometheusx.GitShortCommit,
		Version:         version.Version,
		ID:              uuid.NewString(),
		Target:          result.Target,
		ResolvedIP:      result.IP,
		Client:          conn.LocalAddr().String(),
		Server:          conn.RemoteAddr().String(),
		StartTime:       start,
		EndTime:         end,
		RoundTrips:      result.RoundTrips,
		PacketsSent:     result.Stats.Sent,
		PacketsReceived: result.Stats.Received,
		LossPercent:     result.Stats.Loss,
	}
	if result.Stats.HasRTT {
		data.MinRTT = result.Stats.Min
		data.MaxRTT = result.Stats.Max
		data.AvgRTT = result.Stats.Avg
		data.MdevRTT = result.Stats.Mdev
	}
	if info, ok := netx.ToConnInfo(conn.NetConn()); ok {
		data.UUID = info.UUID()
		read, written := info.ByteCounters()
		data.BytesReceived, data.BytesSent = int64(read), int64(written)
	}
	if result.Err != nil {
		data.Error = result.Err.Error()
	}

	df, err := persistence.WriteDataFile(c.config.DataDir, datatype, subtest, data.ID, data)
	if err != nil {
		log.Error("failed to write archive", "datadir", c.config.DataDir, "err", err)
		return nil
	}
	log.Debug("archive written", "path", df.Path, "size", df.Size)
	return df
}
