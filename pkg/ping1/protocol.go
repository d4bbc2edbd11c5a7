package ping1

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gorilla/websocket"
	"github.com/jellydator/ttlcache/v3"

	"github.com/m-lab/wsping/internal/metrics"
	"github.com/m-lab/wsping/pkg/ping1/model"
	"github.com/m-lab/wsping/pkg/ping1/spec"
)

// ErrPayloadTooLarge is returned when a ping payload does not fit in a
// control frame.
var ErrPayloadTooLarge = errors.New("ping payload exceeds control frame size")

// ErrMissingSubprotocol is returned by Upgrade when the client did not
// request the required subprotocol.
var ErrMissingSubprotocol = errors.New("missing Sec-WebSocket-Protocol header")

// FrameKind is the type of an inbound WebSocket frame.
type FrameKind int

const (
	// Text is a text data message.
	Text FrameKind = iota
	// Binary is a binary data message.
	Binary
	// Ping is a ping control frame sent by the peer.
	Ping
	// Pong is a pong control frame.
	Pong
)

func (k FrameKind) String() string {
	switch k {
	case Text:
		return "text"
	case Binary:
		return "binary"
	case Ping:
		return "ping"
	case Pong:
		return "pong"
	default:
		return "unknown"
	}
}

// Frame is an inbound WebSocket frame.
type Frame struct {
	Kind    FrameKind
	Payload []byte
	// Received is the time the frame was read from the connection.
	Received time.Time
}

// Options configures a Protocol.
type Options struct {
	// Timeout is the per-probe timeout. When zero, Probe waits until a pong
	// arrives or the session ends.
	Timeout time.Duration
	// NoPayload sends pings with empty application data. The first pong
	// received after a ping is then assumed to answer it.
	NoPayload bool
}

// Protocol is the implementation of the ping1 protocol over a single
// WebSocket session.
type Protocol struct {
	conn  *websocket.Conn
	opts  Options
	start time.Time

	// frames is fed by the reader goroutine and closed when it exits.
	// readErr is io.EOF when the session was closed with a close frame, the
	// transport error otherwise. It is only read after frames is closed.
	frames     chan Frame
	readErr    error
	readerDone chan struct{}

	stop      chan struct{}
	closeOnce sync.Once

	// inflight maps the sequence number of every recent ping to its send
	// time, to tell late pongs from unsolicited ones.
	inflight *ttlcache.Cache[int, time.Time]
}

// New returns a new Protocol for the provided connection and starts reading
// from it. The caller must call Close once done.
func New(conn *websocket.Conn, opts Options) *Protocol {
	inflight := ttlcache.New(
		ttlcache.WithTTL[int, time.Time](spec.InflightTTL),
		ttlcache.WithDisableTouchOnHit[int, time.Time](),
	)
	inflight.OnEviction(func(ctx context.Context,
		er ttlcache.EvictionReason,
		i *ttlcache.Item[int, time.Time]) {
		if er == ttlcache.EvictionReasonExpired {
			log.Debug("forgetting unanswered ping", "seq", i.Key())
		}
	})
	go inflight.Start()

	p := &Protocol{
		conn:       conn,
		opts:       opts,
		start:      time.Now(),
		frames:     make(chan Frame, spec.FrameBuffer),
		readerDone: make(chan struct{}),
		stop:       make(chan struct{}),
		inflight:   inflight,
	}
	conn.SetReadLimit(spec.MaxMessageSize)

	pingHandler := conn.PingHandler()
	conn.SetPingHandler(func(appData string) error {
		p.push(Ping, []byte(appData))
		// The default handler answers with a pong.
		return pingHandler(appData)
	})
	conn.SetPongHandler(func(appData string) error {
		p.push(Pong, []byte(appData))
		return nil
	})

	go p.receiver()
	return p
}

// Upgrade takes a HTTP request and upgrades the connection to WebSocket.
// If subprotocol is not empty, the client must request it.
// Returns a websocket Conn if the upgrade succeeded, and an error otherwise.
func Upgrade(w http.ResponseWriter, r *http.Request, subprotocol string) (*websocket.Conn, error) {
	h := http.Header{}
	if subprotocol != "" {
		if !slices.Contains(websocket.Subprotocols(r), subprotocol) {
			w.WriteHeader(http.StatusBadRequest)
			return nil, ErrMissingSubprotocol
		}
		h.Add("Sec-WebSocket-Protocol", subprotocol)
	}
	u := websocket.Upgrader{
		// Allow cross-origin resource sharing.
		CheckOrigin: func(r *http.Request) bool {
			return true
		},
	}
	return u.Upgrade(w, r, h)
}

// push queues an inbound frame. Frames received after Close are dropped.
func (p *Protocol) push(kind FrameKind, payload []byte) {
	f := Frame{Kind: kind, Payload: payload, Received: time.Now()}
	select {
	case p.frames <- f:
	case <-p.stop:
	}
}

// receiver reads from the connection until NextReader fails. Control frames
// are queued by the handlers installed in New, which NextReader invokes.
func (p *Protocol) receiver() {
	defer close(p.readerDone)
	defer close(p.frames)
	for {
		kind, reader, err := p.conn.NextReader()
		if err != nil {
			p.readErr = p.mapReadError(err)
			return
		}
		data, err := io.ReadAll(reader)
		if err != nil {
			p.readErr = p.mapReadError(err)
			return
		}
		switch kind {
		case websocket.TextMessage:
			p.push(Text, data)
		case websocket.BinaryMessage:
			p.push(Binary, data)
		}
	}
}

// mapReadError turns the end of the session into io.EOF. A connection lost
// without a close frame (1006, abnormal closure) is a transport failure and
// is returned as is.
func (p *Protocol) mapReadError(err error) error {
	select {
	case <-p.stop:
		// The socket was closed locally.
		return io.EOF
	default:
	}
	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) && closeErr.Code != websocket.CloseAbnormalClosure {
		log.Debug("session closed by peer", "code", closeErr.Code, "text", closeErr.Text)
		return io.EOF
	}
	return err
}

// SendPing writes a single ping control frame for the given sequence number.
// It returns the time taken immediately before the write and the payload
// sent.
func (p *Protocol) SendPing(seq int) (time.Time, []byte, error) {
	var data []byte
	if !p.opts.NoPayload {
		var err error
		data, err = json.Marshal(model.PingMessage{
			Seq: seq,
			NS:  time.Since(p.start).Nanoseconds(),
		})
		if err != nil {
			return time.Time{}, nil, err
		}
		if len(data) > spec.MaxControlPayload {
			return time.Time{}, nil, ErrPayloadTooLarge
		}
	}
	sent := time.Now()
	err := p.conn.WriteControl(websocket.PingMessage, data, sent.Add(spec.WriteTimeout))
	if err != nil {
		return sent, data, err
	}
	if !p.opts.NoPayload {
		p.inflight.Set(seq, sent, ttlcache.DefaultTTL)
	}
	return sent, data, nil
}

// Next returns the next inbound frame. It returns io.EOF once the peer has
// closed the session and all queued frames have been returned, ctx.Err() if
// the context is done first, and any other error on transport failures.
func (p *Protocol) Next(ctx context.Context) (Frame, error) {
	select {
	case f, ok := <-p.frames:
		if !ok {
			return Frame{}, p.readErr
		}
		return f, nil
	case <-ctx.Done():
		return Frame{}, ctx.Err()
	}
}

// drain discards the frames queued before a probe starts. They cannot answer
// a ping that has not been sent yet. It returns the read error if the inbound
// sequence has ended.
func (p *Protocol) drain(seq int) error {
	for {
		select {
		case f, ok := <-p.frames:
			if !ok {
				return p.readErr
			}
			if f.Kind == Pong {
				p.checkLate(f.Payload)
			}
			log.Debug("discarding frame queued before ping", "seq", seq, "kind", f.Kind)
		default:
			return nil
		}
	}
}

// ended returns true if the receiver has stopped because the peer closed
// the session.
func (p *Protocol) ended() bool {
	select {
	case <-p.readerDone:
		return errors.Is(p.readErr, io.EOF)
	default:
		return false
	}
}

// matches says whether a pong's payload answers the ping that sent token.
func (p *Protocol) matches(payload, token []byte) bool {
	if p.opts.NoPayload {
		return true
	}
	return bytes.Equal(payload, token)
}

// checkLate reports a pong carrying the token of an earlier ping.
func (p *Protocol) checkLate(payload []byte) {
	var msg model.PingMessage
	if len(payload) == 0 || json.Unmarshal(payload, &msg) != nil {
		log.Debug("ignoring unsolicited pong", "len", len(payload))
		return
	}
	item := p.inflight.Get(msg.Seq)
	if item == nil {
		log.Debug("ignoring pong for unknown ping", "seq", msg.Seq)
		return
	}
	p.inflight.Delete(msg.Seq)
	metrics.LatePongsTotal.Inc()
	log.Info("late pong", "seq", msg.Seq, "rtt", time.Since(item.Value()))
}

// Probe sends one ping and waits for the matching pong. It always returns
// a RoundTrip for seq unless the session failed, in which case the error is
// returned and the session must not be used for further probes.
//
// Non-pong frames received while waiting are skipped. The probe is lost if
// the session ends (LossClosed), if Options.Timeout expires (LossTimeout) or
// if ctx is canceled (LossCanceled).
func (p *Protocol) Probe(ctx context.Context, seq int) (model.RoundTrip, error) {
	rt := model.RoundTrip{Seq: seq}

	if err := p.drain(seq); err != nil {
		return p.lostOrFail(rt, err)
	}

	sent, token, err := p.SendPing(seq)
	if err != nil {
		if errors.Is(err, websocket.ErrCloseSent) || p.ended() {
			return lost(rt, model.LossClosed), nil
		}
		return rt, err
	}
	log.Debug("ping sent", "seq", seq, "payload", string(token))

	waitCtx := ctx
	if p.opts.Timeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, p.opts.Timeout)
		defer cancel()
	}

	for {
		f, err := p.Next(waitCtx)
		if err != nil {
			if ctx.Err() != nil {
				return lost(rt, model.LossCanceled), nil
			}
			if errors.Is(err, context.DeadlineExceeded) {
				return lost(rt, model.LossTimeout), nil
			}
			return p.lostOrFail(rt, err)
		}
		if f.Kind != Pong {
			log.Debug("skipping frame while waiting for pong", "seq", seq, "kind", f.Kind)
			continue
		}
		if !p.matches(f.Payload, token) {
			p.checkLate(f.Payload)
			continue
		}
		p.inflight.Delete(seq)
		rt.RTT = f.Received.Sub(sent)
		return rt, nil
	}
}

func (p *Protocol) lostOrFail(rt model.RoundTrip, err error) (model.RoundTrip, error) {
	if errors.Is(err, io.EOF) {
		return lost(rt, model.LossClosed), nil
	}
	return rt, err
}

func lost(rt model.RoundTrip, reason model.LossReason) model.RoundTrip {
	rt.Lost = true
	rt.Reason = reason
	return rt
}

// Close performs the closing handshake and closes the connection. It is safe
// to call more than once; only the first call has an effect. Errors are
// informational: the connection is closed in any case.
func (p *Protocol) Close(ctx context.Context) error {
	err := websocket.ErrCloseSent
	p.closeOnce.Do(func() {
		err = p.close(ctx)
	})
	if errors.Is(err, websocket.ErrCloseSent) {
		return nil
	}
	return err
}

func (p *Protocol) close(ctx context.Context) error {
	defer p.inflight.Stop()
	close(p.stop)

	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "Done sending")
	err := p.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(spec.WriteTimeout))
	if err == nil {
		log.Debug("close message sent")
		// Wait for the peer's close frame, which ends the receiver.
		t := time.NewTimer(spec.CloseTimeout)
		select {
		case <-p.readerDone:
		case <-t.C:
			log.Debug("timed out waiting for the peer's close message")
		case <-ctx.Done():
		}
		t.Stop()
	}
	if cerr := p.conn.Close(); err == nil || errors.Is(err, websocket.ErrCloseSent) {
		err = cerr
	}
	<-p.readerDone
	return err
}
