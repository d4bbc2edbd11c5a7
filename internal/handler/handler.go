// Package handler implements the HTTP handler of wsping-server, a WebSocket
// endpoint that answers pings.
package handler

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gorilla/websocket"
	"github.com/m-lab/access/controller"
	"github.com/m-lab/go/prometheusx"

	"github.com/m-lab/wsping/internal/metrics"
	"github.com/m-lab/wsping/internal/netx"
	"github.com/m-lab/wsping/internal/persistence"
	"github.com/m-lab/wsping/pkg/ping1"
	"github.com/m-lab/wsping/pkg/ping1/model"
	"github.com/m-lab/wsping/pkg/ping1/spec"
	"github.com/m-lab/wsping/pkg/version"
)

// Session outcomes, used as metric labels and in archived sessions.
const (
	outcomeRejected = "rejected"
	outcomeClosed   = "closed"
	outcomeExpired  = "expired"
	outcomeError    = "error"
)

// Options configures a Handler.
type Options struct {
	// Subprotocol, if not empty, must be requested by clients.
	Subprotocol string
	// Echo sends every data message back to the client.
	Echo bool
	// MaxDuration is the maximum lifetime of a session. Zero selects
	// spec.DefaultMaxSessionDuration.
	MaxDuration time.Duration
}

// Handler serves ping sessions.
type Handler struct {
	archivalDataDir string
	opts            Options
}

// New returns a Handler that writes session archives to archivalDataDir.
// Archiving is disabled if archivalDataDir is empty.
func New(archivalDataDir string, opts Options) *Handler {
	if opts.MaxDuration <= 0 {
		opts.MaxDuration = spec.DefaultMaxSessionDuration
	}
	return &Handler{
		archivalDataDir: archivalDataDir,
		opts:            opts,
	}
}

// HandlePing upgrades the connection to WebSocket and answers pings until
// the client closes the session or the session expires.
func (h *Handler) HandlePing(rw http.ResponseWriter, req *http.Request) {
	// Once upgraded, the underlying TCP connection is hijacked: a failed
	// Upgrade has already written its response.
	wsConn, err := ping1.Upgrade(rw, req, h.opts.Subprotocol)
	if err != nil {
		log.Info("Websocket upgrade failed",
			"ctx", fmt.Sprintf("%p", req.Context()), "error", err)
		metrics.ServerSessionsTotal.WithLabelValues(outcomeRejected).Inc()
		return
	}
	defer wsConn.Close()

	session := model.SessionData{
		GitShortCommit: prometheusx.GitShortCommit,
		Version:        version.Version,
		MeasurementID:  getMIDFromRequest(req),
		Subprotocol:    wsConn.Subprotocol(),
		UserAgent:      req.UserAgent(),
		Client:         wsConn.RemoteAddr().String(),
		Server:         wsConn.LocalAddr().String(),
		StartTime:      time.Now(),
	}
	info, ok := netx.ToConnInfo(wsConn.NetConn())
	if ok {
		session.UUID = info.UUID()
	} else {
		// The server was not set up with a netx.Listener.
		log.Warn("connection has no netx accounting", "client", session.Client)
	}

	timeout, cancel := context.WithTimeout(req.Context(), h.opts.MaxDuration)
	defer cancel()

	session.Outcome = h.serve(timeout, wsConn, &session)

	session.EndTime = time.Now()
	if ok {
		read, written := info.ByteCounters()
		session.BytesReceived, session.BytesSent = int64(read), int64(written)
	}
	metrics.ServerSessionsTotal.WithLabelValues(session.Outcome).Inc()
	log.Debug("session ended", "client", session.Client, "outcome", session.Outcome,
		"pings", session.PingsReceived)
	if h.archivalDataDir != "" {
		h.writeResult(&session)
	}
}

// serve reads from the connection until the session ends and returns its
// outcome.
func (h *Handler) serve(ctx context.Context, conn *websocket.Conn, session *model.SessionData) string {
	conn.SetReadLimit(spec.MaxMessageSize)
	pong := conn.PingHandler()
	conn.SetPingHandler(func(appData string) error {
		session.PingsReceived++
		return pong(appData)
	})

	// Expire the session by closing it. This makes NextReader fail.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "session expired")
			conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(spec.WriteTimeout))
			conn.Close()
		case <-done:
		}
	}()

	for {
		kind, data, err := conn.ReadMessage()
		if err != nil {
			switch {
			case ctx.Err() != nil:
				return outcomeExpired
			case websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway,
				websocket.CloseNoStatusReceived):
				return outcomeClosed
			}
			var closeErr *websocket.CloseError
			if !errors.As(err, &closeErr) {
				log.Info("session failed", "client", session.Client, "error", err)
			}
			return outcomeError
		}
		if !h.opts.Echo {
			continue
		}
		err = conn.WriteMessage(kind, data)
		if err != nil {
			log.Info("echo failed", "client", session.Client, "error", err)
			return outcomeError
		}
		session.MessagesEchoed++
	}
}

// getMIDFromRequest extracts the measurement id ("mid") from a given HTTP
// request, if present.
//
// A measurement ID can be specified in two ways: via the ID field of a
// verified access token or via a "mid" querystring parameter.
func getMIDFromRequest(req *http.Request) string {
	// If the request includes a valid JWT token, the claim and the ID are in
	// the request's context already.
	if claims := controller.GetClaim(req.Context()); claims != nil {
		return claims.ID
	}
	return req.URL.Query().Get("mid")
}

func (h *Handler) writeResult(session *model.SessionData) {
	id := session.UUID
	if id == "" {
		id = "unknown"
	}
	_, err := persistence.WriteDataFile(h.archivalDataDir, "wsping", "session", id, session)
	if err != nil {
		log.Error("failed to write session archive", "error", err)
	}
}
