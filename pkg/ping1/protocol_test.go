package ping1_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/m-lab/go/rtx"
	"github.com/m-lab/go/testingx"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/m-lab/wsping/internal/metrics"
	"github.com/m-lab/wsping/pkg/ping1"
	"github.com/m-lab/wsping/pkg/ping1/model"
	"github.com/m-lab/wsping/pkg/ping1/spec"
)

// pingFunc is called by the test server for every ping it receives. n is the
// 1-based count of pings received so far.
type pingFunc func(conn *websocket.Conn, n int, appData string) error

func echo(conn *websocket.Conn, n int, appData string) error {
	return conn.WriteControl(websocket.PongMessage, []byte(appData),
		time.Now().Add(time.Second))
}

// newServer starts a WebSocket server that reads until the session ends and
// calls onPing for every ping received.
func newServer(t *testing.T, onPing pingFunc) *httptest.Server {
	var n atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := ping1.Upgrade(w, r, "")
		if err != nil {
			return
		}
		defer conn.Close()
		conn.SetPingHandler(func(appData string) error {
			return onPing(conn, int(n.Add(1)), appData)
		})
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func dial(t *testing.T, srv *httptest.Server, opts ping1.Options) *ping1.Protocol {
	u := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(u, nil)
	testingx.Must(t, err, "cannot dial test server")
	p := ping1.New(conn, opts)
	t.Cleanup(func() { p.Close(context.Background()) })
	return p
}

func TestProtocol_Upgrade(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := ping1.Upgrade(w, r, spec.SecWebSocketProtocol)
		if err != nil {
			return
		}
		conn.Close()
	}))
	defer srv.Close()
	u := "ws" + strings.TrimPrefix(srv.URL, "http")

	t.Run("upgrade-correct-protocol", func(t *testing.T) {
		h := http.Header{}
		h.Add("Sec-WebSocket-Protocol", "other, "+spec.SecWebSocketProtocol)
		conn, resp, err := websocket.DefaultDialer.Dial(u, h)
		testingx.Must(t, err, "dial failed")
		defer conn.Close()
		if resp.StatusCode != http.StatusSwitchingProtocols {
			t.Fatalf("upgrader did not start upgrade")
		}
		if conn.Subprotocol() != spec.SecWebSocketProtocol {
			t.Errorf("wrong subprotocol: %q", conn.Subprotocol())
		}
	})

	t.Run("upgrade-wrong-protocol", func(t *testing.T) {
		h := http.Header{}
		h.Add("Sec-WebSocket-Protocol", "wrong-protocol")
		_, resp, err := websocket.DefaultDialer.Dial(u, h)
		if err == nil {
			t.Fatalf("expected handshake failure")
		}
		if resp == nil || resp.StatusCode != http.StatusBadRequest {
			t.Fatalf("upgrader did not return bad request on wrong protocol")
		}
	})
}

func TestProtocol_Probe(t *testing.T) {
	srv := newServer(t, echo)
	p := dial(t, srv, ping1.Options{Timeout: time.Second})

	for seq := 1; seq <= 3; seq++ {
		rt, err := p.Probe(context.Background(), seq)
		testingx.Must(t, err, "probe failed")
		if rt.Seq != seq || rt.Lost {
			t.Fatalf("unexpected outcome: %+v", rt)
		}
		if rt.RTT <= 0 || rt.RTT > time.Second {
			t.Errorf("invalid RTT: %v", rt.RTT)
		}
	}
}

func TestProtocol_SendPing(t *testing.T) {
	srv := newServer(t, echo)

	t.Run("payload", func(t *testing.T) {
		p := dial(t, srv, ping1.Options{})
		_, data, err := p.SendPing(7)
		testingx.Must(t, err, "SendPing failed")
		var m model.PingMessage
		testingx.Must(t, json.Unmarshal(data, &m), "invalid payload")
		if m.Seq != 7 {
			t.Errorf("wrong seq in payload: %d", m.Seq)
		}
		if len(data) > spec.MaxControlPayload {
			t.Errorf("payload too large: %d", len(data))
		}
	})

	t.Run("no-payload", func(t *testing.T) {
		p := dial(t, srv, ping1.Options{NoPayload: true})
		_, data, err := p.SendPing(1)
		testingx.Must(t, err, "SendPing failed")
		if len(data) != 0 {
			t.Errorf("expected empty payload, got %q", data)
		}
		rt, err := p.Probe(context.Background(), 2)
		testingx.Must(t, err, "probe failed")
		if rt.Lost {
			t.Errorf("probe lost: %+v", rt)
		}
	})
}

func TestProtocol_ProbeSkipsDataFrames(t *testing.T) {
	srv := newServer(t, func(conn *websocket.Conn, n int, appData string) error {
		// The ping handler runs on the server's only reader, so writing
		// messages from here does not race with other writers.
		rtx.Must(conn.WriteMessage(websocket.TextMessage, []byte("hello")), "write text")
		rtx.Must(conn.WriteMessage(websocket.BinaryMessage, []byte{1, 2, 3}), "write binary")
		rtx.Must(conn.WriteControl(websocket.PongMessage, []byte("unrelated"),
			time.Now().Add(time.Second)), "write pong")
		return echo(conn, n, appData)
	})
	p := dial(t, srv, ping1.Options{Timeout: time.Second})

	rt, err := p.Probe(context.Background(), 1)
	testingx.Must(t, err, "probe failed")
	if rt.Lost {
		t.Fatalf("probe lost: %+v", rt)
	}
}

func TestProtocol_ProbeLost(t *testing.T) {
	silent := func(conn *websocket.Conn, n int, appData string) error {
		return nil
	}

	t.Run("timeout", func(t *testing.T) {
		srv := newServer(t, silent)
		p := dial(t, srv, ping1.Options{Timeout: 100 * time.Millisecond})
		start := time.Now()
		rt, err := p.Probe(context.Background(), 1)
		testingx.Must(t, err, "probe failed")
		if !rt.Lost || rt.Reason != model.LossTimeout {
			t.Fatalf("expected timeout, got %+v", rt)
		}
		if time.Since(start) < 100*time.Millisecond {
			t.Errorf("probe returned before the timeout")
		}
	})

	t.Run("canceled", func(t *testing.T) {
		srv := newServer(t, silent)
		p := dial(t, srv, ping1.Options{})
		ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
		defer cancel()
		rt, err := p.Probe(ctx, 1)
		testingx.Must(t, err, "probe failed")
		if !rt.Lost || rt.Reason != model.LossCanceled {
			t.Fatalf("expected canceled, got %+v", rt)
		}
	})

	t.Run("peer-closes", func(t *testing.T) {
		srv := newServer(t, func(conn *websocket.Conn, n int, appData string) error {
			if n == 1 {
				return echo(conn, n, appData)
			}
			msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye")
			return conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		})
		p := dial(t, srv, ping1.Options{})

		rt, err := p.Probe(context.Background(), 1)
		testingx.Must(t, err, "probe 1 failed")
		if rt.Lost {
			t.Fatalf("probe 1 lost: %+v", rt)
		}
		rt, err = p.Probe(context.Background(), 2)
		testingx.Must(t, err, "probe 2 failed")
		if !rt.Lost || rt.Reason != model.LossClosed {
			t.Fatalf("expected closed, got %+v", rt)
		}
		rt, err = p.Probe(context.Background(), 3)
		testingx.Must(t, err, "probe 3 failed")
		if !rt.Lost || rt.Reason != model.LossClosed {
			t.Fatalf("expected closed after session end, got %+v", rt)
		}
	})

	t.Run("after-close", func(t *testing.T) {
		srv := newServer(t, echo)
		p := dial(t, srv, ping1.Options{})
		testingx.Must(t, p.Close(context.Background()), "close failed")
		if err := p.Close(context.Background()); err != nil {
			t.Errorf("second Close returned %v", err)
		}
		rt, err := p.Probe(context.Background(), 1)
		testingx.Must(t, err, "probe failed")
		if !rt.Lost || rt.Reason != model.LossClosed {
			t.Fatalf("expected closed, got %+v", rt)
		}
	})
}

func TestProtocol_TransportError(t *testing.T) {
	// The server answers the first ping, then drops the TCP connection
	// without a close frame.
	srv := newServer(t, func(conn *websocket.Conn, n int, appData string) error {
		if n == 1 {
			return echo(conn, n, appData)
		}
		return conn.NetConn().Close()
	})
	p := dial(t, srv, ping1.Options{Timeout: 2 * time.Second})

	rt, err := p.Probe(context.Background(), 1)
	testingx.Must(t, err, "first round trip failed")
	if rt.Lost {
		t.Fatalf("first ping lost: %+v", rt)
	}
	rt, err = p.Probe(context.Background(), 2)
	if err == nil {
		t.Fatalf("expected a transport error, got %+v", rt)
	}
	if errors.Is(err, io.EOF) {
		t.Errorf("dropped connection reported as a closed session: %v", err)
	}
	if _, err := p.Probe(context.Background(), 3); err == nil {
		t.Errorf("session still usable after a transport error")
	}
}

func TestProtocol_LatePong(t *testing.T) {
	// The first pong is delayed past the probe timeout and arrives while the
	// second probe is waiting. It must not be taken as the second answer.
	srv := newServer(t, func(conn *websocket.Conn, n int, appData string) error {
		delay := 400 * time.Millisecond
		if n == 1 {
			delay = 700 * time.Millisecond
		}
		go func() {
			time.Sleep(delay)
			echo(conn, n, appData)
		}()
		return nil
	})
	p := dial(t, srv, ping1.Options{Timeout: 500 * time.Millisecond})
	before := testutil.ToFloat64(metrics.LatePongsTotal)

	rt, err := p.Probe(context.Background(), 1)
	testingx.Must(t, err, "probe 1 failed")
	if !rt.Lost || rt.Reason != model.LossTimeout {
		t.Fatalf("expected probe 1 to time out, got %+v", rt)
	}

	rt, err = p.Probe(context.Background(), 2)
	testingx.Must(t, err, "probe 2 failed")
	if rt.Lost {
		t.Fatalf("probe 2 lost: %+v", rt)
	}
	if rt.RTT < 400*time.Millisecond {
		t.Errorf("probe 2 matched a stale pong, RTT %v", rt.RTT)
	}
	if got := testutil.ToFloat64(metrics.LatePongsTotal) - before; got != 1 {
		t.Errorf("expected one late pong, got %v", got)
	}
}

func TestProtocol_Next(t *testing.T) {
	srv := newServer(t, func(conn *websocket.Conn, n int, appData string) error {
		rtx.Must(conn.WriteMessage(websocket.TextMessage, []byte("hi")), "write text")
		return echo(conn, n, appData)
	})
	p := dial(t, srv, ping1.Options{})
	_, data, err := p.SendPing(1)
	testingx.Must(t, err, "SendPing failed")

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	f, err := p.Next(ctx)
	testingx.Must(t, err, "Next failed")
	if f.Kind != ping1.Text || string(f.Payload) != "hi" {
		t.Errorf("unexpected first frame: %v %q", f.Kind, f.Payload)
	}
	f, err = p.Next(ctx)
	testingx.Must(t, err, "Next failed")
	if f.Kind != ping1.Pong || !bytes.Equal(f.Payload, data) {
		t.Errorf("unexpected second frame: %v %q", f.Kind, f.Payload)
	}

	short, cancel2 := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel2()
	if _, err := p.Next(short); err != context.DeadlineExceeded {
		t.Errorf("expected deadline exceeded, got %v", err)
	}
}
