package client

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gorilla/websocket"

	"github.com/m-lab/wsping/pkg/ping1/model"
	"github.com/m-lab/wsping/pkg/ping1/stats"
)

// Emitter is an interface for emitting results.
type Emitter interface {
	// OnStart is called once the target's address is known, before the
	// handshake.
	OnStart(target, ip string, count int, interval time.Duration)
	// OnConnect is called when the WebSocket connection is established.
	OnConnect(server string)
	// OnRoundTrip is called with the outcome of every probe.
	OnRoundTrip(scheme, ip string, rt model.RoundTrip)
	// OnSummary is called once after the last probe.
	OnSummary(host string, s stats.Statistics, elapsed time.Duration)
	// OnError is called on errors.
	OnError(err error)
	// OnDebug is called to print debug information.
	OnDebug(msg string)
}

// HumanReadable prints ping-like output to Out (stdout if nil).
// It can be configured to include debug output, too.
type HumanReadable struct {
	Debug bool
	Out   io.Writer
}

func (e HumanReadable) out() io.Writer {
	if e.Out == nil {
		return os.Stdout
	}
	return e.Out
}

func ms(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}

// OnStart prints the banner line.
func (e HumanReadable) OnStart(target, ip string, count int, interval time.Duration) {
	fmt.Fprintf(e.out(), "PING %s (%s) with %d pings, %ds interval...\n",
		target, ip, count, int64(interval/time.Second))
}

// OnConnect is called when the connection to the server is established.
func (e HumanReadable) OnConnect(server string) {
	e.OnDebug("connected to " + server)
}

// OnRoundTrip prints one line per probe.
func (e HumanReadable) OnRoundTrip(scheme, ip string, rt model.RoundTrip) {
	if rt.Lost {
		fmt.Fprintf(e.out(), "%s to %s: ping_seq=%d No pong received (%s)\n",
			scheme, ip, rt.Seq, rt.Reason)
		return
	}
	fmt.Fprintf(e.out(), "%s %s: ping_seq=%d latency=%.3fms\n",
		scheme, ip, rt.Seq, ms(rt.RTT))
}

// OnSummary prints the statistics block. The latency line is omitted when
// no probe succeeded.
func (e HumanReadable) OnSummary(host string, s stats.Statistics, elapsed time.Duration) {
	w := e.out()
	fmt.Fprintf(w, "\n--- %s ping statistics ---\n", host)
	fmt.Fprintf(w, "%d requests submitted, %d received, %.2f%% responses failed, time %.0fms\n",
		s.Sent, s.Received, s.Loss, ms(elapsed))
	if !s.HasRTT {
		return
	}
	fmt.Fprintf(w, "Ping-pong latency: %.3fms (Min: %.3fms, Max: %.3fms, Avg: %.4fms, Mdev: %.2fms)\n",
		ms(s.Avg), ms(s.Min), ms(s.Max), ms(s.Avg), ms(s.Mdev))
}

// OnError logs the error that ended the run. The report on Out is left
// untouched.
func (e HumanReadable) OnError(err error) {
	if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
		log.Error("ping failed", "err", err)
	}
}

// OnDebug is called to print debug information.
func (e HumanReadable) OnDebug(msg string) {
	if e.Debug {
		fmt.Fprintf(e.out(), "DEBUG: %s\n", msg)
	}
}

// Checks that HumanReadable implements Emitter.
var _ Emitter = &HumanReadable{}
