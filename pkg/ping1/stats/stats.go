// Package stats computes the summary statistics of a ping1 run.
package stats

import (
	"math"
	"time"

	"github.com/m-lab/wsping/pkg/ping1/model"
)

// Statistics is the summary of a sequence of probe outcomes.
type Statistics struct {
	// Sent is the number of probes attempted.
	Sent int
	// Received is the number of probes that got a pong.
	Received int
	// Loss is the percentage of lost probes, in [0, 100].
	Loss float64

	// HasRTT is false when no probe succeeded. In that case Min, Max, Avg
	// and Mdev are zero and must not be reported.
	HasRTT bool
	Min    time.Duration
	Max    time.Duration
	Avg    time.Duration
	// Mdev is the population standard deviation of the RTTs.
	Mdev time.Duration
}

// Compute returns the Statistics for the given outcomes. It is meant to be
// called once, after the last probe.
func Compute(rts []model.RoundTrip) Statistics {
	s := Statistics{Sent: len(rts)}

	var sum time.Duration
	for _, rt := range rts {
		if rt.Lost {
			continue
		}
		if s.Received == 0 || rt.RTT < s.Min {
			s.Min = rt.RTT
		}
		if rt.RTT > s.Max {
			s.Max = rt.RTT
		}
		sum += rt.RTT
		s.Received++
	}

	if s.Sent > 0 {
		s.Loss = float64(s.Sent-s.Received) / float64(s.Sent) * 100
	}
	if s.Received == 0 {
		return s
	}

	s.HasRTT = true
	avg := float64(sum) / float64(s.Received)
	s.Avg = time.Duration(math.Round(avg))

	var sqDiffs float64
	for _, rt := range rts {
		if rt.Lost {
			continue
		}
		d := float64(rt.RTT) - avg
		sqDiffs += d * d
	}
	s.Mdev = time.Duration(math.Round(math.Sqrt(sqDiffs / float64(s.Received))))
	return s
}
