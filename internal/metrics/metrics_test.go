package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/m-lab/wsping/pkg/ping1/model"
)

func TestObserveRoundTrip(t *testing.T) {
	success := testutil.ToFloat64(ProbesTotal.WithLabelValues("success"))
	lost := testutil.ToFloat64(ProbesTotal.WithLabelValues("lost"))
	timeouts := testutil.ToFloat64(LostTotal.WithLabelValues("timeout"))

	ObserveRoundTrip(model.RoundTrip{Seq: 1, RTT: 10 * time.Millisecond})
	ObserveRoundTrip(model.RoundTrip{Seq: 2, Lost: true, Reason: model.LossTimeout})
	ObserveRoundTrip(model.RoundTrip{Seq: 3, RTT: 12 * time.Millisecond})

	if got := testutil.ToFloat64(ProbesTotal.WithLabelValues("success")) - success; got != 2 {
		t.Errorf("success probes = %v, want 2", got)
	}
	if got := testutil.ToFloat64(ProbesTotal.WithLabelValues("lost")) - lost; got != 1 {
		t.Errorf("lost probes = %v, want 1", got)
	}
	if got := testutil.ToFloat64(LostTotal.WithLabelValues("timeout")) - timeouts; got != 1 {
		t.Errorf("timeouts = %v, want 1", got)
	}
}
