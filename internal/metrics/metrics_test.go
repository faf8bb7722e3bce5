package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestGaugesRegisterAndUpdate(t *testing.T) {
	LiveUserCount.Set(4)
	if got := testutil.ToFloat64(LiveUserCount); got != 4 {
		t.Errorf("LiveUserCount = %v, want 4", got)
	}

	WaitingQueueDepth.Set(2)
	if got := testutil.ToFloat64(WaitingQueueDepth); got != 2 {
		t.Errorf("WaitingQueueDepth = %v, want 2", got)
	}
}

func TestConnectionGaugeIncDec(t *testing.T) {
	before := testutil.ToFloat64(ActiveWebSocketConnections)
	IncConnection()
	if got := testutil.ToFloat64(ActiveWebSocketConnections); got != before+1 {
		t.Errorf("after IncConnection = %v, want %v", got, before+1)
	}
	DecConnection()
	if got := testutil.ToFloat64(ActiveWebSocketConnections); got != before {
		t.Errorf("after DecConnection = %v, want %v", got, before)
	}
}

func TestCounterVecsAcceptLabels(t *testing.T) {
	WebsocketEvents.WithLabelValues("offer", "forwarded").Inc()
	RelayForwardsTotal.WithLabelValues("offer").Inc()
	RelayDropsTotal.WithLabelValues("partner_unreachable").Inc()
	RateLimitExceeded.WithLabelValues("ip").Inc()
	PairingsTotal.Inc()
	PairingWaitSeconds.Observe(0.25)
}
