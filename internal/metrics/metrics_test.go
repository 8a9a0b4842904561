package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRecordDispatch(t *testing.T) {
	before := testutil.ToFloat64(RemindersDispatched.WithLabelValues("push", "error"))
	RecordDispatch("push", errors.New("boom"))
	RecordDispatch("push", nil)
	if got := testutil.ToFloat64(RemindersDispatched.WithLabelValues("push", "error")); got != before+1 {
		t.Fatalf("error count = %v, want %v", got, before+1)
	}
}

func TestRecordBreakerTransition(t *testing.T) {
	RecordBreakerTransition("webhook.ops", "closed", "open")
	if got := testutil.ToFloat64(CircuitBreakerState.WithLabelValues("webhook.ops")); got != 1 {
		t.Fatalf("state = %v, want 1", got)
	}
	RecordBreakerTransition("webhook.ops", "open", "half-open")
	if got := testutil.ToFloat64(CircuitBreakerState.WithLabelValues("webhook.ops")); got != 2 {
		t.Fatalf("state = %v, want 2", got)
	}
}

func TestRecordAPIRequest(t *testing.T) {
	RecordAPIRequest("GET", "/api/views", 200, 3*time.Millisecond)
	if got := testutil.ToFloat64(APIRequestsTotal.WithLabelValues("GET", "/api/views", "200")); got < 1 {
		t.Fatalf("requests = %v, want >= 1", got)
	}
}
