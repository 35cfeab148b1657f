package activitypub

import (
	"errors"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/deemkeen/apfed/domain"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetricsRecordResultCodes(t *testing.T) {
	m := NewMetrics()

	m.verification(nil)
	m.verification(ErrBadDigest.With(nil, "x"))
	m.attempt(domain.ContentOut, "succeeded", nil, 20*time.Millisecond)
	m.attempt(domain.ContentOut, "retry", ErrRemoteUnavailable, time.Second)
	m.handshake("Follow", nil)
	m.handshake("Undo", errors.New("uncoded"))

	tests := []struct {
		name string
		got  float64
		want float64
	}{
		{"ok verification", testutil.ToFloat64(m.Verifications.WithLabelValues("ok")), 1},
		{"bad digest", testutil.ToFloat64(m.Verifications.WithLabelValues("bad_digest")), 1},
		{"delivered", testutil.ToFloat64(m.DeliveryAttempts.WithLabelValues("content-out", "succeeded", "ok")), 1},
		{"retried", testutil.ToFloat64(m.DeliveryAttempts.WithLabelValues("content-out", "retry", "remote_unavailable")), 1},
		{"follow", testutil.ToFloat64(m.Handshakes.WithLabelValues("Follow", "ok")), 1},
		{"internal", testutil.ToFloat64(m.Handshakes.WithLabelValues("Undo", "internal")), 1},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("%s: expected %v, got %v", tt.name, tt.want, tt.got)
		}
	}

	if n := testutil.CollectAndCount(m.DeliveryLatency); n != 1 {
		t.Errorf("Expected one latency series, got %d", n)
	}
}

func TestMetricsHandler(t *testing.T) {
	m := NewMetrics()
	m.JobsEnqueued.WithLabelValues("content-out").Add(3)

	w := httptest.NewRecorder()
	m.Handler().ServeHTTP(w, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(w.Body)

	if !strings.Contains(string(body), `apfed_jobs_enqueued_total{category="content-out"} 3`) {
		t.Errorf("Expected the enqueue counter in the exposition, got:\n%s", body)
	}
}

// Separate instances keep separate registries
func TestMetricsAreIndependent(t *testing.T) {
	a, b := NewMetrics(), NewMetrics()
	a.verification(nil)

	if got := testutil.ToFloat64(b.Verifications.WithLabelValues("ok")); got != 0 {
		t.Errorf("Expected a fresh registry, got %v", got)
	}
	if a.Registry() == b.Registry() {
		t.Error("Registries should not be shared")
	}
}
