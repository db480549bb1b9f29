package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestRecorderExposesScrapedCounters(t *testing.T) {
	r := New()
	r.RecordDelivered("t/1", "g1")
	r.RecordDelivered("t/1", "g1")
	r.RecordAbandoned("t/1", "g1")
	r.RecordSubscriberRetry("t/1", "g1")
	r.ObserveCommitLatency("t/1", "g1", 5*time.Millisecond)
	r.RecordPubrelRetry("c1")

	req := httptest.NewRequest("GET", "/metrics", nil)
	rec := httptest.NewRecorder()
	r.Handler().ServeHTTP(rec, req)

	body := rec.Body.String()
	for _, want := range []string{
		`sharedispatch_records_delivered_total{group="g1",topic="t/1"} 2`,
		`sharedispatch_records_abandoned_total{group="g1",topic="t/1"} 1`,
		`sharedispatch_subscriber_retries_total{group="g1",topic="t/1"} 1`,
		`sharedispatch_pubrel_retries_total{client_id="c1"} 1`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("expected scrape output to contain %q, got:\n%s", want, body)
		}
	}
}
