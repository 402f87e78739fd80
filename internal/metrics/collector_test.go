package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func gatherNames(t *testing.T, c *Collector) map[string]bool {
	t.Helper()
	families, err := c.Registry().Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	names := make(map[string]bool, len(families))
	for _, mf := range families {
		names[mf.GetName()] = true
	}
	return names
}

func TestLivenessAbsentUntilSet(t *testing.T) {
	c := NewCollector(Config{})

	if gatherNames(t, c)[LivenessMetric] {
		t.Fatal("liveness gauge exposed before SetLive(true)")
	}

	c.SetLive(true)
	if !gatherNames(t, c)[LivenessMetric] {
		t.Fatal("liveness gauge missing after SetLive(true)")
	}

	c.SetLive(false)
	if gatherNames(t, c)[LivenessMetric] {
		t.Fatal("liveness gauge still exposed after SetLive(false)")
	}
}

func TestLivenessValue(t *testing.T) {
	c := NewCollector(Config{})
	c.SetLive(true)

	families, err := c.Registry().Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	for _, mf := range families {
		if mf.GetName() != LivenessMetric {
			continue
		}
		ms := mf.GetMetric()
		if len(ms) != 1 {
			t.Fatalf("expected 1 sample, got %d", len(ms))
		}
		if got := ms[0].GetGauge().GetValue(); got != 1 {
			t.Fatalf("liveness = %v, want 1", got)
		}
		return
	}
	t.Fatal("liveness gauge not found")
}

func TestSetLiveIdempotent(t *testing.T) {
	c := NewCollector(Config{})
	c.SetLive(true)
	c.SetLive(true)
	c.SetLive(false)
	c.SetLive(false)
	if gatherNames(t, c)[LivenessMetric] {
		t.Fatal("liveness gauge exposed after final SetLive(false)")
	}
}

func TestCountersExposed(t *testing.T) {
	c := NewCollector(Config{Namespace: "bookkeeper"})
	c.RecordHit(64)
	c.RecordMiss(128)
	c.RecordFetch(1024)
	c.RecordFetchError()
	c.RecordEviction(512)
	c.RecordEvictionError()
	c.SetDiskUsage("0", 2048, 1<<20)

	names := gatherNames(t, c)
	for _, want := range []string{
		"bookkeeper_cache_requests_total",
		"bookkeeper_cache_bytes_total",
		"bookkeeper_fetches_total",
		"bookkeeper_fetched_bytes_total",
		"bookkeeper_fetch_errors_total",
		"bookkeeper_evictions_total",
		"bookkeeper_evicted_bytes_total",
		"bookkeeper_eviction_errors_total",
		"bookkeeper_disk_used_bytes",
		"bookkeeper_disk_capacity_bytes",
	} {
		if !names[want] {
			t.Errorf("metric %s not exposed", want)
		}
	}
}

func TestHandlerServesText(t *testing.T) {
	c := NewCollector(Config{})
	c.SetLive(true)
	c.RecordFetch(100)

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	body, _ := io.ReadAll(rec.Body)
	if !strings.Contains(string(body), LivenessMetric+" 1") {
		t.Fatalf("body missing liveness sample:\n%s", body)
	}
}
