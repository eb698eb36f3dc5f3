package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func scrape(t *testing.T, m *Metrics) string {
	t.Helper()
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	return rec.Body.String()
}

func TestObserveRebuild(t *testing.T) {
	m := New()
	m.ObserveRebuild("leaderboard", 10, 2, 3, true, 2*time.Second)

	body := scrape(t, m)
	assert.Contains(t, body, `portfolio_rebuild_runs_total{job="leaderboard",outcome="budget_exhausted"} 1`)
	assert.Contains(t, body, `portfolio_rebuild_items_total{job="leaderboard",result="succeeded"} 10`)
	assert.Contains(t, body, `portfolio_rebuild_items_total{job="leaderboard",result="failed"} 2`)
	assert.Contains(t, body, `portfolio_rebuild_items_total{job="leaderboard",result="skipped"} 3`)
}

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.ObserveRebuild("chart", 1, 0, 0, false, time.Second)
		m.CacheLookup("chart", "hit")
		m.Inconsistency("max_cash_deployed")
		m.Calculation("1M", "ok")
		m.HTTPRequest("/health", "200", time.Millisecond)
		m.SetBreakerState("clickhouse", 2)
	})
}

func TestHandlerExposesCollectors(t *testing.T) {
	m := New()
	m.CacheLookup("chart", "stale")

	assert.Contains(t, scrape(t, m), `portfolio_cache_lookups_total{cache="chart",result="stale"} 1`)
}
