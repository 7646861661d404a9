package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollectorCounts(t *testing.T) {
	c := NewCollector()
	c.StoryCreated()
	c.ContributionAppended()
	c.ContributionAppended()
	c.VoteRecorded("none->up")
	c.EventDropped()
	c.ConnectionOpened()
	c.ConnectionOpened()
	c.ConnectionClosed()

	assert.Equal(t, 1.0, testutil.ToFloat64(c.StoriesCreated))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.ContributionsAppended))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.Votes.WithLabelValues("none->up")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.FanoutDropped))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.LiveConnections))
}

func TestNilCollectorIsNoop(t *testing.T) {
	var c *Collector
	assert.NotPanics(t, func() {
		c.StoryCreated()
		c.VoteRecorded("up->none")
		c.ObserveHTTP(http.MethodGet, "/api/health", 200, time.Millisecond)
	})
}

func TestHandlerExposesMetrics(t *testing.T) {
	c := NewCollector()
	c.ObserveHTTP(http.MethodGet, "/api/stories", 200, 5*time.Millisecond)

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.True(t, strings.Contains(body, "talebranch_http_requests_total"))
	assert.True(t, strings.Contains(body, "talebranch_live_connections"))
}
