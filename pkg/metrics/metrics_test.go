package metrics

import (
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewMetrics_IndependentRegistries(t *testing.T) {
	a := NewMetrics()
	b := NewMetrics()

	a.RecordRollback()
	assert.Equal(t, float64(1), testutil.ToFloat64(a.ChatRollbacksTotal))
	assert.Equal(t, float64(0), testutil.ToFloat64(b.ChatRollbacksTotal))
}

func TestRecordRateLimited_CountsDenialAndOutcome(t *testing.T) {
	m := NewMetrics()
	m.RecordRateLimited("gemini-2.5-flash")
	m.RecordGeneration("gemini-2.5-flash", "success", 200*time.Millisecond)

	assert.Equal(t, float64(1), testutil.ToFloat64(m.RateLimitDeniedTotal))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.GenerationRequestsTotal.WithLabelValues("gemini-2.5-flash", "rate_limited")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.GenerationRequestsTotal.WithLabelValues("gemini-2.5-flash", "success")))
}

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	m.RecordRollback()
	m.RecordChatTurn("success", time.Second)
	m.RecordHTTPRequest("/chat/", "200", time.Second)
}

func TestHandlerExposesCollectors(t *testing.T) {
	m := NewMetrics()
	m.RecordChatTurn("success", 50*time.Millisecond)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body, err := io.ReadAll(rec.Result().Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `dotchat_chat_turns_total{status="success"} 1`)
}
