// ABOUTME: Tests for the metrics collectors

package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestObserveInbound(t *testing.T) {
	m := New("test")
	m.ObserveInbound("email", "success", 10*time.Millisecond)
	m.ObserveInbound("email", "success", 10*time.Millisecond)
	m.ObserveInbound("email", "duplicate", time.Millisecond)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.InboundMessages.WithLabelValues("email", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.InboundMessages.WithLabelValues("email", "duplicate")))
	assert.Equal(t, 1, testutil.CollectAndCount(m.ProcessingSeconds))
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.ObserveInbound("email", "success", time.Second)
	m.ObserveOutbound("email", "sent", time.Second)
	m.ObserveMacro(true)
	m.SetBreakerOpen("whatsapp", true)
}

func TestHandlerExposesCounters(t *testing.T) {
	m := New("")
	m.ObserveOutbound("whatsapp", "sent", time.Millisecond)
	m.SetBreakerOpen("whatsapp", true)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, `outbound_messages_total{channel_type="whatsapp",status="sent"} 1`)
	assert.Contains(t, body, `circuit_breaker_open{provider="whatsapp"} 1`)
}
