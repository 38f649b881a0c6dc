package metrics

import (
	"io"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHandlerExposesCounters(t *testing.T) {
	m := New()
	m.IncRoute("success")
	m.IncDelivery("duplicate")
	m.IncPublish("retry")
	m.IncAdmin("pause", "success")
	m.ObserveSweep(2, 0)
	m.SetDLQDepth(3)

	rr := httptest.NewRecorder()
	m.Handler().ServeHTTP(rr, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rr.Body)
	require.NoError(t, err)

	text := string(body)
	assert.Contains(t, text, `intentrails_routes_total{status="success"} 1`)
	assert.Contains(t, text, `intentrails_deliveries_total{status="duplicate"} 1`)
	assert.Contains(t, text, `intentrails_event_publish_total{result="retry"} 1`)
	assert.Contains(t, text, `intentrails_admin_actions_total{action="pause",status="success"} 1`)
	assert.Contains(t, text, `intentrails_timeout_refunds_total{result="refunded"} 2`)
	assert.Contains(t, text, "intentrails_dlq_depth 3")
	assert.NotContains(t, text, `result="failed"`)
}
