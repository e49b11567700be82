package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/dukex/orkestra/pkg/models"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePool struct{}

func (fakePool) Workers() int   { return 10 }
func (fakePool) Active() int    { return 3 }
func (fakePool) Queued() int    { return 1 }
func (fakePool) Available() int { return 16 }

func TestMetrics_Counters(t *testing.T) {
	m := New()

	m.Accepted()
	m.Accepted()
	m.Rejected("thread_pool_capacity")
	m.FlowFinished(models.StatusPassed)
	m.StepResumed()
	m.TokenValidated(models.TokenStatusExpired)

	assert.InDelta(t, 2, testutil.ToFloat64(m.admissions.WithLabelValues("accepted", "")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.admissions.WithLabelValues("rejected", "thread_pool_capacity")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.flowsFinished.WithLabelValues("PASSED")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.resumedSteps), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.tokenValidations.WithLabelValues("EXPIRED")), 0)
}

func TestMetrics_PoolGaugesAndHandler(t *testing.T) {
	m := New()
	m.RegisterPool("flows", fakePool{})
	m.StepFinished(models.StatusFailed, 42*time.Second)

	expected := `
# HELP orkestra_pool_active Tasks currently running.
# TYPE orkestra_pool_active gauge
orkestra_pool_active{pool="flows"} 3
`
	require.NoError(t, testutil.GatherAndCompare(m.Registry(), strings.NewReader(expected), "orkestra_pool_active"))

	recorder := httptest.NewRecorder()
	m.Handler().ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	assert.Equal(t, http.StatusOK, recorder.Code)
	assert.Contains(t, recorder.Body.String(), `orkestra_pool_available{pool="flows"} 16`)
	assert.Contains(t, recorder.Body.String(), `orkestra_step_duration_seconds_count{status="FAILED"} 1`)
}
