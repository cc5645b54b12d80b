package metrics_test

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/devrev/pairdb/objectnode/internal/metrics"
	"github.com/devrev/pairdb/objectnode/internal/model"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilMetricsAreNoops(t *testing.T) {
	var m *metrics.Metrics
	assert.NotPanics(t, func() {
		m.RecordAudit("sdb1", 1, 1, 0, 0, 0)
		m.RecordSync("object", 1, 1, 1, 1)
		m.RecordPeerFailure("object")
		m.RecordDelta(model.DeltaApplied, nil)
		m.ObservePass("auditor", time.Now(), nil)
		m.UpdateDiskStats("sdb1", 10, 100)
	})
}

func TestInstancesDoNotCollide(t *testing.T) {
	a := metrics.NewMetrics("node-a")
	b := metrics.NewMetrics("node-b")

	a.RecordAudit("sdb1", 5, 2, 1, 0, 0)
	a.RecordDelta(model.DeltaDuplicate, nil)
	a.RecordDelta(model.DeltaRebased, nil)
	a.RecordDelta(model.DeltaApplied, errors.New("down"))
	b.RecordAudit("sdb1", 1, 0, 0, 0, 0)

	assert.Equal(t, 5.0, testutil.ToFloat64(a.AuditObjectsScanned.WithLabelValues("sdb1")))
	assert.Equal(t, 2.0, testutil.ToFloat64(a.AuditObjectsExpired.WithLabelValues("sdb1")))
	assert.Equal(t, 1.0, testutil.ToFloat64(a.UpdaterDeltasDuplicate))
	assert.Equal(t, 1.0, testutil.ToFloat64(a.UpdaterDeltasFailed))
	assert.Equal(t, 1.0, testutil.ToFloat64(a.UpdaterDeltasRebased))
	assert.Zero(t, testutil.ToFloat64(a.UpdaterDeltasPushed))
	assert.Equal(t, 1.0, testutil.ToFloat64(b.AuditObjectsScanned.WithLabelValues("sdb1")))
}

func TestHandlerExposesRegistry(t *testing.T) {
	m := metrics.NewMetrics("node-a")
	m.RecordSync("container", 3, 1, 2, 0)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.True(t, strings.Contains(body, "objectnode_replicator_suffixes_checked_total"))
	assert.True(t, strings.Contains(body, `tier="container"`))
}
