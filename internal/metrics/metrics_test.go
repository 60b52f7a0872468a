package metrics

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestObserveBackup(t *testing.T) {
	m := New()

	m.ObserveBackup("success", 3*time.Second, 4096)
	m.ObserveBackup("warning", 5*time.Second, 2048)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.backupRuns.WithLabelValues("success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.backupRuns.WithLabelValues("warning")))
	assert.Equal(t, 2048.0, testutil.ToFloat64(m.archiveSize))
}

func TestObserveBackupFatalLeavesGaugesAlone(t *testing.T) {
	m := New()

	m.ObserveBackup("success", time.Second, 4096)
	m.ObserveBackup("fatal", time.Second, 0)

	assert.Equal(t, 4096.0, testutil.ToFloat64(m.archiveSize))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.backupRuns.WithLabelValues("fatal")))
}

func TestHandlerServesRegistry(t *testing.T) {
	m := New()
	m.ObserveRestore("success", 2*time.Second)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	require.Equal(t, 200, rec.Code)
	assert.Contains(t, rec.Body.String(), "fireback_restore_runs_total")
}
