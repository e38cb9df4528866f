package metrics

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecorder(t *testing.T) {
	r := NewRecorder("node-app")
	at := time.Unix(1792400000, 0)

	r.Outcome("success", at)
	r.Outcome("rolled_back", at)
	r.Outcome("rolled_back", at)
	r.Rollback(true)
	r.ObservePhase("install", 2*time.Second)

	assert.Equal(t, 1.0, testutil.ToFloat64(r.deployments.WithLabelValues("success")))
	assert.Equal(t, 2.0, testutil.ToFloat64(r.deployments.WithLabelValues("rolled_back")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.rollbacks.WithLabelValues("ok")))
	assert.Equal(t, float64(at.Unix()), testutil.ToFloat64(r.lastSuccess))
	assert.Equal(t, 2.0, testutil.ToFloat64(r.phaseDuration.WithLabelValues("install")))
	assert.Equal(t, State{
		Deployments: map[string]float64{"success": 1, "rolled_back": 2},
		Rollbacks:   map[string]float64{"ok": 1},
		LastSuccess: at.Unix(),
	}, r.Snapshot())
}

func TestWriteTextfile(t *testing.T) {
	r := NewRecorder("api")
	r.Outcome("failed", time.Now())

	require.NoError(t, r.WriteTextfile(""))

	path := filepath.Join(t.TempDir(), "textfile", "deployctl.prom")
	require.NoError(t, r.WriteTextfile(path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `deployctl_deployments_total{outcome="failed",process="api"} 1`)
	assert.NotContains(t, string(data), "last_success_timestamp_seconds")
}

func TestLoadSave_AccumulatesAcrossRuns(t *testing.T) {
	dir := t.TempDir()
	statePath := filepath.Join(dir, "api.metrics.yml")
	promPath := filepath.Join(dir, "deployctl.prom")
	first := time.Unix(1792400000, 0)

	run := func(outcome string, rollback *bool) string {
		r := NewRecorder("api")
		require.NoError(t, r.Load(statePath))
		if rollback != nil {
			r.Rollback(*rollback)
		}
		if outcome != "" {
			r.Outcome(outcome, first)
		}
		require.NoError(t, r.Save(statePath))
		require.NoError(t, r.WriteTextfile(promPath))
		data, err := os.ReadFile(promPath)
		require.NoError(t, err)
		return string(data)
	}
	ok := true

	out := run("success", nil)
	assert.Contains(t, out, `deployctl_deployments_total{outcome="success",process="api"} 1`)

	out = run("success", nil)
	assert.Contains(t, out, `deployctl_deployments_total{outcome="success",process="api"} 2`)

	out = run("failed", nil)
	assert.Contains(t, out, `deployctl_deployments_total{outcome="success",process="api"} 2`)
	assert.Contains(t, out, `deployctl_deployments_total{outcome="failed",process="api"} 1`)
	assert.Contains(t, out, `deployctl_last_success_timestamp_seconds{process="api"} `)

	out = run("", &ok)
	assert.Contains(t, out, `deployctl_rollbacks_total{process="api",result="ok"} 1`)
	assert.Contains(t, out, `deployctl_deployments_total{outcome="failed",process="api"} 1`)
}

func TestLoad_MissingAndCorrupt(t *testing.T) {
	dir := t.TempDir()
	r := NewRecorder("api")
	require.NoError(t, r.Load(filepath.Join(dir, "none.yml")))
	assert.Empty(t, r.Snapshot().Deployments)

	bad := filepath.Join(dir, "bad.yml")
	require.NoError(t, os.WriteFile(bad, []byte("deployments: [oops"), 0o644))
	assert.ErrorContains(t, r.Load(bad), "parsing")
}
