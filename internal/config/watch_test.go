package config

import (
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestManagerServesLoadedConfig(t *testing.T) {
	path := writeConfig(t, "meshwarden.yaml", minimalYAML)

	mgr, err := NewManager(path)
	require.NoError(t, err)
	t.Cleanup(mgr.Stop)

	assert.Equal(t, "http://tsdb.local:9090", mgr.Get().MetricsAPI.BaseURL)
}

func TestManagerRejectsBrokenInitialConfig(t *testing.T) {
	path := writeConfig(t, "meshwarden.yaml", "monitor: [not a mapping")

	_, err := NewManager(path)
	require.Error(t, err)
}

func TestManagerReloadsOnWrite(t *testing.T) {
	path := writeConfig(t, "meshwarden.yaml", minimalYAML)

	mgr, err := NewManager(path)
	require.NoError(t, err)
	t.Cleanup(mgr.Stop)

	var mu sync.Mutex
	var fired int
	mgr.OnChange(func(_ *Config) {
		mu.Lock()
		fired++
		mu.Unlock()
	})

	retuned := minimalYAML + "\norchestrator:\n  plan_threshold: 9\n"
	require.NoError(t, os.WriteFile(path, []byte(retuned), 0644))

	require.Eventually(t, func() bool {
		return mgr.Get().Orchestrator.PlanThreshold == 9
	}, 5*time.Second, 20*time.Millisecond)

	mu.Lock()
	callbacks := fired
	mu.Unlock()
	assert.GreaterOrEqual(t, callbacks, 1)
}

func TestManagerKeepsPreviousConfigOnInvalidReload(t *testing.T) {
	path := writeConfig(t, "meshwarden.yaml", minimalYAML)

	mgr, err := NewManager(path)
	require.NoError(t, err)
	t.Cleanup(mgr.Stop)

	before := mgr.Get().Monitor.IntervalSeconds

	// A window shorter than the cadence fails semantic validation.
	bad := minimalYAML + "\nmonitor:\n  interval_seconds: 500\n  window_seconds: 10\n"
	require.NoError(t, os.WriteFile(path, []byte(bad), 0644))

	require.Error(t, mgr.Reload())
	assert.Equal(t, before, mgr.Get().Monitor.IntervalSeconds)
}
