package pluginhost

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fluxcore/ingestd/internal/cachekv"
	"github.com/fluxcore/ingestd/internal/db"
	"github.com/fluxcore/ingestd/internal/models"
)

func newTestHost(t *testing.T, mgr *Manager) *Host {
	store, err := cachekv.New(cachekv.Config{Enabled: false})
	require.NoError(t, err)
	h, err := NewHost(1, mgr, store)
	require.NoError(t, err)
	t.Cleanup(func() { h.Close() })
	return h
}

func configWithSource(id, teamID int, source string) models.PluginConfig {
	return models.PluginConfig{
		ID:        id,
		PluginID:  id,
		TeamID:    teamID,
		Order:     1,
		Enabled:   true,
		UpdatedAt: time.Now(),
		Plugin: models.Plugin{
			ID:        id,
			Name:      "test-plugin",
			Source:    source,
			UpdatedAt: time.Now(),
		},
	}
}

func TestRunProcessEvent_MutatesEventThroughPipeline(t *testing.T) {
	mgr, _ := newTestManager(t)
	cfg := configWithSource(1, 5, `
		function processEvent(event, meta) {
			event.properties.seen = true;
			return event;
		}
	`)
	mgr.mu.Lock()
	mgr.byTeam[5] = []models.PluginConfig{cfg}
	mgr.configByID[cfg.ID] = cfg
	mgr.pluginByID[cfg.Plugin.ID] = cfg.Plugin
	mgr.mu.Unlock()

	host := newTestHost(t, mgr)

	event := models.Event{UUID: "abc", TeamID: 5, Event: "$pageview", Properties: models.Properties{}}
	out, err := host.RunProcessEvent(context.Background(), event)
	require.NoError(t, err)
	require.NotNil(t, out)
	assert.Equal(t, true, out.Properties["seen"])
}

func TestRunProcessEvent_NullReturnDropsEvent(t *testing.T) {
	mgr, _ := newTestManager(t)
	cfg := configWithSource(2, 6, `
		function processEvent(event, meta) {
			return null;
		}
	`)
	mgr.mu.Lock()
	mgr.byTeam[6] = []models.PluginConfig{cfg}
	mgr.configByID[cfg.ID] = cfg
	mgr.pluginByID[cfg.Plugin.ID] = cfg.Plugin
	mgr.mu.Unlock()

	host := newTestHost(t, mgr)

	out, err := host.RunProcessEvent(context.Background(), models.Event{TeamID: 6, Event: "$pageview"})
	require.NoError(t, err)
	assert.Nil(t, out)
}

func TestRunProcessEvent_PluginWithoutProcessEventIsSkipped(t *testing.T) {
	mgr, _ := newTestManager(t)
	cfg := configWithSource(3, 7, `
		function runEveryDay(meta) {}
	`)
	mgr.mu.Lock()
	mgr.byTeam[7] = []models.PluginConfig{cfg}
	mgr.configByID[cfg.ID] = cfg
	mgr.pluginByID[cfg.Plugin.ID] = cfg.Plugin
	mgr.mu.Unlock()

	host := newTestHost(t, mgr)

	event := models.Event{TeamID: 7, Event: "$pageview"}
	out, err := host.RunProcessEvent(context.Background(), event)
	require.NoError(t, err)
	require.NotNil(t, out)
	assert.Equal(t, event.Event, out.Event)
}

func TestRunScheduledTask_InvokesExportedTask(t *testing.T) {
	mgr, _ := newTestManager(t)
	cfg := configWithSource(11, 20, `
		function runEveryMinute(meta) {
			__Host.storage.set(meta.config_id, "ran", "yes");
		}
	`)
	mgr.mu.Lock()
	mgr.byTeam[20] = []models.PluginConfig{cfg}
	mgr.configByID[cfg.ID] = cfg
	mgr.pluginByID[cfg.Plugin.ID] = cfg.Plugin
	mgr.mu.Unlock()

	host := newTestHost(t, mgr)

	err := host.RunScheduledTask(context.Background(), cfg.ID, "runEveryMinute")
	require.NoError(t, err)
}

func TestRunScheduledTask_MissingExportIsNoop(t *testing.T) {
	mgr, _ := newTestManager(t)
	cfg := configWithSource(12, 21, `function processEvent(e){return e;}`)
	mgr.mu.Lock()
	mgr.byTeam[21] = []models.PluginConfig{cfg}
	mgr.configByID[cfg.ID] = cfg
	mgr.pluginByID[cfg.Plugin.ID] = cfg.Plugin
	mgr.mu.Unlock()

	host := newTestHost(t, mgr)

	err := host.RunScheduledTask(context.Background(), cfg.ID, "runEveryHour")
	require.NoError(t, err)
}

func TestRunScheduledTask_UnknownConfigErrors(t *testing.T) {
	mgr, _ := newTestManager(t)
	host := newTestHost(t, mgr)

	err := host.RunScheduledTask(context.Background(), 999, "runEveryDay")
	require.Error(t, err)
}

// TestRunProcessEvent_TimeoutReturnsPromptlyForNonCooperativePlugin exercises
// a plugin that never yields back to Go and never checks anything
// ctx-related — a busy loop, the real shape of a "slow plugin" (spec §8
// "Timeout"). quickjs has no interrupt primitive this package found a way to
// use, so the loop itself keeps running on the Host's owning goroutine; the
// assertion is that RunProcessEvent's caller is not held hostage by it.
func TestRunProcessEvent_TimeoutReturnsPromptlyForNonCooperativePlugin(t *testing.T) {
	mgr, _ := newTestManager(t)
	cfg := configWithSource(13, 22, `
		function processEvent(event, meta) {
			var start = Date.now();
			while (Date.now() - start < 4000) {}
			return event;
		}
	`)
	mgr.mu.Lock()
	mgr.byTeam[22] = []models.PluginConfig{cfg}
	mgr.configByID[cfg.ID] = cfg
	mgr.pluginByID[cfg.Plugin.ID] = cfg.Plugin
	mgr.mu.Unlock()

	host := newTestHost(t, mgr)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := host.RunProcessEvent(ctx, models.Event{TeamID: 22, Event: "$pageview"})
	elapsed := time.Since(start)

	require.Error(t, err)
	assert.Less(t, elapsed, time.Second, "the caller must not wait for the full 4s busy loop")
}

func TestEnsureCompiled_SyntaxErrorIsPermanentFailure(t *testing.T) {
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer sqlDB.Close()
	mgr := New(db.NewPluginDB(sqlDB))

	cfg := configWithSource(4, 8, `this is not valid javascript {{{`)
	mgr.mu.Lock()
	mgr.byTeam[8] = []models.PluginConfig{cfg}
	mgr.configByID[cfg.ID] = cfg
	mgr.pluginByID[cfg.Plugin.ID] = cfg.Plugin
	mgr.mu.Unlock()

	mock.ExpectExec("UPDATE plugin_configs SET enabled = false").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO plugin_log_entries").WillReturnResult(sqlmock.NewResult(1, 1))

	host := newTestHost(t, mgr)

	out, err := host.RunProcessEvent(context.Background(), models.Event{TeamID: 8, Event: "$pageview"})
	require.NoError(t, err)
	require.NotNil(t, out) // pipeline tolerates the failed plugin and passes the event through unchanged

	assert.Equal(t, StatusPermanentFail, mgr.VMStatus(cfg.ID))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEnsureCompiled_RetryableSetupFailureStaysTransient(t *testing.T) {
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer sqlDB.Close()
	mgr := New(db.NewPluginDB(sqlDB))

	cfg := configWithSource(5, 9, `
		function setupPlugin(meta) {
			throw { retryable: true, message: "upstream not ready yet" };
		}
		function processEvent(event, meta) { return event; }
	`)
	mgr.mu.Lock()
	mgr.byTeam[9] = []models.PluginConfig{cfg}
	mgr.configByID[cfg.ID] = cfg
	mgr.pluginByID[cfg.Plugin.ID] = cfg.Plugin
	mgr.mu.Unlock()

	host := newTestHost(t, mgr)

	out, err := host.RunProcessEvent(context.Background(), models.Event{TeamID: 9, Event: "$pageview"})
	require.NoError(t, err)
	require.NotNil(t, out)

	assert.Equal(t, StatusTransientFail, mgr.VMStatus(cfg.ID))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRunProcessEvent_PermanentlyFailedConfigIsSkippedWithoutRecompiling(t *testing.T) {
	mgr, _ := newTestManager(t)
	cfg := configWithSource(6, 10, `function processEvent(e){return e;}`)
	mgr.mu.Lock()
	mgr.byTeam[10] = []models.PluginConfig{cfg}
	mgr.configByID[cfg.ID] = cfg
	mgr.pluginByID[cfg.Plugin.ID] = cfg.Plugin
	mgr.mu.Unlock()
	mgr.vmStates.reportPermanentFail(cfg.ID, "disabled earlier")

	host := newTestHost(t, mgr)

	event := models.Event{TeamID: 10, Event: "$pageview"}
	out, err := host.RunProcessEvent(context.Background(), event)
	require.NoError(t, err)
	require.NotNil(t, out)
	assert.Equal(t, event.Event, out.Event)
	assert.Empty(t, host.locals, "a permanently failed config must never be compiled")
}
