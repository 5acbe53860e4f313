// Package pluginhost implements the Plugin Lifecycle Manager (spec §4.3): it
// owns the per-team ordered plugin pipeline, drives the LazyVM state
// machine, and runs plugin code inside a sandboxed quickjs VM — one VM per
// worker thread, grounded on the fixed-worker/OS-locked-goroutine shape of
// the plugin-runtime reference this package is built from.
package pluginhost

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/fluxcore/ingestd/internal/apperrors"
	"github.com/fluxcore/ingestd/internal/db"
	"github.com/fluxcore/ingestd/internal/logger"
	"github.com/fluxcore/ingestd/internal/models"
)

// Schedule is the cached `{runEveryMinute, runEveryHour, runEveryDay}`
// mapping the scheduler dispatches from (spec §4.3 "loadSchedule").
type Schedule struct {
	RunEveryMinute []int
	RunEveryHour   []int
	RunEveryDay    []int
}

// Manager owns the catalog `(team_id -> ordered [PluginConfig])`, the
// shared LazyVM state table, and the cached schedule. It holds no compiled
// VM itself — VMs live in per-worker Hosts — but is the single source of
// truth every Host consults before attempting a compile.
type Manager struct {
	pluginDB *db.PluginDB

	mu           sync.RWMutex
	byTeam       map[int][]models.PluginConfig
	configByID   map[int]models.PluginConfig
	pluginByID   map[int]models.Plugin

	schedule   *Schedule // nil until loadSchedule completes once
	scheduleMu sync.RWMutex

	vmStates *vmStateTable
	log      *zerolog.Logger
}

// New creates a Manager backed by the given plugin store.
func New(pluginDB *db.PluginDB) *Manager {
	return &Manager{
		pluginDB:   pluginDB,
		byTeam:     make(map[int][]models.PluginConfig),
		configByID: make(map[int]models.PluginConfig),
		pluginByID: make(map[int]models.Plugin),
		vmStates:   newVMStateTable(),
		log:        logger.PluginHost(),
	}
}

// SetupPlugins reads plugin rows, plugin-attachment rows, and plugin-config
// rows, groups configs by team, sorts each team's pipeline by (order, id),
// and resets the LazyVM state of any config whose own updated_at or whose
// plugin's updated_at changed since the last load (spec §4.3 "Load
// protocol", §3 "VMs ... discarded when the config's updated_at changes").
func (m *Manager) SetupPlugins(ctx context.Context) error {
	plugins, err := m.pluginDB.LoadPlugins(ctx)
	if err != nil {
		return err
	}
	configs, err := m.pluginDB.LoadPluginConfigs(ctx)
	if err != nil {
		return err
	}

	pluginByID := make(map[int]models.Plugin, len(plugins))
	for _, p := range plugins {
		pluginByID[p.ID] = p
	}

	byTeam := make(map[int][]models.PluginConfig)
	configByID := make(map[int]models.PluginConfig, len(configs))
	for _, cfg := range configs {
		if !cfg.Enabled {
			continue
		}
		byTeam[cfg.TeamID] = append(byTeam[cfg.TeamID], cfg)
		configByID[cfg.ID] = cfg
	}
	for team := range byTeam {
		sort.Slice(byTeam[team], func(i, j int) bool {
			return byTeam[team][i].Less(byTeam[team][j])
		})
	}

	m.mu.Lock()
	prev := m.configByID
	m.byTeam = byTeam
	m.configByID = configByID
	m.pluginByID = pluginByID
	m.mu.Unlock()

	for id, cfg := range configByID {
		old, existed := prev[id]
		if !existed || !old.UpdatedAt.Equal(cfg.UpdatedAt) || !old.Plugin.UpdatedAt.Equal(cfg.Plugin.UpdatedAt) {
			m.vmStates.reset(id)
		}
	}

	return nil
}

// Pipeline returns the ordered pipeline for a team. The returned slice must
// not be mutated — it is the shared catalog, not a copy.
func (m *Manager) Pipeline(teamID int) []models.PluginConfig {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.byTeam[teamID]
}

// Config returns one config by id, and whether it is currently known.
func (m *Manager) Config(configID int) (models.PluginConfig, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cfg, ok := m.configByID[configID]
	return cfg, ok
}

// Configs returns every currently known plugin config, unordered. Callers
// that need to rebuild a capability-keyed map (reloadSchedule,
// getPluginSchedule) use this instead of reaching into the catalog
// directly.
func (m *Manager) Configs() []models.PluginConfig {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.PluginConfig, 0, len(m.configByID))
	for _, cfg := range m.configByID {
		out = append(out, cfg)
	}
	return out
}

// VMStatus returns the current LazyVM status of a config.
func (m *Manager) VMStatus(configID int) VMStatus {
	return m.vmStates.status(configID)
}

// ShouldAttempt reports whether a Host may attempt (or retry) compiling a
// config's VM right now.
func (m *Manager) ShouldAttempt(configID int) bool {
	return m.vmStates.shouldAttempt(configID)
}

// ReportCompileSuccess records that some worker successfully compiled this
// config, and persists an updated capability descriptor if it changed
// (SPEC_FULL §4 "Capability diffing").
func (m *Manager) ReportCompileSuccess(ctx context.Context, cfg models.PluginConfig, caps models.Capabilities) {
	m.vmStates.reportSuccess(cfg.ID)

	m.mu.RLock()
	plugin, ok := m.pluginByID[cfg.PluginID]
	m.mu.RUnlock()
	if !ok {
		return
	}
	if plugin.Capabilities.Hash() == caps.Hash() {
		return
	}
	if err := m.pluginDB.SetCapabilities(ctx, plugin.ID, caps); err != nil {
		m.log.Warn().Err(err).Int("plugin_id", plugin.ID).Msg("failed to persist updated capabilities")
		return
	}
	m.mu.Lock()
	plugin.Capabilities = caps
	m.pluginByID[plugin.ID] = plugin
	m.mu.Unlock()
}

// ReportCompileFailure records an init failure. retryable plugin-raised
// failures go through the backoff schedule (spec §4.3); anything else, or
// exhausting the attempt cap, disables the plugin config permanently
// (spec §7 (c)).
func (m *Manager) ReportCompileFailure(ctx context.Context, cfg models.PluginConfig, code, message string, cause error, retryable bool) *apperrors.Error {
	if retryable {
		if exhausted := m.vmStates.reportTransientFail(cfg.ID, message); !exhausted {
			return apperrors.PluginInitTransient(cfg.ID, message, cause)
		}
		message = "exceeded max init retry attempts: " + message
	} else {
		m.vmStates.reportPermanentFail(cfg.ID, message)
	}

	if err := m.pluginDB.DisablePlugin(ctx, cfg.ID, code, message); err != nil {
		m.log.Warn().Err(err).Int("config_id", cfg.ID).Msg("failed to disable plugin config after permanent init failure")
	}
	if err := m.pluginDB.InsertLogEntry(ctx, cfg.ID, "plugin", "error", message, ""); err != nil {
		m.log.Warn().Err(err).Int("config_id", cfg.ID).Msg("failed to record plugin log entry")
	}
	return apperrors.PluginInitPermanent(cfg.ID, code, message, cause)
}

// LoadSchedule rebuilds the cached {runEveryMinute,Hour,Day} mapping from
// every config's compiled task set. Until this has run once, GetSchedule
// returns nil so callers wait (spec §4.3 "until it completes, the cached
// schedule is null").
func (m *Manager) LoadSchedule(capsByConfig map[int]models.Capabilities) {
	sched := &Schedule{}
	m.mu.RLock()
	ids := make([]int, 0, len(m.configByID))
	for id := range m.configByID {
		ids = append(ids, id)
	}
	m.mu.RUnlock()
	sort.Ints(ids)

	for _, id := range ids {
		caps, ok := capsByConfig[id]
		if !ok {
			continue
		}
		for _, task := range caps.Tasks {
			switch task {
			case "runEveryMinute":
				sched.RunEveryMinute = append(sched.RunEveryMinute, id)
			case "runEveryHour":
				sched.RunEveryHour = append(sched.RunEveryHour, id)
			case "runEveryDay":
				sched.RunEveryDay = append(sched.RunEveryDay, id)
			}
		}
	}

	m.scheduleMu.Lock()
	m.schedule = sched
	m.scheduleMu.Unlock()
}

// GetSchedule returns the cached schedule, or nil if LoadSchedule has never
// completed.
func (m *Manager) GetSchedule() *Schedule {
	m.scheduleMu.RLock()
	defer m.scheduleMu.RUnlock()
	return m.schedule
}

// AwaitSchedule blocks until a schedule is available or ctx is done —
// scheduled-task callers must wait rather than skip (spec §9 "for scheduled
// tasks, await; for ingestion, skip").
func (m *Manager) AwaitSchedule(ctx context.Context) (*Schedule, error) {
	for {
		if s := m.GetSchedule(); s != nil {
			return s, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(20 * time.Millisecond):
		}
	}
}
