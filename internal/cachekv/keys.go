package cachekv

import "fmt"

// Key prefixes for the ingestion core's resource types.
const (
	PrefixPluginStorage = "plugin_storage"
	PrefixPluginCache   = "plugin_cache"
	PrefixTeamCache     = "team"
	PrefixPluginSchedule = "plugin_schedule"
	PrefixLock           = "lock"
)

// PluginCacheKey namespaces the shared `cache` host API (spec §4.3 meta.cache,
// §5 "cache is shared across workers"). Unlike storage, cache keys are not
// scoped to a plugin config — plugins share the same key space by design.
func PluginCacheKey(key string) string {
	return fmt.Sprintf("%s:%s", PrefixPluginCache, key)
}

// PluginStorageKey namespaces a plugin's storage.get/set calls by plugin
// config id so two configs of the same plugin never see each other's state
// (spec §4.3 host API).
func PluginStorageKey(pluginConfigID int, key string) string {
	return fmt.Sprintf("%s:%d:%s", PrefixPluginStorage, pluginConfigID, key)
}

// TeamCacheKey caches a team's event-name/property sets (spec §4.4
// "Team-cache side effects").
func TeamCacheKey(teamID int) string {
	return fmt.Sprintf("%s:%d", PrefixTeamCache, teamID)
}

// PluginScheduleKey names a cache key for the (periodicity, pluginConfigId)
// task map. Nothing in this module reads or writes it: pluginhost.Manager
// keeps the schedule the scheduler dispatches from in memory.
func PluginScheduleKey() string {
	return fmt.Sprintf("%s:all", PrefixPluginSchedule)
}

// LockKey namespaces a named distributed lock resource (spec §4.5). The
// scheduler's singleton role uses "plugin-scheduler"; the type is not hardcoded to
// it so a future singleton role can contend on its own key.
func LockKey(resource string) string {
	return fmt.Sprintf("%s:%s", PrefixLock, resource)
}
