// Plugin-related data structures for the ingestion core's Plugin Lifecycle
// Manager (spec §4.3).
//
// A Plugin is the immutable catalog row (archive or inline source); a
// PluginConfig binds a Plugin to one team with an execution order and a
// config map; the compiled runtime handle (LazyVM) lives in internal/pluginhost
// rather than here, since it is process state, not a row.
package models

import (
	"database/sql/driver"
	"encoding/json"
	"time"
)

// Plugin is the catalog row for one pluggable unit of user-supplied code
// (spec §3). Exactly one of Archive, Source, or URL is populated depending
// on how the plugin was registered; compiling it is the job of pluginhost.
type Plugin struct {
	ID        int       `json:"id"`
	Name      string    `json:"name"`
	Archive   []byte    `json:"-"`
	Source    string    `json:"-"`
	URL       string    `json:"url,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`

	// Capabilities summarizes what the compiled VM exposes. It is derived,
	// not authoritative — pluginhost recomputes and persists it after every
	// successful compile (spec §4.3 "Capabilities & schedule").
	Capabilities Capabilities `json:"capabilities"`
}

// Capabilities is the declarative summary of a compiled plugin's exports
// (GLOSSARY: "Capability").
type Capabilities struct {
	Methods   []string `json:"methods"`   // e.g. "processEvent", "onEvent"
	Tasks     []string `json:"tasks"`     // "runEveryMinute", "runEveryHour", "runEveryDay"
	JobNames  []string `json:"job_names"` // named background jobs the plugin can enqueue
}

// Hash returns a stable digest of the sorted capability set, used by
// pluginhost to decide whether a persisted capability descriptor needs
// rewriting (SPEC_FULL §4 "Capability diffing").
func (c Capabilities) Hash() string {
	return capabilityHash(c)
}

// Scan implements sql.Scanner for Capabilities.
func (c *Capabilities) Scan(value interface{}) error {
	if value == nil {
		return nil
	}
	bytes, ok := value.([]byte)
	if !ok {
		return nil
	}
	if len(bytes) == 0 {
		return nil
	}
	return json.Unmarshal(bytes, c)
}

// Value implements driver.Valuer for Capabilities.
func (c Capabilities) Value() (driver.Value, error) {
	return json.Marshal(c)
}

// PluginAttachment is a named file attached to a plugin config (spec §3
// PluginConfig.attachments).
type PluginAttachment struct {
	ID          int    `json:"id"`
	ConfigID    int    `json:"plugin_config_id"`
	Name        string `json:"name"`
	ContentType string `json:"content_type"`
	FileName    string `json:"file_name"`
	Contents    []byte `json:"-"`
}

// PluginConfig binds a Plugin to one team: its pipeline position, its
// per-team config values, its attachments, and whether it is currently
// enabled (spec §3). The compiled VM handle itself is kept out of this
// struct — see pluginhost.LazyVM — because a PluginConfig is a row snapshot
// while the VM is live process state keyed by (ConfigID, UpdatedAt,
// Plugin.UpdatedAt).
type PluginConfig struct {
	ID          int                         `json:"id"`
	PluginID    int                         `json:"plugin_id"`
	TeamID      int                         `json:"team_id"`
	Order       int                         `json:"order"`
	Config      map[string]interface{}      `json:"config"`
	Attachments map[string]PluginAttachment `json:"attachments"`
	Enabled     bool                        `json:"enabled"`
	UpdatedAt   time.Time                   `json:"updated_at"`

	// Plugin is the catalog row this config instantiates. Populated by
	// db.LoadPluginConfigs alongside the config row itself.
	Plugin Plugin `json:"plugin"`
}

// Less implements the pipeline ordering invariant from spec §3: "within a
// team, pipeline execution order is strictly ascending by (order, id)".
func (c PluginConfig) Less(other PluginConfig) bool {
	if c.Order != other.Order {
		return c.Order < other.Order
	}
	return c.ID < other.ID
}
