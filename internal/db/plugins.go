package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/fluxcore/ingestd/internal/models"
)

// PluginDB handles the three tables PLM's setupPlugins reads (spec §4.3
// "Load protocol"): plugins, plugin_attachments, plugin_configs.
type PluginDB struct {
	db *sql.DB
}

// NewPluginDB creates a PluginDB.
func NewPluginDB(sqlDB *sql.DB) *PluginDB {
	return &PluginDB{db: sqlDB}
}

// LoadPlugins returns every plugin row.
func (p *PluginDB) LoadPlugins(ctx context.Context) ([]models.Plugin, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, name, archive, source, url, capabilities, updated_at
		FROM plugins
	`)
	if err != nil {
		return nil, fmt.Errorf("load plugins: %w", err)
	}
	defer rows.Close()

	var out []models.Plugin
	for rows.Next() {
		var pl models.Plugin
		var archive []byte
		var source, url sql.NullString
		if err := rows.Scan(&pl.ID, &pl.Name, &archive, &source, &url, &pl.Capabilities, &pl.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan plugin: %w", err)
		}
		pl.Archive = archive
		pl.Source = source.String
		pl.URL = url.String
		out = append(out, pl)
	}
	return out, rows.Err()
}

// LoadPluginConfigs returns every plugin config, enabled or not, joined with
// its plugin row and attachments, ordered by (team_id, order, id) per the
// pipeline invariant (spec §3, §8 invariant 2). Disabled configs are
// dropped by pluginhost.Manager.SetupPlugins, not here.
func (p *PluginDB) LoadPluginConfigs(ctx context.Context) ([]models.PluginConfig, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT
			pc.id, pc.plugin_id, pc.team_id, pc."order", pc.config, pc.enabled, pc.updated_at,
			pl.id, pl.name, pl.archive, pl.source, pl.url, pl.capabilities, pl.updated_at
		FROM plugin_configs pc
		JOIN plugins pl ON pl.id = pc.plugin_id
		ORDER BY pc.team_id, pc."order", pc.id
	`)
	if err != nil {
		return nil, fmt.Errorf("load plugin configs: %w", err)
	}
	defer rows.Close()

	var out []models.PluginConfig
	for rows.Next() {
		var pc models.PluginConfig
		var configJSON []byte
		var archive []byte
		var source, url sql.NullString
		if err := rows.Scan(
			&pc.ID, &pc.PluginID, &pc.TeamID, &pc.Order, &configJSON, &pc.Enabled, &pc.UpdatedAt,
			&pc.Plugin.ID, &pc.Plugin.Name, &archive, &source, &url, &pc.Plugin.Capabilities, &pc.Plugin.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan plugin config: %w", err)
		}
		pc.Plugin.Archive = archive
		pc.Plugin.Source = source.String
		pc.Plugin.URL = url.String
		if len(configJSON) > 0 {
			if err := json.Unmarshal(configJSON, &pc.Config); err != nil {
				return nil, fmt.Errorf("unmarshal plugin config %d: %w", pc.ID, err)
			}
		}
		out = append(out, pc)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	attachmentsByConfig, err := p.loadAttachments(ctx)
	if err != nil {
		return nil, err
	}
	for i := range out {
		out[i].Attachments = attachmentsByConfig[out[i].ID]
	}
	return out, nil
}

func (p *PluginDB) loadAttachments(ctx context.Context) (map[int]map[string]models.PluginAttachment, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, plugin_config_id, name, content_type, file_name, contents
		FROM plugin_attachments
	`)
	if err != nil {
		return nil, fmt.Errorf("load plugin attachments: %w", err)
	}
	defer rows.Close()

	out := make(map[int]map[string]models.PluginAttachment)
	for rows.Next() {
		var a models.PluginAttachment
		if err := rows.Scan(&a.ID, &a.ConfigID, &a.Name, &a.ContentType, &a.FileName, &a.Contents); err != nil {
			return nil, fmt.Errorf("scan plugin attachment: %w", err)
		}
		if out[a.ConfigID] == nil {
			out[a.ConfigID] = make(map[string]models.PluginAttachment)
		}
		out[a.ConfigID][a.Name] = a
	}
	return out, rows.Err()
}

// SetCapabilities persists a recomputed capability descriptor for a plugin
// (spec §4.3 "Capabilities & schedule" — only written when it changed; the
// diff check itself lives in pluginhost, this is just the write).
func (p *PluginDB) SetCapabilities(ctx context.Context, pluginID int, caps models.Capabilities) error {
	data, err := json.Marshal(caps)
	if err != nil {
		return fmt.Errorf("marshal capabilities: %w", err)
	}
	_, err = p.db.ExecContext(ctx, `UPDATE plugins SET capabilities = $1 WHERE id = $2`, data, pluginID)
	if err != nil {
		return fmt.Errorf("set capabilities: %w", err)
	}
	return nil
}

// DisablePlugin flips a plugin config to disabled and records the error
// that caused a permanent failure (spec §4.3 "disables the plugin row,
// records the error").
func (p *PluginDB) DisablePlugin(ctx context.Context, configID int, code, message string) error {
	_, err := p.db.ExecContext(ctx, `
		UPDATE plugin_configs SET enabled = false, error_code = $1, error_message = $2
		WHERE id = $3
	`, code, message, configID)
	if err != nil {
		return fmt.Errorf("disable plugin config %d: %w", configID, err)
	}
	return nil
}

// InsertLogEntry records a plugin_log_entries row for init or runtime
// errors attached to a config (spec §7 (c)/(d)).
func (p *PluginDB) InsertLogEntry(ctx context.Context, configID int, source, entryType, message, instanceID string) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO plugin_log_entries (plugin_config_id, source, type, message, instance_id)
		VALUES ($1, $2, $3, $4, $5)
	`, configID, source, entryType, message, instanceID)
	if err != nil {
		return fmt.Errorf("insert plugin log entry: %w", err)
	}
	return nil
}
