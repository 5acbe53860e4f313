// Package db provides PostgreSQL access for the ingestion core's relational
// store: plugins, plugin configs and attachments, persons and their distinct
// ids, teams, actions, and plugin error log entries (spec §6).
//
// Connection pooling, configuration validation, and the migration pattern
// below are carried over unchanged from the teacher's database layer; only
// the schema and the per-table query files differ.
package db

import (
	"database/sql"
	"fmt"
	"net"
	"regexp"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"
)

// Config holds database connection configuration.
type Config struct {
	Host     string
	Port     string
	User     string
	Password string
	DBName   string
	SSLMode  string
}

// Database wraps a pooled PostgreSQL connection.
type Database struct {
	db *sql.DB
}

// validateConfig rejects connection parameters that look malformed before
// they are interpolated into a libpq connection string.
func validateConfig(config Config) error {
	if config.Host == "" {
		return fmt.Errorf("database host cannot be empty")
	}
	if net.ParseIP(config.Host) == nil {
		hostnameRegex := regexp.MustCompile(`^[a-zA-Z0-9]([a-zA-Z0-9\-\.]{0,253}[a-zA-Z0-9])?$`)
		if !hostnameRegex.MatchString(config.Host) {
			return fmt.Errorf("invalid database host: %s", config.Host)
		}
	}

	if config.Port == "" {
		return fmt.Errorf("database port cannot be empty")
	}
	port, err := strconv.Atoi(config.Port)
	if err != nil || port < 1 || port > 65535 {
		return fmt.Errorf("invalid database port: %s (must be 1-65535)", config.Port)
	}

	if config.User == "" {
		return fmt.Errorf("database user cannot be empty")
	}
	userRegex := regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)
	if !userRegex.MatchString(config.User) {
		return fmt.Errorf("invalid database user: %s", config.User)
	}

	if config.DBName == "" {
		return fmt.Errorf("database name cannot be empty")
	}
	dbNameRegex := regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)
	if !dbNameRegex.MatchString(config.DBName) {
		return fmt.Errorf("invalid database name: %s", config.DBName)
	}

	validSSLModes := []string{"disable", "allow", "prefer", "require", "verify-ca", "verify-full"}
	if config.SSLMode != "" {
		valid := false
		for _, mode := range validSSLModes {
			if config.SSLMode == mode {
				valid = true
				break
			}
		}
		if !valid {
			return fmt.Errorf("invalid SSL mode: %s (must be one of: %s)", config.SSLMode, strings.Join(validSSLModes, ", "))
		}
	}

	return nil
}

// NewDatabase opens a pooled PostgreSQL connection and verifies it with a ping.
func NewDatabase(config Config) (*Database, error) {
	if err := validateConfig(config); err != nil {
		return nil, fmt.Errorf("invalid database configuration: %w", err)
	}

	if config.SSLMode == "" {
		config.SSLMode = "disable"
	}

	connStr := fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		config.Host, config.Port, config.User, config.Password, config.DBName, config.SSLMode)

	sqlDB, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	sqlDB.SetMaxOpenConns(25)
	sqlDB.SetMaxIdleConns(5)
	sqlDB.SetConnMaxLifetime(5 * time.Minute)
	sqlDB.SetConnMaxIdleTime(1 * time.Minute)

	if err := sqlDB.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Database{db: sqlDB}, nil
}

// NewDatabaseForTesting wraps an existing *sql.DB (typically a sqlmock
// connection) for dependency injection in tests. Do not use in production.
func NewDatabaseForTesting(sqlDB *sql.DB) *Database {
	return &Database{db: sqlDB}
}

// Close closes the underlying connection pool.
func (d *Database) Close() error {
	return d.db.Close()
}

// DB returns the underlying *sql.DB for callers that construct their own
// per-table query wrappers (PluginDB, PersonDB, TeamDB, ActionDB).
func (d *Database) DB() *sql.DB {
	return d.db
}

// Migrate creates every table the ingestion core reads or writes if it does
// not already exist.
func (d *Database) Migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS teams (
			id SERIAL PRIMARY KEY,
			event_names TEXT[] DEFAULT '{}',
			event_properties TEXT[] DEFAULT '{}',
			event_properties_numerical TEXT[] DEFAULT '{}',
			updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)`,

		`CREATE TABLE IF NOT EXISTS plugins (
			id SERIAL PRIMARY KEY,
			name VARCHAR(255) NOT NULL,
			archive BYTEA,
			source TEXT,
			url TEXT,
			capabilities JSONB DEFAULT '{}',
			updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)`,

		`CREATE TABLE IF NOT EXISTS plugin_configs (
			id SERIAL PRIMARY KEY,
			plugin_id INT NOT NULL REFERENCES plugins(id) ON DELETE CASCADE,
			team_id INT NOT NULL REFERENCES teams(id) ON DELETE CASCADE,
			"order" INT NOT NULL DEFAULT 0,
			config JSONB DEFAULT '{}',
			enabled BOOLEAN DEFAULT true,
			error_code VARCHAR(100),
			error_message TEXT,
			updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)`,

		`CREATE INDEX IF NOT EXISTS idx_plugin_configs_team_order ON plugin_configs(team_id, "order", id)`,

		`CREATE TABLE IF NOT EXISTS plugin_attachments (
			id SERIAL PRIMARY KEY,
			plugin_config_id INT NOT NULL REFERENCES plugin_configs(id) ON DELETE CASCADE,
			name VARCHAR(255) NOT NULL,
			content_type VARCHAR(255),
			file_name VARCHAR(255),
			contents BYTEA
		)`,

		`CREATE INDEX IF NOT EXISTS idx_plugin_attachments_config ON plugin_attachments(plugin_config_id)`,

		`CREATE TABLE IF NOT EXISTS plugin_log_entries (
			id SERIAL PRIMARY KEY,
			plugin_config_id INT NOT NULL REFERENCES plugin_configs(id) ON DELETE CASCADE,
			source VARCHAR(50) NOT NULL,
			type VARCHAR(50) NOT NULL,
			message TEXT NOT NULL,
			instance_id VARCHAR(255),
			timestamp TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)`,

		`CREATE INDEX IF NOT EXISTS idx_plugin_log_entries_config ON plugin_log_entries(plugin_config_id, timestamp DESC)`,

		`CREATE TABLE IF NOT EXISTS persons (
			id BIGSERIAL PRIMARY KEY,
			uuid VARCHAR(36) UNIQUE NOT NULL,
			team_id INT NOT NULL REFERENCES teams(id) ON DELETE CASCADE,
			properties JSONB DEFAULT '{}',
			is_identified BOOLEAN DEFAULT false,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)`,

		`CREATE TABLE IF NOT EXISTS person_distinct_ids (
			id BIGSERIAL PRIMARY KEY,
			person_id BIGINT NOT NULL REFERENCES persons(id) ON DELETE CASCADE,
			distinct_id VARCHAR(400) NOT NULL,
			team_id INT NOT NULL REFERENCES teams(id) ON DELETE CASCADE,
			UNIQUE(team_id, distinct_id)
		)`,

		`CREATE INDEX IF NOT EXISTS idx_person_distinct_ids_person ON person_distinct_ids(person_id)`,

		`CREATE TABLE IF NOT EXISTS cohort_people (
			cohort_id INT NOT NULL,
			person_id BIGINT NOT NULL REFERENCES persons(id) ON DELETE CASCADE,
			PRIMARY KEY (cohort_id, person_id)
		)`,

		`CREATE TABLE IF NOT EXISTS elements (
			id BIGSERIAL PRIMARY KEY,
			team_id INT NOT NULL REFERENCES teams(id) ON DELETE CASCADE,
			tag_name VARCHAR(100),
			text TEXT,
			href TEXT,
			attr_id VARCHAR(255),
			"order" INT DEFAULT 0
		)`,

		`CREATE TABLE IF NOT EXISTS element_groups (
			id BIGSERIAL PRIMARY KEY,
			team_id INT NOT NULL REFERENCES teams(id) ON DELETE CASCADE,
			hash VARCHAR(64) NOT NULL,
			UNIQUE(team_id, hash)
		)`,

		`CREATE TABLE IF NOT EXISTS actions (
			id SERIAL PRIMARY KEY,
			team_id INT NOT NULL REFERENCES teams(id) ON DELETE CASCADE,
			name VARCHAR(255) NOT NULL,
			deleted BOOLEAN DEFAULT false,
			updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)`,

		`CREATE TABLE IF NOT EXISTS action_steps (
			id SERIAL PRIMARY KEY,
			action_id INT NOT NULL REFERENCES actions(id) ON DELETE CASCADE,
			url TEXT,
			url_matching VARCHAR(20),
			event_name VARCHAR(255),
			selector TEXT,
			property_filters JSONB DEFAULT '[]'
		)`,

		`CREATE INDEX IF NOT EXISTS idx_actions_team ON actions(team_id) WHERE deleted = false`,
	}

	for _, migration := range migrations {
		if _, err := d.db.Exec(migration); err != nil {
			return fmt.Errorf("migration failed: %w\nquery: %s", err, migration)
		}
	}

	return nil
}
