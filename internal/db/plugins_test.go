package db

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadPlugins(t *testing.T) {
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer sqlDB.Close()

	pluginDB := NewPluginDB(sqlDB)

	mock.ExpectQuery("SELECT id, name, archive, source, url, capabilities, updated_at FROM plugins").
		WillReturnRows(sqlmock.NewRows([]string{"id", "name", "archive", "source", "url", "capabilities", "updated_at"}).
			AddRow(1, "geoip-enricher", nil, "module.exports = {}", "", []byte(`{"methods":["processEvent"]}`), time.Now()))

	plugins, err := pluginDB.LoadPlugins(context.Background())
	require.NoError(t, err)
	require.Len(t, plugins, 1)
	assert.Equal(t, "geoip-enricher", plugins[0].Name)
	assert.Equal(t, []string{"processEvent"}, plugins[0].Capabilities.Methods)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDisablePlugin(t *testing.T) {
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer sqlDB.Close()

	pluginDB := NewPluginDB(sqlDB)

	mock.ExpectExec("UPDATE plugin_configs SET enabled = false").
		WithArgs("ARCHIVE_CORRUPT", "not a zip", 7).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err = pluginDB.DisablePlugin(context.Background(), 7, "ARCHIVE_CORRUPT", "not a zip")
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertLogEntry(t *testing.T) {
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer sqlDB.Close()

	pluginDB := NewPluginDB(sqlDB)

	mock.ExpectExec("INSERT INTO plugin_log_entries").
		WithArgs(7, "plugin", "error", "threw during processEvent", "worker-3").
		WillReturnResult(sqlmock.NewResult(1, 1))

	err = pluginDB.InsertLogEntry(context.Background(), 7, "plugin", "error", "threw during processEvent", "worker-3")
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}
