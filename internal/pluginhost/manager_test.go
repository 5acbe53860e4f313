package pluginhost

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fluxcore/ingestd/internal/db"
	"github.com/fluxcore/ingestd/internal/models"
)

func newTestManager(t *testing.T) (*Manager, sqlmock.Sqlmock) {
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { sqlDB.Close() })
	return New(db.NewPluginDB(sqlDB)), mock
}

func TestSetupPlugins_OrdersConfigsWithinTeam(t *testing.T) {
	mgr, mock := newTestManager(t)
	now := time.Now()

	mock.ExpectQuery("SELECT id, name, archive, source, url, capabilities, updated_at FROM plugins").
		WillReturnRows(sqlmock.NewRows([]string{"id", "name", "archive", "source", "url", "capabilities", "updated_at"}).
			AddRow(1, "p1", nil, "function processEvent(e){return e;}", "", []byte(`{}`), now))

	mock.ExpectQuery("SELECT(.|\n)*FROM plugin_configs pc").
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "plugin_id", "team_id", "order", "config", "enabled", "updated_at",
			"plugin_id", "name", "archive", "source", "url", "capabilities", "updated_at",
		}).
			AddRow(10, 1, 2, 3, []byte(`{}`), true, now, 1, "p1", nil, "", "", []byte(`{}`), now).
			AddRow(11, 1, 2, 1, []byte(`{}`), true, now, 1, "p1", nil, "", "", []byte(`{}`), now).
			AddRow(12, 1, 2, 2, []byte(`{}`), true, now, 1, "p1", nil, "", "", []byte(`{}`), now))

	mock.ExpectQuery("SELECT id, plugin_config_id, name, content_type, file_name, contents FROM plugin_attachments").
		WillReturnRows(sqlmock.NewRows([]string{"id", "plugin_config_id", "name", "content_type", "file_name", "contents"}))

	require.NoError(t, mgr.SetupPlugins(context.Background()))

	pipeline := mgr.Pipeline(2)
	require.Len(t, pipeline, 3)
	assert.Equal(t, []int{11, 12, 10}, []int{pipeline[0].ID, pipeline[1].ID, pipeline[2].ID})
}

func TestVMStatus_UnknownConfigIsPending(t *testing.T) {
	mgr, _ := newTestManager(t)
	assert.Equal(t, StatusPending, mgr.VMStatus(999))
	assert.True(t, mgr.ShouldAttempt(999))
}

func TestGetSchedule_NilUntilLoaded(t *testing.T) {
	mgr, _ := newTestManager(t)
	assert.Nil(t, mgr.GetSchedule())
}

func TestLoadSchedule_GroupsByTaskKind(t *testing.T) {
	mgr, mock := newTestManager(t)
	now := time.Now()

	mock.ExpectQuery("SELECT id, name, archive, source, url, capabilities, updated_at FROM plugins").
		WillReturnRows(sqlmock.NewRows([]string{"id", "name", "archive", "source", "url", "capabilities", "updated_at"}).
			AddRow(1, "p1", nil, "", "", []byte(`{}`), now))
	mock.ExpectQuery("SELECT(.|\n)*FROM plugin_configs pc").
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "plugin_id", "team_id", "order", "config", "enabled", "updated_at",
			"plugin_id", "name", "archive", "source", "url", "capabilities", "updated_at",
		}).
			AddRow(10, 1, 2, 1, []byte(`{}`), true, now, 1, "p1", nil, "", "", []byte(`{}`), now))
	mock.ExpectQuery("SELECT id, plugin_config_id, name, content_type, file_name, contents FROM plugin_attachments").
		WillReturnRows(sqlmock.NewRows([]string{"id", "plugin_config_id", "name", "content_type", "file_name", "contents"}))

	require.NoError(t, mgr.SetupPlugins(context.Background()))

	mgr.LoadSchedule(map[int]models.Capabilities{
		10: {Tasks: []string{"runEveryMinute"}},
	})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	sched, err := mgr.AwaitSchedule(ctx)
	require.NoError(t, err)
	assert.Equal(t, []int{10}, sched.RunEveryMinute)
}
