package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fluxcore/ingestd/internal/cachekv"
	"github.com/fluxcore/ingestd/internal/db"
	"github.com/fluxcore/ingestd/internal/lock"
	"github.com/fluxcore/ingestd/internal/models"
	"github.com/fluxcore/ingestd/internal/pluginhost"
	"github.com/fluxcore/ingestd/internal/workerpool"
)

func newTestStore(t *testing.T) *cachekv.Store {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	store, err := cachekv.NewWithClient(client)
	require.NoError(t, err)
	return store
}

// newTestManagerWithSchedule builds a Manager with one config (id 10)
// scheduled against runEveryMinute, mirroring
// pluginhost.TestLoadSchedule_GroupsByTaskKind's sqlmock sequence.
func newTestManagerWithSchedule(t *testing.T) *pluginhost.Manager {
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { sqlDB.Close() })

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

	mgr := pluginhost.New(db.NewPluginDB(sqlDB))
	require.NoError(t, mgr.SetupPlugins(context.Background()))
	mgr.LoadSchedule(map[int]models.Capabilities{10: {Tasks: []string{"runEveryMinute"}}})
	return mgr
}

func TestDispatch_SubmitsOneTaskPerScheduledConfig(t *testing.T) {
	var mu sync.Mutex
	var seen []interface{}

	pool := workerpool.New(workerpool.Config{WorkerConcurrency: 2, TasksPerWorker: 1}, map[workerpool.Kind]workerpool.Handler{
		workerpool.KindRunEveryMinute: func(_ context.Context, args interface{}) (interface{}, error) {
			mu.Lock()
			seen = append(seen, args)
			mu.Unlock()
			return nil, nil
		},
	})
	defer pool.Stop(time.Second)

	mgr := newTestManagerWithSchedule(t)
	store := newTestStore(t)
	coordinator := lock.New(store, "plugin-scheduler", time.Second)
	s := New(coordinator, mgr, pool)

	s.dispatch(context.Background(), workerpool.KindRunEveryMinute)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 1
	}, time.Second, time.Millisecond)
	assert.Equal(t, 10, seen[0])
}

func TestDispatch_NilScheduleIsNoop(t *testing.T) {
	pool := workerpool.New(workerpool.Config{WorkerConcurrency: 1, TasksPerWorker: 1}, map[workerpool.Kind]workerpool.Handler{
		workerpool.KindRunEveryMinute: func(_ context.Context, _ interface{}) (interface{}, error) { return nil, nil },
	})
	defer pool.Stop(time.Second)

	sqlDB, _, err := sqlmock.New()
	require.NoError(t, err)
	defer sqlDB.Close()
	mgr := pluginhost.New(db.NewPluginDB(sqlDB))

	store := newTestStore(t)
	coordinator := lock.New(store, "plugin-scheduler", time.Second)
	s := New(coordinator, mgr, pool)

	assert.NotPanics(t, func() { s.dispatch(context.Background(), workerpool.KindRunEveryMinute) })
}

func TestOnLeader_StartsCronOnce(t *testing.T) {
	pool := workerpool.New(workerpool.Config{WorkerConcurrency: 1, TasksPerWorker: 1}, map[workerpool.Kind]workerpool.Handler{
		workerpool.KindRunEveryMinute: func(_ context.Context, _ interface{}) (interface{}, error) { return nil, nil },
	})
	defer pool.Stop(time.Second)

	mgr := newTestManagerWithSchedule(t)
	store := newTestStore(t)
	coordinator := lock.New(store, "plugin-scheduler", time.Second)
	s := New(coordinator, mgr, pool)

	s.onLeader()
	first := s.cronRunner
	require.NotNil(t, first)

	s.onLeader() // re-extension while already leader must not start a second loop
	assert.Same(t, first, s.cronRunner)

	s.onDemoted()
}

func TestOnDemoted_StopsCronAndCancelsWork(t *testing.T) {
	pool := workerpool.New(workerpool.Config{WorkerConcurrency: 1, TasksPerWorker: 1}, map[workerpool.Kind]workerpool.Handler{
		workerpool.KindRunEveryMinute: func(_ context.Context, _ interface{}) (interface{}, error) { return nil, nil },
	})
	defer pool.Stop(time.Second)

	mgr := newTestManagerWithSchedule(t)
	store := newTestStore(t)
	coordinator := lock.New(store, "plugin-scheduler", time.Second)
	s := New(coordinator, mgr, pool)

	s.onLeader()
	cancel := s.workCancel
	require.NotNil(t, cancel)

	s.onDemoted()
	assert.Nil(t, s.cronRunner)
	assert.Nil(t, s.workCancel)
}
