// Command ingestd wires the Queue Consumer, Worker Pool, Plugin Lifecycle
// Manager, Event Processor, and Scheduler & Lock Coordinator into one
// process. It is illustrative, not the product's real entry point (spec §1
// describes this core as embedded in a larger service) — it exists so the
// packages above have one place demonstrating how they fit together.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/fluxcore/ingestd/internal/cachekv"
	"github.com/fluxcore/ingestd/internal/db"
	"github.com/fluxcore/ingestd/internal/eventbus"
	"github.com/fluxcore/ingestd/internal/identity"
	"github.com/fluxcore/ingestd/internal/ingest"
	"github.com/fluxcore/ingestd/internal/ingestqueue"
	"github.com/fluxcore/ingestd/internal/lock"
	"github.com/fluxcore/ingestd/internal/logger"
	"github.com/fluxcore/ingestd/internal/models"
	"github.com/fluxcore/ingestd/internal/pluginhost"
	"github.com/fluxcore/ingestd/internal/scheduler"
	"github.com/fluxcore/ingestd/internal/workerpool"
)

func main() {
	logger.Initialize(getEnv("LOG_LEVEL", "info"), getEnv("LOG_PRETTY", "false") == "true")
	log := logger.GetLogger()

	database, err := db.NewDatabase(db.Config{
		Host:     getEnv("DB_HOST", "localhost"),
		Port:     getEnv("DB_PORT", "5432"),
		User:     getEnv("DB_USER", "ingestd"),
		Password: os.Getenv("DB_PASSWORD"),
		DBName:   getEnv("DB_NAME", "ingestd"),
		SSLMode:  getEnv("DB_SSL_MODE", "disable"),
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer database.Close()

	cache, err := cachekv.New(cachekv.Config{
		Host:     getEnv("REDIS_HOST", "localhost"),
		Port:     getEnv("REDIS_PORT", "6379"),
		Password: os.Getenv("REDIS_PASSWORD"),
		Enabled:  getEnv("CACHE_ENABLED", "true") == "true",
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize cache store")
	}
	defer cache.Close()

	publisher, err := eventbus.Connect(eventbus.Config{
		URL:      getEnv("BROKER_URL", nats_DefaultURL),
		User:     os.Getenv("BROKER_USER"),
		Password: os.Getenv("BROKER_PASSWORD"),
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect publisher to broker")
	}
	defer publisher.Close()

	// Relational repositories (spec §6 "the relational store").
	pluginDB := db.NewPluginDB(database.DB())
	personDB := db.NewPersonDB(database.DB())
	teamDB := db.NewTeamDB(database.DB())
	actionDB := db.NewActionDB(database.DB())

	mgr := pluginhost.New(pluginDB)
	if err := mgr.SetupPlugins(context.Background()); err != nil {
		log.Fatal().Err(err).Msg("failed to load plugin catalog")
	}

	resolver := identity.New(personDB)
	actions := ingest.NewActionCache(actionDB)
	processor := ingest.New(resolver, teamDB, actions, publisher)

	hosts := newHostPool(mgr, cache)
	defer hosts.closeAll()

	concurrency := getEnvInt("WORKER_CONCURRENCY", 8)
	pool := workerpool.New(workerpool.Config{
		WorkerConcurrency: concurrency,
		TasksPerWorker:    getEnvInt("WORKER_TASKS_PER_WORKER", 4),
		TaskTimeout:       30 * time.Second,
	}, buildHandlers(processor, mgr, hosts, actions))
	defer pool.Stop(30 * time.Second)

	consumer := ingestqueue.New(ingestqueue.Config{
		URL:          getEnv("BROKER_URL", nats_DefaultURL),
		User:         os.Getenv("BROKER_USER"),
		Password:     os.Getenv("BROKER_PASSWORD"),
		DurableGroup: getEnv("CONSUMER_GROUP", "ingestd"),
	}, pool)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	coordinator := lock.New(cache, "plugin-scheduler", 15*time.Second)
	sched := scheduler.New(coordinator, mgr, pool)
	go sched.Run(ctx)

	if err := consumer.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to start queue consumer")
	}
	defer consumer.Stop()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		log.Info().Str("signal", sig.String()).Msg("shutdown signal received")
	case err := <-consumer.Errors():
		log.Error().Err(err).Msg("queue consumer reported a fatal error")
	}

	log.Info().Msg("shutting down")
}

// nats_DefaultURL is the conventional local broker address used when
// BROKER_URL is unset — handy for running this process against a local
// NATS instance during development.
const nats_DefaultURL = "nats://127.0.0.1:4222"

// hostPool hands every worker goroutine its own *pluginhost.Host, keyed by
// workerpool.WorkerID so a plugin VM is never touched from more than one
// goroutine (spec §4.2 "Isolation"). Hosts are created lazily, the first
// time their worker runs a plugin-pipeline task. NewHost starts the
// goroutine that owns the Host's VM itself, so get only has to ensure each
// Host is used by one worker.
type hostPool struct {
	mgr   *pluginhost.Manager
	cache *cachekv.Store

	mu   sync.Mutex
	byID map[int]*pluginhost.Host
}

func newHostPool(mgr *pluginhost.Manager, cache *cachekv.Store) *hostPool {
	return &hostPool{mgr: mgr, cache: cache, byID: make(map[int]*pluginhost.Host)}
}

func (hp *hostPool) get(ctx context.Context) (*pluginhost.Host, error) {
	workerID, ok := workerpool.WorkerID(ctx)
	if !ok {
		return nil, fmt.Errorf("task context carries no worker id")
	}

	hp.mu.Lock()
	defer hp.mu.Unlock()
	if h, ok := hp.byID[workerID]; ok {
		return h, nil
	}
	h, err := pluginhost.NewHost(workerID, hp.mgr, hp.cache)
	if err != nil {
		return nil, err
	}
	hp.byID[workerID] = h
	return h, nil
}

// teardown closes every worker's Host so the next plugin-pipeline task
// recompiles from scratch (the teardownPlugins task kind).
func (hp *hostPool) teardown() {
	hp.mu.Lock()
	defer hp.mu.Unlock()
	for id, h := range hp.byID {
		if err := h.Close(); err != nil {
			logger.PluginHost().Warn().Err(err).Int("worker_id", id).Msg("failed to close host during teardown")
		}
	}
	hp.byID = make(map[int]*pluginhost.Host)
}

func (hp *hostPool) closeAll() {
	hp.teardown()
}

// buildHandlers maps every recognized task kind (spec §4.2 "Contract") to
// its worker-pool handler.
func buildHandlers(processor *ingest.Processor, mgr *pluginhost.Manager, hosts *hostPool, actions *ingest.ActionCache) map[workerpool.Kind]workerpool.Handler {
	processEvent := func(ctx context.Context, args interface{}) (interface{}, error) {
		event, ok := args.(models.Event)
		if !ok {
			return nil, fmt.Errorf("processEvent: unexpected args type %T", args)
		}
		host, err := hosts.get(ctx)
		if err != nil {
			return nil, err
		}
		return processor.Process(ctx, host, event)
	}

	return map[workerpool.Kind]workerpool.Handler{
		workerpool.KindProcessEvent: processEvent,

		// ingestEvent carries the same semantics as processEvent here: the
		// distinction this core's spec draws is at the queue boundary
		// (single envelope vs. already-decoded event), not in how the
		// pipeline itself runs.
		workerpool.KindIngestEvent: processEvent,

		workerpool.KindProcessEventBatch: func(ctx context.Context, args interface{}) (interface{}, error) {
			events, ok := args.([]models.Event)
			if !ok {
				return nil, fmt.Errorf("processEventBatch: unexpected args type %T", args)
			}
			host, err := hosts.get(ctx)
			if err != nil {
				return nil, err
			}
			results := make([]*models.NormalizedEvent, 0, len(events))
			for _, event := range events {
				normalized, err := processor.Process(ctx, host, event)
				if err != nil {
					return results, err
				}
				results = append(results, normalized)
			}
			return results, nil
		},

		workerpool.KindMatchActions: func(ctx context.Context, args interface{}) (interface{}, error) {
			event, ok := args.(models.Event)
			if !ok {
				return nil, fmt.Errorf("matchActions: unexpected args type %T", args)
			}
			return processor.RunMatchActions(ctx, event)
		},

		workerpool.KindRunEveryMinute: scheduledTaskHandler(hosts, "runEveryMinute"),
		workerpool.KindRunEveryHour:   scheduledTaskHandler(hosts, "runEveryHour"),
		workerpool.KindRunEveryDay:    scheduledTaskHandler(hosts, "runEveryDay"),

		workerpool.KindGetPluginSchedule: func(ctx context.Context, _ interface{}) (interface{}, error) {
			return mgr.AwaitSchedule(ctx)
		},

		workerpool.KindReloadPlugins: func(ctx context.Context, _ interface{}) (interface{}, error) {
			return nil, mgr.SetupPlugins(ctx)
		},

		workerpool.KindReloadSchedule: func(ctx context.Context, _ interface{}) (interface{}, error) {
			capsByConfig := make(map[int]models.Capabilities)
			for _, cfg := range mgr.Configs() {
				capsByConfig[cfg.ID] = cfg.Plugin.Capabilities
			}
			mgr.LoadSchedule(capsByConfig)
			return nil, nil
		},

		workerpool.KindReloadAction: func(ctx context.Context, args interface{}) (interface{}, error) {
			teamID, ok := args.(int)
			if !ok {
				return nil, fmt.Errorf("reloadAction: unexpected args type %T", args)
			}
			return nil, actions.ReloadAction(ctx, teamID)
		},

		workerpool.KindReloadAllActions: func(ctx context.Context, _ interface{}) (interface{}, error) {
			actions.ReloadAllActions()
			return nil, nil
		},

		workerpool.KindDropAction: func(ctx context.Context, args interface{}) (interface{}, error) {
			actionID, ok := args.(int)
			if !ok {
				return nil, fmt.Errorf("dropAction: unexpected args type %T", args)
			}
			return nil, actions.DropAction(ctx, actionID)
		},

		workerpool.KindTeardownPlugins: func(ctx context.Context, _ interface{}) (interface{}, error) {
			hosts.teardown()
			return nil, nil
		},

		// flushQueuedWrites is a no-op here: every write this core performs
		// (team caches, person/distinct-id rows, plugin log entries) is
		// synchronous, so there is no buffered-write layer to flush.
		workerpool.KindFlushQueuedWrites: func(ctx context.Context, _ interface{}) (interface{}, error) {
			return nil, nil
		},
	}
}

// scheduledTaskHandler invokes a scheduled plugin task (runEveryMinute/
// Hour/Day) by dispatching into the owning worker's Host. Args is the
// plugin config id the scheduler submitted (spec §4.5 "one task per
// (periodicity, pluginConfigId)").
func scheduledTaskHandler(hosts *hostPool, task string) workerpool.Handler {
	return func(ctx context.Context, args interface{}) (interface{}, error) {
		configID, ok := args.(int)
		if !ok {
			return nil, fmt.Errorf("scheduled task: unexpected args type %T", args)
		}
		host, err := hosts.get(ctx)
		if err != nil {
			return nil, err
		}
		return nil, host.RunScheduledTask(ctx, configID, task)
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}
