// Package scheduler implements the Scheduler & Lock Coordinator (spec
// §4.5): one replica elects itself singleton owner via internal/lock and,
// while leader, dispatches runEveryMinute/Hour/Day tasks on wall-clock tick
// boundaries to the worker pool.
package scheduler

import (
	"context"
	"sync"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/fluxcore/ingestd/internal/lock"
	"github.com/fluxcore/ingestd/internal/logger"
	"github.com/fluxcore/ingestd/internal/pluginhost"
	"github.com/fluxcore/ingestd/internal/workerpool"
)

// tickSpecs maps each periodicity to a standard 5-field cron expression
// that fires on the wall-clock edge it names — not "every N since start",
// so missed ticks are never backfilled (spec §4.5 "Dispatch").
var tickSpecs = map[workerpool.Kind]string{
	workerpool.KindRunEveryMinute: "* * * * *",
	workerpool.KindRunEveryHour:   "0 * * * *",
	workerpool.KindRunEveryDay:    "0 0 * * *",
}

// Scheduler drives the singleton dispatch loop. One Scheduler exists
// process-wide; internal/lock.Coordinator decides whether this replica is
// the one actually dispatching.
type Scheduler struct {
	coordinator *lock.Coordinator
	mgr         *pluginhost.Manager
	pool        *workerpool.Pool
	log         *zerolog.Logger

	mu         sync.Mutex
	cronRunner *cron.Cron
	workCancel context.CancelFunc
}

// New creates a Scheduler.
func New(coordinator *lock.Coordinator, mgr *pluginhost.Manager, pool *workerpool.Pool) *Scheduler {
	return &Scheduler{
		coordinator: coordinator,
		mgr:         mgr,
		pool:        pool,
		log:         logger.Scheduler(),
	}
}

// Run drives the lock coordinator until ctx is canceled, starting and
// stopping the cron dispatch loop as this replica gains and loses
// leadership. Blocks until ctx is done.
func (s *Scheduler) Run(ctx context.Context) {
	s.coordinator.Run(ctx, s.onLeader, s.onDemoted)
}

// onLeader starts the cron dispatch loop the first time this replica
// becomes (or remains) leader; later leader re-extensions are no-ops here
// since the loop is already running (spec §4.5 "Only the holder runs the
// scheduled dispatch").
func (s *Scheduler) onLeader() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cronRunner != nil {
		return
	}

	workCtx, cancel := context.WithCancel(context.Background())
	s.workCancel = cancel

	c := cron.New()
	for kind, spec := range tickSpecs {
		kind := kind
		if _, err := c.AddFunc(spec, func() { s.dispatch(workCtx, kind) }); err != nil {
			s.log.Error().Err(err).Str("kind", string(kind)).Msg("failed to register cron tick")
		}
	}
	c.Start()
	s.cronRunner = c
	s.log.Info().Msg("scheduler became leader, dispatch loop started")
}

// onDemoted stops the cron loop and cancels every in-progress scheduled
// task this replica owns (spec §5 "Lock-extension failures cancel all
// in-progress scheduled work owned by this replica"). It does not touch
// in-flight ingestion, which runs on an unrelated context.
func (s *Scheduler) onDemoted() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cronRunner == nil {
		return
	}
	stopped := s.cronRunner.Stop()
	<-stopped.Done()
	s.cronRunner = nil

	if s.workCancel != nil {
		s.workCancel()
		s.workCancel = nil
	}
	s.log.Info().Msg("scheduler demoted, dispatch stopped and in-progress scheduled work canceled")
}

// dispatch submits one task per pluginConfigId at the given periodicity
// (spec §4.5 "submits one task per (periodicity, pluginConfigId) tuple").
// Each task runs on its own goroutine so a slow plugin never delays the
// next tick's dispatch.
func (s *Scheduler) dispatch(ctx context.Context, kind workerpool.Kind) {
	schedule := s.mgr.GetSchedule()
	if schedule == nil {
		return
	}

	var configIDs []int
	switch kind {
	case workerpool.KindRunEveryMinute:
		configIDs = schedule.RunEveryMinute
	case workerpool.KindRunEveryHour:
		configIDs = schedule.RunEveryHour
	case workerpool.KindRunEveryDay:
		configIDs = schedule.RunEveryDay
	}

	for _, configID := range configIDs {
		configID := configID
		go func() {
			result := s.pool.RunTask(ctx, workerpool.Task{Kind: kind, Args: configID})
			if result.Err != nil {
				s.log.Warn().Err(result.Err).Int("config_id", configID).Str("kind", string(kind)).
					Msg("scheduled task failed")
			}
		}()
	}
}
