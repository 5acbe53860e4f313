// Package lock implements the distributed lock backing the Scheduler & Lock
// Coordinator's singleton role (spec §4.5, §9 "Lock-based singleton").
//
// The holder is modeled as a small state machine — Follower, Acquiring,
// Leader — driven entirely by timer ticks and lock-operation results. It
// never does scheduled work as Follower, never holds past the lock's TTL,
// and demotes immediately on any extension failure.
package lock

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fluxcore/ingestd/internal/cachekv"
	"github.com/fluxcore/ingestd/internal/logger"
)

// State is one of the three roles a Coordinator can be in.
type State string

const (
	StateFollower  State = "follower"
	StateAcquiring State = "acquiring"
	StateLeader    State = "leader"
)

// Coordinator manages a single named distributed lock. One Coordinator
// exists per role (spec §4.5 names "plugin-scheduler" as the sole role
// today, but the type is not hardcoded to it).
type Coordinator struct {
	store *cachekv.Store
	key   string
	ttl   time.Duration
	token string

	mu    sync.RWMutex
	state State
}

// New creates a Coordinator for the named resource. ttl is the lock's TTL L;
// the holder re-extends at L/2 and retries acquisition at L/10 on failure
// (spec §4.5 "Locking"), both computed by Run from ttl.
func New(store *cachekv.Store, resource string, ttl time.Duration) *Coordinator {
	return &Coordinator{
		store: store,
		key:   cachekv.LockKey(resource),
		ttl:   ttl,
		token: uuid.NewString(),
		state: StateFollower,
	}
}

// State returns the coordinator's current role.
func (c *Coordinator) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// IsLeader reports whether this process currently holds the lock. Callers
// must still treat this as advisory between the check and the work it
// gates — Run demotes asynchronously on extension failure.
func (c *Coordinator) IsLeader() bool {
	return c.State() == StateLeader
}

// Run drives the acquire/extend/demote loop until ctx is canceled. onLeader
// is invoked once per successful acquisition or re-extension while this
// process holds the lock; onDemoted is invoked once whenever the process
// loses leadership (lock-extension failure or ctx cancellation while
// leading). Run never returns except when ctx is done.
func (c *Coordinator) Run(ctx context.Context, onLeader func(), onDemoted func()) {
	log := logger.Scheduler()
	extendEvery := c.ttl / 2
	retryDelay := c.ttl / 10

	ticker := time.NewTicker(retryDelay)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if c.State() == StateLeader {
				// ctx is already done here, so releasing against it would fail
				// before the store call ever ran — use a fresh context bounded
				// by the same retry delay instead, so the release Lua script
				// actually gets a chance to execute (spec §4.5 "demotes
				// immediately ... on any extension failure" — this path is a
				// clean shutdown, not a failure, and deserves the same care).
				releaseCtx, cancel := context.WithTimeout(context.Background(), retryDelay)
				c.release(releaseCtx)
				cancel()
				c.setState(StateFollower)
				if onDemoted != nil {
					onDemoted()
				}
			}
			return
		case <-ticker.C:
			switch c.State() {
			case StateFollower, StateAcquiring:
				c.setState(StateAcquiring)
				acquired, err := c.store.SetNX(ctx, c.key, c.token, c.ttl)
				if err != nil {
					log.Warn().Err(err).Msg("lock acquisition attempt failed")
					c.setState(StateFollower)
					continue
				}
				if !acquired {
					c.setState(StateFollower)
					continue
				}
				c.setState(StateLeader)
				ticker.Reset(extendEvery)
				log.Info().Str("resource", c.key).Msg("acquired lock, became leader")
				if onLeader != nil {
					onLeader()
				}
			case StateLeader:
				extended, err := c.store.CompareAndExpire(ctx, c.key, c.token, c.ttl)
				if err != nil || !extended {
					log.Warn().Err(err).Bool("extended", extended).Msg("lock extension failed, demoting")
					c.setState(StateFollower)
					ticker.Reset(retryDelay)
					if onDemoted != nil {
						onDemoted()
					}
					continue
				}
				if onLeader != nil {
					onLeader()
				}
			}
		}
	}
}

func (c *Coordinator) release(ctx context.Context) {
	if _, err := c.store.CompareAndDelete(ctx, c.key, c.token); err != nil {
		logger.Scheduler().Warn().Err(err).Msg("lock release failed, will expire via TTL")
	}
}

func (c *Coordinator) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}
