package pluginhost

import (
	"sync"
	"time"
)

// VMStatus is one state in the LazyVM state machine (spec §4.3, §9 "Lazy VM
// handle"): Pending -> {Ready, TransientFail -> Pending (scheduled retry),
// PermanentFail}.
type VMStatus int

const (
	StatusPending VMStatus = iota
	StatusReady
	StatusTransientFail
	StatusPermanentFail
)

func (s VMStatus) String() string {
	switch s {
	case StatusReady:
		return "ready"
	case StatusTransientFail:
		return "transient_fail"
	case StatusPermanentFail:
		return "permanent_fail"
	default:
		return "pending"
	}
}

const (
	retryBase       = 3 * time.Second
	retryMultiplier = 2
	maxAttempts     = 10
)

// backoffDelay returns the retry delay after the given number of failed
// attempts: base 3s, doubling each time (spec §4.3 "exponential backoff
// with base 3s and multiplier 2, capped at 10 attempts").
func backoffDelay(attempts int) time.Duration {
	d := retryBase
	for i := 1; i < attempts; i++ {
		d *= retryMultiplier
	}
	return d
}

// vmState tracks one PluginConfig's LazyVM progress, shared process-wide so
// the 10-attempt cap and backoff schedule apply across every worker, even
// though the compiled VM itself is never shared (spec §4.2 "Isolation").
type vmState struct {
	status          VMStatus
	attempts        int
	nextRetryAt     time.Time
	lastErr         string
	configUpdatedAt time.Time
	pluginUpdatedAt time.Time
}

// vmStateTable is the shared LazyVM status map.
type vmStateTable struct {
	mu     sync.Mutex
	states map[int]*vmState
}

func newVMStateTable() *vmStateTable {
	return &vmStateTable{states: make(map[int]*vmState)}
}

func (t *vmStateTable) get(configID int) *vmState {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.states[configID]
	if !ok {
		s = &vmState{status: StatusPending}
		t.states[configID] = s
	}
	return s
}

// reset clears a config's state back to Pending, used when the config or its
// plugin's updated_at changes (spec §3 "VMs ... discarded when the config's
// updated_at changes").
func (t *vmStateTable) reset(configID int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.states[configID] = &vmState{status: StatusPending}
}

// shouldAttempt reports whether a worker may attempt (or re-attempt) a
// compile for this config right now.
func (t *vmStateTable) shouldAttempt(configID int) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := t.states[configID]
	if s == nil {
		return true
	}
	switch s.status {
	case StatusPermanentFail:
		return false
	case StatusTransientFail:
		return !time.Now().Before(s.nextRetryAt)
	default:
		return true
	}
}

func (t *vmStateTable) status(configID int) VMStatus {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := t.states[configID]
	if s == nil {
		return StatusPending
	}
	return s.status
}

func (t *vmStateTable) reportSuccess(configID int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := t.getLocked(configID)
	s.status = StatusReady
	s.attempts = 0
	s.lastErr = ""
}

// reportTransientFail records a retryable init failure, transitioning to
// PermanentFail if the attempt cap is exceeded. Returns true if this
// transition was the one that crossed into PermanentFail (so the caller
// disables the plugin row exactly once).
func (t *vmStateTable) reportTransientFail(configID int, errMsg string) (permanent bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := t.getLocked(configID)
	s.attempts++
	s.lastErr = errMsg
	if s.attempts >= maxAttempts {
		s.status = StatusPermanentFail
		return true
	}
	s.status = StatusTransientFail
	s.nextRetryAt = time.Now().Add(backoffDelay(s.attempts))
	return false
}

func (t *vmStateTable) reportPermanentFail(configID int, errMsg string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := t.getLocked(configID)
	s.status = StatusPermanentFail
	s.lastErr = errMsg
}

// getLocked must be called with t.mu held.
func (t *vmStateTable) getLocked(configID int) *vmState {
	s, ok := t.states[configID]
	if !ok {
		s = &vmState{status: StatusPending}
		t.states[configID] = s
	}
	return s
}
