package pluginhost

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime"
	"time"

	"github.com/microcosm-cc/bluemonday"
	"github.com/rs/zerolog"
	"modernc.org/quickjs"

	"github.com/fluxcore/ingestd/internal/apperrors"
	"github.com/fluxcore/ingestd/internal/cachekv"
	"github.com/fluxcore/ingestd/internal/logger"
	"github.com/fluxcore/ingestd/internal/models"
)

// compiledEntry is what a Host knows locally about one config's VM-resident
// plugin: which optional methods it exposes, keyed by the wrapper's global
// name. The VM itself is the source of truth; this is just a presence index
// so the pipeline doesn't pay a round-trip into the VM to ask "do you have
// processEvent" for every event.
type compiledEntry struct {
	global          string
	methods         map[string]bool
	tasks           []string
	configUpdatedAt time.Time
}

// Host is a single worker's plugin execution context: one quickjs VM, one
// goroutine, one set of locally compiled plugins. Never shared across
// workers (spec §4.2 "Isolation").
//
// The VM is owned by a dedicated goroutine (started by NewHost, run by
// (*Host).own) rather than by whichever workerpool goroutine happens to call
// in. Every touch of h.vm — compiling a plugin, invoking a hook — is a
// closure handed to that goroutine through calls and raced against the
// caller's ctx: quickjs has no interrupt primitive this package found a way
// to use, so a call that outlives its ctx is not stopped, only abandoned by
// its caller. Racing it this way, instead of calling h.vm straight from the
// workerpool goroutine, is what lets RunTask's timeout actually free the
// worker for its next job (spec §4.2 "leaving the worker available") while
// still guaranteeing the VM itself is never entered by two goroutines at
// once, even while an abandoned call is still running.
type Host struct {
	id        int
	mgr       *Manager
	cache     *cachekv.Store
	sanitizer *bluemonday.Policy
	log       *zerolog.Logger

	vm     *quickjs.VM             // touched only from own's goroutine
	locals map[int]*compiledEntry // configID -> compiled entry, this worker only
	calls  chan func()
	closed chan struct{}
}

// NewHost creates a Host and starts the goroutine that owns its VM for the
// Host's entire lifetime. It blocks until the VM is constructed and the host
// API is injected, so a caller can treat a non-nil, no-error return as ready
// to use immediately.
func NewHost(id int, mgr *Manager, cache *cachekv.Store) (*Host, error) {
	h := &Host{
		id:        id,
		mgr:       mgr,
		cache:     cache,
		sanitizer: bluemonday.UGCPolicy(),
		log:       logger.PluginHost(),
		locals:    make(map[int]*compiledEntry),
		calls:     make(chan func()),
		closed:    make(chan struct{}),
	}

	ready := make(chan error, 1)
	go h.own(ready)
	if err := <-ready; err != nil {
		return nil, err
	}
	return h, nil
}

// own runs for the Host's entire lifetime on one OS-thread-pinned goroutine,
// the same binding the reference worker-pool implementation this is
// grounded on uses for one quickjs.VM per worker thread. It builds the VM,
// signals readiness, then serializes every subsequent VM touch handed to it
// through calls until Close tells it to stop.
func (h *Host) own(ready chan<- error) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	vm, err := quickjs.NewVM()
	if err != nil {
		ready <- fmt.Errorf("worker %d: init quickjs VM: %w", h.id, err)
		return
	}
	h.vm = vm
	if err := h.injectHostAPI(); err != nil {
		_ = vm.Close()
		ready <- fmt.Errorf("worker %d: inject host API: %w", h.id, err)
		return
	}
	ready <- nil

	for {
		select {
		case fn := <-h.calls:
			fn()
		case <-h.closed:
			_ = h.vm.Close()
			return
		}
	}
}

// call hands fn to the Host's VM-owning goroutine and waits for it, unless
// ctx is done first. A call already handed off is never retracted — it runs
// to completion on the owning goroutine regardless of whether its caller
// gave up, so the next call behind it waits its turn rather than racing it
// for the VM.
func (h *Host) call(ctx context.Context, fn func() (interface{}, error)) (interface{}, error) {
	done := make(chan struct {
		val interface{}
		err error
	}, 1)

	select {
	case h.calls <- func() {
		val, err := fn()
		done <- struct {
			val interface{}
			err error
		}{val, err}
	}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	select {
	case r := <-done:
		return r.val, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close stops the Host's VM-owning goroutine and releases its VM. If that
// goroutine is in the middle of a call that never returns (no quickjs
// interrupt primitive to force it), Close does not block on it — the
// goroutine, and the VM, leak for the life of the process rather than
// hanging shutdown.
func (h *Host) Close() error {
	select {
	case <-h.closed:
	default:
		close(h.closed)
	}
	return nil
}

// RunProcessEvent executes the ordered pipeline for event.TeamID against
// this worker's local VM state (spec §4.3 "Pipeline execution"). Returns
// the (possibly mutated) event, or nil if a plugin returned null — the
// pipeline terminates immediately and nothing downstream sees the event
// (spec §8 invariant 5).
func (h *Host) RunProcessEvent(ctx context.Context, event models.Event) (*models.Event, error) {
	pipeline := h.mgr.Pipeline(event.TeamID)

	// onEvent is an observer hook: every config that exports it sees the
	// event exactly once, before any processEvent stage runs, regardless of
	// whether a later plugin in the chain returns null (SPEC_FULL §5
	// decision 3). It never mutates the event and its errors are logged,
	// not propagated.
	for _, cfg := range pipeline {
		entry, err := h.ensureCompiled(ctx, cfg)
		if err != nil || !entry.methods["onEvent"] {
			continue
		}
		if err := h.invokeOnEvent(ctx, cfg, entry, event); err != nil {
			h.recordRuntimeError(ctx, cfg, err)
		}
	}

	current := event
	for _, cfg := range pipeline {
		entry, err := h.ensureCompiled(ctx, cfg)
		if err != nil {
			// Compile failed (or is still pending/backing off): spec §4.3
			// "All callers ... must tolerate a null resolution — skip this
			// plugin for this event".
			continue
		}
		if !entry.methods["processEvent"] {
			continue
		}

		result, err := h.invokeProcessEvent(ctx, cfg, entry, current)
		if err != nil {
			if ctx.Err() != nil {
				// The caller's deadline passed while the plugin ran: the
				// task has timed out, so stop here rather than continue.
				return nil, err
			}
			// Plugin runtime error (spec §7 (d)): record, pipeline continues
			// unchanged into the next config.
			h.recordRuntimeError(ctx, cfg, err)
			continue
		}
		if result == nil {
			return nil, nil
		}
		current = *result
	}
	return &current, nil
}

// RunScheduledTask invokes a compiled plugin config's runEveryMinute/Hour/Day
// export (spec §4.5 "dispatches ... to the worker pool", §3 Plugin.Capabilities
// "tasks"). configID must already be known to the Manager; a config that
// never exported task has nothing to call and this is a no-op.
func (h *Host) RunScheduledTask(ctx context.Context, configID int, task string) error {
	cfg, ok := h.mgr.Config(configID)
	if !ok {
		return fmt.Errorf("config %d not found", configID)
	}
	entry, err := h.ensureCompiled(ctx, cfg)
	if err != nil {
		return err
	}
	exported := false
	for _, t := range entry.tasks {
		if t == task {
			exported = true
		}
	}
	if !exported {
		return nil
	}
	if err := h.invokeScheduledTask(ctx, cfg, entry, task); err != nil {
		h.recordRuntimeError(ctx, cfg, err)
		return err
	}
	return nil
}

// ensureCompiled returns this worker's locally compiled entry for cfg,
// compiling it now if this Host hasn't seen it yet (or it went stale) and
// the Manager's shared backoff schedule allows an attempt right now.
func (h *Host) ensureCompiled(ctx context.Context, cfg models.PluginConfig) (*compiledEntry, error) {
	if existing, ok := h.locals[cfg.ID]; ok && existing.configUpdatedAt.Equal(cfg.UpdatedAt) {
		if h.mgr.VMStatus(cfg.ID) == StatusPermanentFail {
			return nil, fmt.Errorf("config %d permanently failed", cfg.ID)
		}
		return existing, nil
	}

	if h.mgr.VMStatus(cfg.ID) == StatusPermanentFail {
		return nil, fmt.Errorf("config %d permanently failed", cfg.ID)
	}
	if !h.mgr.ShouldAttempt(cfg.ID) {
		return nil, fmt.Errorf("config %d not ready: waiting for next retry window", cfg.ID)
	}

	entry, err := h.compile(ctx, cfg)
	if err != nil {
		retryable, code, msg := classifyInitError(err)
		if appErr := h.mgr.ReportCompileFailure(ctx, cfg, code, msg, err, retryable); appErr != nil && appErr.Class == apperrors.ClassPluginInitPermanent {
			h.log.Warn().Int("config_id", cfg.ID).Str("plugin", cfg.Plugin.Name).Err(err).Msg("plugin permanently failed init")
		}
		return nil, err
	}

	caps := models.Capabilities{Tasks: entry.tasks}
	for method := range entry.methods {
		caps.Methods = append(caps.Methods, method)
	}
	h.mgr.ReportCompileSuccess(ctx, cfg, caps)
	h.locals[cfg.ID] = entry
	return entry, nil
}

// recordRuntimeError attaches a plugin-runtime error to the offending
// config (spec §7 (d)) without touching the LazyVM state — a runtime throw
// is not an init failure.
func (h *Host) recordRuntimeError(ctx context.Context, cfg models.PluginConfig, cause error) {
	h.log.Warn().Int("config_id", cfg.ID).Str("plugin", cfg.Plugin.Name).Err(cause).Msg("plugin threw during processEvent")
	if err := h.mgr.pluginDB.InsertLogEntry(ctx, cfg.ID, "plugin", "error", cause.Error(), fmt.Sprintf("worker-%d", h.id)); err != nil {
		h.log.Warn().Err(err).Int("config_id", cfg.ID).Msg("failed to record runtime error log entry")
	}
}

// classifyInitError decides whether a compile/init failure is retryable
// (spec §4.3 "explicitly raised by plugin init with a retryable marker") by
// convention: a thrown init error whose JSON payload sets
// {"retryable": true} is transient; anything else — syntax errors, missing
// exports, unmarked throws — is permanent.
func classifyInitError(err error) (retryable bool, code, message string) {
	var payload struct {
		Retryable bool   `json:"retryable"`
		Message   string `json:"message"`
	}
	if jsonErr, ok := err.(*initError); ok {
		if json.Unmarshal([]byte(jsonErr.payload), &payload) == nil && payload.Retryable {
			return true, "PLUGIN_INIT_RETRY", payload.Message
		}
		return false, "PLUGIN_INIT_FAILED", jsonErr.Error()
	}
	return false, "PLUGIN_INIT_FAILED", err.Error()
}

// initError wraps a raw init-time failure together with the raw JSON the
// plugin's setup hook threw, so classifyInitError can inspect it.
type initError struct {
	msg     string
	payload string
}

func (e *initError) Error() string { return e.msg }
