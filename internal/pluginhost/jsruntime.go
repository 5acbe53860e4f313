package pluginhost

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"modernc.org/quickjs"

	"github.com/fluxcore/ingestd/internal/cachekv"
	"github.com/fluxcore/ingestd/internal/models"
)

// bgCtx is used for host-API calls reached from inside the VM, which have
// no Go context to thread through quickjs.RegisterFunc's plain-value
// signature. Redis calls through cachekv carry their own timeouts.
var bgCtx = context.Background()

// taskNames are the scheduled-task method names a plugin may export,
// recognized for capability extraction (spec §3 Plugin.Capabilities).
var taskNames = []string{"runEveryMinute", "runEveryHour", "runEveryDay"}

// optionalMethods are the discriminated-sum hook names a plugin config may
// expose (spec §9 "Plugin pipeline typing").
var optionalMethods = []string{
	"processEvent", "processEventBatch", "onEvent", "onSnapshot",
	"exportEvents", "teardownPlugin",
}

// compile evaluates a plugin config's source inside this Host's VM under a
// namespaced global, runs its optional setup hook, and indexes which
// methods and scheduled tasks it exposes. The VM work itself runs on the
// Host's owning goroutine via h.call; ctx bounds how long the caller waits
// for it, not how long compilation actually runs (see Host's doc comment).
func (h *Host) compile(ctx context.Context, cfg models.PluginConfig) (*compiledEntry, error) {
	global := fmt.Sprintf("PLUGIN_%d", cfg.ID)
	source := cfg.Plugin.Source
	if source == "" && len(cfg.Plugin.Archive) > 0 {
		// Archive extraction/transform is an isolated compiler pass the
		// core treats as an external collaborator (spec §1); by the time a
		// PluginConfig reaches this Host its Source should already be the
		// extracted entry-point module text. A config whose archive never
		// resolved to usable source is a corrupt-archive permanent failure.
		return nil, &initError{msg: "plugin has no resolved source (archive not pre-extracted)"}
	}

	result, err := h.call(ctx, func() (interface{}, error) {
		return h.compileOnVM(cfg, global, source)
	})
	if err != nil {
		return nil, err
	}
	entry, _ := result.(*compiledEntry)
	return entry, nil
}

// compileOnVM is compile's actual VM work. Only ever called on the Host's
// owning goroutine, from within a call closure — it touches h.vm directly
// because by construction nothing else is touching it concurrently.
func (h *Host) compileOnVM(cfg models.PluginConfig, global, source string) (*compiledEntry, error) {
	wrapper := fmt.Sprintf(`
		globalThis['%[1]s'] = (function() {
			%[2]s
			var exports = {};
			if (typeof processEvent === 'function') exports.processEvent = processEvent;
			if (typeof processEventBatch === 'function') exports.processEventBatch = processEventBatch;
			if (typeof onEvent === 'function') exports.onEvent = onEvent;
			if (typeof onSnapshot === 'function') exports.onSnapshot = onSnapshot;
			if (typeof exportEvents === 'function') exports.exportEvents = exportEvents;
			if (typeof teardownPlugin === 'function') exports.teardownPlugin = teardownPlugin;
			if (typeof runEveryMinute === 'function') exports.runEveryMinute = runEveryMinute;
			if (typeof runEveryHour === 'function') exports.runEveryHour = runEveryHour;
			if (typeof runEveryDay === 'function') exports.runEveryDay = runEveryDay;
			if (typeof setupPlugin === 'function') exports.setupPlugin = setupPlugin;
			return exports;
		})();
	`, global, source)

	if _, err := h.vm.Eval(wrapper, quickjs.EvalGlobal); err != nil {
		return nil, &initError{msg: fmt.Sprintf("plugin %s: syntax/eval error: %v", cfg.Plugin.Name, err)}
	}

	entry := &compiledEntry{
		global:          global,
		methods:         make(map[string]bool),
		configUpdatedAt: cfg.UpdatedAt,
	}
	for _, m := range optionalMethods {
		if h.hasExport(global, m) {
			entry.methods[m] = true
		}
	}
	for _, t := range taskNames {
		if h.hasExport(global, t) {
			entry.tasks = append(entry.tasks, t)
		}
	}

	if h.hasExport(global, "setupPlugin") {
		if err := h.runSetup(global, cfg); err != nil {
			return nil, err
		}
	}

	return entry, nil
}

// hasExport checks whether the compiled plugin's exports object has a
// callable property named method.
func (h *Host) hasExport(global, method string) bool {
	res, err := h.vm.Call("__has_export", global, method)
	if err != nil {
		return false
	}
	b, _ := res.(bool)
	return b
}

// runSetup invokes the plugin's optional setupPlugin(meta) hook. A thrown
// value is surfaced as an *initError carrying the raw JSON so
// classifyInitError can read its retryable marker.
func (h *Host) runSetup(global string, cfg models.PluginConfig) error {
	metaJSON, err := h.buildMeta(cfg)
	if err != nil {
		return &initError{msg: fmt.Sprintf("build meta for %s: %v", global, err)}
	}
	res, err := h.vm.Call("__run_setup_json", global, metaJSON)
	if err != nil {
		return &initError{msg: fmt.Sprintf("plugin %s setupPlugin threw: %v", global, err), payload: fmt.Sprintf(`{"retryable":false,"message":%q}`, err.Error())}
	}
	resultJSON, _ := res.(string)

	var result struct {
		OK      bool   `json:"ok"`
		Error   string `json:"error"`
		Payload string `json:"payload"`
	}
	if err := json.Unmarshal([]byte(resultJSON), &result); err != nil {
		return nil // no structured failure reported, treat as success
	}
	if !result.OK {
		return &initError{msg: result.Error, payload: result.Payload}
	}
	return nil
}

// invokeProcessEvent calls a compiled plugin's processEvent(event, meta) and
// decodes the result back into an Event, or nil if the plugin returned null
// (spec §4.3 "If the plugin returns null, pipeline terminates"). The actual
// quickjs call is handed to the Host's owning goroutine and raced against
// ctx (see Host's doc comment) so a hanging plugin can't block the caller —
// or the worker it's running on — past ctx's deadline.
func (h *Host) invokeProcessEvent(ctx context.Context, cfg models.PluginConfig, entry *compiledEntry, event models.Event) (*models.Event, error) {
	eventJSON, err := json.Marshal(event)
	if err != nil {
		return nil, fmt.Errorf("marshal event: %w", err)
	}
	metaJSON, err := h.buildMeta(cfg)
	if err != nil {
		return nil, fmt.Errorf("build meta: %w", err)
	}

	res, err := h.call(ctx, func() (interface{}, error) {
		return h.vm.Call("__run_process_event_json", entry.global, string(eventJSON), metaJSON)
	})
	if err != nil {
		return nil, err
	}
	resultJSON, ok := res.(string)
	if !ok {
		return nil, fmt.Errorf("processEvent returned non-string result")
	}
	if resultJSON == "null" {
		return nil, nil
	}

	var out models.Event
	if err := json.Unmarshal([]byte(resultJSON), &out); err != nil {
		return nil, fmt.Errorf("unmarshal processEvent result: %w", err)
	}
	return &out, nil
}

// invokeOnEvent calls a compiled plugin's onEvent(event, meta) observer hook.
// Its return value is ignored by design (spec §4.4/§9 decision 3: onEvent
// observes every event and never participates in the processEvent drop
// chain); a thrown error is logged by the caller, not treated as a pipeline
// failure. Routed through h.call like invokeProcessEvent, so it honors ctx
// the same way.
func (h *Host) invokeOnEvent(ctx context.Context, cfg models.PluginConfig, entry *compiledEntry, event models.Event) error {
	eventJSON, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	metaJSON, err := h.buildMeta(cfg)
	if err != nil {
		return fmt.Errorf("build meta: %w", err)
	}

	res, err := h.call(ctx, func() (interface{}, error) {
		return h.vm.Call("__run_on_event_json", entry.global, string(eventJSON), metaJSON)
	})
	if err != nil {
		return err
	}
	resultJSON, _ := res.(string)
	var result struct {
		OK    bool   `json:"ok"`
		Error string `json:"error"`
	}
	if err := json.Unmarshal([]byte(resultJSON), &result); err != nil {
		return nil
	}
	if !result.OK {
		return fmt.Errorf("%s", result.Error)
	}
	return nil
}

// invokeScheduledTask calls a compiled plugin's runEveryMinute/Hour/Day(meta)
// export. Its return value is discarded; scheduled tasks act through the
// host API's storage/cache, not through a return-value contract. Routed
// through h.call like invokeProcessEvent, so it honors ctx the same way.
func (h *Host) invokeScheduledTask(ctx context.Context, cfg models.PluginConfig, entry *compiledEntry, task string) error {
	metaJSON, err := h.buildMeta(cfg)
	if err != nil {
		return fmt.Errorf("build meta: %w", err)
	}
	res, err := h.call(ctx, func() (interface{}, error) {
		return h.vm.Call("__run_task_json", entry.global, task, metaJSON)
	})
	if err != nil {
		return err
	}
	resultJSON, _ := res.(string)
	var result struct {
		OK    bool   `json:"ok"`
		Error string `json:"error"`
	}
	if err := json.Unmarshal([]byte(resultJSON), &result); err != nil {
		return nil
	}
	if !result.OK {
		return fmt.Errorf("%s", result.Error)
	}
	return nil
}

// buildMeta serializes the per-invocation meta object (spec §4.3: config,
// attachments, global, cache, storage). global/cache/storage are exposed to
// JS as host-API-backed shims (see injectHostAPI), so only the static parts
// — config and attachment metadata — travel as JSON here.
func (h *Host) buildMeta(cfg models.PluginConfig) (string, error) {
	attachmentNames := make(map[string]string, len(cfg.Attachments))
	for name, a := range cfg.Attachments {
		attachmentNames[name] = a.FileName
	}
	meta := struct {
		ConfigID    int               `json:"config_id"`
		TeamID      int               `json:"team_id"`
		Config      map[string]any    `json:"config"`
		Attachments map[string]string `json:"attachments"`
	}{
		ConfigID:    cfg.ID,
		TeamID:      cfg.TeamID,
		Config:      cfg.Config,
		Attachments: attachmentNames,
	}
	data, err := json.Marshal(meta)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// injectHostAPI registers the Go-backed functions the JS shim layer wraps
// into `meta.cache`, `meta.storage`, and the pipeline/setup runners (spec
// §4.3 meta fields; §5 "cache is shared across workers ... storage is
// persisted via the cache").
func (h *Host) injectHostAPI() error {
	funcs := map[string]interface{}{
		"__internal_sanitize_html": func(dirty string) string {
			return h.sanitizer.Sanitize(dirty)
		},
		"__internal_storage_get": func(configID int, key string) string {
			val, _, _ := h.cache.GetString(bgCtx, cachekv.PluginStorageKey(configID, key))
			return val
		},
		"__internal_storage_set": func(configID int, key, val string) int32 {
			if err := h.cache.SetString(bgCtx, cachekv.PluginStorageKey(configID, key), val, 0); err != nil {
				return 0
			}
			return 1
		},
		"__internal_storage_delete": func(configID int, key string) int32 {
			if err := h.cache.Delete(bgCtx, cachekv.PluginStorageKey(configID, key)); err != nil {
				return 0
			}
			return 1
		},
		"__internal_cache_get": func(key string) string {
			val, _, _ := h.cache.GetString(bgCtx, cachekv.PluginCacheKey(key))
			return val
		},
		"__internal_cache_set": func(key, val string, ttlSeconds int32) int32 {
			if err := h.cache.SetString(bgCtx, cachekv.PluginCacheKey(key), val, time.Duration(ttlSeconds)*time.Second); err != nil {
				return 0
			}
			return 1
		},
	}
	for name, fn := range funcs {
		if err := h.vm.RegisterFunc(name, fn, false); err != nil {
			return fmt.Errorf("register %s: %w", name, err)
		}
	}

	if _, err := h.vm.Eval(jsHostShim, quickjs.EvalGlobal); err != nil {
		return fmt.Errorf("host shim: %w", err)
	}
	if _, err := h.vm.Eval(jsRunners, quickjs.EvalGlobal); err != nil {
		return fmt.Errorf("runners: %w", err)
	}
	return nil
}

// jsHostShim exposes the registered Go functions as the `Host` object
// plugin code sees as `meta.cache`/`meta.storage`, and a console shim so
// plugin console.log calls don't crash the VM.
const jsHostShim = `
var __Host = {
	storage: {
		get: function(configId, k) { return __internal_storage_get(configId, k); },
		set: function(configId, k, v) { return __internal_storage_set(configId, k, v) === 1; },
		del: function(configId, k) { return __internal_storage_delete(configId, k) === 1; }
	},
	cache: {
		get: function(k) { return __internal_cache_get(k); },
		set: function(k, v, ttl) { return __internal_cache_set(k, v, ttl || 0) === 1; }
	},
	sanitize: function(html) { return __internal_sanitize_html(html); }
};
globalThis.console = {
	log: function() {},
	error: function() {},
	warn: function() {},
	info: function() {}
};
`

// jsRunners defines the JSON-in/JSON-out entry points Go calls into: export
// presence checks, setupPlugin invocation, and processEvent invocation. All
// cross the Go/JS boundary as strings, mirroring the JSON round-tripping
// pattern used by the worker-pool plugin runtime this package is grounded on.
const jsRunners = `
function __has_export(global, method) {
	var p = globalThis[global];
	return !!(p && typeof p[method] === 'function');
}

function __run_setup_json(global, metaJSON) {
	var p = globalThis[global];
	var meta = JSON.parse(metaJSON);
	meta.storage = { get: function(k){ return __Host.storage.get(meta.config_id, k); }, set: function(k,v){ return __Host.storage.set(meta.config_id, k, v); } };
	meta.cache = __Host.cache;
	meta.global = (globalThis.__plugin_globals = globalThis.__plugin_globals || {})[global] = globalThis.__plugin_globals[global] || {};
	try {
		p.setupPlugin(meta);
		return JSON.stringify({ ok: true });
	} catch (e) {
		var retryable = !!(e && e.retryable);
		var message = (e && e.message) ? e.message : String(e);
		return JSON.stringify({ ok: false, error: message, payload: JSON.stringify({ retryable: retryable, message: message }) });
	}
}

function __run_process_event_json(global, eventJSON, metaJSON) {
	var p = globalThis[global];
	var event = JSON.parse(eventJSON);
	var meta = JSON.parse(metaJSON);
	meta.storage = { get: function(k){ return __Host.storage.get(meta.config_id, k); }, set: function(k,v){ return __Host.storage.set(meta.config_id, k, v); } };
	meta.cache = __Host.cache;
	meta.global = (globalThis.__plugin_globals = globalThis.__plugin_globals || {})[global] = globalThis.__plugin_globals[global] || {};
	var result = p.processEvent(event, meta);
	if (result === null || result === undefined) return "null";
	return JSON.stringify(result);
}

function __run_task_json(global, taskName, metaJSON) {
	var p = globalThis[global];
	var meta = JSON.parse(metaJSON);
	meta.storage = { get: function(k){ return __Host.storage.get(meta.config_id, k); }, set: function(k,v){ return __Host.storage.set(meta.config_id, k, v); } };
	meta.cache = __Host.cache;
	meta.global = (globalThis.__plugin_globals = globalThis.__plugin_globals || {})[global] = globalThis.__plugin_globals[global] || {};
	try {
		p[taskName](meta);
		return JSON.stringify({ ok: true });
	} catch (e) {
		return JSON.stringify({ ok: false, error: (e && e.message) ? e.message : String(e) });
	}
}

function __run_on_event_json(global, eventJSON, metaJSON) {
	var p = globalThis[global];
	var event = JSON.parse(eventJSON);
	var meta = JSON.parse(metaJSON);
	meta.storage = { get: function(k){ return __Host.storage.get(meta.config_id, k); }, set: function(k,v){ return __Host.storage.set(meta.config_id, k, v); } };
	meta.cache = __Host.cache;
	meta.global = (globalThis.__plugin_globals = globalThis.__plugin_globals || {})[global] = globalThis.__plugin_globals[global] || {};
	try {
		p.onEvent(event, meta);
		return JSON.stringify({ ok: true });
	} catch (e) {
		return JSON.stringify({ ok: false, error: (e && e.message) ? e.message : String(e) });
	}
}
`
