package config

import (
	"bytes"
	"encoding/json"
	"strings"
	"time"
)

type Config struct {
	Telegram TelegramConfig `json:"telegram"`
	Logging  LoggingConfig  `json:"logging"`
	Pprof    PprofConfig    `json:"pprof,omitempty"`

	// Scheduler controls trigger behavior (cron/interval/once).
	Scheduler SchedulerConfig `json:"scheduler"`

	// TaskEngine controls execution settings for scheduled tasks.
	TaskEngine *TaskEngineConfig `json:"task_engine,omitempty"`

	Notifier *NotifierConfig `json:"notifier,omitempty"`
	Storage  *StorageConfig  `json:"storage,omitempty"`

	// Watch controls the shared publisher-watch machinery (pacing, fetching).
	// Per-publisher settings live under the owning plugin's config block.
	Watch *WatchConfig `json:"watch,omitempty"`

	// Broadcast controls the owner announcement fan-out.
	Broadcast *BroadcastConfig `json:"broadcast,omitempty"`

	Plugins map[string]PluginConfigRaw `json:"plugins"`
}

// WatchConfig tunes the incremental watch core shared by all publisher
// plugins.
//
// All durations are Go duration strings (e.g. "1s", "30s").
//
// Defaults (when fields are omitted/zero):
//   - pace_interval: "1s" (also the enforced minimum)
//   - http_timeout: "30s"
//   - max_findings_per_pass: 200
type WatchConfig struct {
	// PaceInterval is the minimum gap between two delivered findings.
	// Values below one second are raised to one second.
	PaceInterval string `json:"pace_interval,omitempty"`

	// HTTPTimeout bounds a single fetch against a publisher.
	HTTPTimeout string `json:"http_timeout,omitempty"`

	// UserAgent overrides the outgoing User-Agent header.
	UserAgent string `json:"user_agent,omitempty"`

	// MaxFindingsPerPass caps deliveries in one pass per binding; the rest
	// are dropped with a warning. 0 means the built-in default.
	MaxFindingsPerPass int `json:"max_findings_per_pass,omitempty"`
}

// PaceOr returns the delivery pace or def when unset. Malformed values
// fall back to def; Validate catches them at load time.
func (w *WatchConfig) PaceOr(def time.Duration) time.Duration {
	if w == nil {
		return def
	}
	d, err := ParseDurationOrDefault("watch.pace_interval", w.PaceInterval, def)
	if err != nil {
		return def
	}
	return d
}

// HTTPTimeoutOr returns the fetch timeout or def when unset.
func (w *WatchConfig) HTTPTimeoutOr(def time.Duration) time.Duration {
	if w == nil {
		return def
	}
	d, err := ParseDurationOrDefault("watch.http_timeout", w.HTTPTimeout, def)
	if err != nil {
		return def
	}
	return d
}

// UserAgentOr returns the outgoing User-Agent or def when unset.
func (w *WatchConfig) UserAgentOr(def string) string {
	if w == nil || strings.TrimSpace(w.UserAgent) == "" {
		return def
	}
	return strings.TrimSpace(w.UserAgent)
}

// MaxFindingsOr returns the per-pass delivery cap or def when unset.
func (w *WatchConfig) MaxFindingsOr(def int) int {
	if w == nil || w.MaxFindingsPerPass <= 0 {
		return def
	}
	return w.MaxFindingsPerPass
}

// Validate rejects malformed duration fields early.
func (w *WatchConfig) Validate() error {
	if w == nil {
		return nil
	}
	if _, err := ParseDurationField("watch.pace_interval", w.PaceInterval); err != nil {
		return err
	}
	if _, err := ParseDurationField("watch.http_timeout", w.HTTPTimeout); err != nil {
		return err
	}
	return nil
}

// TaskEngineConfig controls the task execution engine.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
//
// Enabled is a pointer so we can distinguish "omitted" (default to
// scheduler.enabled) from an explicit false.
//
// Defaults (when fields are omitted/zero):
//   - enabled: scheduler.enabled
//   - workers: 2
//   - queue_size: 256
//   - default_timeout: "0s" (disabled)
//   - max_queue_delay: "0s" (disabled)
//   - history_size: 200
//   - retry_max: 3
type TaskEngineConfig struct {
	Enabled *bool `json:"enabled,omitempty"`
	Workers int   `json:"workers,omitempty"`

	QueueSize int `json:"queue_size,omitempty"`

	// DefaultTimeout is a Go duration string (e.g. "10s", "1m").
	// Use "0s" to disable a global default timeout.
	DefaultTimeout string `json:"default_timeout,omitempty"`

	// MaxQueueDelay drops tasks that have been queued longer than this duration.
	// Use "0s" to disable stale queue dropping.
	MaxQueueDelay string `json:"max_queue_delay,omitempty"`

	HistorySize int `json:"history_size,omitempty"`
	RetryMax    int `json:"retry_max,omitempty"`
}

// NotifierConfig controls the async notification pipeline.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
// If the whole section is omitted, the notifier defaults to enabled=true.
type NotifierConfig struct {
	Enabled         bool   `json:"enabled"`
	Workers         int    `json:"workers"`
	QueueSize       int    `json:"queue_size"`
	RatePerSec      int    `json:"rate_per_sec"`
	RetryMax        int    `json:"retry_max"`
	RetryBase       string `json:"retry_base"`
	RetryMaxDelay   string `json:"retry_max_delay"`
	DedupWindow     string `json:"dedup_window"`
	DedupMaxEntries int    `json:"dedup_max_entries"`
	PersistDedup    bool   `json:"persist_dedup,omitempty"`
}

// BroadcastConfig controls the owner announcement fan-out (/announce).
//
// If the whole section is omitted, broadcasting defaults to enabled=true.
//
// Defaults (when fields are omitted/zero):
//   - workers: 4
//   - rate_per_sec: 10
//   - retry_max: 2
type BroadcastConfig struct {
	Enabled    bool `json:"enabled"`
	Workers    int  `json:"workers,omitempty"`
	RatePerSec int  `json:"rate_per_sec,omitempty"`
	RetryMax   int  `json:"retry_max,omitempty"`
}

// StorageConfig controls the persistence layer.
//
// Watch bindings and checkpoints live here, so running with driver "none"
// means every attachment is forgotten on restart.
//
// Example:
//
//	"storage": { "driver": "file", "path": "./pewwatch_store" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

// PprofConfig controls the optional pprof HTTP server.
//
// Security note:
//   - Prefer binding to localhost (e.g. "127.0.0.1:6060").
//   - If you bind to a non-loopback address, set a token or explicitly allow_insecure.
type PprofConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`   // default: "127.0.0.1:6060"
	Prefix        string `json:"prefix,omitempty"` // default: "/debug/pprof/"
	Token         string `json:"token,omitempty"`  // optional bearer token (do not log)
	AllowInsecure bool   `json:"allow_insecure,omitempty"`

	// Server timeouts (Go duration strings). WriteTimeout defaults to 0 (disabled)
	// so /profile (which can take 30s+) works reliably.
	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`

	// Runtime profiling rates. Leave 0 to keep Go defaults.
	MutexProfileFraction int `json:"mutex_profile_fraction,omitempty"`
	BlockProfileRate     int `json:"block_profile_rate,omitempty"`
	MemProfileRate       int `json:"mem_profile_rate,omitempty"`
}

type TelegramConfig struct {
	Token        string  `json:"token"`
	OwnerUserIDs []int64 `json:"owner_user_ids"`
	GroupLog     string  `json:"group_log"`
	// PollTimeout is a Go duration string (e.g. "10s", "2m").
	PollTimeout string `json:"poll_timeout"`
}

type LoggingConfig struct {
	Level    string          `json:"level"`
	Console  bool            `json:"console"`
	File     LoggingFile     `json:"file"`
	Telegram LoggingTelegram `json:"telegram"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

type LoggingTelegram struct {
	Enabled    bool   `json:"enabled"`
	ThreadID   int    `json:"thread_id"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// SchedulerConfig controls the scheduler (trigger) service.
type SchedulerConfig struct {
	Enabled bool `json:"enabled"`

	// Trigger timezone.
	Timezone string `json:"timezone,omitempty"`
}

type PluginConfigRaw struct {
	Enabled bool `json:"enabled"`
	// Allow is an optional capability allowlist for this plugin.
	//
	// Notes:
	//   - This is NOT a security boundary (plugins are still in-process).
	//   - It is an operational guardrail: core will wrap selected ports
	//     (Scheduler/Notifier/Storage) and deny calls that don't match.
	//   - If omitted or empty, all capabilities are allowed.
	Allow  []string        `json:"allow,omitempty"`
	Config json.RawMessage `json:"config,omitempty"`
}

// UnmarshalJSON disallows unknown fields to ensure removed legacy keys
// are caught early during config reload.
func (p *PluginConfigRaw) UnmarshalJSON(b []byte) error {
	type tmp struct {
		Enabled bool            `json:"enabled"`
		Allow   []string        `json:"allow,omitempty"`
		Config  json.RawMessage `json:"config,omitempty"`
	}
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()
	var t tmp
	if err := dec.Decode(&t); err != nil {
		return err
	}
	*p = PluginConfigRaw{Enabled: t.Enabled, Allow: t.Allow, Config: t.Config}
	return nil
}
