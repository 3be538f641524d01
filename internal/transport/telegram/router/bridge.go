package router

import (
	"pewwatch/internal/config"
	"pewwatch/internal/plugin/ops"
	"pewwatch/internal/runtime/supervisor"
	"pewwatch/internal/task/scheduler"
	"pewwatch/internal/watch"
)

// ---- Config ----

type Config = config.Config

type ConfigManager = config.ConfigManager

// ---- Runtime ----

type Supervisor = supervisor.Supervisor

var NewSupervisor = supervisor.NewSupervisor

var WithLogger = supervisor.WithLogger

var WithCancelOnError = supervisor.WithCancelOnError

// ---- Restart helpers (for resilient worker loops) ----

type RestartOption = supervisor.RestartOption

var WithRestartBackoff = supervisor.WithRestartBackoff

var WithMaxRestarts = supervisor.WithMaxRestarts

var WithFatalOnFinalError = supervisor.WithFatalOnFinalError

var WithPublishFirstError = supervisor.WithPublishFirstError

var WithStopOnCleanExit = supervisor.WithStopOnCleanExit

// ---- Task/scheduler operational types ----

type TaskOptions = scheduler.TaskOptions

type Snapshot = scheduler.Snapshot

type OverlapPolicy = scheduler.OverlapPolicy

const (
	OverlapAllow         = scheduler.OverlapAllow
	OverlapSkipIfRunning = scheduler.OverlapSkipIfRunning
)

// ---- Plugin operational types (no import cycle) ----

type PluginsSnapshot = ops.PluginsSnapshot

type PluginStatus = ops.PluginStatus

type PluginHealthResult = ops.PluginHealthResult

// ---- Watch operational types (attach/detach/run results) ----

type WatchSource = watch.Source

type WatchBindingView = watch.BindingView

type WatchPassResult = watch.PassResult

type WatchGroupResult = watch.GroupResult

type WatchSnapshot = watch.Snapshot

// ---- Schedule parsing (shared between router & plugins) ----

type ScheduleKind = scheduler.SpecKind

type ParsedSchedule = scheduler.ParsedSpec

const (
	ScheduleCron     = scheduler.SpecCron
	ScheduleInterval = scheduler.SpecInterval
)

func ParseSchedule(raw string) (ParsedSchedule, error) {
	return scheduler.ParseSchedule(raw)
}
