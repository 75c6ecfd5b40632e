// Package logging wires up zerolog for the weft daemon: a single
// global logger configured once at startup, plus helpers that build
// component-, run- and task-scoped child loggers. Only cmd/weftd and
// internal/transport log through it; the dispatch/director/worker/
// strategist/worktree packages take no logger.
//
// Grounded on cuemby-warren's pkg/log (Config/Init/WithComponent
// shape), generalized with run- and task-scoped child loggers for
// weft's per-run concurrency model.
package logging

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Logger is the process-wide base logger. Init replaces it; every
// component/run/task-scoped logger below derives from it.
var Logger zerolog.Logger

func init() {
	Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
}

// Config selects the level and output shape for Init.
type Config struct {
	Level  string // "debug", "info", "warn", "error"; unknown values fall back to info
	Pretty bool   // console-writer output instead of JSON lines
	Output io.Writer
}

// Init configures the global Logger. Call once at daemon startup,
// before any component logger is derived from it.
func Init(cfg Config) {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	output := cfg.Output
	if output == nil {
		output = os.Stderr
	}

	if cfg.Pretty {
		Logger = zerolog.New(zerolog.ConsoleWriter{Out: output, TimeFormat: time.RFC3339}).
			With().Timestamp().Logger()
		return
	}
	Logger = zerolog.New(output).With().Timestamp().Logger()
}

// Component returns a child logger tagged with the owning package, for
// example "dispatch", "director", "worker", "strategist", "worktree".
func Component(name string) zerolog.Logger {
	return Logger.With().Str("component", name).Logger()
}

// Run returns a child logger scoped to a single run, for use inside a
// run's dispatch loop goroutine.
func Run(component, runID string) zerolog.Logger {
	return Logger.With().Str("component", component).Str("run_id", runID).Logger()
}

// Task returns a child logger scoped to a single task within a run, for
// use inside a worker or strategist job goroutine.
func Task(component, runID, taskID string) zerolog.Logger {
	return Logger.With().Str("component", component).Str("run_id", runID).Str("task_id", taskID).Logger()
}
