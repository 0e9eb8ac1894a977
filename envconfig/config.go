// Package envconfig holds the environment-variable-driven defaults for the
// embeddable engine, layered under the explicit per-call options in
// runtime's construction structs, adapted from the teacher's envconfig
// package.
package envconfig

import (
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/havenmast/llamacore/logutil"
)

var (
	// Set via LLAMACORE_THREADS in the environment; default worker pool
	// size when a construction struct leaves Threads at zero (§4.4).
	Threads int
	// Set via LLAMACORE_CACHE_LIMIT in the environment; default weight-
	// cache byte budget for read-cache access mode (§4.1).
	CacheLimit int64
	// Set via LLAMACORE_MAX_SESSIONS in the environment; default session
	// cap when a construction struct leaves MaxSessions at zero (§3).
	MaxSessions int
	// Set via LLAMACORE_DEBUG in the environment.
	Debug bool
)

type EnvVar struct {
	Name        string
	Value       any
	Description string
}

func AsMap() map[string]EnvVar {
	return map[string]EnvVar{
		"LLAMACORE_THREADS":      {"LLAMACORE_THREADS", Threads, "Worker pool size (default 8)"},
		"LLAMACORE_CACHE_LIMIT":  {"LLAMACORE_CACHE_LIMIT", CacheLimit, "Weight read-cache byte budget"},
		"LLAMACORE_MAX_SESSIONS": {"LLAMACORE_MAX_SESSIONS", MaxSessions, "Default cap on live sessions per model (0 = unbounded)"},
		"LLAMACORE_DEBUG":        {"LLAMACORE_DEBUG", Debug, "Enable trace-level logging"},
	}
}

// LogLevel returns the level the engine's default logger should run at:
// LevelTrace (per-step dispatch tracing) when LLAMACORE_DEBUG is set,
// slog.LevelInfo otherwise.
func LogLevel() slog.Level {
	if Debug {
		return logutil.LevelTrace
	}
	return slog.LevelInfo
}

// clean strips quotes and surrounding whitespace from an env value.
func clean(key string) string {
	return strings.Trim(os.Getenv(key), "\"' ")
}

func init() {
	Threads = 8
	MaxSessions = 0

	LoadConfig()
}

// LoadConfig re-reads the environment. Exported so tests can reset state
// between cases without relying on process init order.
func LoadConfig() {
	if v := clean("LLAMACORE_THREADS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			Threads = n
		}
	}

	if v := clean("LLAMACORE_CACHE_LIMIT"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			CacheLimit = n
		}
	}

	if v := clean("LLAMACORE_MAX_SESSIONS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			MaxSessions = n
		}
	}

	if v := clean("LLAMACORE_DEBUG"); v != "" {
		if d, err := strconv.ParseBool(v); err == nil {
			Debug = d
		} else {
			Debug = true
		}
	}
}
