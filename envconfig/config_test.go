package envconfig

import (
	"log/slog"
	"testing"

	"github.com/havenmast/llamacore/logutil"
	"github.com/stretchr/testify/require"
)

func TestConfigDefaults(t *testing.T) {
	Threads = 8
	MaxSessions = 0
	Debug = false

	t.Setenv("LLAMACORE_THREADS", "")
	t.Setenv("LLAMACORE_CACHE_LIMIT", "")
	t.Setenv("LLAMACORE_MAX_SESSIONS", "")
	t.Setenv("LLAMACORE_DEBUG", "")
	LoadConfig()

	require.Equal(t, 8, Threads)
	require.Equal(t, 0, MaxSessions)
	require.False(t, Debug)
}

func TestConfigOverrides(t *testing.T) {
	t.Setenv("LLAMACORE_THREADS", "4")
	t.Setenv("LLAMACORE_CACHE_LIMIT", "1048576")
	t.Setenv("LLAMACORE_MAX_SESSIONS", "16")
	t.Setenv("LLAMACORE_DEBUG", "1")
	LoadConfig()

	require.Equal(t, 4, Threads)
	require.EqualValues(t, 1048576, CacheLimit)
	require.Equal(t, 16, MaxSessions)
	require.True(t, Debug)
}

func TestConfigIgnoresInvalidValues(t *testing.T) {
	Threads = 8
	t.Setenv("LLAMACORE_THREADS", "not-a-number")
	LoadConfig()
	require.Equal(t, 8, Threads)

	t.Setenv("LLAMACORE_THREADS", "-3")
	LoadConfig()
	require.Equal(t, 8, Threads)
}

func TestLogLevelFollowsDebug(t *testing.T) {
	Debug = false
	require.Equal(t, slog.LevelInfo, LogLevel())

	Debug = true
	require.Equal(t, logutil.LevelTrace, LogLevel())
}
