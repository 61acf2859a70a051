package log

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestInitLoggerLevel(t *testing.T) {
	old := Logger
	defer func() { Logger = old }()

	t.Setenv(LevelEnv, "debug")
	require.NoError(t, InitLogger())
	assert.True(t, Logger.Core().Enabled(zapcore.DebugLevel))
}

func TestInitLoggerBadLevel(t *testing.T) {
	old := Logger
	defer func() { Logger = old }()

	t.Setenv(LevelEnv, "chatty")
	assert.Error(t, InitLogger())
}
