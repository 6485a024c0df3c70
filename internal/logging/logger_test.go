package logging

import (
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestNewBuildsBothModes(t *testing.T) {
	t.Parallel()

	for _, development := range []bool{true, false} {
		logger, err := New(development)
		require.NoError(t, err)
		require.NotNil(t, logger)
		logger.Info("logger ready", zap.Bool("development", development))
		_ = logger.Sync()
	}
}

func TestProductionModeKeepsErrorLevelEnabled(t *testing.T) {
	t.Parallel()

	logger, err := New(false)
	require.NoError(t, err)
	require.True(t, logger.Core().Enabled(zap.ErrorLevel))
	require.False(t, logger.Core().Enabled(zap.DebugLevel), "production must not emit debug noise")
}
