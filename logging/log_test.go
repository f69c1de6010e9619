package logging_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/tidewell/minerd/logging"
)

func TestContextCarriesLogger(t *testing.T) {
	logger := zaptest.NewLogger(t)
	ctx := logging.NewContext(context.Background(), logger)
	require.Same(t, logger, logging.FromContext(ctx))
	require.NotNil(t, logging.FromContext(context.Background()))
}

func TestFileLogging(t *testing.T) {
	file := filepath.Join(t.TempDir(), "minerd.log")
	logger := logging.New(zap.InfoLevel, logging.Options{File: file, MaxSizeMB: 1, MaxBackups: 1})
	logger.Info("hello", zap.String("wallet", "addr1"))
	_ = logger.Sync()

	data, err := os.ReadFile(file)
	require.NoError(t, err)
	require.Contains(t, string(data), "hello")
	require.Contains(t, string(data), "addr1")
}

func TestShortID(t *testing.T) {
	require.Equal(t, "addr1q", logging.ShortID("addr1qxyz", 6))
	require.Equal(t, "ab", logging.ShortID("ab", 6))
}
