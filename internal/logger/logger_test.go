package logger

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestNewWritesJSONToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "leados.log")

	log, err := New("debug", path)
	require.NoError(t, err)
	log.Info("dispatch finished", zap.Int("processed", 2))
	require.NoError(t, log.Sync())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	line := string(data)
	assert.True(t, strings.Contains(line, `"msg":"dispatch finished"`), line)
	assert.True(t, strings.Contains(line, `"processed":2`), line)
	assert.True(t, strings.Contains(line, `"timestamp"`), line)
}

func TestNewFallsBackToInfoOnUnknownLevel(t *testing.T) {
	path := filepath.Join(t.TempDir(), "leados.log")

	log, err := New("chatty", path)
	require.NoError(t, err)
	log.Debug("hidden")
	log.Info("shown")
	require.NoError(t, log.Sync())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "hidden")
	assert.Contains(t, string(data), "shown")
}

func TestOrNop(t *testing.T) {
	assert.NotNil(t, OrNop(nil))
	l := zap.NewExample()
	assert.Same(t, l, OrNop(l))
}
