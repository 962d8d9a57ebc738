package logger

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func observed() (*Logger, *observer.ObservedLogs) {
	core, logs := observer.New(zapcore.DebugLevel)
	return &Logger{Logger: zap.New(core), config: DefaultConfig()}, logs
}

func TestNewRejectsBadLevel(t *testing.T) {
	_, err := New(Config{Level: "loud"})
	assert.Error(t, err)
}

func TestNewWritesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ct.log")
	l, err := New(Config{Level: "debug", Format: "json", Outputs: []string{"file"}, OutputFile: path})
	require.NoError(t, err)
	l.Info("hello")
	require.NoError(t, l.Close())
	assert.FileExists(t, path)
}

func TestLogStoreLevels(t *testing.T) {
	l, logs := observed()
	l.LogStore("fill_applied", map[string]interface{}{"coin": "BTC"})
	l.LogStore("snapshot_stale", nil)
	l.LogStore("snapshot_invalid", nil)
	l.LogStore("fill_ignored", nil)

	entries := logs.All()
	require.Len(t, entries, 4)
	assert.Equal(t, zapcore.InfoLevel, entries[0].Level)
	assert.Equal(t, zapcore.WarnLevel, entries[1].Level)
	assert.Equal(t, zapcore.ErrorLevel, entries[2].Level)
	assert.Equal(t, zapcore.DebugLevel, entries[3].Level)
	assert.Equal(t, "fill_applied", entries[0].ContextMap()["event"])
	assert.Equal(t, "BTC", entries[0].ContextMap()["coin"])
}

func TestLogOrderAndError(t *testing.T) {
	l, logs := observed()
	l.LogOrder("order_submitted", "0xabc", map[string]interface{}{"coin": "ETH"})
	l.LogError(errors.New("boom"), map[string]interface{}{"stage": "submit"})

	entries := logs.All()
	require.Len(t, entries, 2)
	assert.Equal(t, "0xabc", entries[0].ContextMap()["cloid"])
	assert.Equal(t, "boom", entries[1].ContextMap()["error"])
	assert.Equal(t, "submit", entries[1].ContextMap()["stage"])
}
