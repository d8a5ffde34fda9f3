package log

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"team21/psim/pkg/config"
)

func TestInitSetsLevelAndFormat(t *testing.T) {
	require.NoError(t, Init(config.LogConfig{Level: "debug", Format: "json"}))
	assert.Equal(t, logrus.DebugLevel, GetLogger().GetLevel())
	assert.IsType(t, &logrus.JSONFormatter{}, GetLogger().Formatter)

	require.NoError(t, Init(config.LogConfig{Level: "warn", Format: "text"}))
	assert.Equal(t, logrus.WarnLevel, GetLogger().GetLevel())
}

func TestInitRejectsBadConfig(t *testing.T) {
	assert.Error(t, Init(config.LogConfig{Level: "loud", Format: "text"}))
	assert.Error(t, Init(config.LogConfig{Level: "info", Format: "xml"}))
}

func TestInitWritesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "psim.log")
	require.NoError(t, Init(config.LogConfig{
		Level:  "info",
		Format: "text",
		File:   config.LogFileConfig{Enabled: true, Path: path, MaxSizeMB: 1},
	}))
	t.Cleanup(func() { _ = Init(config.LogConfig{Level: "info", Format: "text"}) })

	Component("R1", "ip").Info("interface up")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "interface up")
	assert.Contains(t, string(data), "device=R1")
	assert.Contains(t, string(data), "category=ip")
}
