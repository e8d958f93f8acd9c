package logging

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitWritesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "kfuse.log")
	require.NoError(t, Init("debug", path, false))
	assert.Equal(t, logrus.DebugLevel, Get().GetLevel())

	For("specialize").WithField("kernel", "add_0").Debug("compiled")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "component=specialize")
	assert.Contains(t, string(data), "kernel=add_0")
}

func TestInitUnknownLevel(t *testing.T) {
	require.NoError(t, Init("chatty", "", false))
	assert.Equal(t, logrus.InfoLevel, Get().GetLevel())
}
