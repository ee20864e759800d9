package logging

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/natefinch/lumberjack.v2"

	"portforwarder/config"
)

func TestNew_DefaultsToStdoutInfo(t *testing.T) {
	log, out, err := New(nil)
	require.NoError(t, err)
	defer out.Close()

	assert.Equal(t, logrus.InfoLevel, log.GetLevel())
	_, isFile := out.(*lumberjack.Logger)
	assert.False(t, isFile)
	assert.NoError(t, out.Close())
}

func TestNew_WritesToRotatingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pf.log")
	log, out, err := New(&config.GlobalLogConfig{
		Filename:   path,
		MaxSize:    1,
		MaxBackups: 1,
		MaxAge:     1,
		Level:      "debug",
	})
	require.NoError(t, err)

	assert.Equal(t, logrus.DebugLevel, log.GetLevel())
	log.WithField("forward", "default").Debug("read 4 bytes tcp")
	require.NoError(t, out.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "read 4 bytes tcp")
	assert.Contains(t, string(data), "forward=default")
}

func TestNew_RejectsUnknownLevel(t *testing.T) {
	_, _, err := New(&config.GlobalLogConfig{Level: "chatty"})
	assert.Error(t, err)
}
