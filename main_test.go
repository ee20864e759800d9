package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"portforwarder/config"
)

func TestBuildConfig_FlagsOnly(t *testing.T) {
	cfg, err := buildConfig(cliOptions{
		listen:    "127.0.0.1:1815",
		target:    "127.0.0.1:2815",
		apiListen: "127.0.0.1:8088",
		logLevel:  "debug",
	})
	require.NoError(t, err)

	require.Len(t, cfg.Forwards, 1)
	assert.Equal(t, config.DefaultForwardName, cfg.Forwards[0].Name)
	assert.Equal(t, "127.0.0.1:1815", cfg.Forwards[0].Listen)
	assert.Equal(t, "127.0.0.1:2815", cfg.Forwards[0].Target)
	assert.Equal(t, config.SizeString(config.DefaultBufferSize), cfg.Forwards[0].BufferSize)
	assert.Equal(t, "127.0.0.1:8088", cfg.APIListen)
	assert.Equal(t, "debug", cfg.GlobalLog.Level)
}

func TestBuildConfig_RequiresTarget(t *testing.T) {
	_, err := buildConfig(cliOptions{listen: "127.0.0.1:1815"})
	assert.Error(t, err)

	_, err = buildConfig(cliOptions{})
	assert.Error(t, err)
}

func TestBuildConfig_RejectsBadLogLevel(t *testing.T) {
	_, err := buildConfig(cliOptions{
		listen:   "127.0.0.1:1815",
		target:   "127.0.0.1:2815",
		logLevel: "loud",
	})
	assert.Error(t, err)
}

func TestBuildConfig_FlagsOverrideFirstForward(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pfconfig.yml")
	require.NoError(t, os.WriteFile(path, []byte(`Forwards:
  - Name: web
    Listen: "127.0.0.1:1815"
    Target: "127.0.0.1:2815"
  - Name: dns
    Listen: "127.0.0.1:5353"
    Target: "127.0.0.1:53"
`), 0o644))

	cfg, err := buildConfig(cliOptions{configPath: path, target: "127.0.0.1:9000"})
	require.NoError(t, err)

	require.Len(t, cfg.Forwards, 2)
	assert.Equal(t, "web", cfg.Forwards[0].Name)
	assert.Equal(t, "127.0.0.1:1815", cfg.Forwards[0].Listen)
	assert.Equal(t, "127.0.0.1:9000", cfg.Forwards[0].Target)
	assert.Equal(t, "127.0.0.1:53", cfg.Forwards[1].Target)
}

func TestBuildConfig_MissingFile(t *testing.T) {
	_, err := buildConfig(cliOptions{configPath: filepath.Join(t.TempDir(), "absent.yml")})
	assert.Error(t, err)
}
