package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultPassesValidation(t *testing.T) {
	assert.NoError(t, Default().Validate())
}

func TestLoadMergesOverridesWithDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "raknet.yaml")
	require.NoError(t, os.WriteFile(path, []byte("mtu: 1000\ntimeoutMs: 20000\n"), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 1000, cfg.MTU)
	assert.Equal(t, 20000, cfg.TimeoutMs)
	assert.Equal(t, Default().MaxConnections, cfg.MaxConnections)
}

func TestValidateRejectsOutOfRangeMTU(t *testing.T) {
	cfg := Default()
	cfg.MTU = 100
	assert.Error(t, cfg.Validate())
}

func TestValidateRejectsInvertedRTOBounds(t *testing.T) {
	cfg := Default()
	cfg.MinRtoMs = 500
	cfg.MaxRtoMs = 100
	assert.Error(t, cfg.Validate())
}
