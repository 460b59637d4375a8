package physics

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultSettings(t *testing.T) {
	s := DefaultSettings()
	assert.Equal(t, 10, s.NumVelocitySteps)
	assert.Equal(t, 2, s.NumPositionSteps)
	assert.Equal(t, 0.2, s.Baumgarte)
	assert.Greater(t, s.SpeculativeContactDistance, 0.0)
	assert.Greater(t, s.TimeBeforeSleep, 0.0)
}

func TestLoadSettingsLayersOverDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "physics.yaml")
	doc := "num_velocity_steps: 4\nbaumgarte: 0.5\nmax_body_pairs: 128\n"
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o644))

	s, err := LoadSettings(path)
	require.NoError(t, err)
	assert.Equal(t, 4, s.NumVelocitySteps)
	assert.Equal(t, 0.5, s.Baumgarte)
	assert.Equal(t, 128, s.MaxBodyPairs)
	// Untouched keys keep their defaults.
	assert.Equal(t, 2, s.NumPositionSteps)
}

func TestLoadSettingsMissingFile(t *testing.T) {
	_, err := LoadSettings(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestLoadSettingsBadYaml(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("num_velocity_steps: [oops"), 0o644))
	_, err := LoadSettings(path)
	assert.Error(t, err)
}
