package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 960, cfg.Render.Extent().Width)
	assert.Equal(t, 1080, cfg.Upscaled.Extent().Height)
	assert.Equal(t, "media/PipelineCache.bin", cfg.Assets.ModelCache)
	assert.True(t, cfg.Upscaling)

	level, err := cfg.Level()
	require.NoError(t, err)
	assert.Equal(t, slog.LevelInfo, level)
}

func TestParseOverridesDefaults(t *testing.T) {
	cfg, err := Parse([]byte(`
upscaling = false
log_level = "debug"

[render]
width = 480
height = 270

[graph]
input_port = 2
output_port = 0
operation = "builtin"
`))
	require.NoError(t, err)

	assert.Equal(t, Size{Width: 480, Height: 270}, cfg.Render)
	assert.Equal(t, Default().Upscaled, cfg.Upscaled)
	assert.False(t, cfg.Upscaling)
	assert.Equal(t, uint32(2), cfg.Graph.InputPort)
	assert.Equal(t, uint32(0), cfg.Graph.OutputPort)
	assert.Equal(t, uint32(2), cfg.Graph.MaxPort)
	assert.Equal(t, "builtin", cfg.Graph.Operation)
	assert.Equal(t, 2, cfg.FramesInFlight)

	level, err := cfg.Level()
	require.NoError(t, err)
	assert.Equal(t, slog.LevelDebug, level)
}

func TestParseRejects(t *testing.T) {
	tests := []struct {
		name string
		toml string
	}{
		{"zero render width", "[render]\nwidth = 0"},
		{"zero upscaled height", "[upscaled]\nheight = 0"},
		{"upscaled below render", "[upscaled]\nwidth = 100\nheight = 100"},
		{"shared port", "[graph]\ninput_port = 1\noutput_port = 1"},
		{"port above max", "[graph]\noutput_port = 3"},
		{"no frames in flight", "frames_in_flight = 0"},
		{"unknown operation", "[graph]\noperation = \"fused\""},
		{"bad log level", "log_level = \"loud\""},
		{"unknown key", "upscale = true"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.toml))
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrInvalid), "%+v", err)
		})
	}
}

func TestParseSyntaxError(t *testing.T) {
	_, err := Parse([]byte("[render\nwidth = 1"))
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrInvalid))
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, DefaultFile)
	require.NoError(t, os.WriteFile(path, []byte("frames_in_flight = 3\n"), 0o644))

	cfg, err := Load(path, false)
	require.NoError(t, err)
	assert.Equal(t, 3, cfg.FramesInFlight)

	missing := filepath.Join(dir, "missing.toml")
	cfg, err = Load(missing, true)
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)

	_, err = Load(missing, false)
	require.Error(t, err)
	assert.True(t, errors.Is(err, os.ErrNotExist))
}

func TestMarshalRoundTrips(t *testing.T) {
	cfg := Default()
	cfg.Graph.GraphID = 7
	cfg.Validation = true

	data, err := cfg.Marshal()
	require.NoError(t, err)

	parsed, err := Parse(data)
	require.NoError(t, err)
	assert.Equal(t, cfg, parsed)
}
