package main

import (
	"bytes"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vkngwrapper/graphpipelines/internal/config"
	"github.com/vkngwrapper/graphpipelines/internal/ml"
)

func TestParseArgs(t *testing.T) {
	opts, err := parseArgs(nil)
	require.NoError(t, err)
	assert.Equal(t, config.DefaultFile, opts.configPath)
	assert.True(t, opts.configOptional)
	assert.Equal(t, defaultHeadlessFrames, opts.frames)

	opts, err = parseArgs([]string{"--config", "run.toml", "--headless", "--frames", "10", "--dump-config"})
	require.NoError(t, err)
	assert.Equal(t, "run.toml", opts.configPath)
	assert.False(t, opts.configOptional)
	assert.True(t, opts.headless)
	assert.Equal(t, 10, opts.frames)
	assert.True(t, opts.dumpConfig)
}

func TestParseArgsErrors(t *testing.T) {
	for _, args := range [][]string{
		{"--config"},
		{"--frames"},
		{"--frames", "0"},
		{"--frames", "many"},
		{"--fullscreen"},
	} {
		_, err := parseArgs(args)
		assert.Error(t, err, "%v", args)
		assert.False(t, errors.Is(err, errHelp), "%v", args)
	}

	_, err := parseArgs([]string{"-h"})
	assert.ErrorIs(t, err, errHelp)
}

func TestFrameOptions(t *testing.T) {
	cfg := config.Default()
	cfg.Graph.GraphID = 7
	cfg.Graph.Operation = "builtin"
	blob := ml.NewModelCache(1, nil)

	opts, err := frameOptions(cfg, blob)
	require.NoError(t, err)
	assert.Equal(t, cfg.Render.Extent(), opts.RenderExtent)
	assert.Equal(t, cfg.Upscaled.Extent(), opts.UpscaledExtent)
	assert.Equal(t, 0, opts.InputPort)
	assert.Equal(t, 1, opts.OutputPort)
	assert.Equal(t, 2, opts.MaxPort)
	assert.Equal(t, uint32(7), opts.GraphID)
	assert.Equal(t, ml.OperationBuiltin, opts.Operation)
	assert.Equal(t, blob, opts.ModelCache)
	assert.True(t, opts.Upscaling)
}

func TestNewLoggerTagsRun(t *testing.T) {
	cfg := config.Default()
	cfg.LogLevel = "warn"

	var out bytes.Buffer
	log, err := newLogger(cfg, &out)
	require.NoError(t, err)

	log.Info("hidden")
	log.Warn("shown")
	assert.NotContains(t, out.String(), "hidden")
	assert.Regexp(t, `run=[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}`, out.String())

	cfg.LogLevel = "loud"
	_, err = newLogger(cfg, &out)
	assert.Error(t, err)
}
