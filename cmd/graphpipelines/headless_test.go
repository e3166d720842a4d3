package main

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vkngwrapper/graphpipelines/internal/assets"
	"github.com/vkngwrapper/graphpipelines/internal/config"
)

func TestRunHeadless(t *testing.T) {
	cfg := config.Default()
	cfg.Render = config.Size{Width: 4, Height: 2}
	cfg.Upscaled = config.Size{Width: 8, Height: 4}

	var out bytes.Buffer
	log := slog.New(slog.NewTextHandler(&out, nil))
	require.NoError(t, runHeadless(context.Background(), cfg, assets.Startup{}, 6, log))

	output := out.String()
	assert.Equal(t, 1, strings.Count(output, `msg="frame pipeline ready"`))
	assert.Equal(t, 1, strings.Count(output, `msg="upscaling toggled"`))
	assert.Contains(t, output, "frames=6")
	assert.Contains(t, output, "degraded=0")
	assert.Contains(t, output, "presented=6")
}
