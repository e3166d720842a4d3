package main

import (
	"context"
	"log/slog"
	"time"

	"github.com/go-gl/mathgl/mgl32"
	"github.com/loov/hrtime"

	"github.com/vkngwrapper/graphpipelines/internal/assets"
	"github.com/vkngwrapper/graphpipelines/internal/camera"
	"github.com/vkngwrapper/graphpipelines/internal/config"
	"github.com/vkngwrapper/graphpipelines/internal/frame"
	"github.com/vkngwrapper/graphpipelines/internal/gpu/sim"
	"github.com/vkngwrapper/graphpipelines/internal/ml"
)

const (
	headlessSwapchainImages = 3
	headlessFrameTime       = time.Second / 60
)

// runHeadless drives the orchestrator on the simulated device for a fixed number of frames,
// toggling upscaling halfway through so both inference paths run.
func runHeadless(ctx context.Context, cfg config.Config, startup assets.Startup, frames int, log *slog.Logger) error {
	modelCache := startup.ModelCache
	if modelCache == nil {
		log.Info("synthesizing model cache for the simulated device")
		modelCache = ml.NewModelCache(1, []byte("nearest-upscale"))
	}
	opts, err := frameOptions(cfg, modelCache)
	if err != nil {
		return err
	}

	device := sim.New(sim.WithoutTrace())
	swapchain, err := sim.NewSwapchain(device, cfg.Upscaled.Extent(), headlessSwapchainImages, cfg.FramesInFlight)
	if err != nil {
		return err
	}
	defer swapchain.Destroy()

	scene := sim.NewScene(device)
	defer scene.Destroy()
	overlay := sim.NewOverlay(device)
	defer overlay.Destroy()

	render := cfg.Render.Extent()
	cam := camera.New(mgl32.Vec3{0, 3.5, 0}, mgl32.Vec3{}, float32(render.Width)/float32(render.Height))

	orchestrator := frame.New(device, swapchain, scene, overlay, cam, log, opts)
	if err := orchestrator.Setup(); err != nil {
		return err
	}
	defer orchestrator.Destroy()

	input := camera.Input{Yaw: 0.25}
	failed, presented := 0, 0
	start := hrtime.Now()
	for i := 0; i < frames; i++ {
		if i == frames/2 {
			orchestrator.SetUpscaling(!orchestrator.Upscaling())
		}

		state, err := orchestrator.RenderFrame(ctx, headlessFrameTime, input)
		if err != nil {
			return err
		}
		if len(state.Errors) > 0 {
			failed++
		}
		if state.Presented {
			presented++
		}
	}
	elapsed := hrtime.Since(start)

	log.Info("headless run finished",
		"frames", orchestrator.FrameCount(),
		"degraded", failed,
		"presented", presented,
		"elapsed", elapsed,
		"fps", float64(frames)/elapsed.Seconds())
	return nil
}
