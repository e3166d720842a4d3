package main

import (
	"context"
	"log/slog"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/go-gl/mathgl/mgl32"
	"github.com/loov/hrtime"
	"github.com/veandco/go-sdl2/sdl"

	"github.com/vkngwrapper/graphpipelines/internal/assets"
	"github.com/vkngwrapper/graphpipelines/internal/camera"
	"github.com/vkngwrapper/graphpipelines/internal/config"
	"github.com/vkngwrapper/graphpipelines/internal/frame"
	"github.com/vkngwrapper/graphpipelines/internal/gpu/vulkan"
)

const (
	windowTitle = "Graph Pipelines"
	fpsInterval = 2 * time.Second
)

// window owns the SDL window and the Vulkan objects behind it.
type window struct {
	cfg config.Config
	log *slog.Logger

	sdlWindow    *sdl.Window
	instance     *vulkan.Instance
	device       *vulkan.Device
	swapchain    *vulkan.Swapchain
	scene        *vulkan.Scene
	orchestrator *frame.Orchestrator
}

func runWindowed(ctx context.Context, cfg config.Config, loader *assets.Loader, startup assets.Startup, log *slog.Logger) error {
	w := &window{cfg: cfg, log: log}
	defer w.cleanup()

	if err := w.init(loader, startup); err != nil {
		return err
	}
	return w.mainLoop(ctx)
}

func (w *window) init(loader *assets.Loader, startup assets.Startup) error {
	if err := sdl.Init(sdl.INIT_VIDEO); err != nil {
		return errors.Wrap(err, "init sdl")
	}

	var err error
	w.sdlWindow, err = sdl.CreateWindow(windowTitle, sdl.WINDOWPOS_UNDEFINED, sdl.WINDOWPOS_UNDEFINED,
		int32(w.cfg.Window.Width), int32(w.cfg.Window.Height), sdl.WINDOW_SHOWN|sdl.WINDOW_VULKAN)
	if err != nil {
		return errors.Wrap(err, "create window")
	}

	w.instance, err = vulkan.NewInstance(w.sdlWindow, windowTitle, w.cfg.Validation, w.log)
	if err != nil {
		return err
	}
	w.device, err = vulkan.NewDevice(w.instance)
	if err != nil {
		return err
	}
	w.swapchain, err = vulkan.NewSwapchain(w.device, w.cfg.FramesInFlight)
	if err != nil {
		return err
	}

	shaders, err := vulkan.LoadShaders(loader, w.cfg.Assets.ShaderDir)
	if err != nil {
		return errors.Wrap(err, "load shaders")
	}
	w.scene, err = vulkan.NewScene(w.device, startup.Mesh, shaders)
	if err != nil {
		return err
	}

	opts, err := frameOptions(w.cfg, startup.ModelCache)
	if err != nil {
		return err
	}
	render := w.cfg.Render.Extent()
	cam := cameraFor(startup.Mesh, float32(render.Width)/float32(render.Height))

	w.orchestrator = frame.New(w.device, w.swapchain, w.scene, nil, cam, w.log, opts)
	if err := w.orchestrator.Setup(); err != nil {
		return err
	}
	return nil
}

// cameraFor frames mesh from slightly above and in front of its bounds.
func cameraFor(mesh *assets.Mesh, aspect float32) *camera.Camera {
	if mesh == nil || len(mesh.Vertices) == 0 {
		return camera.New(mgl32.Vec3{0, 3.5, 0}, mgl32.Vec3{}, aspect)
	}
	lo, hi := mesh.Bounds()
	center := lo.Add(hi).Mul(0.5)
	radius := hi.Sub(lo).Len()
	return camera.New(center.Add(mgl32.Vec3{0, radius * 0.25, radius}), mgl32.Vec3{-10, 0, 0}, aspect)
}

func (w *window) mainLoop(ctx context.Context) error {
	last := hrtime.Now()
	fpsStart, fpsFrames := last, 0

appLoop:
	for {
		if err := ctx.Err(); err != nil {
			break appLoop
		}

		for event := sdl.PollEvent(); event != nil; event = sdl.PollEvent() {
			switch e := event.(type) {
			case *sdl.QuitEvent:
				break appLoop
			case *sdl.KeyboardEvent:
				if e.State != sdl.PRESSED || e.Repeat != 0 {
					continue
				}
				switch e.Keysym.Sym {
				case sdl.K_ESCAPE:
					break appLoop
				case sdl.K_u:
					w.orchestrator.SetUpscaling(!w.orchestrator.Upscaling())
				}
			}
		}

		now := hrtime.Now()
		dt := now - last
		last = now

		if _, err := w.orchestrator.RenderFrame(ctx, dt, readInput()); err != nil {
			if errors.Is(err, vulkan.ErrOutOfDate) {
				w.log.Warn("surface changed, skipping frame", "error", err)
				continue
			}
			if errors.Is(err, context.Canceled) {
				break appLoop
			}
			return err
		}

		fpsFrames++
		if elapsed := now - fpsStart; elapsed >= fpsInterval {
			w.log.Info("frame rate", "fps", float64(fpsFrames)/elapsed.Seconds(), "frames", w.orchestrator.FrameCount())
			fpsStart, fpsFrames = now, 0
		}
	}

	return w.device.DeviceWaitIdle()
}

// readInput samples WASD/QE for movement and the arrow keys for turning.
func readInput() camera.Input {
	keys := sdl.GetKeyboardState()
	axis := func(neg, pos sdl.Scancode) float32 {
		var v float32
		if keys[neg] != 0 {
			v--
		}
		if keys[pos] != 0 {
			v++
		}
		return v
	}
	return camera.Input{
		Move: mgl32.Vec3{
			axis(sdl.SCANCODE_A, sdl.SCANCODE_D),
			axis(sdl.SCANCODE_Q, sdl.SCANCODE_E),
			axis(sdl.SCANCODE_S, sdl.SCANCODE_W),
		},
		Yaw:   axis(sdl.SCANCODE_RIGHT, sdl.SCANCODE_LEFT),
		Pitch: axis(sdl.SCANCODE_DOWN, sdl.SCANCODE_UP),
	}
}

func (w *window) cleanup() {
	if w.device != nil {
		if err := w.device.DeviceWaitIdle(); err != nil {
			w.log.Error("device wait idle failed", "error", err)
		}
	}
	if w.orchestrator != nil {
		w.orchestrator.Destroy()
	}
	if w.scene != nil {
		w.scene.Destroy()
	}
	if w.swapchain != nil {
		w.swapchain.Destroy()
	}
	if w.device != nil {
		w.device.Destroy()
	}
	if w.instance != nil {
		w.instance.Destroy()
	}
	if w.sdlWindow != nil {
		w.sdlWindow.Destroy()
	}
	sdl.Quit()
}
