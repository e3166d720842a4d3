package frame

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/go-gl/mathgl/mgl32"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/core/v3/core1_0"

	"github.com/vkngwrapper/graphpipelines/internal/camera"
	"github.com/vkngwrapper/graphpipelines/internal/gpu"
	"github.com/vkngwrapper/graphpipelines/internal/gpu/sim"
	"github.com/vkngwrapper/graphpipelines/internal/ml"
)

var (
	errInjected    = errors.New("injected")
	renderExtent   = core1_0.Extent2D{Width: 4, Height: 2}
	upscaledExtent = core1_0.Extent2D{Width: 8, Height: 4}
)

type fixture struct {
	device       *sim.Device
	swapchain    *sim.Swapchain
	scene        *sim.Scene
	overlay      *sim.Overlay
	orchestrator *Orchestrator
	// baseline is the live object count before the orchestrator created anything.
	baseline int
}

func testOptions() Options {
	return Options{
		RenderExtent:   renderExtent,
		UpscaledExtent: upscaledExtent,
		FramesInFlight: 2,
		InputPort:      0,
		OutputPort:     1,
		MaxPort:        2,
		Operation:      ml.OperationNeural,
		ModelCache:     ml.NewModelCache(1, []byte("upscaler")),
		Upscaling:      true,
	}
}

func newFixture(t *testing.T, opts Options, simOpts ...sim.Option) *fixture {
	t.Helper()

	device := sim.New(simOpts...)
	swapchain, err := sim.NewSwapchain(device, upscaledExtent, 3, 2)
	require.NoError(t, err)

	f := &fixture{
		device:    device,
		swapchain: swapchain,
		scene:     sim.NewScene(device),
		overlay:   sim.NewOverlay(device),
		baseline:  device.LiveObjects(),
	}
	cam := camera.New(mgl32.Vec3{0, 3.5, 0}, mgl32.Vec3{}, float32(renderExtent.Width)/float32(renderExtent.Height))
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	f.orchestrator = New(device, swapchain, f.scene, f.overlay, cam, log, opts)
	return f
}

func setUp(t *testing.T, opts Options, simOpts ...sim.Option) *fixture {
	t.Helper()

	f := newFixture(t, opts, simOpts...)
	require.NoError(t, f.orchestrator.Setup())
	f.device.ResetTrace()
	return f
}

func (f *fixture) render(t *testing.T) FrameState {
	t.Helper()

	state, err := f.orchestrator.RenderFrame(context.Background(), 16*time.Millisecond, camera.Input{})
	require.NoError(t, err)
	return state
}

func (f *fixture) destroy() {
	f.orchestrator.Destroy()
	f.overlay.Destroy()
}

// upscaledGradient is the scene gradient resampled to the upscaled extent.
func upscaledGradient(bpp int) []byte {
	out := make([]byte, 0, upscaledExtent.Width*upscaledExtent.Height*bpp)
	for y := 0; y < upscaledExtent.Height; y++ {
		for x := 0; x < upscaledExtent.Width; x++ {
			texel := sim.GradientTexel(x*renderExtent.Width/upscaledExtent.Width, y*renderExtent.Height/upscaledExtent.Height)
			out = append(out, texel[:bpp]...)
		}
	}
	return out
}

func commands(submissions []sim.Submission) []string {
	var out []string
	for _, s := range submissions {
		out = append(out, s.Commands...)
	}
	return out
}

func TestSetupSelectsTensorRoundTrip(t *testing.T) {
	f := setUp(t, testOptions())
	defer f.destroy()

	o := f.orchestrator
	assert.True(t, o.InferenceSupported())
	assert.True(t, o.Upscaling())
	assert.Equal(t, PathTensorRoundTrip, o.Path())
	assert.Equal(t, gpu.FormatR8G8B8UNorm, o.Pass(PassScene).Target.Format)

	input, output := o.Tensors()
	require.NotNil(t, input)
	require.NotNil(t, output)
	assert.Equal(t, []int64{2, 4, 3}, input.Dimensions)
	assert.Equal(t, []int64{4, 8, 3}, output.Dimensions)

	assert.Len(t, o.Pass(PassBlit).ObjectsCmd, 3)
	assert.Len(t, o.Pass(PassScene).ObjectsCmd, 1)
	assert.Equal(t, []int{1}, o.Pass(PassScene).ObjectDraws)
}

func TestSemaphoreChaining(t *testing.T) {
	f := setUp(t, testOptions())
	defer f.destroy()

	state := f.render(t)
	require.Empty(t, state.Errors)
	assert.True(t, state.Inferred)
	assert.True(t, state.HUD)
	assert.True(t, state.Presented)

	submissions := f.device.Submissions()
	require.Len(t, submissions, 4)
	assert.Equal(t, []gpu.QueueKind{gpu.QueueGraphics, gpu.QueueDataGraph, gpu.QueueGraphics, gpu.QueueGraphics},
		[]gpu.QueueKind{submissions[0].Queue, submissions[1].Queue, submissions[2].Queue, submissions[3].Queue})

	assert.Equal(t, []gpu.Semaphore{state.Backbuffer.Acquired}, submissions[0].Waits)
	for i := 1; i < len(submissions); i++ {
		require.Len(t, submissions[i].Signals, 1)
		assert.Equal(t, submissions[i-1].Signals, submissions[i].Waits, "submission %d", i)
	}
	assert.Equal(t, state.Backbuffer.Fence, submissions[3].Fence)
	assert.False(t, submissions[0].Fence.Initialized())

	presentations := f.device.Presentations()
	require.Len(t, presentations, 1)
	assert.Equal(t, state.Backbuffer.Index, presentations[0].Index)
	assert.Equal(t, submissions[3].Signals, presentations[0].Waits)
	assert.Equal(t, uint64(1), f.orchestrator.FrameCount())
}

func TestWaitStages(t *testing.T) {
	f := setUp(t, testOptions())
	defer f.destroy()

	f.render(t)
	submissions := f.device.Submissions()
	require.Len(t, submissions, 4)

	assert.Equal(t, []core1_0.PipelineStageFlags{core1_0.PipelineStageColorAttachmentOutput}, submissions[0].WaitStages)
	assert.Equal(t, []core1_0.PipelineStageFlags{gpu.PipelineStageAllCommands}, submissions[1].WaitStages)
	assert.Equal(t, []core1_0.PipelineStageFlags{gpu.PipelineStageAllCommands}, submissions[2].WaitStages)
	assert.Equal(t, []core1_0.PipelineStageFlags{core1_0.PipelineStageColorAttachmentOutput}, submissions[3].WaitStages)
}

func TestRoundTripPixels(t *testing.T) {
	f := setUp(t, testOptions())
	defer f.destroy()

	f.render(t)

	input, _ := f.orchestrator.Tensors()
	scene := make([]byte, 0, renderExtent.Width*renderExtent.Height*3)
	for y := 0; y < renderExtent.Height; y++ {
		for x := 0; x < renderExtent.Width; x++ {
			texel := sim.GradientTexel(x, y)
			scene = append(scene, texel[:3]...)
		}
	}
	assert.Equal(t, scene, f.device.BufferData(input.Buffer))
	assert.Equal(t, upscaledGradient(3), f.device.ImageData(f.orchestrator.UpscaledImage()))

	cmds := commands(f.device.Submissions())
	assert.Contains(t, cmds, "CopyImageToBuffer")
	assert.Contains(t, cmds, "DispatchDataGraph")
	assert.Contains(t, cmds, "CopyBufferToImage")
	assert.NotContains(t, cmds, "BlitImage")
}

func TestBlitAlwaysSamplesUpscaledImage(t *testing.T) {
	f := setUp(t, testOptions())
	defer f.destroy()

	f.render(t)
	f.orchestrator.SetUpscaling(false)
	f.render(t)
	f.orchestrator.SetUpscaling(true)
	f.render(t)

	sampled := f.device.Sampled()
	require.Len(t, sampled, 3)
	for i, sources := range sampled {
		require.Len(t, sources, 2)
		assert.Equal(t, f.orchestrator.UpscaledImage(), sources[0], "frame %d", i)
		assert.Equal(t, f.orchestrator.Pass(PassHUD).Target.Image, sources[1], "frame %d", i)
	}
}

func TestSetUpscalingSwitchesPath(t *testing.T) {
	f := setUp(t, testOptions())
	defer f.destroy()

	f.orchestrator.SetUpscaling(false)
	assert.Equal(t, PathDirect, f.orchestrator.Path())

	state := f.render(t)
	assert.Equal(t, PathDirect, state.Path)
	assert.False(t, state.Inferred)
	for _, s := range f.device.Submissions() {
		assert.NotEqual(t, gpu.QueueDataGraph, s.Queue)
	}
	assert.Contains(t, commands(f.device.Submissions()), "BlitImage")
	require.NotEmpty(t, f.scene.Updates)
	assert.Equal(t, uint32(0), f.scene.Updates[len(f.scene.Updates)-1].Blit.IsUpscalingActive)

	f.orchestrator.SetUpscaling(true)
	state = f.render(t)
	assert.Equal(t, PathTensorRoundTrip, state.Path)
	assert.True(t, state.Inferred)
	assert.Equal(t, uint32(1), f.scene.Updates[len(f.scene.Updates)-1].Blit.IsUpscalingActive)
}

func TestInferenceSubmitFailureStillPresents(t *testing.T) {
	f := setUp(t, testOptions())
	defer f.destroy()

	f.device.FailSubmits(gpu.QueueDataGraph, errInjected)

	state := f.render(t)
	assert.True(t, state.Presented)
	assert.False(t, state.Inferred)
	require.Len(t, state.Errors, 1)
	assert.True(t, errors.Is(state.Errors[0], errInjected))
	assert.Equal(t, uint64(1), f.orchestrator.FrameCount())

	// The HUD pass waits on the scene pass instead of the dispatch that never ran.
	submissions := f.device.Submissions()
	require.Len(t, submissions, 3)
	assert.Equal(t, submissions[0].Signals, submissions[1].Waits)
	assert.Equal(t, submissions[1].Signals, submissions[2].Waits)

	for i := 0; i < 3; i++ {
		state := f.render(t)
		assert.True(t, state.Presented)
	}
	assert.Equal(t, uint64(4), f.orchestrator.FrameCount())
	assert.Len(t, f.device.Presentations(), 4)
}

func TestStaleOutputAfterSubmitFailure(t *testing.T) {
	f := setUp(t, testOptions())
	defer f.destroy()

	f.render(t)
	_, output := f.orchestrator.Tensors()
	previous := f.device.BufferData(output.Buffer)

	f.device.FailSubmits(gpu.QueueDataGraph, errInjected)
	f.render(t)
	assert.Equal(t, previous, f.device.BufferData(output.Buffer))
	assert.Equal(t, previous, f.device.ImageData(f.orchestrator.UpscaledImage()))
}

func TestLayoutsRestored(t *testing.T) {
	for _, upscaling := range []bool{true, false} {
		f := setUp(t, testOptions())
		f.orchestrator.SetUpscaling(upscaling)

		for i := 0; i < 3; i++ {
			state := f.render(t)
			require.Empty(t, state.Errors)
		}
		assert.Equal(t, core1_0.ImageLayoutShaderReadOnlyOptimal, f.device.ImageLayout(f.orchestrator.Pass(PassScene).Target.Image))
		assert.Equal(t, core1_0.ImageLayoutShaderReadOnlyOptimal, f.device.ImageLayout(f.orchestrator.Pass(PassHUD).Target.Image))
		assert.Equal(t, core1_0.ImageLayoutShaderReadOnlyOptimal, f.device.ImageLayout(f.orchestrator.UpscaledImage()))
		f.destroy()
	}
}

func TestDirectPathWithoutDataGraphQueue(t *testing.T) {
	f := setUp(t, testOptions(), sim.WithoutDataGraphQueue())
	defer f.destroy()

	o := f.orchestrator
	assert.False(t, o.InferenceSupported())
	assert.Equal(t, PathDirect, o.Path())
	assert.Equal(t, gpu.FormatR8G8B8A8SRGB, o.Pass(PassScene).Target.Format)
	input, output := o.Tensors()
	assert.Nil(t, input)
	assert.Nil(t, output)

	state := f.render(t)
	require.Empty(t, state.Errors)
	assert.Equal(t, PathDirect, state.Path)
	assert.Equal(t, upscaledGradient(4), f.device.ImageData(o.UpscaledImage()))
	assert.Equal(t, uint32(0), f.scene.Updates[0].Blit.IsUpscalingActive)
}

func TestInferenceDisabledWithoutUsableModel(t *testing.T) {
	testCases := []struct {
		name    string
		mutate  func(*Options)
		simOpts []sim.Option
	}{
		{"no model cache", func(o *Options) { o.ModelCache = nil }, nil},
		{"invalid model cache", func(o *Options) { o.ModelCache = []byte("not a pipeline cache, long enough") }, nil},
		{"no engine", func(o *Options) {}, []sim.Option{sim.WithDataGraphProperties()}},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			opts := testOptions()
			tc.mutate(&opts)
			f := setUp(t, opts, tc.simOpts...)
			defer f.destroy()

			assert.False(t, f.orchestrator.InferenceSupported())
			assert.Equal(t, PathDirect, f.orchestrator.Path())
			assert.True(t, f.render(t).Presented)
		})
	}
}

func TestGraphSetupFailureFallsBackToBlit(t *testing.T) {
	for _, op := range []sim.Op{sim.OpCreateTensor, sim.OpCreateDataGraphPipeline, sim.OpBindSessionMemory} {
		t.Run(string(op), func(t *testing.T) {
			f := newFixture(t, testOptions())
			f.device.FailOp(op, errInjected)

			require.NoError(t, f.orchestrator.Setup())
			assert.False(t, f.orchestrator.InferenceSupported())
			assert.Equal(t, PathDirect, f.orchestrator.Path())
			// Inference failed after the color format was chosen for it.
			assert.Equal(t, gpu.FormatR8G8B8UNorm, f.orchestrator.Pass(PassScene).Target.Format)

			state := f.render(t)
			assert.Empty(t, state.Errors)
			assert.True(t, state.Presented)

			f.destroy()
			assert.Equal(t, f.baseline, f.device.LiveObjects())
		})
	}
}

func TestSetupFailureReleasesEverything(t *testing.T) {
	testCases := []struct {
		op    sim.Op
		after int
	}{
		{sim.OpCreateImage, 0},
		{sim.OpCreateImage, 1},
		{sim.OpCreateImage, 2},
		{sim.OpCreateImage, 3},
		{sim.OpAllocateMemory, 2},
		{sim.OpCreateRenderPass, 0},
		{sim.OpCreateRenderPass, 1},
		{sim.OpCreateSemaphore, 0},
		{sim.OpCreateSemaphore, 3},
		{sim.OpAllocateCommandBuffers, 0},
		{sim.OpAllocateCommandBuffers, 2},
		{sim.OpAllocateCommandBuffers, 3},
	}

	for _, tc := range testCases {
		f := newFixture(t, testOptions())
		f.device.FailOpAfter(tc.op, tc.after, errInjected)

		err := f.orchestrator.Setup()
		require.Error(t, err, "%s after %d", tc.op, tc.after)
		assert.True(t, errors.Is(err, errInjected))
		assert.Equal(t, f.baseline, f.device.LiveObjects(), "%s after %d", tc.op, tc.after)
	}
}

func TestDestroyReleasesEverything(t *testing.T) {
	f := setUp(t, testOptions())

	for i := 0; i < 4; i++ {
		f.render(t)
	}
	f.destroy()
	assert.Equal(t, f.baseline, f.device.LiveObjects())

	f.orchestrator.Destroy()
	assert.Equal(t, f.baseline, f.device.LiveObjects())
}

func TestHUDClearedAfterOverlayHides(t *testing.T) {
	f := setUp(t, testOptions())
	defer f.destroy()

	state := f.render(t)
	assert.True(t, state.HUD)
	hud := f.orchestrator.Pass(PassHUD).Target.Image
	assert.Equal(t, sim.HUDColor[:], f.device.ImageData(hud)[:4])

	f.overlay.Visible = false
	f.device.ResetTrace()
	state = f.render(t)
	assert.False(t, state.HUD)
	assert.Len(t, f.device.Submissions(), 4)
	assert.Equal(t, make([]byte, upscaledExtent.Width*upscaledExtent.Height*4), f.device.ImageData(hud))

	f.device.ResetTrace()
	state = f.render(t)
	assert.Empty(t, state.Errors)
	assert.Len(t, f.device.Submissions(), 3)
}

func TestWithoutOverlay(t *testing.T) {
	f := newFixture(t, testOptions())
	f.orchestrator.overlay = nil
	require.NoError(t, f.orchestrator.Setup())
	f.device.ResetTrace()
	defer f.destroy()

	hud := f.orchestrator.Pass(PassHUD).Target.Image
	transparent := make([]byte, upscaledExtent.Width*upscaledExtent.Height*4)
	assert.Equal(t, transparent, f.device.ImageData(hud))
	assert.Equal(t, core1_0.ImageLayoutShaderReadOnlyOptimal, f.device.ImageLayout(hud))

	state := f.render(t)
	assert.Empty(t, state.Errors)
	assert.False(t, state.HUD)
	submissions := f.device.Submissions()
	require.Len(t, submissions, 3)
	assert.Equal(t, submissions[1].Signals, submissions[2].Waits)
	assert.Equal(t, transparent, f.device.ImageData(hud))
}

func TestRenderFrameCancelled(t *testing.T) {
	f := setUp(t, testOptions())
	defer f.destroy()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := f.orchestrator.RenderFrame(ctx, 0, camera.Input{})
	assert.True(t, errors.Is(err, context.Canceled))
	assert.Zero(t, f.orchestrator.FrameCount())
}

func TestRenderFrameBeforeSetup(t *testing.T) {
	f := newFixture(t, testOptions())
	_, err := f.orchestrator.RenderFrame(context.Background(), 0, camera.Input{})
	assert.Error(t, err)
}
