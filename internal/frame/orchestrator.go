// Package frame builds and submits each frame: the scene pass, the optional graph dispatch on the
// data-graph queue, the HUD pass and the blit pass, chained by one semaphore per stage.
package frame

import (
	"context"
	"log/slog"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/core/v3/core1_0"

	"github.com/vkngwrapper/graphpipelines/internal/camera"
	"github.com/vkngwrapper/graphpipelines/internal/gpu"
	"github.com/vkngwrapper/graphpipelines/internal/ml"
)

const setupTimeout = 5 * time.Second

var ErrNoGraphicsQueue = errors.New("device has no graphics queue")

// Swapchain hands out backbuffers and presents them.
type Swapchain interface {
	ImageCount() int
	FramesInFlight() int
	Extent() core1_0.Extent2D
	RenderPass() gpu.RenderPass
	Framebuffer(index int) gpu.Framebuffer
	AcquireNext(ctx context.Context) (gpu.Backbuffer, error)
	Present(index int, waits ...gpu.Semaphore) error
}

// Scene records the draws of the scene and blit passes and owns their uniform data. Draw
// commands are recorded into secondary command buffers that continue the pass's render pass.
type Scene interface {
	RecordScene(cmd gpu.CommandBuffer, extent core1_0.Extent2D) (int, error)
	BindBlitSources(upscaled, hud gpu.Image) error
	RecordBlit(cmd gpu.CommandBuffer, swapchainIndex int, extent core1_0.Extent2D) (int, error)
	UpdateUniforms(slot int, uniforms camera.Uniforms) error
}

// Overlay produces the HUD pass commands for a frame. ok is false when it has nothing to draw.
type Overlay interface {
	Render(slot int, target gpu.Inheritance) (cmd gpu.CommandBuffer, ok bool, err error)
}

type Options struct {
	RenderExtent   core1_0.Extent2D
	UpscaledExtent core1_0.Extent2D
	FramesInFlight int

	InputPort  int
	OutputPort int
	MaxPort    int
	GraphID    uint32
	Operation  ml.Operation

	// ModelCache is the pre-compiled graph pipeline blob. Inference stays off without one.
	ModelCache []byte
	Upscaling  bool
}

type Orchestrator struct {
	device    gpu.Device
	swapchain Swapchain
	scene     Scene
	overlay   Overlay
	camera    *camera.Camera
	log       *slog.Logger
	opts      Options

	graphicsQueue gpu.Queue
	colorFormat   core1_0.Format
	passes        [passCount]*PassData
	upscaled      Texture
	hudDirty      bool

	graph             gpu.DataGraphDevice
	graphQueue        gpu.Queue
	engine            gpu.DataGraphProperties
	tensors           *ml.TensorResources
	input             *ml.Tensor
	output            *ml.Tensor
	pipeline          *ml.GraphPipelineInstance
	dispatcher        *ml.GraphDispatcher
	inferenceCmd      []gpu.CommandBuffer
	inferenceComplete []gpu.Semaphore

	direct    handoff
	roundTrip handoff
	active    handoff
	upscaling bool
	frames    uint64
}

// New wires the orchestrator to its collaborators. overlay may be nil. Nothing is created until
// Setup.
func New(device gpu.Device, swapchain Swapchain, scene Scene, overlay Overlay, cam *camera.Camera, log *slog.Logger, opts Options) *Orchestrator {
	if opts.FramesInFlight <= 0 {
		opts.FramesInFlight = swapchain.FramesInFlight()
	}
	return &Orchestrator{
		device:    device,
		swapchain: swapchain,
		scene:     scene,
		overlay:   overlay,
		camera:    cam,
		log:       log.With("component", "frame"),
		opts:      opts,
		upscaling: opts.Upscaling,
	}
}

// Setup creates render targets, passes, tensors, the graph pipeline and per-frame command buffers
// and semaphores. Failures of the graph pipeline only disable inference; anything else is
// returned after releasing what was created.
func (o *Orchestrator) Setup() (err error) {
	defer func() {
		if err != nil {
			o.Destroy()
		}
	}()

	if o.opts.FramesInFlight != o.swapchain.FramesInFlight() {
		return errors.AssertionFailedf("%d frames in flight, swapchain has %d", o.opts.FramesInFlight, o.swapchain.FramesInFlight())
	}

	queue, ok := o.device.Queue(gpu.QueueGraphics)
	if !ok {
		return ErrNoGraphicsQueue
	}
	o.graphicsQueue = queue

	inference := o.probeInference()
	o.colorFormat = gpu.FormatR8G8B8A8SRGB
	if inference {
		// The upscaling model consumes and produces packed RGB.
		o.colorFormat = gpu.FormatR8G8B8UNorm
	}

	if err := o.createPasses(); err != nil {
		return err
	}

	o.upscaled, err = newTexture(o.device, "upscaled image", o.opts.UpscaledExtent, o.colorFormat,
		core1_0.ImageUsageTransferDst|core1_0.ImageUsageTransferSrc|core1_0.ImageUsageSampled, core1_0.ImageAspectColor)
	if err != nil {
		return err
	}

	err = o.restLayouts(&o.passes[PassScene].Target, &o.passes[PassHUD].Target, &o.upscaled)
	if err != nil {
		return err
	}
	if err := o.clearHUD(); err != nil {
		return err
	}

	if err := o.recordObjects(o.passes[PassScene], 0, o.scene.RecordScene); err != nil {
		return err
	}
	if err := o.scene.BindBlitSources(o.upscaled.Image, o.passes[PassHUD].Target.Image); err != nil {
		return errors.Wrap(err, "bind blit sources")
	}
	for i := 0; i < o.swapchain.ImageCount(); i++ {
		index := i
		err := o.recordObjects(o.passes[PassBlit], index, func(cmd gpu.CommandBuffer, extent core1_0.Extent2D) (int, error) {
			return o.scene.RecordBlit(cmd, index, extent)
		})
		if err != nil {
			return err
		}
	}

	o.direct = &directHandoff{device: o.device, scene: &o.passes[PassScene].Target, upscaled: &o.upscaled}
	if inference {
		if err := o.setupInference(); err != nil {
			o.log.Warn("graph pipeline unavailable, upscaling falls back to blit", "error", err)
			o.destroyInference()
		}
	}
	o.selectHandoff()

	o.log.Info("frame pipeline ready",
		"render", o.opts.RenderExtent,
		"upscaled", o.opts.UpscaledExtent,
		"framesInFlight", o.opts.FramesInFlight,
		"inference", o.InferenceSupported(),
		"path", o.active.Path())
	return nil
}

// probeInference reports whether the device can run the graph: it needs the data-graph
// interface and queue, an engine for the preferred operation, and a valid model cache.
func (o *Orchestrator) probeInference() bool {
	graph, ok := o.device.(gpu.DataGraphDevice)
	if !ok {
		o.log.Warn("device does not support data graph pipelines")
		return false
	}
	queue, ok := graph.Queue(gpu.QueueDataGraph)
	if !ok {
		o.log.Warn("device has no data graph queue")
		return false
	}
	props, err := graph.DataGraphProperties(gpu.QueueDataGraph)
	if err != nil {
		o.log.Warn("cannot query data graph properties", "error", err)
		return false
	}
	engine, ok := ml.SelectEngine(props, o.opts.Operation)
	if !ok {
		o.log.Warn("no data graph engine supports the upscaling model", "operation", o.opts.Operation)
		return false
	}
	if len(o.opts.ModelCache) == 0 {
		o.log.Warn("no model cache, upscaling falls back to blit")
		return false
	}
	if _, ok := ml.ValidateModelCache(o.opts.ModelCache); !ok {
		o.log.Warn("model cache rejected, upscaling falls back to blit", "bytes", len(o.opts.ModelCache))
		return false
	}

	o.graph, o.graphQueue, o.engine = graph, queue, engine
	o.log.Info("data graph engine selected", "engine", engine.Engine.Type, "operation", engine.Operation.Type)
	return true
}

func (o *Orchestrator) createPasses() error {
	sceneTarget, err := newTexture(o.device, "scene target", o.opts.RenderExtent, o.colorFormat,
		core1_0.ImageUsageColorAttachment|core1_0.ImageUsageSampled|core1_0.ImageUsageTransferSrc, core1_0.ImageAspectColor)
	if err != nil {
		return err
	}
	sceneDepth, err := newTexture(o.device, "scene depth", o.opts.RenderExtent, core1_0.FormatD32SignedFloat,
		core1_0.ImageUsageDepthStencilAttachment, core1_0.ImageAspectDepth)
	if err != nil {
		sceneTarget.destroy(o.device)
		return err
	}
	scene, err := o.createPass(PassScene, sceneTarget, sceneDepth, gpu.RenderPassInfo{
		ColorFormat: o.colorFormat,
		DepthFormat: core1_0.FormatD32SignedFloat,
		ClearColor:  true,
		FinalLayout: core1_0.ImageLayoutShaderReadOnlyOptimal,
	})
	if err != nil {
		return err
	}
	scene.ClearColor = [4]float32{0, 0, 0, 1}

	hudTarget, err := newTexture(o.device, "hud target", o.swapchain.Extent(), gpu.FormatR8G8B8A8SRGB,
		core1_0.ImageUsageColorAttachment|core1_0.ImageUsageSampled, core1_0.ImageAspectColor)
	if err != nil {
		return err
	}
	if _, err := o.createPass(PassHUD, hudTarget, Texture{}, gpu.RenderPassInfo{
		ColorFormat: gpu.FormatR8G8B8A8SRGB,
		ClearColor:  true,
		FinalLayout: core1_0.ImageLayoutShaderReadOnlyOptimal,
	}); err != nil {
		return err
	}

	blit, err := o.createPass(PassBlit, Texture{}, Texture{}, gpu.RenderPassInfo{})
	if err != nil {
		return err
	}
	blit.ClearColor = [4]float32{0, 0, 0, 1}
	return nil
}

// restLayouts moves freshly created sampled targets into SHADER_READ_ONLY_OPTIMAL, the layout they
// rest in between passes.
func (o *Orchestrator) restLayouts(textures ...*Texture) error {
	return o.oneShot(func(cmd gpu.CommandBuffer) error {
		barriers := make([]gpu.ImageBarrier, 0, len(textures))
		for _, t := range textures {
			barriers = append(barriers, gpu.ImageBarrier{
				Image:     t.Image,
				Aspect:    t.Aspect,
				OldLayout: core1_0.ImageLayoutUndefined,
				NewLayout: core1_0.ImageLayoutShaderReadOnlyOptimal,
				DstAccess: core1_0.AccessShaderRead,
			})
		}
		if err := o.device.CmdPipelineBarrier(cmd, core1_0.PipelineStageTopOfPipe, core1_0.PipelineStageFragmentShader, barriers...); err != nil {
			return err
		}
		for _, t := range textures {
			t.Layout = core1_0.ImageLayoutShaderReadOnlyOptimal
		}
		return nil
	})
}

// clearHUD leaves the HUD target transparent until the overlay first draws into it.
func (o *Orchestrator) clearHUD() error {
	pass := o.passes[PassHUD]
	framebuffer, extent, err := o.framebuffer(pass, 0)
	if err != nil {
		return err
	}
	return o.oneShot(func(cmd gpu.CommandBuffer) error {
		err := o.device.CmdBeginRenderPass(cmd, gpu.RenderPassBegin{
			RenderPass:  pass.RenderPass,
			Framebuffer: framebuffer,
			Extent:      extent,
			ClearColor:  pass.ClearColor,
		})
		if err != nil {
			return errors.Wrap(err, "begin hud clear")
		}
		o.device.CmdEndRenderPass(cmd)
		return nil
	})
}

// oneShot records fn into a temporary command buffer, submits it to the graphics queue and waits.
func (o *Orchestrator) oneShot(fn func(cmd gpu.CommandBuffer) error) error {
	cmds, err := o.device.AllocateCommandBuffers(gpu.QueueGraphics, gpu.LevelPrimary, 1)
	if err != nil {
		return errors.Wrap(err, "allocate setup command buffer")
	}
	defer o.device.FreeCommandBuffers(gpu.QueueGraphics, cmds...)

	if err := o.device.BeginCommandBuffer(cmds[0], nil); err != nil {
		return err
	}
	if err := fn(cmds[0]); err != nil {
		return err
	}
	if err := o.device.EndCommandBuffer(cmds[0]); err != nil {
		return err
	}

	fence, err := o.device.CreateFence(false)
	if err != nil {
		return errors.Wrap(err, "create setup fence")
	}
	defer o.device.DestroyFence(fence)

	if err := o.device.QueueSubmit(o.graphicsQueue, fence, gpu.SubmitInfo{CommandBuffers: cmds}); err != nil {
		return errors.Wrap(err, "submit setup commands")
	}
	return o.device.WaitForFence(fence, setupTimeout)
}

func (o *Orchestrator) setupInference() error {
	o.input = ml.NewImageTensor(o.opts.RenderExtent.Width, o.opts.RenderExtent.Height, o.opts.InputPort)
	o.output = ml.NewImageTensor(o.opts.UpscaledExtent.Width, o.opts.UpscaledExtent.Height, o.opts.OutputPort)

	o.tensors = ml.NewTensorResources(o.graph, o.log)
	if err := o.tensors.Initialize(o.input, o.output, o.opts.MaxPort); err != nil {
		return err
	}

	pipeline, err := ml.NewGraphPipelineBuilder(o.graph, o.log).Build(o.opts.ModelCache,
		o.tensors.SetLayout, o.tensors.Resources(), o.engine.Engine, ml.NewGraphIdentifier(o.opts.GraphID))
	if err != nil {
		return err
	}
	o.pipeline = pipeline
	o.dispatcher = ml.NewGraphDispatcher(o.graph)

	cmds, err := o.graph.AllocateCommandBuffers(gpu.QueueDataGraph, gpu.LevelPrimary, o.opts.FramesInFlight)
	if err != nil {
		return errors.Wrap(err, "allocate inference command buffers")
	}
	o.inferenceCmd = cmds

	for i := 0; i < o.opts.FramesInFlight; i++ {
		semaphore, err := o.graph.CreateSemaphore()
		if err != nil {
			return errors.Wrap(err, "create inference complete semaphore")
		}
		o.inferenceComplete = append(o.inferenceComplete, semaphore)
	}

	o.roundTrip = &tensorHandoff{
		device:   o.device,
		scene:    &o.passes[PassScene].Target,
		upscaled: &o.upscaled,
		input:    o.input,
		output:   o.output,
	}
	return nil
}

func (o *Orchestrator) selectHandoff() {
	o.active = o.direct
	if o.upscaling && o.roundTrip != nil {
		o.active = o.roundTrip
	}
}

// SetUpscaling toggles the graph. With it off, or when the graph is unsupported, the scene is
// blitted into the upscaled image instead.
func (o *Orchestrator) SetUpscaling(enabled bool) {
	o.upscaling = enabled
	if o.direct == nil {
		return
	}
	o.selectHandoff()
	o.log.Info("upscaling toggled", "enabled", enabled, "path", o.active.Path())
}

func (o *Orchestrator) Upscaling() bool          { return o.upscaling }
func (o *Orchestrator) InferenceSupported() bool { return o.roundTrip != nil }
func (o *Orchestrator) FrameCount() uint64       { return o.frames }

// Path is the inference path the next frame takes.
func (o *Orchestrator) Path() InferencePath {
	if o.active == nil {
		return PathDirect
	}
	return o.active.Path()
}

// UpscaledImage is the image the blit pass samples on every path.
func (o *Orchestrator) UpscaledImage() gpu.Image { return o.upscaled.Image }

func (o *Orchestrator) Pass(id PassID) *PassData {
	if id < 0 || id >= passCount {
		return nil
	}
	return o.passes[id]
}

// Tensors returns the input and output tensors, nil when inference is unsupported.
func (o *Orchestrator) Tensors() (input, output *ml.Tensor) {
	if o.roundTrip == nil {
		return nil, nil
	}
	return o.input, o.output
}

func (o *Orchestrator) destroyInference() {
	if len(o.inferenceCmd) > 0 {
		o.graph.FreeCommandBuffers(gpu.QueueDataGraph, o.inferenceCmd...)
	}
	for _, semaphore := range o.inferenceComplete {
		o.graph.DestroySemaphore(semaphore)
	}
	if o.pipeline != nil {
		o.pipeline.Destroy()
	}
	if o.tensors != nil {
		o.tensors.Destroy()
	}
	o.inferenceCmd, o.inferenceComplete = nil, nil
	o.pipeline, o.tensors, o.dispatcher = nil, nil, nil
	o.input, o.output = nil, nil
	o.roundTrip = nil
}

// Destroy waits for the device to go idle and releases everything Setup created. It is safe to
// call after a failed Setup and more than once.
func (o *Orchestrator) Destroy() {
	if err := o.device.DeviceWaitIdle(); err != nil {
		o.log.Error("device wait idle failed", "error", err)
	}

	o.destroyInference()
	o.upscaled.destroy(o.device)
	for i := passCount - 1; i >= 0; i-- {
		o.destroyPass(o.passes[i])
		o.passes[i] = nil
	}
	o.direct, o.active = nil, nil
}
