package frame

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/core/v3/core1_0"

	"github.com/vkngwrapper/graphpipelines/internal/camera"
	"github.com/vkngwrapper/graphpipelines/internal/gpu"
)

type stage struct {
	name string
	run  func(FrameState) FrameState
}

// RenderFrame builds, submits and presents one frame. Only a failed acquire returns an error;
// failures of later stages are logged and collected in the returned state, and the frame still
// reaches present.
func (o *Orchestrator) RenderFrame(ctx context.Context, dt time.Duration, input camera.Input) (FrameState, error) {
	if o.active == nil {
		return FrameState{}, errors.AssertionFailedf("render frame before setup")
	}

	state, err := o.acquire(ctx)
	if err != nil {
		return state, err
	}

	stages := []stage{
		{"uniforms", func(s FrameState) FrameState { return o.updateUniforms(s, dt, input) }},
		{"scene", o.scenePass},
		{"inference", o.inference},
		{"hud", o.hudPass},
		{"blit", o.blitPass},
		{"present", o.present},
	}
	for _, st := range stages {
		before := len(state.Errors)
		state = st.run(state)
		for _, err := range state.Errors[before:] {
			o.log.Error("frame stage failed", "stage", st.name, "frame", state.Number, "error", err)
		}
	}

	o.frames++
	o.log.Debug("frame presented", "frame", state.Number, "path", state.Path, "inferred", state.Inferred, "hud", state.HUD)
	return state, nil
}

func (o *Orchestrator) acquire(ctx context.Context) (FrameState, error) {
	backbuffer, err := o.swapchain.AcquireNext(ctx)
	if err != nil {
		return FrameState{}, errors.Wrap(err, "acquire backbuffer")
	}
	if backbuffer.Slot < 0 || backbuffer.Slot >= o.opts.FramesInFlight {
		return FrameState{}, errors.AssertionFailedf("backbuffer slot %d out of %d", backbuffer.Slot, o.opts.FramesInFlight)
	}

	return FrameState{
		Number:     o.frames + 1,
		Backbuffer: backbuffer,
		Path:       o.active.Path(),
		Wait:       backbuffer.Acquired,
		WaitStage:  core1_0.PipelineStageColorAttachmentOutput,
	}, nil
}

func (o *Orchestrator) updateUniforms(state FrameState, dt time.Duration, input camera.Input) FrameState {
	if o.camera == nil {
		return state
	}
	o.camera.Update(float32(dt.Seconds()), input)
	o.camera.UpdateMatrices()

	uniforms := o.camera.Uniforms(o.opts.RenderExtent.Width, o.opts.RenderExtent.Height, state.Path == PathTensorRoundTrip)
	if err := o.scene.UpdateUniforms(state.Backbuffer.Slot, uniforms); err != nil {
		return state.fail("uniforms", err)
	}
	return state
}

func (o *Orchestrator) scenePass(state FrameState) FrameState {
	pass := o.passes[PassScene]
	slot := state.Backbuffer.Slot
	cmd := pass.PassCmd[slot]

	err := o.recordPass(pass, cmd, state.Backbuffer.Index, pass.ObjectsCmd, nil, o.active.afterScene)
	if err != nil {
		return state.fail("scene", err)
	}
	if err := o.device.QueueSubmit(o.graphicsQueue, 0, state.submit(cmd, pass.Complete[slot])); err != nil {
		return state.fail("scene", errors.Wrap(err, "submit scene pass"))
	}
	return state.chain(pass.Complete[slot], gpu.PipelineStageAllCommands)
}

// inference dispatches the graph on the round-trip path. When the submit fails the output tensor
// keeps the previous frame's result and the chain stays on the scene semaphore.
func (o *Orchestrator) inference(state FrameState) FrameState {
	if state.Path != PathTensorRoundTrip {
		return state
	}
	slot := state.Backbuffer.Slot
	cmd := o.inferenceCmd[slot]

	if err := o.graph.ResetCommandBuffer(cmd); err != nil {
		return state.fail("inference", err)
	}
	if err := o.graph.BeginCommandBuffer(cmd, nil); err != nil {
		return state.fail("inference", err)
	}
	err := o.dispatcher.RecordDispatch(cmd, o.pipeline.Pipeline, o.pipeline.Layout, o.tensors.Set, o.pipeline.Session)
	if err != nil {
		return state.fail("inference", err)
	}
	if err := o.graph.EndCommandBuffer(cmd); err != nil {
		return state.fail("inference", err)
	}

	err = o.dispatcher.Submit(o.graphQueue, cmd, state.Wait, state.WaitStage, o.inferenceComplete[slot], 0)
	if err != nil {
		return state.fail("inference", err)
	}
	state.Inferred = true
	return state.chain(o.inferenceComplete[slot], gpu.PipelineStageAllCommands)
}

// hudPass runs when the overlay has commands. Once the overlay stops drawing, one more pass clears
// the HUD target so the blit does not keep compositing a stale overlay.
func (o *Orchestrator) hudPass(state FrameState) FrameState {
	if o.overlay == nil {
		return state
	}
	pass := o.passes[PassHUD]
	slot := state.Backbuffer.Slot

	overlayCmd, ok, err := o.overlay.Render(slot, gpu.Inheritance{RenderPass: pass.RenderPass, Framebuffer: pass.Framebuffer})
	if err != nil {
		return state.fail("hud", errors.Wrap(err, "render overlay"))
	}
	var objects []gpu.CommandBuffer
	switch {
	case ok:
		objects = []gpu.CommandBuffer{overlayCmd}
	case !o.hudDirty:
		return state
	}

	cmd := pass.PassCmd[slot]
	if err := o.recordPass(pass, cmd, state.Backbuffer.Index, objects, nil, nil); err != nil {
		return state.fail("hud", err)
	}
	if err := o.device.QueueSubmit(o.graphicsQueue, 0, state.submit(cmd, pass.Complete[slot])); err != nil {
		return state.fail("hud", errors.Wrap(err, "submit hud pass"))
	}
	o.hudDirty = ok
	state.HUD = ok
	return state.chain(pass.Complete[slot], core1_0.PipelineStageColorAttachmentOutput)
}

func (o *Orchestrator) blitPass(state FrameState) FrameState {
	pass := o.passes[PassBlit]
	slot, index := state.Backbuffer.Slot, state.Backbuffer.Index
	cmd := pass.PassCmd[slot]

	if index < 0 || index >= len(pass.ObjectsCmd) {
		return state.fail("blit", errors.AssertionFailedf("swapchain image %d has no blit commands", index))
	}

	err := o.recordPass(pass, cmd, index, pass.ObjectsCmd[index:index+1], o.active.beforeBlit, nil)
	if err == nil {
		err = o.device.QueueSubmit(o.graphicsQueue, state.Backbuffer.Fence, state.submit(cmd, pass.Complete[slot]))
	}
	if err != nil {
		state = state.fail("blit", err)
		// The frame fence still has to signal or the slot can never be acquired again.
		if err := o.device.QueueSubmit(o.graphicsQueue, state.Backbuffer.Fence); err != nil {
			state = state.fail("blit", errors.Wrap(err, "signal frame fence"))
		}
		return state
	}
	return state.chain(pass.Complete[slot], core1_0.PipelineStageColorAttachmentOutput)
}

func (o *Orchestrator) present(state FrameState) FrameState {
	if err := o.swapchain.Present(state.Backbuffer.Index, state.waits()...); err != nil {
		return state.fail("present", err)
	}
	state.Presented = true
	return state
}
