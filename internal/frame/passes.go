package frame

import (
	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/core/v3/core1_0"

	"github.com/vkngwrapper/graphpipelines/internal/gpu"
)

type PassID int

const (
	PassScene PassID = iota
	PassHUD
	PassBlit
	passCount
)

func (p PassID) String() string {
	switch p {
	case PassScene:
		return "scene"
	case PassHUD:
		return "hud"
	case PassBlit:
		return "blit"
	}
	return "unknown"
}

// PassData is everything one render pass needs across frames. Complete and PassCmd hold one
// entry per frame in flight. ObjectsCmd holds the pre-recorded secondary command buffers the pass
// executes: one for the scene, one per swapchain image for the blit, none for the HUD, whose
// commands come from the overlay each frame.
type PassData struct {
	ID PassID

	Target      Texture
	Depth       Texture
	RenderPass  gpu.RenderPass
	Framebuffer gpu.Framebuffer
	ClearColor  [4]float32

	Complete    []gpu.Semaphore
	PassCmd     []gpu.CommandBuffer
	ObjectsCmd  []gpu.CommandBuffer
	ObjectDraws []int
}

// createPass takes ownership of target and depth, which are zero for the blit pass.
func (o *Orchestrator) createPass(id PassID, target, depth Texture, info gpu.RenderPassInfo) (*PassData, error) {
	pass := &PassData{ID: id, Target: target, Depth: depth}
	o.passes[id] = pass

	if id != PassBlit {
		renderPass, err := o.device.CreateRenderPass(info)
		if err != nil {
			return nil, errors.Wrapf(err, "create %s render pass", id)
		}
		pass.RenderPass = renderPass

		framebuffer, err := o.device.CreateFramebuffer(gpu.FramebufferInfo{
			RenderPass: renderPass,
			Color:      pass.Target.Image,
			Depth:      pass.Depth.Image,
			Extent:     pass.Target.Extent,
		})
		if err != nil {
			return nil, errors.Wrapf(err, "create %s framebuffer", id)
		}
		pass.Framebuffer = framebuffer
	}

	for i := 0; i < o.opts.FramesInFlight; i++ {
		semaphore, err := o.device.CreateSemaphore()
		if err != nil {
			return nil, errors.Wrapf(err, "create %s complete semaphore", id)
		}
		pass.Complete = append(pass.Complete, semaphore)
	}

	cmds, err := o.device.AllocateCommandBuffers(gpu.QueueGraphics, gpu.LevelPrimary, o.opts.FramesInFlight)
	if err != nil {
		return nil, errors.Wrapf(err, "allocate %s command buffers", id)
	}
	pass.PassCmd = cmds

	return pass, nil
}

func (o *Orchestrator) renderPass(pass *PassData) gpu.RenderPass {
	if pass.ID == PassBlit {
		return o.swapchain.RenderPass()
	}
	return pass.RenderPass
}

func (o *Orchestrator) framebuffer(pass *PassData, swapchainIndex int) (gpu.Framebuffer, core1_0.Extent2D, error) {
	framebuffer, extent := pass.Framebuffer, pass.Target.Extent
	if pass.ID == PassBlit {
		framebuffer, extent = o.swapchain.Framebuffer(swapchainIndex), o.swapchain.Extent()
	}
	if !framebuffer.Initialized() {
		return 0, extent, errors.AssertionFailedf("%s pass has no framebuffer for image %d", pass.ID, swapchainIndex)
	}
	return framebuffer, extent, nil
}

// recordObjects records the secondary command buffer a pass executes for one framebuffer.
func (o *Orchestrator) recordObjects(pass *PassData, swapchainIndex int, draw func(cmd gpu.CommandBuffer, extent core1_0.Extent2D) (int, error)) error {
	framebuffer, extent, err := o.framebuffer(pass, swapchainIndex)
	if err != nil {
		return err
	}

	cmds, err := o.device.AllocateCommandBuffers(gpu.QueueGraphics, gpu.LevelSecondary, 1)
	if err != nil {
		return errors.Wrapf(err, "allocate %s objects command buffer", pass.ID)
	}
	cmd := cmds[0]
	pass.ObjectsCmd = append(pass.ObjectsCmd, cmd)
	pass.ObjectDraws = append(pass.ObjectDraws, 0)

	err = o.device.BeginCommandBuffer(cmd, &gpu.Inheritance{RenderPass: o.renderPass(pass), Framebuffer: framebuffer})
	if err != nil {
		return errors.Wrapf(err, "begin %s objects command buffer", pass.ID)
	}
	draws, err := draw(cmd, extent)
	if err != nil {
		return errors.Wrapf(err, "record %s objects", pass.ID)
	}
	if err := o.device.EndCommandBuffer(cmd); err != nil {
		return errors.Wrapf(err, "end %s objects command buffer", pass.ID)
	}

	pass.ObjectDraws[len(pass.ObjectDraws)-1] = draws
	return nil
}

// recordPass records one frame of pass into cmd: before, the render pass executing objects, then
// after. before and after may be nil.
func (o *Orchestrator) recordPass(pass *PassData, cmd gpu.CommandBuffer, swapchainIndex int, objects []gpu.CommandBuffer, before, after func(cmd gpu.CommandBuffer) error) error {
	framebuffer, extent, err := o.framebuffer(pass, swapchainIndex)
	if err != nil {
		return err
	}

	if err := o.device.ResetCommandBuffer(cmd); err != nil {
		return errors.Wrapf(err, "reset %s command buffer", pass.ID)
	}
	if err := o.device.BeginCommandBuffer(cmd, nil); err != nil {
		return errors.Wrapf(err, "begin %s command buffer", pass.ID)
	}

	if before != nil {
		if err := before(cmd); err != nil {
			return err
		}
	}

	err = o.device.CmdBeginRenderPass(cmd, gpu.RenderPassBegin{
		RenderPass:  o.renderPass(pass),
		Framebuffer: framebuffer,
		Extent:      extent,
		ClearColor:  pass.ClearColor,
		Secondary:   true,
	})
	if err != nil {
		return errors.Wrapf(err, "begin %s render pass", pass.ID)
	}
	if len(objects) > 0 {
		o.device.CmdExecuteCommands(cmd, objects...)
	}
	o.device.CmdEndRenderPass(cmd)

	if after != nil {
		if err := after(cmd); err != nil {
			return err
		}
	}

	if err := o.device.EndCommandBuffer(cmd); err != nil {
		return errors.Wrapf(err, "end %s command buffer", pass.ID)
	}
	return nil
}

func (o *Orchestrator) destroyPass(pass *PassData) {
	if pass == nil {
		return
	}
	if len(pass.ObjectsCmd) > 0 {
		o.device.FreeCommandBuffers(gpu.QueueGraphics, pass.ObjectsCmd...)
	}
	if len(pass.PassCmd) > 0 {
		o.device.FreeCommandBuffers(gpu.QueueGraphics, pass.PassCmd...)
	}
	for _, semaphore := range pass.Complete {
		o.device.DestroySemaphore(semaphore)
	}
	if pass.Framebuffer.Initialized() {
		o.device.DestroyFramebuffer(pass.Framebuffer)
	}
	if pass.RenderPass.Initialized() {
		o.device.DestroyRenderPass(pass.RenderPass)
	}
	pass.Target.destroy(o.device)
	pass.Depth.destroy(o.device)
}
