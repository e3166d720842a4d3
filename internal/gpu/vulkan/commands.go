package vulkan

import (
	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/core/v3/core1_0"

	"github.com/vkngwrapper/graphpipelines/internal/gpu"
)

func (d *Device) AllocateCommandBuffers(kind gpu.QueueKind, level gpu.CommandBufferLevel, count int) ([]gpu.CommandBuffer, error) {
	if kind != gpu.QueueGraphics {
		return nil, errors.AssertionFailedf("no %s queue", kind)
	}
	buffers, _, err := d.driver.AllocateCommandBuffers(core1_0.CommandBufferAllocateInfo{
		CommandPool:        d.commandPool,
		Level:              commandBufferLevel(level),
		CommandBufferCount: count,
	})
	if err != nil {
		return nil, errors.Wrapf(err, "allocate %d command buffers", count)
	}

	handles := make([]gpu.CommandBuffer, 0, len(buffers))
	for _, buffer := range buffers {
		handles = append(handles, gpu.CommandBuffer(d.commands.add(commandEntry{buffer: buffer, level: level})))
	}
	return handles, nil
}

func (d *Device) FreeCommandBuffers(kind gpu.QueueKind, handles ...gpu.CommandBuffer) {
	var buffers []core1_0.CommandBuffer
	for _, h := range handles {
		if entry, ok := d.commands.remove(uint64(h)); ok {
			buffers = append(buffers, entry.buffer)
		}
	}
	if len(buffers) > 0 {
		d.driver.FreeCommandBuffers(buffers...)
	}
}

func (d *Device) commandBuffer(handle gpu.CommandBuffer) (commandEntry, error) {
	entry, ok := d.commands.get(uint64(handle))
	if !ok {
		return commandEntry{}, errors.AssertionFailedf("unknown command buffer %d", handle)
	}
	return entry, nil
}

// BeginCommandBuffer begins a primary for one submission, or a secondary that continues the
// render pass in inheritance.
func (d *Device) BeginCommandBuffer(handle gpu.CommandBuffer, inheritance *gpu.Inheritance) error {
	entry, err := d.commandBuffer(handle)
	if err != nil {
		return err
	}

	beginInfo := core1_0.CommandBufferBeginInfo{}
	if inheritance != nil {
		if entry.level != gpu.LevelSecondary {
			return errors.AssertionFailedf("inheritance passed to primary command buffer %d", handle)
		}
		renderPass, err := d.renderPass(inheritance.RenderPass)
		if err != nil {
			return err
		}
		framebuffer, ok := d.framebuffers.get(uint64(inheritance.Framebuffer))
		if !ok {
			return errors.AssertionFailedf("unknown framebuffer %d", inheritance.Framebuffer)
		}
		beginInfo.Flags = core1_0.CommandBufferUsageRenderPassContinue
		beginInfo.InheritanceInfo = &core1_0.CommandBufferInheritanceInfo{
			RenderPass:  renderPass.pass,
			Subpass:     0,
			Framebuffer: framebuffer,
		}
		inherited := *inheritance
		entry.inheritance = &inherited
	} else {
		entry.inheritance = nil
	}

	if _, err := d.driver.BeginCommandBuffer(entry.buffer, beginInfo); err != nil {
		return errors.Wrap(err, "begin command buffer")
	}
	d.commands.set(uint64(handle), entry)
	return nil
}

func (d *Device) EndCommandBuffer(handle gpu.CommandBuffer) error {
	entry, err := d.commandBuffer(handle)
	if err != nil {
		return err
	}
	_, err = d.driver.EndCommandBuffer(entry.buffer)
	return errors.Wrap(err, "end command buffer")
}

func (d *Device) ResetCommandBuffer(handle gpu.CommandBuffer) error {
	entry, err := d.commandBuffer(handle)
	if err != nil {
		return err
	}
	_, err = d.driver.ResetCommandBuffer(entry.buffer, 0)
	return errors.Wrap(err, "reset command buffer")
}

func (d *Device) CmdPipelineBarrier(handle gpu.CommandBuffer, srcStage, dstStage core1_0.PipelineStageFlags, barriers ...gpu.ImageBarrier) error {
	entry, err := d.commandBuffer(handle)
	if err != nil {
		return err
	}
	native := make([]core1_0.ImageMemoryBarrier, 0, len(barriers))
	for _, b := range barriers {
		image, err := d.image(b.Image)
		if err != nil {
			return err
		}
		native = append(native, imageMemoryBarrier(image.image, b))
	}
	return d.driver.CmdPipelineBarrier(entry.buffer, srcStage, dstStage, 0, nil, nil, native)
}

func (d *Device) CmdCopyImageToBuffer(handle gpu.CommandBuffer, src gpu.Image, srcLayout core1_0.ImageLayout, dst gpu.Buffer, region gpu.BufferImageCopy) error {
	entry, err := d.commandBuffer(handle)
	if err != nil {
		return err
	}
	image, err := d.image(src)
	if err != nil {
		return err
	}
	buffer, err := d.buffer(dst)
	if err != nil {
		return err
	}
	return d.driver.CmdCopyImageToBuffer(entry.buffer, image.image, srcLayout, buffer, bufferImageCopy(region))
}

func (d *Device) CmdCopyBufferToImage(handle gpu.CommandBuffer, src gpu.Buffer, dst gpu.Image, dstLayout core1_0.ImageLayout, region gpu.BufferImageCopy) error {
	entry, err := d.commandBuffer(handle)
	if err != nil {
		return err
	}
	buffer, err := d.buffer(src)
	if err != nil {
		return err
	}
	image, err := d.image(dst)
	if err != nil {
		return err
	}
	return d.driver.CmdCopyBufferToImage(entry.buffer, buffer, image.image, dstLayout, bufferImageCopy(region))
}

func (d *Device) CmdBlitImage(handle gpu.CommandBuffer, src gpu.Image, srcLayout core1_0.ImageLayout, dst gpu.Image, dstLayout core1_0.ImageLayout, region gpu.ImageBlit) error {
	entry, err := d.commandBuffer(handle)
	if err != nil {
		return err
	}
	srcImage, err := d.image(src)
	if err != nil {
		return err
	}
	dstImage, err := d.image(dst)
	if err != nil {
		return err
	}
	return d.driver.CmdBlitImage(entry.buffer, srcImage.image, srcLayout, dstImage.image, dstLayout,
		[]core1_0.ImageBlit{imageBlit(region)}, core1_0.FilterLinear)
}

func (d *Device) CmdBeginRenderPass(handle gpu.CommandBuffer, begin gpu.RenderPassBegin) error {
	entry, err := d.commandBuffer(handle)
	if err != nil {
		return err
	}
	renderPass, err := d.renderPass(begin.RenderPass)
	if err != nil {
		return err
	}
	framebuffer, ok := d.framebuffers.get(uint64(begin.Framebuffer))
	if !ok {
		return errors.AssertionFailedf("unknown framebuffer %d", begin.Framebuffer)
	}

	contents := core1_0.SubpassContentsInline
	if begin.Secondary {
		contents = core1_0.SubpassContentsSecondaryCommandBuffers
	}
	return d.driver.CmdBeginRenderPass(entry.buffer, contents, core1_0.RenderPassBeginInfo{
		RenderPass:  renderPass.pass,
		Framebuffer: framebuffer,
		RenderArea: core1_0.Rect2D{
			Offset: core1_0.Offset2D{X: 0, Y: 0},
			Extent: begin.Extent,
		},
		ClearValues: clearValues(renderPass.info, begin.ClearColor),
	})
}

func (d *Device) CmdEndRenderPass(handle gpu.CommandBuffer) {
	if entry, ok := d.commands.get(uint64(handle)); ok {
		d.driver.CmdEndRenderPass(entry.buffer)
	}
}

func (d *Device) CmdExecuteCommands(handle gpu.CommandBuffer, secondaries ...gpu.CommandBuffer) {
	entry, ok := d.commands.get(uint64(handle))
	if !ok {
		return
	}
	buffers := make([]core1_0.CommandBuffer, 0, len(secondaries))
	for _, h := range secondaries {
		if secondary, ok := d.commands.get(uint64(h)); ok {
			buffers = append(buffers, secondary.buffer)
		}
	}
	d.driver.CmdExecuteCommands(entry.buffer, buffers...)
}

// inheritedRenderPass is the render pass a secondary command buffer was begun to continue.
func (d *Device) inheritedRenderPass(handle gpu.CommandBuffer) (commandEntry, renderPassEntry, error) {
	entry, err := d.commandBuffer(handle)
	if err != nil {
		return commandEntry{}, renderPassEntry{}, err
	}
	if entry.inheritance == nil {
		return commandEntry{}, renderPassEntry{}, errors.AssertionFailedf("command buffer %d does not continue a render pass", handle)
	}
	renderPass, err := d.renderPass(entry.inheritance.RenderPass)
	return entry, renderPass, err
}
