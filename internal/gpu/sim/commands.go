package sim

import (
	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/core/v3/core1_0"

	"github.com/vkngwrapper/graphpipelines/internal/gpu"
)

type activePass struct {
	info gpu.RenderPassInfo
	fb   gpu.FramebufferInfo
}

// execution is the state a queue carries while it runs one submitted batch.
type execution struct {
	pass      *activePass
	pipelines map[core1_0.PipelineBindPoint]gpu.Pipeline
	sets      map[core1_0.PipelineBindPoint][]gpu.DescriptorSet
}

func (d *Device) AllocateCommandBuffers(kind gpu.QueueKind, level gpu.CommandBufferLevel, count int) ([]gpu.CommandBuffer, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.fault(OpAllocateCommandBuffers); err != nil {
		return nil, err
	}
	found := false
	for _, k := range d.queues {
		found = found || k == kind
	}
	if !found {
		return nil, errors.Newf("no %s queue for command pool", kind)
	}

	buffers := make([]gpu.CommandBuffer, 0, count)
	for i := 0; i < count; i++ {
		h := gpu.CommandBuffer(d.next())
		d.cmdBuffers[h] = &commandBuffer{kind: kind, level: level}
		buffers = append(buffers, h)
	}
	return buffers, nil
}

func (d *Device) FreeCommandBuffers(kind gpu.QueueKind, buffers ...gpu.CommandBuffer) {
	d.mu.Lock()
	defer d.mu.Unlock()

	for _, b := range buffers {
		if cb, ok := d.cmdBuffers[b]; ok && cb.kind == kind {
			delete(d.cmdBuffers, b)
		}
	}
}

func (d *Device) BeginCommandBuffer(cmd gpu.CommandBuffer, inheritance *gpu.Inheritance) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	cb, ok := d.cmdBuffers[cmd]
	if !ok {
		return errors.Wrapf(ErrUnknownHandle, "command buffer %d", cmd)
	}
	if cb.state == cmdRecording {
		return errors.Newf("command buffer %d is already recording", cmd)
	}
	if cb.level == gpu.LevelSecondary && inheritance != nil {
		inh := *inheritance
		cb.inheritance = &inh
	}
	cb.state = cmdRecording
	cb.commands = nil
	cb.insidePass = false
	cb.err = nil
	return nil
}

func (d *Device) EndCommandBuffer(cmd gpu.CommandBuffer) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	cb, ok := d.cmdBuffers[cmd]
	if !ok {
		return errors.Wrapf(ErrUnknownHandle, "command buffer %d", cmd)
	}
	if cb.state != cmdRecording {
		return errors.Wrapf(ErrNotRecording, "end command buffer %d", cmd)
	}
	if cb.err != nil {
		cb.state = cmdInitial
		return cb.err
	}
	if cb.insidePass {
		cb.state = cmdInitial
		return errors.Newf("command buffer %d ended inside a render pass", cmd)
	}
	cb.state = cmdExecutable
	return nil
}

func (d *Device) ResetCommandBuffer(cmd gpu.CommandBuffer) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	cb, ok := d.cmdBuffers[cmd]
	if !ok {
		return errors.Wrapf(ErrUnknownHandle, "command buffer %d", cmd)
	}
	cb.state = cmdInitial
	cb.commands = nil
	cb.insidePass = false
	cb.err = nil
	return nil
}

func (d *Device) record(cmd gpu.CommandBuffer, name string, run func(x *execution) error) error {
	cb, ok := d.cmdBuffers[cmd]
	if !ok {
		return errors.Wrapf(ErrUnknownHandle, "command buffer %d", cmd)
	}
	if cb.state != cmdRecording {
		err := errors.Wrapf(ErrNotRecording, "%s on command buffer %d", name, cmd)
		if cb.err == nil {
			cb.err = err
		}
		return err
	}
	cb.commands = append(cb.commands, command{name: name, run: run})
	return nil
}

func (d *Device) CmdPipelineBarrier(cmd gpu.CommandBuffer, srcStage, dstStage core1_0.PipelineStageFlags, barriers ...gpu.ImageBarrier) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	barriers = append([]gpu.ImageBarrier(nil), barriers...)
	return d.record(cmd, "PipelineBarrier", func(x *execution) error {
		for _, b := range barriers {
			img, ok := d.images[b.Image]
			if !ok {
				return errors.Wrapf(ErrUnknownHandle, "barrier image %d", b.Image)
			}
			if b.OldLayout != core1_0.ImageLayoutUndefined && b.OldLayout != img.layout {
				return errors.Wrapf(ErrLayoutMismatch, "barrier on image %d expects layout %d, image is in %d", b.Image, b.OldLayout, img.layout)
			}
			if b.OldLayout == core1_0.ImageLayoutUndefined && img.mem != nil {
				// Transitions from UNDEFINED discard the contents.
				discard(img.mem.data[img.offset : img.offset+img.size()])
			}
			img.layout = b.NewLayout
		}
		return nil
	})
}

func transferLayout(actual, declared, optimal core1_0.ImageLayout) error {
	if declared != optimal && declared != core1_0.ImageLayoutGeneral {
		return errors.Wrapf(ErrLayoutMismatch, "layout %d is not valid for a transfer", declared)
	}
	if actual != declared {
		return errors.Wrapf(ErrLayoutMismatch, "image is in layout %d, command declares %d", actual, declared)
	}
	return nil
}

func (d *Device) imageBytes(h gpu.Image) (*image, []byte, error) {
	img, ok := d.images[h]
	if !ok {
		return nil, nil, errors.Wrapf(ErrUnknownHandle, "image %d", h)
	}
	if img.mem == nil {
		return nil, nil, errors.Wrapf(ErrUnboundMemory, "image %d", h)
	}
	return img, img.mem.data[img.offset : img.offset+img.size()], nil
}

func (d *Device) bufferBytes(h gpu.Buffer) ([]byte, error) {
	buf, ok := d.buffers[h]
	if !ok {
		return nil, errors.Wrapf(ErrUnknownHandle, "buffer %d", h)
	}
	if buf.mem == nil {
		return nil, errors.Wrapf(ErrUnboundMemory, "buffer %d", h)
	}
	return buf.mem.data[buf.offset : buf.offset+buf.info.Size], nil
}

func (d *Device) CmdCopyImageToBuffer(cmd gpu.CommandBuffer, src gpu.Image, srcLayout core1_0.ImageLayout, dst gpu.Buffer, region gpu.BufferImageCopy) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.record(cmd, "CopyImageToBuffer", func(x *execution) error {
		img, texels, err := d.imageBytes(src)
		if err != nil {
			return err
		}
		if err := transferLayout(img.layout, srcLayout, core1_0.ImageLayoutTransferSrcOptimal); err != nil {
			return errors.Wrapf(err, "copy source %d", src)
		}
		data, err := d.bufferBytes(dst)
		if err != nil {
			return err
		}
		n := region.Extent.Width * region.Extent.Height * gpu.BytesPerPixel(img.info.Format)
		if n > len(texels) || region.BufferOffset+n > len(data) {
			return errors.Wrapf(ErrOutOfRange, "copy of %d bytes into buffer %d", n, dst)
		}
		copy(data[region.BufferOffset:region.BufferOffset+n], texels[:n])
		return nil
	})
}

func (d *Device) CmdCopyBufferToImage(cmd gpu.CommandBuffer, src gpu.Buffer, dst gpu.Image, dstLayout core1_0.ImageLayout, region gpu.BufferImageCopy) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.record(cmd, "CopyBufferToImage", func(x *execution) error {
		img, texels, err := d.imageBytes(dst)
		if err != nil {
			return err
		}
		if err := transferLayout(img.layout, dstLayout, core1_0.ImageLayoutTransferDstOptimal); err != nil {
			return errors.Wrapf(err, "copy destination %d", dst)
		}
		data, err := d.bufferBytes(src)
		if err != nil {
			return err
		}
		n := region.Extent.Width * region.Extent.Height * gpu.BytesPerPixel(img.info.Format)
		if n > len(texels) || region.BufferOffset+n > len(data) {
			return errors.Wrapf(ErrOutOfRange, "copy of %d bytes from buffer %d", n, src)
		}
		copy(texels[:n], data[region.BufferOffset:region.BufferOffset+n])
		return nil
	})
}

func (d *Device) CmdBlitImage(cmd gpu.CommandBuffer, src gpu.Image, srcLayout core1_0.ImageLayout, dst gpu.Image, dstLayout core1_0.ImageLayout, region gpu.ImageBlit) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.record(cmd, "BlitImage", func(x *execution) error {
		srcImg, srcTexels, err := d.imageBytes(src)
		if err != nil {
			return err
		}
		dstImg, dstTexels, err := d.imageBytes(dst)
		if err != nil {
			return err
		}
		if err := transferLayout(srcImg.layout, srcLayout, core1_0.ImageLayoutTransferSrcOptimal); err != nil {
			return errors.Wrapf(err, "blit source %d", src)
		}
		if err := transferLayout(dstImg.layout, dstLayout, core1_0.ImageLayoutTransferDstOptimal); err != nil {
			return errors.Wrapf(err, "blit destination %d", dst)
		}
		resample(srcTexels, region.SrcExtent, gpu.BytesPerPixel(srcImg.info.Format),
			dstTexels, region.DstExtent, gpu.BytesPerPixel(dstImg.info.Format))
		return nil
	})
}

func (d *Device) CmdBeginRenderPass(cmd gpu.CommandBuffer, begin gpu.RenderPassBegin) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	info, ok := d.renderPasses[begin.RenderPass]
	if !ok {
		return errors.Wrapf(ErrUnknownHandle, "render pass %d", begin.RenderPass)
	}
	fb, ok := d.framebuffers[begin.Framebuffer]
	if !ok {
		return errors.Wrapf(ErrUnknownHandle, "framebuffer %d", begin.Framebuffer)
	}

	clear := begin.ClearColor
	err := d.record(cmd, "BeginRenderPass", func(x *execution) error {
		img, texels, err := d.imageBytes(fb.Color)
		if err != nil {
			return err
		}
		if info.ClearColor {
			fill(texels, gpu.BytesPerPixel(img.info.Format), unorm(clear))
		}
		img.layout = core1_0.ImageLayoutColorAttachmentOptimal
		if depth, ok := d.images[fb.Depth]; ok {
			depth.layout = core1_0.ImageLayoutDepthStencilAttachmentOptimal
		}
		x.pass = &activePass{info: info, fb: fb}
		return nil
	})
	if err == nil {
		d.cmdBuffers[cmd].insidePass = true
	}
	return err
}

func (d *Device) CmdEndRenderPass(cmd gpu.CommandBuffer) {
	d.mu.Lock()
	defer d.mu.Unlock()

	err := d.record(cmd, "EndRenderPass", func(x *execution) error {
		if x.pass == nil {
			return ErrNoRenderPass
		}
		if img, ok := d.images[x.pass.fb.Color]; ok {
			img.layout = x.pass.info.FinalLayout
		}
		x.pass = nil
		return nil
	})
	if err == nil {
		d.cmdBuffers[cmd].insidePass = false
	}
}

func (d *Device) CmdExecuteCommands(cmd gpu.CommandBuffer, secondaries ...gpu.CommandBuffer) {
	d.mu.Lock()
	defer d.mu.Unlock()

	secondaries = append([]gpu.CommandBuffer(nil), secondaries...)
	_ = d.record(cmd, "ExecuteCommands", func(x *execution) error {
		for _, s := range secondaries {
			cb, ok := d.cmdBuffers[s]
			if !ok {
				return errors.Wrapf(ErrUnknownHandle, "secondary command buffer %d", s)
			}
			if cb.level != gpu.LevelSecondary || cb.state != cmdExecutable {
				return errors.Wrapf(ErrNotExecutable, "secondary command buffer %d", s)
			}
			for _, c := range cb.commands {
				if err := c.run(x); err != nil {
					return errors.Wrapf(err, "secondary %s", c.name)
				}
			}
		}
		return nil
	})
}

func (d *Device) QueueSubmit(queue gpu.Queue, fence gpu.Fence, submits ...gpu.SubmitInfo) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	kind, ok := d.queues[queue]
	if !ok {
		return errors.Wrapf(ErrUnknownHandle, "queue %d", queue)
	}
	if err := d.submitFaults[kind]; err != nil {
		return errors.Wrapf(err, "submit to %s queue", kind)
	}
	if fence.Initialized() {
		signaled, ok := d.fences[fence]
		if !ok {
			return errors.Wrapf(ErrUnknownHandle, "fence %d", fence)
		}
		if signaled {
			return errors.Wrapf(ErrFenceSignaled, "fence %d", fence)
		}
	}

	for _, submit := range submits {
		if len(submit.WaitDstStageMask) != len(submit.WaitSemaphores) {
			return errors.Newf("%d wait semaphores with %d stage masks", len(submit.WaitSemaphores), len(submit.WaitDstStageMask))
		}
		if err := d.checkWaits(submit.WaitSemaphores); err != nil {
			return errors.Wrapf(err, "submit to %s queue", kind)
		}
		for _, c := range submit.CommandBuffers {
			cb, ok := d.cmdBuffers[c]
			if !ok {
				return errors.Wrapf(ErrUnknownHandle, "command buffer %d", c)
			}
			if cb.state != cmdExecutable || cb.level != gpu.LevelPrimary {
				return errors.Wrapf(ErrNotExecutable, "command buffer %d", c)
			}
			if cb.kind != kind {
				return errors.Newf("command buffer %d from %s pool submitted to %s queue", c, cb.kind, kind)
			}
		}
		d.consume(submit.WaitSemaphores)

		x := &execution{
			pipelines: make(map[core1_0.PipelineBindPoint]gpu.Pipeline),
			sets:      make(map[core1_0.PipelineBindPoint][]gpu.DescriptorSet),
		}
		var names []string
		for _, c := range submit.CommandBuffers {
			for _, command := range d.cmdBuffers[c].commands {
				names = append(names, command.name)
				if err := command.run(x); err != nil {
					return errors.Wrapf(err, "execute %s", command.name)
				}
			}
		}
		for _, s := range submit.SignalSemaphores {
			if err := d.signal(s); err != nil {
				return err
			}
		}

		if !d.opts.trace {
			continue
		}
		d.submissions = append(d.submissions, Submission{
			Queue:      kind,
			Waits:      append([]gpu.Semaphore(nil), submit.WaitSemaphores...),
			WaitStages: append([]core1_0.PipelineStageFlags(nil), submit.WaitDstStageMask...),
			Signals:    append([]gpu.Semaphore(nil), submit.SignalSemaphores...),
			Fence:      fence,
			Commands:   names,
		})
	}

	if fence.Initialized() {
		d.fences[fence] = true
	}
	return nil
}
