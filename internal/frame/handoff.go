package frame

import (
	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/core/v3/core1_0"

	"github.com/vkngwrapper/graphpipelines/internal/gpu"
	"github.com/vkngwrapper/graphpipelines/internal/ml"
)

// InferencePath is how the scene image reaches the upscaled image.
type InferencePath int

const (
	// PathDirect blits the scene target straight into the upscaled image.
	PathDirect InferencePath = iota
	// PathTensorRoundTrip copies the scene target into the input tensor, runs the graph, and
	// copies the output tensor into the upscaled image.
	PathTensorRoundTrip
)

func (p InferencePath) String() string {
	switch p {
	case PathDirect:
		return "direct"
	case PathTensorRoundTrip:
		return "tensor-round-trip"
	}
	return "unknown"
}

// handoff records the transfers around the graph for one InferencePath. Both write the same
// upscaled texture, so the blit pass reads one image whichever path ran.
type handoff interface {
	Path() InferencePath
	// afterScene records into the scene command buffer once its render pass has ended.
	afterScene(cmd gpu.CommandBuffer) error
	// beforeBlit records into the blit command buffer ahead of its render pass.
	beforeBlit(cmd gpu.CommandBuffer) error
}

type transfer struct {
	texture *Texture
	layout  core1_0.ImageLayout
	access  core1_0.AccessFlags
}

// bracketed records fn between barriers that move every texture into its transfer layout and
// back to the layout it rests in.
func bracketed(device gpu.Device, cmd gpu.CommandBuffer, transfers []transfer, fn func() error) error {
	to := make([]gpu.ImageBarrier, 0, len(transfers))
	back := make([]gpu.ImageBarrier, 0, len(transfers))
	for _, t := range transfers {
		to = append(to, t.texture.barrier(t.layout, t.access, false))
		back = append(back, t.texture.barrier(t.layout, t.access, true))
	}

	err := device.CmdPipelineBarrier(cmd,
		core1_0.PipelineStageColorAttachmentOutput|core1_0.PipelineStageFragmentShader,
		core1_0.PipelineStageTransfer, to...)
	if err != nil {
		return errors.Wrap(err, "transition for transfer")
	}
	if err := fn(); err != nil {
		return err
	}
	err = device.CmdPipelineBarrier(cmd,
		core1_0.PipelineStageTransfer,
		core1_0.PipelineStageFragmentShader|core1_0.PipelineStageTransfer, back...)
	if err != nil {
		return errors.Wrap(err, "restore after transfer")
	}
	return nil
}

type directHandoff struct {
	device   gpu.Device
	scene    *Texture
	upscaled *Texture
}

func (h *directHandoff) Path() InferencePath { return PathDirect }

func (h *directHandoff) afterScene(cmd gpu.CommandBuffer) error {
	return bracketed(h.device, cmd, []transfer{
		{h.scene, core1_0.ImageLayoutTransferSrcOptimal, core1_0.AccessTransferRead},
		{h.upscaled, core1_0.ImageLayoutTransferDstOptimal, core1_0.AccessTransferWrite},
	}, func() error {
		err := h.device.CmdBlitImage(cmd,
			h.scene.Image, core1_0.ImageLayoutTransferSrcOptimal,
			h.upscaled.Image, core1_0.ImageLayoutTransferDstOptimal,
			gpu.ImageBlit{SrcExtent: h.scene.Extent, DstExtent: h.upscaled.Extent})
		return errors.Wrap(err, "blit scene into upscaled image")
	})
}

func (h *directHandoff) beforeBlit(gpu.CommandBuffer) error { return nil }

type tensorHandoff struct {
	device   gpu.Device
	scene    *Texture
	upscaled *Texture
	input    *ml.Tensor
	output   *ml.Tensor
}

func (h *tensorHandoff) Path() InferencePath { return PathTensorRoundTrip }

func (h *tensorHandoff) afterScene(cmd gpu.CommandBuffer) error {
	return bracketed(h.device, cmd, []transfer{
		{h.scene, core1_0.ImageLayoutTransferSrcOptimal, core1_0.AccessTransferRead},
	}, func() error {
		err := h.device.CmdCopyImageToBuffer(cmd, h.scene.Image, core1_0.ImageLayoutTransferSrcOptimal,
			h.input.Buffer, gpu.BufferImageCopy{Extent: h.input.Extent()})
		return errors.Wrap(err, "copy scene into input tensor")
	})
}

func (h *tensorHandoff) beforeBlit(cmd gpu.CommandBuffer) error {
	return bracketed(h.device, cmd, []transfer{
		{h.upscaled, core1_0.ImageLayoutTransferDstOptimal, core1_0.AccessTransferWrite},
	}, func() error {
		err := h.device.CmdCopyBufferToImage(cmd, h.output.Buffer, h.upscaled.Image,
			core1_0.ImageLayoutTransferDstOptimal, gpu.BufferImageCopy{Extent: h.output.Extent()})
		return errors.Wrap(err, "copy output tensor into upscaled image")
	})
}
