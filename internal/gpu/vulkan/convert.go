package vulkan

import (
	"github.com/vkngwrapper/core/v3/core1_0"

	"github.com/vkngwrapper/graphpipelines/internal/gpu"
)

func renderPassCreateInfo(info gpu.RenderPassInfo) core1_0.RenderPassCreateInfo {
	loadOp := core1_0.AttachmentLoadOpLoad
	initialLayout := info.FinalLayout
	if info.ClearColor {
		loadOp = core1_0.AttachmentLoadOpClear
		initialLayout = core1_0.ImageLayoutUndefined
	}

	attachments := []core1_0.AttachmentDescription{
		{
			Format:         info.ColorFormat,
			Samples:        core1_0.Samples1,
			LoadOp:         loadOp,
			StoreOp:        core1_0.AttachmentStoreOpStore,
			StencilLoadOp:  core1_0.AttachmentLoadOpDontCare,
			StencilStoreOp: core1_0.AttachmentStoreOpDontCare,
			InitialLayout:  initialLayout,
			FinalLayout:    info.FinalLayout,
		},
	}
	subpass := core1_0.SubpassDescription{
		PipelineBindPoint: core1_0.PipelineBindPointGraphics,
		ColorAttachments: []core1_0.AttachmentReference{
			{Attachment: 0, Layout: core1_0.ImageLayoutColorAttachmentOptimal},
		},
	}

	srcStages := core1_0.PipelineStageColorAttachmentOutput | core1_0.PipelineStageTransfer
	dstStages := core1_0.PipelineStageColorAttachmentOutput | core1_0.PipelineStageFragmentShader
	dstAccess := core1_0.AccessColorAttachmentWrite | core1_0.AccessShaderRead

	if info.DepthFormat != gpu.FormatUndefined {
		attachments = append(attachments, core1_0.AttachmentDescription{
			Format:         info.DepthFormat,
			Samples:        core1_0.Samples1,
			LoadOp:         core1_0.AttachmentLoadOpClear,
			StoreOp:        core1_0.AttachmentStoreOpDontCare,
			StencilLoadOp:  core1_0.AttachmentLoadOpDontCare,
			StencilStoreOp: core1_0.AttachmentStoreOpDontCare,
			InitialLayout:  core1_0.ImageLayoutUndefined,
			FinalLayout:    core1_0.ImageLayoutDepthStencilAttachmentOptimal,
		})
		subpass.DepthStencilAttachment = &core1_0.AttachmentReference{
			Attachment: 1,
			Layout:     core1_0.ImageLayoutDepthStencilAttachmentOptimal,
		}
		srcStages |= core1_0.PipelineStageEarlyFragmentTests
		dstStages |= core1_0.PipelineStageEarlyFragmentTests
		dstAccess |= core1_0.AccessDepthStencilAttachmentWrite
	}

	return core1_0.RenderPassCreateInfo{
		Attachments: attachments,
		Subpasses:   []core1_0.SubpassDescription{subpass},
		SubpassDependencies: []core1_0.SubpassDependency{
			{
				SrcSubpass:    core1_0.SubpassExternal,
				DstSubpass:    0,
				SrcStageMask:  srcStages,
				DstStageMask:  dstStages,
				DstAccessMask: dstAccess,
			},
		},
	}
}

func clearValues(info gpu.RenderPassInfo, color [4]float32) []core1_0.ClearValue {
	values := []core1_0.ClearValue{core1_0.ClearValueFloat(color)}
	if info.DepthFormat != gpu.FormatUndefined {
		values = append(values, core1_0.ClearValueDepthStencil{Depth: 1.0, Stencil: 0})
	}
	return values
}

func subresourceRange(aspect core1_0.ImageAspectFlags) core1_0.ImageSubresourceRange {
	return core1_0.ImageSubresourceRange{
		AspectMask:     aspect,
		BaseMipLevel:   0,
		LevelCount:     1,
		BaseArrayLayer: 0,
		LayerCount:     1,
	}
}

func subresourceLayers(aspect core1_0.ImageAspectFlags) core1_0.ImageSubresourceLayers {
	return core1_0.ImageSubresourceLayers{
		AspectMask:     aspect,
		MipLevel:       0,
		BaseArrayLayer: 0,
		LayerCount:     1,
	}
}

func imageMemoryBarrier(image core1_0.Image, b gpu.ImageBarrier) core1_0.ImageMemoryBarrier {
	return core1_0.ImageMemoryBarrier{
		Image:               image,
		OldLayout:           b.OldLayout,
		NewLayout:           b.NewLayout,
		SrcAccessMask:       b.SrcAccess,
		DstAccessMask:       b.DstAccess,
		SrcQueueFamilyIndex: -1,
		DstQueueFamilyIndex: -1,
		SubresourceRange:    subresourceRange(b.Aspect),
	}
}

func bufferImageCopy(region gpu.BufferImageCopy) core1_0.BufferImageCopy {
	return core1_0.BufferImageCopy{
		BufferOffset:      region.BufferOffset,
		BufferRowLength:   0,
		BufferImageHeight: 0,
		ImageSubresource:  subresourceLayers(core1_0.ImageAspectColor),
		ImageOffset:       core1_0.Offset3D{X: 0, Y: 0, Z: 0},
		ImageExtent:       core1_0.Extent3D{Width: region.Extent.Width, Height: region.Extent.Height, Depth: 1},
	}
}

func imageBlit(region gpu.ImageBlit) core1_0.ImageBlit {
	return core1_0.ImageBlit{
		SrcSubresource: subresourceLayers(core1_0.ImageAspectColor),
		SrcOffsets: [2]core1_0.Offset3D{
			{X: 0, Y: 0, Z: 0},
			{X: region.SrcExtent.Width, Y: region.SrcExtent.Height, Z: 1},
		},
		DstSubresource: subresourceLayers(core1_0.ImageAspectColor),
		DstOffsets: [2]core1_0.Offset3D{
			{X: 0, Y: 0, Z: 0},
			{X: region.DstExtent.Width, Y: region.DstExtent.Height, Z: 1},
		},
	}
}

func commandBufferLevel(level gpu.CommandBufferLevel) core1_0.CommandBufferLevel {
	if level == gpu.LevelSecondary {
		return core1_0.CommandBufferLevelSecondary
	}
	return core1_0.CommandBufferLevelPrimary
}

// bytesToBytecode packs little-endian SPIR-V words.
func bytesToBytecode(b []byte) []uint32 {
	byteCode := make([]uint32, len(b)/4)
	for i := 0; i < len(byteCode); i++ {
		byteIndex := i * 4
		byteCode[i] |= uint32(b[byteIndex])
		byteCode[i] |= uint32(b[byteIndex+1]) << 8
		byteCode[i] |= uint32(b[byteIndex+2]) << 16
		byteCode[i] |= uint32(b[byteIndex+3]) << 24
	}
	return byteCode
}
