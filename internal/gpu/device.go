package gpu

import (
	"time"

	"github.com/vkngwrapper/core/v3/core1_0"
)

// Extensions to core1_0 enums used by the frame pipeline.
const (
	PipelineStageAllCommands core1_0.PipelineStageFlags = 0x00010000
	AccessMemoryRead         core1_0.AccessFlags        = 0x00008000
	AccessMemoryWrite        core1_0.AccessFlags        = 0x00010000

	FormatUndefined    core1_0.Format = 0
	FormatR8UNorm      core1_0.Format = 9
	FormatR8G8B8UNorm  core1_0.Format = 23
	FormatR8G8B8A8SRGB core1_0.Format = 43

	// ImageLayoutPresentSrc mirrors VK_IMAGE_LAYOUT_PRESENT_SRC_KHR.
	ImageLayoutPresentSrc core1_0.ImageLayout = 1000001002
)

// BytesPerPixel reports the texel size of the color formats the pipeline renders to.
func BytesPerPixel(format core1_0.Format) int {
	switch format {
	case FormatR8UNorm:
		return 1
	case FormatR8G8B8UNorm:
		return 3
	case FormatUndefined:
		return 0
	}
	return 4
}

type MemoryType struct {
	PropertyFlags core1_0.MemoryPropertyFlags
}

type MemoryRequirements struct {
	Size           int
	Alignment      int
	MemoryTypeBits uint32
}

type BufferInfo struct {
	Size  int
	Usage core1_0.BufferUsageFlags
}

type ImageInfo struct {
	Extent core1_0.Extent2D
	Format core1_0.Format
	Usage  core1_0.ImageUsageFlags
	Tiling core1_0.ImageTiling
	Aspect core1_0.ImageAspectFlags
}

type ImageBarrier struct {
	Image     Image
	Aspect    core1_0.ImageAspectFlags
	OldLayout core1_0.ImageLayout
	NewLayout core1_0.ImageLayout
	SrcAccess core1_0.AccessFlags
	DstAccess core1_0.AccessFlags
}

// BufferImageCopy copies a tightly packed region starting at the image origin.
type BufferImageCopy struct {
	BufferOffset int
	Extent       core1_0.Extent2D
}

type ImageBlit struct {
	SrcExtent core1_0.Extent2D
	DstExtent core1_0.Extent2D
}

type RenderPassInfo struct {
	ColorFormat core1_0.Format
	// DepthFormat is FormatUndefined for color-only passes.
	DepthFormat core1_0.Format
	ClearColor  bool
	FinalLayout core1_0.ImageLayout
}

type FramebufferInfo struct {
	RenderPass RenderPass
	Color      Image
	Depth      Image
	Extent     core1_0.Extent2D
}

type RenderPassBegin struct {
	RenderPass  RenderPass
	Framebuffer Framebuffer
	Extent      core1_0.Extent2D
	ClearColor  [4]float32
	// Secondary is set when the pass body only executes secondary command buffers.
	Secondary bool
}

// Inheritance is passed when beginning a secondary command buffer that continues a render pass.
type Inheritance struct {
	RenderPass  RenderPass
	Framebuffer Framebuffer
}

type SubmitInfo struct {
	WaitSemaphores   []Semaphore
	WaitDstStageMask []core1_0.PipelineStageFlags
	CommandBuffers   []CommandBuffer
	SignalSemaphores []Semaphore
}

// Device is the graphics surface the frame pipeline is written against.
type Device interface {
	MemoryTypes() []MemoryType
	Queue(kind QueueKind) (Queue, bool)

	AllocateMemory(size int, memoryTypeIndex int) (DeviceMemory, error)
	FreeMemory(memory DeviceMemory)

	CreateBuffer(info BufferInfo) (Buffer, error)
	BufferMemoryRequirements(buffer Buffer) MemoryRequirements
	BindBufferMemory(buffer Buffer, memory DeviceMemory, offset int) error
	DestroyBuffer(buffer Buffer)

	CreateImage(info ImageInfo) (Image, error)
	ImageMemoryRequirements(image Image) MemoryRequirements
	BindImageMemory(image Image, memory DeviceMemory, offset int) error
	DestroyImage(image Image)

	CreateRenderPass(info RenderPassInfo) (RenderPass, error)
	DestroyRenderPass(renderPass RenderPass)
	CreateFramebuffer(info FramebufferInfo) (Framebuffer, error)
	DestroyFramebuffer(framebuffer Framebuffer)

	CreateSemaphore() (Semaphore, error)
	DestroySemaphore(semaphore Semaphore)
	CreateFence(signaled bool) (Fence, error)
	WaitForFence(fence Fence, timeout time.Duration) error
	ResetFence(fence Fence) error
	DestroyFence(fence Fence)

	AllocateCommandBuffers(kind QueueKind, level CommandBufferLevel, count int) ([]CommandBuffer, error)
	FreeCommandBuffers(kind QueueKind, buffers ...CommandBuffer)
	BeginCommandBuffer(cmd CommandBuffer, inheritance *Inheritance) error
	EndCommandBuffer(cmd CommandBuffer) error
	ResetCommandBuffer(cmd CommandBuffer) error

	CmdPipelineBarrier(cmd CommandBuffer, srcStage, dstStage core1_0.PipelineStageFlags, barriers ...ImageBarrier) error
	CmdCopyImageToBuffer(cmd CommandBuffer, src Image, srcLayout core1_0.ImageLayout, dst Buffer, region BufferImageCopy) error
	CmdCopyBufferToImage(cmd CommandBuffer, src Buffer, dst Image, dstLayout core1_0.ImageLayout, region BufferImageCopy) error
	CmdBlitImage(cmd CommandBuffer, src Image, srcLayout core1_0.ImageLayout, dst Image, dstLayout core1_0.ImageLayout, region ImageBlit) error
	CmdBeginRenderPass(cmd CommandBuffer, begin RenderPassBegin) error
	CmdEndRenderPass(cmd CommandBuffer)
	CmdExecuteCommands(cmd CommandBuffer, secondaries ...CommandBuffer)

	QueueSubmit(queue Queue, fence Fence, submits ...SubmitInfo) error
	DeviceWaitIdle() error
}
