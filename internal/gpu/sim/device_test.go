package sim

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/core/v3/core1_0"

	"github.com/vkngwrapper/graphpipelines/internal/camera"
	"github.com/vkngwrapper/graphpipelines/internal/gpu"
)

var testExtent = core1_0.Extent2D{Width: 2, Height: 2}

func submit(t *testing.T, d *Device, fence gpu.Fence, waits []gpu.Semaphore, record func(cmd gpu.CommandBuffer)) {
	queue, ok := d.Queue(gpu.QueueGraphics)
	require.True(t, ok)

	cmds, err := d.AllocateCommandBuffers(gpu.QueueGraphics, gpu.LevelPrimary, 1)
	require.NoError(t, err)
	defer d.FreeCommandBuffers(gpu.QueueGraphics, cmds...)

	require.NoError(t, d.BeginCommandBuffer(cmds[0], nil))
	record(cmds[0])
	require.NoError(t, d.EndCommandBuffer(cmds[0]))

	stages := make([]core1_0.PipelineStageFlags, len(waits))
	for i := range stages {
		stages[i] = core1_0.PipelineStageColorAttachmentOutput
	}
	require.NoError(t, d.QueueSubmit(queue, fence, gpu.SubmitInfo{
		WaitSemaphores:   waits,
		WaitDstStageMask: stages,
		CommandBuffers:   cmds,
	}))
}

func TestUndefinedBarrierDiscardsContents(t *testing.T) {
	d := New()
	img, mem, err := gpu.CreateImage(d, gpu.ImageInfo{
		Extent: testExtent,
		Format: gpu.FormatR8G8B8A8SRGB,
		Usage:  core1_0.ImageUsageColorAttachment | core1_0.ImageUsageSampled,
		Tiling: core1_0.ImageTilingOptimal,
		Aspect: core1_0.ImageAspectColor,
	}, core1_0.MemoryPropertyDeviceLocal)
	require.NoError(t, err)
	defer d.FreeMemory(mem)
	defer d.DestroyImage(img)

	renderPass, err := d.CreateRenderPass(gpu.RenderPassInfo{
		ColorFormat: gpu.FormatR8G8B8A8SRGB,
		ClearColor:  true,
		FinalLayout: core1_0.ImageLayoutShaderReadOnlyOptimal,
	})
	require.NoError(t, err)
	defer d.DestroyRenderPass(renderPass)
	framebuffer, err := d.CreateFramebuffer(gpu.FramebufferInfo{RenderPass: renderPass, Color: img, Extent: testExtent})
	require.NoError(t, err)
	defer d.DestroyFramebuffer(framebuffer)

	barrier := func(from, to core1_0.ImageLayout) {
		submit(t, d, 0, nil, func(cmd gpu.CommandBuffer) {
			require.NoError(t, d.CmdPipelineBarrier(cmd, core1_0.PipelineStageTopOfPipe, core1_0.PipelineStageFragmentShader, gpu.ImageBarrier{
				Image:     img,
				Aspect:    core1_0.ImageAspectColor,
				OldLayout: from,
				NewLayout: to,
			}))
		})
	}
	discarded := bytes.Repeat([]byte{discardedByte}, 16)

	barrier(core1_0.ImageLayoutUndefined, core1_0.ImageLayoutShaderReadOnlyOptimal)
	assert.Equal(t, discarded, d.ImageData(img))

	submit(t, d, 0, nil, func(cmd gpu.CommandBuffer) {
		require.NoError(t, d.CmdBeginRenderPass(cmd, gpu.RenderPassBegin{
			RenderPass:  renderPass,
			Framebuffer: framebuffer,
			Extent:      testExtent,
		}))
		d.CmdEndRenderPass(cmd)
	})
	cleared := make([]byte, 16)
	assert.Equal(t, cleared, d.ImageData(img))
	assert.Equal(t, core1_0.ImageLayoutShaderReadOnlyOptimal, d.ImageLayout(img))

	barrier(core1_0.ImageLayoutShaderReadOnlyOptimal, core1_0.ImageLayoutTransferSrcOptimal)
	assert.Equal(t, cleared, d.ImageData(img))

	barrier(core1_0.ImageLayoutUndefined, core1_0.ImageLayoutTransferDstOptimal)
	assert.Equal(t, discarded, d.ImageData(img))
}

// presentFrame clears the next swapchain image, draws nothing textured over it and presents it.
func presentFrame(t *testing.T, d *Device, swapchain *Swapchain) {
	back, err := swapchain.AcquireNext(context.Background())
	require.NoError(t, err)

	submit(t, d, back.Fence, []gpu.Semaphore{back.Acquired}, func(cmd gpu.CommandBuffer) {
		require.NoError(t, d.CmdBeginRenderPass(cmd, gpu.RenderPassBegin{
			RenderPass:  swapchain.RenderPass(),
			Framebuffer: swapchain.Framebuffer(back.Index),
			Extent:      swapchain.Extent(),
		}))
		require.NoError(t, d.CmdDrawTextured(cmd))
		d.CmdEndRenderPass(cmd)
	})
	require.NoError(t, swapchain.Present(back.Index))
}

func TestTrace(t *testing.T) {
	d := New()
	swapchain, err := NewSwapchain(d, testExtent, 2, 1)
	require.NoError(t, err)
	defer swapchain.Destroy()
	scene := NewScene(d)

	presentFrame(t, d, swapchain)
	require.NoError(t, scene.UpdateUniforms(0, camera.Uniforms{}))

	submissions := d.Submissions()
	require.Len(t, submissions, 1)
	assert.Equal(t, []string{"BeginRenderPass", "DrawTextured", "EndRenderPass"}, submissions[0].Commands)
	assert.Equal(t, []Presentation{{Index: 0}}, d.Presentations())
	assert.Len(t, d.Sampled(), 1)
	assert.Len(t, scene.Updates, 1)

	d.ResetTrace()
	assert.Empty(t, d.Submissions())
	assert.Empty(t, d.Presentations())
	assert.Empty(t, d.Sampled())
}

func TestWithoutTrace(t *testing.T) {
	d := New(WithoutTrace())
	swapchain, err := NewSwapchain(d, testExtent, 2, 1)
	require.NoError(t, err)
	defer swapchain.Destroy()
	scene := NewScene(d)

	for i := 0; i < 4; i++ {
		presentFrame(t, d, swapchain)
		require.NoError(t, scene.UpdateUniforms(0, camera.Uniforms{}))
	}

	assert.Empty(t, d.Submissions())
	assert.Empty(t, d.Presentations())
	assert.Empty(t, d.Sampled())
	assert.Empty(t, scene.Updates)
	assert.Equal(t, gpu.ImageLayoutPresentSrc, d.ImageLayout(swapchain.Image(1)))
}
