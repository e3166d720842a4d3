package sim

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/core/v3/core1_0"

	"github.com/vkngwrapper/graphpipelines/internal/gpu"
)

const acquireTimeout = time.Second

// Swapchain hands out presentable images round-robin. Acquire waits on the slot's fence and
// signals the slot's acquire semaphore immediately, as a presentation engine with no latency would.
type Swapchain struct {
	device *Device
	extent core1_0.Extent2D
	format core1_0.Format

	images       []gpu.Image
	memory       []gpu.DeviceMemory
	renderPass   gpu.RenderPass
	framebuffers []gpu.Framebuffer
	acquired     []gpu.Semaphore
	fences       []gpu.Fence

	frame     int
	nextImage int
}

func NewSwapchain(d *Device, extent core1_0.Extent2D, imageCount, framesInFlight int) (*Swapchain, error) {
	s := &Swapchain{device: d, extent: extent, format: gpu.FormatR8G8B8A8SRGB}

	var r gpu.Releaser
	defer r.Release()

	renderPass, err := d.CreateRenderPass(gpu.RenderPassInfo{
		ColorFormat: s.format,
		ClearColor:  true,
		FinalLayout: gpu.ImageLayoutPresentSrc,
	})
	if err != nil {
		return nil, errors.Wrap(err, "create swapchain render pass")
	}
	s.renderPass = renderPass
	r.Defer(func() { d.DestroyRenderPass(renderPass) })

	for i := 0; i < imageCount; i++ {
		img, mem, err := gpu.CreateImage(d, gpu.ImageInfo{
			Extent: extent,
			Format: s.format,
			Usage:  core1_0.ImageUsageColorAttachment,
			Tiling: core1_0.ImageTilingOptimal,
			Aspect: core1_0.ImageAspectColor,
		}, core1_0.MemoryPropertyDeviceLocal)
		if err != nil {
			return nil, errors.Wrapf(err, "create swapchain image %d", i)
		}
		r.Defer(func() { d.DestroyImage(img); d.FreeMemory(mem) })

		fb, err := d.CreateFramebuffer(gpu.FramebufferInfo{RenderPass: renderPass, Color: img, Extent: extent})
		if err != nil {
			return nil, errors.Wrapf(err, "create swapchain framebuffer %d", i)
		}
		r.Defer(func() { d.DestroyFramebuffer(fb) })

		s.images = append(s.images, img)
		s.memory = append(s.memory, mem)
		s.framebuffers = append(s.framebuffers, fb)
	}

	for i := 0; i < framesInFlight; i++ {
		sem, err := d.CreateSemaphore()
		if err != nil {
			return nil, errors.Wrap(err, "create acquire semaphore")
		}
		r.Defer(func() { d.DestroySemaphore(sem) })

		fence, err := d.CreateFence(true)
		if err != nil {
			return nil, errors.Wrap(err, "create frame fence")
		}
		r.Defer(func() { d.DestroyFence(fence) })

		s.acquired = append(s.acquired, sem)
		s.fences = append(s.fences, fence)
	}

	r.Forget()
	return s, nil
}

func (s *Swapchain) ImageCount() int                   { return len(s.images) }
func (s *Swapchain) FramesInFlight() int               { return len(s.fences) }
func (s *Swapchain) Extent() core1_0.Extent2D          { return s.extent }
func (s *Swapchain) Format() core1_0.Format            { return s.format }
func (s *Swapchain) RenderPass() gpu.RenderPass        { return s.renderPass }
func (s *Swapchain) Framebuffer(i int) gpu.Framebuffer { return s.framebuffers[i] }
func (s *Swapchain) Image(i int) gpu.Image             { return s.images[i] }

func (s *Swapchain) AcquireNext(ctx context.Context) (gpu.Backbuffer, error) {
	if err := ctx.Err(); err != nil {
		return gpu.Backbuffer{}, err
	}

	slot := s.frame % len(s.fences)
	if err := s.device.WaitForFence(s.fences[slot], acquireTimeout); err != nil {
		return gpu.Backbuffer{}, errors.Wrapf(err, "wait for frame slot %d", slot)
	}
	if err := s.device.ResetFence(s.fences[slot]); err != nil {
		return gpu.Backbuffer{}, err
	}

	index := s.nextImage
	if err := s.device.SignalSemaphore(s.acquired[slot]); err != nil {
		return gpu.Backbuffer{}, errors.Wrap(err, "acquire")
	}
	s.nextImage = (s.nextImage + 1) % len(s.images)
	s.frame++

	return gpu.Backbuffer{Index: index, Slot: slot, Acquired: s.acquired[slot], Fence: s.fences[slot]}, nil
}

func (s *Swapchain) Present(index int, waits ...gpu.Semaphore) error {
	if index < 0 || index >= len(s.images) {
		return errors.AssertionFailedf("present of swapchain image %d out of %d", index, len(s.images))
	}

	s.device.mu.Lock()
	defer s.device.mu.Unlock()
	return s.device.present(s.images[index], index, waits)
}

func (s *Swapchain) Destroy() {
	for _, fence := range s.fences {
		s.device.DestroyFence(fence)
	}
	for _, sem := range s.acquired {
		s.device.DestroySemaphore(sem)
	}
	for i := range s.images {
		s.device.DestroyFramebuffer(s.framebuffers[i])
		s.device.DestroyImage(s.images[i])
		s.device.FreeMemory(s.memory[i])
	}
	s.device.DestroyRenderPass(s.renderPass)
}
