package vulkan

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/core/v3/common"
	"github.com/vkngwrapper/core/v3/core1_0"
	"github.com/vkngwrapper/extensions/v3/khr_surface"
	"github.com/vkngwrapper/extensions/v3/khr_swapchain"

	"github.com/vkngwrapper/graphpipelines/internal/gpu"
)

const fenceSlice = 100 * time.Millisecond

// ErrOutOfDate is returned when the surface changed under the swapchain.
var ErrOutOfDate = errors.New("swapchain is out of date")

type Swapchain struct {
	device *Device

	extension khr_swapchain.ExtensionDriver
	swapchain khr_swapchain.Swapchain
	format    core1_0.Format
	extent    core1_0.Extent2D

	images       []gpu.Image
	renderPass   gpu.RenderPass
	framebuffers []gpu.Framebuffer

	framesInFlight int
	acquired       []gpu.Semaphore
	inFlight       []gpu.Fence
	imagesInFlight []gpu.Fence
	currentFrame   int
}

func NewSwapchain(device *Device, framesInFlight int) (*Swapchain, error) {
	s := &Swapchain{
		device:         device,
		extension:      khr_swapchain.CreateExtensionDriverFromCoreDriver(device.driver),
		framesInFlight: framesInFlight,
	}
	if err := s.create(); err != nil {
		s.Destroy()
		return nil, err
	}
	return s, nil
}

func (s *Swapchain) create() error {
	instance := s.device.instance
	capabilities, _, err := instance.surfaceExtension.GetPhysicalDeviceSurfaceCapabilities(instance.surface, s.device.physicalDevice)
	if err != nil {
		return errors.Wrap(err, "query surface capabilities")
	}
	formats, _, err := instance.surfaceExtension.GetPhysicalDeviceSurfaceFormats(instance.surface, s.device.physicalDevice)
	if err != nil {
		return errors.Wrap(err, "query surface formats")
	}
	presentModes, _, err := instance.surfaceExtension.GetPhysicalDeviceSurfacePresentModes(instance.surface, s.device.physicalDevice)
	if err != nil {
		return errors.Wrap(err, "query present modes")
	}
	if len(formats) == 0 || len(presentModes) == 0 {
		return errors.New("surface has no formats or present modes")
	}

	surfaceFormat := chooseSwapSurfaceFormat(formats)
	s.format = surfaceFormat.Format
	s.extent = s.chooseSwapExtent(capabilities)

	imageCount := capabilities.MinImageCount + 1
	if capabilities.MaxImageCount > 0 && capabilities.MaxImageCount < imageCount {
		imageCount = capabilities.MaxImageCount
	}

	s.swapchain, _, err = s.extension.CreateSwapchain(nil, khr_swapchain.SwapchainCreateInfo{
		Surface:          instance.surface,
		MinImageCount:    imageCount,
		ImageFormat:      surfaceFormat.Format,
		ImageColorSpace:  surfaceFormat.ColorSpace,
		ImageExtent:      s.extent,
		ImageArrayLayers: 1,
		ImageUsage:       core1_0.ImageUsageColorAttachment,
		ImageSharingMode: core1_0.SharingModeExclusive,
		PreTransform:     capabilities.CurrentTransform,
		CompositeAlpha:   khr_surface.CompositeAlphaOpaque,
		PresentMode:      chooseSwapPresentMode(presentModes),
		Clipped:          true,
	})
	if err != nil {
		return errors.Wrap(err, "create swapchain")
	}

	images, _, err := s.extension.GetSwapchainImages(s.swapchain)
	if err != nil {
		return errors.Wrap(err, "get swapchain images")
	}
	for _, image := range images {
		handle, err := s.device.registerImage(image, gpu.ImageInfo{
			Extent: s.extent,
			Format: s.format,
			Usage:  core1_0.ImageUsageColorAttachment,
			Aspect: core1_0.ImageAspectColor,
		})
		if err != nil {
			return err
		}
		s.images = append(s.images, handle)
	}

	s.renderPass, err = s.device.CreateRenderPass(gpu.RenderPassInfo{
		ColorFormat: s.format,
		ClearColor:  true,
		FinalLayout: khr_swapchain.ImageLayoutPresentSrc,
	})
	if err != nil {
		return err
	}
	for _, image := range s.images {
		framebuffer, err := s.device.CreateFramebuffer(gpu.FramebufferInfo{
			RenderPass: s.renderPass,
			Color:      image,
			Extent:     s.extent,
		})
		if err != nil {
			return err
		}
		s.framebuffers = append(s.framebuffers, framebuffer)
	}

	return s.createSyncObjects()
}

func (s *Swapchain) createSyncObjects() error {
	for i := 0; i < s.framesInFlight; i++ {
		semaphore, err := s.device.CreateSemaphore()
		if err != nil {
			return err
		}
		s.acquired = append(s.acquired, semaphore)

		fence, err := s.device.CreateFence(true)
		if err != nil {
			return err
		}
		s.inFlight = append(s.inFlight, fence)
	}
	s.imagesInFlight = make([]gpu.Fence, len(s.images))
	return nil
}

func chooseSwapSurfaceFormat(availableFormats []khr_surface.SurfaceFormat) khr_surface.SurfaceFormat {
	for _, format := range availableFormats {
		if format.Format == core1_0.FormatB8G8R8A8SRGB && format.ColorSpace == khr_surface.ColorSpaceSRGBNonlinear {
			return format
		}
	}
	return availableFormats[0]
}

func chooseSwapPresentMode(availablePresentModes []khr_surface.PresentMode) khr_surface.PresentMode {
	for _, presentMode := range availablePresentModes {
		if presentMode == khr_surface.PresentModeMailbox {
			return presentMode
		}
	}
	return khr_surface.PresentModeFIFO
}

func (s *Swapchain) chooseSwapExtent(capabilities *khr_surface.SurfaceCapabilities) core1_0.Extent2D {
	if capabilities.CurrentExtent.Width != -1 {
		return capabilities.CurrentExtent
	}

	widthInt, heightInt := s.device.instance.window.VulkanGetDrawableSize()
	width := min(max(int(widthInt), capabilities.MinImageExtent.Width), capabilities.MaxImageExtent.Width)
	height := min(max(int(heightInt), capabilities.MinImageExtent.Height), capabilities.MaxImageExtent.Height)
	return core1_0.Extent2D{Width: width, Height: height}
}

func (s *Swapchain) ImageCount() int                       { return len(s.images) }
func (s *Swapchain) FramesInFlight() int                   { return s.framesInFlight }
func (s *Swapchain) Extent() core1_0.Extent2D              { return s.extent }
func (s *Swapchain) Format() core1_0.Format                { return s.format }
func (s *Swapchain) RenderPass() gpu.RenderPass            { return s.renderPass }
func (s *Swapchain) Framebuffer(index int) gpu.Framebuffer { return s.framebuffers[index] }

// waitFence waits in short slices so a cancelled ctx is noticed while the GPU is busy.
func (s *Swapchain) waitFence(ctx context.Context, fence gpu.Fence) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := s.device.WaitForFence(fence, fenceSlice)
		if !errors.Is(err, ErrFenceTimeout) {
			return err
		}
	}
}

func (s *Swapchain) AcquireNext(ctx context.Context) (gpu.Backbuffer, error) {
	slot := s.currentFrame
	if err := s.waitFence(ctx, s.inFlight[slot]); err != nil {
		return gpu.Backbuffer{}, err
	}

	semaphore, ok := s.device.semaphores.get(uint64(s.acquired[slot]))
	if !ok {
		return gpu.Backbuffer{}, errors.AssertionFailedf("acquire semaphore destroyed")
	}
	imageIndex, res, err := s.extension.AcquireNextImage(s.swapchain, common.NoTimeout, &semaphore, nil)
	if res == khr_swapchain.VKErrorOutOfDate {
		return gpu.Backbuffer{}, ErrOutOfDate
	} else if err != nil {
		return gpu.Backbuffer{}, errors.Wrap(err, "acquire next image")
	}

	if s.imagesInFlight[imageIndex].Initialized() {
		if err := s.waitFence(ctx, s.imagesInFlight[imageIndex]); err != nil {
			return gpu.Backbuffer{}, err
		}
	}
	s.imagesInFlight[imageIndex] = s.inFlight[slot]

	if err := s.device.ResetFence(s.inFlight[slot]); err != nil {
		return gpu.Backbuffer{}, err
	}

	return gpu.Backbuffer{
		Index:    imageIndex,
		Slot:     slot,
		Acquired: s.acquired[slot],
		Fence:    s.inFlight[slot],
	}, nil
}

func (s *Swapchain) Present(index int, waits ...gpu.Semaphore) error {
	s.currentFrame = (s.currentFrame + 1) % s.framesInFlight

	semaphores, err := s.device.semaphoreList(waits)
	if err != nil {
		return err
	}
	res, err := s.extension.QueuePresent(s.device.graphicsQueue, khr_swapchain.PresentInfo{
		WaitSemaphores: semaphores,
		Swapchains:     []khr_swapchain.Swapchain{s.swapchain},
		ImageIndices:   []int{index},
	})
	if res == khr_swapchain.VKErrorOutOfDate || res == khr_swapchain.VKSuboptimal {
		return ErrOutOfDate
	}
	return errors.Wrap(err, "present")
}

func (s *Swapchain) Destroy() {
	if err := s.device.DeviceWaitIdle(); err != nil {
		s.device.log.Error("device wait idle failed", "error", err)
	}

	for _, fence := range s.inFlight {
		s.device.DestroyFence(fence)
	}
	for _, semaphore := range s.acquired {
		s.device.DestroySemaphore(semaphore)
	}
	for _, framebuffer := range s.framebuffers {
		s.device.DestroyFramebuffer(framebuffer)
	}
	if s.renderPass.Initialized() {
		s.device.DestroyRenderPass(s.renderPass)
	}
	for _, image := range s.images {
		s.device.DestroyImage(image)
	}
	s.inFlight, s.acquired, s.framebuffers, s.images = nil, nil, nil, nil
	s.renderPass = 0

	if s.swapchain.Initialized() {
		s.extension.DestroySwapchain(s.swapchain, nil)
		s.swapchain = khr_swapchain.Swapchain{}
	}
}
