package vulkan

import (
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/core/v3/core1_0"

	"github.com/vkngwrapper/graphpipelines/internal/gpu"
)

func (d *Device) AllocateMemory(size int, memoryTypeIndex int) (gpu.DeviceMemory, error) {
	memory, _, err := d.driver.AllocateMemory(nil, core1_0.MemoryAllocateInfo{
		AllocationSize:  size,
		MemoryTypeIndex: memoryTypeIndex,
	})
	if err != nil {
		return 0, errors.Wrapf(err, "allocate %d bytes from memory type %d", size, memoryTypeIndex)
	}
	return gpu.DeviceMemory(d.memories.add(memory)), nil
}

func (d *Device) FreeMemory(memory gpu.DeviceMemory) {
	if m, ok := d.memories.remove(uint64(memory)); ok {
		d.driver.FreeMemory(m, nil)
	}
}

func (d *Device) memory(handle gpu.DeviceMemory) (core1_0.DeviceMemory, error) {
	m, ok := d.memories.get(uint64(handle))
	if !ok {
		return core1_0.DeviceMemory{}, errors.AssertionFailedf("unknown device memory %d", handle)
	}
	return m, nil
}

// WriteMemory copies data into host-visible memory at offset.
func (d *Device) WriteMemory(handle gpu.DeviceMemory, offset int, data []byte) error {
	memory, err := d.memory(handle)
	if err != nil {
		return err
	}
	memoryPtr, _, err := d.driver.MapMemory(memory, offset, len(data), 0)
	if err != nil {
		return errors.Wrap(err, "map memory")
	}
	defer d.driver.UnmapMemory(memory)

	copy(unsafe.Slice((*byte)(memoryPtr), len(data)), data)
	return nil
}

func (d *Device) CreateBuffer(info gpu.BufferInfo) (gpu.Buffer, error) {
	buffer, _, err := d.driver.CreateBuffer(nil, core1_0.BufferCreateInfo{
		Size:        info.Size,
		Usage:       info.Usage,
		SharingMode: core1_0.SharingModeExclusive,
	})
	if err != nil {
		return 0, errors.Wrap(err, "create buffer")
	}
	return gpu.Buffer(d.buffers.add(buffer)), nil
}

func (d *Device) buffer(handle gpu.Buffer) (core1_0.Buffer, error) {
	b, ok := d.buffers.get(uint64(handle))
	if !ok {
		return core1_0.Buffer{}, errors.AssertionFailedf("unknown buffer %d", handle)
	}
	return b, nil
}

func (d *Device) BufferMemoryRequirements(handle gpu.Buffer) gpu.MemoryRequirements {
	b, ok := d.buffers.get(uint64(handle))
	if !ok {
		return gpu.MemoryRequirements{}
	}
	reqs := d.driver.GetBufferMemoryRequirements(b)
	return gpu.MemoryRequirements{Size: reqs.Size, Alignment: reqs.Alignment, MemoryTypeBits: reqs.MemoryTypeBits}
}

func (d *Device) BindBufferMemory(handle gpu.Buffer, memory gpu.DeviceMemory, offset int) error {
	b, err := d.buffer(handle)
	if err != nil {
		return err
	}
	m, err := d.memory(memory)
	if err != nil {
		return err
	}
	_, err = d.driver.BindBufferMemory(b, m, offset)
	return errors.Wrap(err, "bind buffer memory")
}

func (d *Device) DestroyBuffer(handle gpu.Buffer) {
	if b, ok := d.buffers.remove(uint64(handle)); ok {
		d.driver.DestroyBuffer(b, nil)
	}
}

func (d *Device) CreateImage(info gpu.ImageInfo) (gpu.Image, error) {
	image, _, err := d.driver.CreateImage(nil, core1_0.ImageCreateInfo{
		ImageType: core1_0.ImageType2D,
		Extent: core1_0.Extent3D{
			Width:  info.Extent.Width,
			Height: info.Extent.Height,
			Depth:  1,
		},
		MipLevels:     1,
		ArrayLayers:   1,
		Format:        info.Format,
		Tiling:        info.Tiling,
		InitialLayout: core1_0.ImageLayoutUndefined,
		Usage:         info.Usage,
		SharingMode:   core1_0.SharingModeExclusive,
		Samples:       core1_0.Samples1,
	})
	if err != nil {
		return 0, errors.Wrap(err, "create image")
	}
	return gpu.Image(d.images.add(imageEntry{image: image, info: info, owned: true})), nil
}

// registerImage wraps an image the device does not own, such as a swapchain image, and creates
// its view.
func (d *Device) registerImage(image core1_0.Image, info gpu.ImageInfo) (gpu.Image, error) {
	view, err := d.createImageView(image, info)
	if err != nil {
		return 0, err
	}
	return gpu.Image(d.images.add(imageEntry{image: image, info: info, view: view, memory: true})), nil
}

func (d *Device) image(handle gpu.Image) (imageEntry, error) {
	entry, ok := d.images.get(uint64(handle))
	if !ok {
		return imageEntry{}, errors.AssertionFailedf("unknown image %d", handle)
	}
	return entry, nil
}

func (d *Device) createImageView(image core1_0.Image, info gpu.ImageInfo) (core1_0.ImageView, error) {
	aspect := info.Aspect
	if aspect == 0 {
		aspect = core1_0.ImageAspectColor
	}
	view, _, err := d.driver.CreateImageView(nil, core1_0.ImageViewCreateInfo{
		Image:            image,
		ViewType:         core1_0.ImageViewType2D,
		Format:           info.Format,
		SubresourceRange: subresourceRange(aspect),
	})
	return view, errors.Wrap(err, "create image view")
}

func (d *Device) ImageMemoryRequirements(handle gpu.Image) gpu.MemoryRequirements {
	entry, ok := d.images.get(uint64(handle))
	if !ok {
		return gpu.MemoryRequirements{}
	}
	reqs := d.driver.GetImageMemoryRequirements(entry.image)
	return gpu.MemoryRequirements{Size: reqs.Size, Alignment: reqs.Alignment, MemoryTypeBits: reqs.MemoryTypeBits}
}

// BindImageMemory binds memory and creates the view used for attachments and sampling.
func (d *Device) BindImageMemory(handle gpu.Image, memory gpu.DeviceMemory, offset int) error {
	entry, err := d.image(handle)
	if err != nil {
		return err
	}
	if entry.memory {
		return errors.AssertionFailedf("image %d is already bound", handle)
	}
	m, err := d.memory(memory)
	if err != nil {
		return err
	}
	if _, err := d.driver.BindImageMemory(entry.image, m, offset); err != nil {
		return errors.Wrap(err, "bind image memory")
	}

	view, err := d.createImageView(entry.image, entry.info)
	if err != nil {
		return err
	}
	entry.view, entry.memory = view, true
	d.images.set(uint64(handle), entry)
	return nil
}

func (d *Device) DestroyImage(handle gpu.Image) {
	entry, ok := d.images.remove(uint64(handle))
	if !ok {
		return
	}
	if entry.view.Initialized() {
		d.driver.DestroyImageView(entry.view, nil)
	}
	if entry.owned {
		d.driver.DestroyImage(entry.image, nil)
	}
}

func (d *Device) CreateRenderPass(info gpu.RenderPassInfo) (gpu.RenderPass, error) {
	renderPass, _, err := d.driver.CreateRenderPass(nil, renderPassCreateInfo(info))
	if err != nil {
		return 0, errors.Wrap(err, "create render pass")
	}
	return gpu.RenderPass(d.renderPasses.add(renderPassEntry{pass: renderPass, info: info})), nil
}

func (d *Device) renderPass(handle gpu.RenderPass) (renderPassEntry, error) {
	entry, ok := d.renderPasses.get(uint64(handle))
	if !ok {
		return renderPassEntry{}, errors.AssertionFailedf("unknown render pass %d", handle)
	}
	return entry, nil
}

func (d *Device) DestroyRenderPass(handle gpu.RenderPass) {
	if entry, ok := d.renderPasses.remove(uint64(handle)); ok {
		d.driver.DestroyRenderPass(entry.pass, nil)
	}
}

func (d *Device) CreateFramebuffer(info gpu.FramebufferInfo) (gpu.Framebuffer, error) {
	renderPass, err := d.renderPass(info.RenderPass)
	if err != nil {
		return 0, err
	}

	var attachments []core1_0.ImageView
	for _, handle := range []gpu.Image{info.Color, info.Depth} {
		if !handle.Initialized() {
			continue
		}
		entry, err := d.image(handle)
		if err != nil {
			return 0, err
		}
		if !entry.view.Initialized() {
			return 0, errors.AssertionFailedf("image %d has no memory bound", handle)
		}
		attachments = append(attachments, entry.view)
	}

	framebuffer, _, err := d.driver.CreateFramebuffer(nil, core1_0.FramebufferCreateInfo{
		RenderPass:  renderPass.pass,
		Layers:      1,
		Attachments: attachments,
		Width:       info.Extent.Width,
		Height:      info.Extent.Height,
	})
	if err != nil {
		return 0, errors.Wrap(err, "create framebuffer")
	}
	return gpu.Framebuffer(d.framebuffers.add(framebuffer)), nil
}

func (d *Device) DestroyFramebuffer(handle gpu.Framebuffer) {
	if framebuffer, ok := d.framebuffers.remove(uint64(handle)); ok {
		d.driver.DestroyFramebuffer(framebuffer, nil)
	}
}
