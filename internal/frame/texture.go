package frame

import (
	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/core/v3/core1_0"

	"github.com/vkngwrapper/graphpipelines/internal/gpu"
)

// Texture is an image owned by the orchestrator. Layout is the layout the image rests in between
// passes; every command that moves it elsewhere moves it back.
type Texture struct {
	Image  gpu.Image
	Memory gpu.DeviceMemory
	Extent core1_0.Extent2D
	Format core1_0.Format
	Aspect core1_0.ImageAspectFlags
	Layout core1_0.ImageLayout
}

func newTexture(device gpu.Device, name string, extent core1_0.Extent2D, format core1_0.Format, usage core1_0.ImageUsageFlags, aspect core1_0.ImageAspectFlags) (Texture, error) {
	image, memory, err := gpu.CreateImage(device, gpu.ImageInfo{
		Extent: extent,
		Format: format,
		Usage:  usage,
		Tiling: core1_0.ImageTilingOptimal,
		Aspect: aspect,
	}, core1_0.MemoryPropertyDeviceLocal)
	if err != nil {
		return Texture{}, errors.Wrapf(err, "create %s", name)
	}

	return Texture{
		Image:  image,
		Memory: memory,
		Extent: extent,
		Format: format,
		Aspect: aspect,
		Layout: core1_0.ImageLayoutUndefined,
	}, nil
}

func (t *Texture) destroy(device gpu.Device) {
	if t.Image.Initialized() {
		device.DestroyImage(t.Image)
	}
	if t.Memory.Initialized() {
		device.FreeMemory(t.Memory)
	}
	*t = Texture{}
}

// barrier moves t from its resting layout to layout, or back when restore is set.
func (t *Texture) barrier(layout core1_0.ImageLayout, access core1_0.AccessFlags, restore bool) gpu.ImageBarrier {
	b := gpu.ImageBarrier{
		Image:     t.Image,
		Aspect:    t.Aspect,
		OldLayout: t.Layout,
		NewLayout: layout,
		SrcAccess: core1_0.AccessColorAttachmentWrite | core1_0.AccessShaderRead,
		DstAccess: access,
	}
	if restore {
		b.OldLayout, b.NewLayout = layout, t.Layout
		b.SrcAccess, b.DstAccess = access, core1_0.AccessShaderRead
	}
	return b
}
