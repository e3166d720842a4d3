package gpu

import (
	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/core/v3/core1_0"
)

var ErrNoSuitableMemoryType = errors.New("failed to find any suitable memory type")

// FindMemoryType returns the first memory type allowed by typeBits whose property flags are a
// superset of properties.
func FindMemoryType(types []MemoryType, typeBits uint32, properties core1_0.MemoryPropertyFlags) (int, error) {
	for i, memoryType := range types {
		if i >= 32 {
			break
		}
		typeBit := uint32(1) << uint(i)
		if typeBits&typeBit != 0 && memoryType.PropertyFlags&properties == properties {
			return i, nil
		}
	}

	return 0, errors.Wrapf(ErrNoSuitableMemoryType, "type bits %#x, properties %#x", typeBits, properties)
}

// CreateImage creates an image and binds it to a fresh allocation with the requested properties.
func CreateImage(device Device, info ImageInfo, properties core1_0.MemoryPropertyFlags) (Image, DeviceMemory, error) {
	image, err := device.CreateImage(info)
	if err != nil {
		return 0, 0, errors.Wrap(err, "create image")
	}

	memory, err := allocateFor(device, device.ImageMemoryRequirements(image), properties)
	if err != nil {
		device.DestroyImage(image)
		return 0, 0, err
	}

	if err := device.BindImageMemory(image, memory, 0); err != nil {
		device.FreeMemory(memory)
		device.DestroyImage(image)
		return 0, 0, errors.Wrap(err, "bind image memory")
	}

	return image, memory, nil
}

// CreateBuffer creates a buffer and binds it to a fresh allocation with the requested properties.
func CreateBuffer(device Device, info BufferInfo, properties core1_0.MemoryPropertyFlags) (Buffer, DeviceMemory, error) {
	buffer, err := device.CreateBuffer(info)
	if err != nil {
		return 0, 0, errors.Wrap(err, "create buffer")
	}

	memory, err := allocateFor(device, device.BufferMemoryRequirements(buffer), properties)
	if err != nil {
		device.DestroyBuffer(buffer)
		return 0, 0, err
	}

	if err := device.BindBufferMemory(buffer, memory, 0); err != nil {
		device.FreeMemory(memory)
		device.DestroyBuffer(buffer)
		return 0, 0, errors.Wrap(err, "bind buffer memory")
	}

	return buffer, memory, nil
}

func allocateFor(device Device, reqs MemoryRequirements, properties core1_0.MemoryPropertyFlags) (DeviceMemory, error) {
	typeIndex, err := FindMemoryType(device.MemoryTypes(), reqs.MemoryTypeBits, properties)
	if err != nil {
		return 0, err
	}

	memory, err := device.AllocateMemory(reqs.Size, typeIndex)
	if err != nil {
		return 0, errors.Wrap(err, "allocate memory")
	}
	return memory, nil
}
