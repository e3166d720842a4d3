package ml

import (
	"log/slog"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/core/v3/core1_0"

	"github.com/vkngwrapper/graphpipelines/internal/gpu"
)

// TensorFormat is the element format of every image tensor the pipeline exchanges.
const TensorFormat = gpu.FormatR8UNorm

// TensorSpec is the caller-supplied shape of a graph port.
type TensorSpec struct {
	Dimensions  []int64
	Strides     []int64
	PortBinding int
}

// Tensor is a graph port backed by one allocation shared between the tensor and a buffer of the
// same size, so the graphics queue can fill and drain it with ordinary buffer copies.
type Tensor struct {
	TensorSpec

	Description gpu.TensorDescription
	Handle      gpu.Tensor
	View        gpu.TensorView
	Buffer      gpu.Buffer
	Memory      gpu.DeviceMemory
}

// NewImageTensor describes a packed height x width RGB8 image bound at port.
func NewImageTensor(width, height, port int) *Tensor {
	w, h := int64(width), int64(height)
	return &Tensor{TensorSpec: TensorSpec{
		Dimensions:  []int64{h, w, 3},
		Strides:     []int64{3 * w, 3, 1},
		PortBinding: port,
	}}
}

// BufferSize is the byte size of the aliased buffer.
func (t *Tensor) BufferSize() int {
	if len(t.Dimensions) < 3 {
		return 0
	}
	return int(t.Dimensions[0] * t.Dimensions[1] * t.Dimensions[2])
}

// Extent is the image extent this tensor holds.
func (t *Tensor) Extent() core1_0.Extent2D {
	if len(t.Dimensions) < 2 {
		return core1_0.Extent2D{}
	}
	return core1_0.Extent2D{Width: int(t.Dimensions[1]), Height: int(t.Dimensions[0])}
}

// TensorResources owns the descriptor objects for the input and output ports and populates the
// device objects of both tensors.
type TensorResources struct {
	device gpu.DataGraphDevice
	log    *slog.Logger

	input  *Tensor
	output *Tensor

	Pool      gpu.DescriptorPool
	SetLayout gpu.DescriptorSetLayout
	Set       gpu.DescriptorSet
}

func NewTensorResources(device gpu.DataGraphDevice, log *slog.Logger) *TensorResources {
	return &TensorResources{device: device, log: log.With("component", "tensors")}
}

// Initialize creates both tensors and a descriptor set binding them at their ports. On failure
// every object created so far is released and the tensors are left zeroed.
func (r *TensorResources) Initialize(input, output *Tensor, maxPortIndex int) error {
	if input.PortBinding == output.PortBinding {
		return errors.Newf("input and output share port %d", input.PortBinding)
	}
	for _, t := range []*Tensor{input, output} {
		if t.PortBinding < 0 || t.PortBinding > maxPortIndex {
			return errors.Newf("port %d outside 0..%d", t.PortBinding, maxPortIndex)
		}
	}

	var release gpu.Releaser
	defer release.Release()

	if err := r.createTensor(input, &release); err != nil {
		return errors.Wrap(err, "input tensor")
	}
	if err := r.createTensor(output, &release); err != nil {
		return errors.Wrap(err, "output tensor")
	}

	pool, err := r.device.CreateDescriptorPool(1, gpu.DescriptorPoolSize{
		Type:  gpu.DescriptorTypeTensor,
		Count: maxPortIndex + 1,
	})
	if err != nil {
		return errors.Wrap(err, "create tensor descriptor pool")
	}
	release.Defer(func() { r.device.DestroyDescriptorPool(pool); r.Pool = 0 })
	r.Pool = pool

	layout, err := r.device.CreateDescriptorSetLayout(
		gpu.DescriptorBinding{Binding: input.PortBinding, Type: gpu.DescriptorTypeTensor, Count: 1},
		gpu.DescriptorBinding{Binding: output.PortBinding, Type: gpu.DescriptorTypeTensor, Count: 1},
	)
	if err != nil {
		return errors.Wrap(err, "create tensor descriptor set layout")
	}
	release.Defer(func() { r.device.DestroyDescriptorSetLayout(layout); r.SetLayout = 0 })
	r.SetLayout = layout

	set, err := r.device.AllocateDescriptorSet(pool, layout)
	if err != nil {
		return errors.Wrap(err, "allocate tensor descriptor set")
	}
	release.Defer(func() { r.Set = 0 })
	r.Set = set

	err = r.device.UpdateTensorDescriptors(
		gpu.TensorDescriptorWrite{Set: set, Binding: input.PortBinding, View: input.View},
		gpu.TensorDescriptorWrite{Set: set, Binding: output.PortBinding, View: output.View},
	)
	if err != nil {
		return errors.Wrap(err, "write tensor descriptors")
	}

	release.Forget()
	r.input, r.output = input, output
	r.log.Info("tensor resources ready",
		"input", input.Dimensions, "output", output.Dimensions,
		"inputPort", input.PortBinding, "outputPort", output.PortBinding)
	return nil
}

func (r *TensorResources) createTensor(t *Tensor, release *gpu.Releaser) error {
	t.Description = gpu.TensorDescription{
		Tiling:     core1_0.ImageTilingLinear,
		Format:     TensorFormat,
		Dimensions: t.Dimensions,
		Strides:    t.Strides,
		Usage:      gpu.TensorUsageDataGraph,
	}

	tensor, err := r.device.CreateTensor(t.Description)
	if err != nil {
		return errors.Wrap(err, "create tensor")
	}
	release.Defer(func() { r.device.DestroyTensor(tensor); t.Handle = 0 })
	t.Handle = tensor
	tensorReqs := r.device.TensorMemoryRequirements(tensor)

	buffer, err := r.device.CreateBuffer(gpu.BufferInfo{
		Size:  t.BufferSize(),
		Usage: core1_0.BufferUsageTransferSrc | core1_0.BufferUsageTransferDst,
	})
	if err != nil {
		return errors.Wrap(err, "create aliased buffer")
	}
	release.Defer(func() { r.device.DestroyBuffer(buffer); t.Buffer = 0 })
	t.Buffer = buffer
	bufferReqs := r.device.BufferMemoryRequirements(buffer)

	typeIndex, err := gpu.FindMemoryType(r.device.MemoryTypes(), bufferReqs.MemoryTypeBits, core1_0.MemoryPropertyDeviceLocal)
	if err != nil {
		return err
	}

	size := max(tensorReqs.Size, bufferReqs.Size)
	memory, err := r.device.AllocateMemory(size, typeIndex)
	if err != nil {
		return errors.Wrap(err, "allocate tensor memory")
	}
	release.Defer(func() { r.device.FreeMemory(memory); t.Memory = 0 })
	t.Memory = memory

	if err := r.device.BindTensorMemory(tensor, memory, 0); err != nil {
		return errors.Wrap(err, "bind tensor memory")
	}
	if err := r.device.BindBufferMemory(buffer, memory, 0); err != nil {
		return errors.Wrap(err, "bind aliased buffer memory")
	}

	view, err := r.device.CreateTensorView(tensor, TensorFormat)
	if err != nil {
		return errors.Wrap(err, "create tensor view")
	}
	release.Defer(func() { r.device.DestroyTensorView(view); t.View = 0 })
	t.View = view
	return nil
}

// Resources lists both ports in input, output order for pipeline creation.
func (r *TensorResources) Resources() []gpu.DataGraphResource {
	if r.input == nil || r.output == nil {
		return nil
	}
	return []gpu.DataGraphResource{
		{Binding: r.input.PortBinding, Description: r.input.Description},
		{Binding: r.output.PortBinding, Description: r.output.Description},
	}
}

func (r *TensorResources) Destroy() {
	if r.Pool.Initialized() {
		r.device.DestroyDescriptorPool(r.Pool)
		r.Pool, r.Set = 0, 0
	}
	if r.SetLayout.Initialized() {
		r.device.DestroyDescriptorSetLayout(r.SetLayout)
		r.SetLayout = 0
	}
	for _, t := range []*Tensor{r.input, r.output} {
		if t == nil {
			continue
		}
		if t.View.Initialized() {
			r.device.DestroyTensorView(t.View)
		}
		if t.Handle.Initialized() {
			r.device.DestroyTensor(t.Handle)
		}
		if t.Buffer.Initialized() {
			r.device.DestroyBuffer(t.Buffer)
		}
		if t.Memory.Initialized() {
			r.device.FreeMemory(t.Memory)
		}
		t.View, t.Handle, t.Buffer, t.Memory = 0, 0, 0, 0
	}
	r.input, r.output = nil, nil
}
