// Package sim is a CPU implementation of gpu.DataGraphDevice. Command buffers record closures
// that run at submit time against byte-slice backed memory, so tensor/buffer aliasing, layout
// transitions and semaphore ordering behave observably like a real device.
package sim

import (
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/core/v3/core1_0"

	"github.com/vkngwrapper/graphpipelines/internal/gpu"
)

var (
	ErrUnknownHandle       = errors.New("unknown handle")
	ErrLayoutMismatch      = errors.New("image layout mismatch")
	ErrSemaphoreNotPending = errors.New("wait on semaphore with no pending signal")
	ErrSemaphorePending    = errors.New("signal on semaphore that is already signaled")
	ErrFenceSignaled       = errors.New("submit with signaled fence")
	ErrFenceTimeout        = errors.New("fence wait timed out")
	ErrNotRecording        = errors.New("command buffer is not recording")
	ErrNotExecutable       = errors.New("command buffer is not executable")
	ErrUnboundMemory       = errors.New("resource has no bound memory")
	ErrOutOfRange          = errors.New("access outside bound memory")
	ErrNoRenderPass        = errors.New("draw outside a render pass")
)

// Defaults mirror a mobile GPU: one host-visible heap type and one device-local type.
var DefaultMemoryTypes = []gpu.MemoryType{
	{PropertyFlags: core1_0.MemoryPropertyHostVisible | core1_0.MemoryPropertyHostCoherent},
	{PropertyFlags: core1_0.MemoryPropertyDeviceLocal},
}

type memory struct {
	typeIndex int
	data      []byte
}

type buffer struct {
	info   gpu.BufferInfo
	mem    *memory
	offset int
}

type image struct {
	info   gpu.ImageInfo
	mem    *memory
	offset int
	layout core1_0.ImageLayout
}

func (i *image) size() int {
	return int(i.info.Extent.Width) * int(i.info.Extent.Height) * gpu.BytesPerPixel(i.info.Format)
}

type cmdState int

const (
	cmdInitial cmdState = iota
	cmdRecording
	cmdExecutable
)

type command struct {
	name string
	run  func(x *execution) error
}

type commandBuffer struct {
	kind        gpu.QueueKind
	level       gpu.CommandBufferLevel
	state       cmdState
	inheritance *gpu.Inheritance
	commands    []command
	insidePass  bool
	err         error
}

type fault struct {
	after int
	err   error
}

// Submission is one recorded QueueSubmit batch.
type Submission struct {
	Queue      gpu.QueueKind
	Waits      []gpu.Semaphore
	WaitStages []core1_0.PipelineStageFlags
	Signals    []gpu.Semaphore
	Fence      gpu.Fence
	Commands   []string
}

// Presentation is one recorded present.
type Presentation struct {
	Index int
	Waits []gpu.Semaphore
}

// Device is safe for use from one recording goroutine at a time; all exported methods lock.
type Device struct {
	mu sync.Mutex

	opts   options
	handle uint64

	queues        map[gpu.Queue]gpu.QueueKind
	memories      map[gpu.DeviceMemory]*memory
	buffers       map[gpu.Buffer]*buffer
	images        map[gpu.Image]*image
	renderPasses  map[gpu.RenderPass]gpu.RenderPassInfo
	framebuffers  map[gpu.Framebuffer]gpu.FramebufferInfo
	semaphores    map[gpu.Semaphore]bool
	fences        map[gpu.Fence]bool
	cmdBuffers    map[gpu.CommandBuffer]*commandBuffer
	tensors       map[gpu.Tensor]*tensor
	tensorViews   map[gpu.TensorView]gpu.Tensor
	descPools     map[gpu.DescriptorPool]*descriptorPool
	descLayouts   map[gpu.DescriptorSetLayout][]gpu.DescriptorBinding
	descSets      map[gpu.DescriptorSet]*descriptorSet
	caches        map[gpu.PipelineCache][]byte
	pipeLayouts   map[gpu.PipelineLayout][]gpu.DescriptorSetLayout
	pipelines     map[gpu.Pipeline]gpu.DataGraphPipelineInfo
	sessions      map[gpu.Session]*session
	faults        map[Op]*fault
	calls         map[Op]int
	submitFaults  map[gpu.QueueKind]error
	submissions   []Submission
	presentations []Presentation
	sampled       [][]gpu.Image
}

var _ gpu.DataGraphDevice = (*Device)(nil)

func New(opts ...Option) *Device {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}

	d := &Device{
		opts:         o,
		queues:       make(map[gpu.Queue]gpu.QueueKind),
		memories:     make(map[gpu.DeviceMemory]*memory),
		buffers:      make(map[gpu.Buffer]*buffer),
		images:       make(map[gpu.Image]*image),
		renderPasses: make(map[gpu.RenderPass]gpu.RenderPassInfo),
		framebuffers: make(map[gpu.Framebuffer]gpu.FramebufferInfo),
		semaphores:   make(map[gpu.Semaphore]bool),
		fences:       make(map[gpu.Fence]bool),
		cmdBuffers:   make(map[gpu.CommandBuffer]*commandBuffer),
		tensors:      make(map[gpu.Tensor]*tensor),
		tensorViews:  make(map[gpu.TensorView]gpu.Tensor),
		descPools:    make(map[gpu.DescriptorPool]*descriptorPool),
		descLayouts:  make(map[gpu.DescriptorSetLayout][]gpu.DescriptorBinding),
		descSets:     make(map[gpu.DescriptorSet]*descriptorSet),
		caches:       make(map[gpu.PipelineCache][]byte),
		pipeLayouts:  make(map[gpu.PipelineLayout][]gpu.DescriptorSetLayout),
		pipelines:    make(map[gpu.Pipeline]gpu.DataGraphPipelineInfo),
		sessions:     make(map[gpu.Session]*session),
		faults:       make(map[Op]*fault),
		calls:        make(map[Op]int),
		submitFaults: make(map[gpu.QueueKind]error),
	}

	d.queues[gpu.Queue(d.next())] = gpu.QueueGraphics
	if o.dataGraphQueue {
		d.queues[gpu.Queue(d.next())] = gpu.QueueDataGraph
	}
	return d
}

func (d *Device) next() uint64 {
	d.handle++
	return d.handle
}

func (d *Device) allTypeBits() uint32 {
	return uint32(1)<<uint(len(d.opts.memoryTypes)) - 1
}

func (d *Device) MemoryTypes() []gpu.MemoryType {
	return append([]gpu.MemoryType(nil), d.opts.memoryTypes...)
}

func (d *Device) Queue(kind gpu.QueueKind) (gpu.Queue, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	for q, k := range d.queues {
		if k == kind {
			return q, true
		}
	}
	return 0, false
}

func (d *Device) AllocateMemory(size int, memoryTypeIndex int) (gpu.DeviceMemory, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.fault(OpAllocateMemory); err != nil {
		return 0, err
	}
	if memoryTypeIndex < 0 || memoryTypeIndex >= len(d.opts.memoryTypes) {
		return 0, errors.Newf("memory type index %d out of range", memoryTypeIndex)
	}
	if size <= 0 {
		return 0, errors.Newf("invalid allocation size %d", size)
	}

	h := gpu.DeviceMemory(d.next())
	d.memories[h] = &memory{typeIndex: memoryTypeIndex, data: make([]byte, size)}
	return h, nil
}

func (d *Device) FreeMemory(mem gpu.DeviceMemory) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.memories, mem)
}

func (d *Device) CreateBuffer(info gpu.BufferInfo) (gpu.Buffer, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.fault(OpCreateBuffer); err != nil {
		return 0, err
	}
	if info.Size <= 0 {
		return 0, errors.Newf("invalid buffer size %d", info.Size)
	}

	h := gpu.Buffer(d.next())
	d.buffers[h] = &buffer{info: info}
	return h, nil
}

func (d *Device) BufferMemoryRequirements(buf gpu.Buffer) gpu.MemoryRequirements {
	d.mu.Lock()
	defer d.mu.Unlock()

	b, ok := d.buffers[buf]
	if !ok {
		return gpu.MemoryRequirements{}
	}
	return gpu.MemoryRequirements{Size: b.info.Size, Alignment: 1, MemoryTypeBits: d.allTypeBits()}
}

func (d *Device) BindBufferMemory(buf gpu.Buffer, mem gpu.DeviceMemory, offset int) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.fault(OpBindBufferMemory); err != nil {
		return err
	}
	b, ok := d.buffers[buf]
	if !ok {
		return errors.Wrapf(ErrUnknownHandle, "buffer %d", buf)
	}
	m, ok := d.memories[mem]
	if !ok {
		return errors.Wrapf(ErrUnknownHandle, "memory %d", mem)
	}
	if b.mem != nil {
		return errors.Newf("buffer %d is already bound", buf)
	}
	if offset+b.info.Size > len(m.data) {
		return errors.Wrapf(ErrOutOfRange, "buffer %d needs %d bytes at offset %d", buf, b.info.Size, offset)
	}
	b.mem, b.offset = m, offset
	return nil
}

func (d *Device) DestroyBuffer(buf gpu.Buffer) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.buffers, buf)
}

func (d *Device) CreateImage(info gpu.ImageInfo) (gpu.Image, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.fault(OpCreateImage); err != nil {
		return 0, err
	}
	if info.Extent.Width <= 0 || info.Extent.Height <= 0 {
		return 0, errors.Newf("invalid image extent %dx%d", info.Extent.Width, info.Extent.Height)
	}

	h := gpu.Image(d.next())
	d.images[h] = &image{info: info, layout: core1_0.ImageLayoutUndefined}
	return h, nil
}

func (d *Device) ImageMemoryRequirements(img gpu.Image) gpu.MemoryRequirements {
	d.mu.Lock()
	defer d.mu.Unlock()

	i, ok := d.images[img]
	if !ok {
		return gpu.MemoryRequirements{}
	}
	return gpu.MemoryRequirements{Size: i.size(), Alignment: 1, MemoryTypeBits: d.allTypeBits()}
}

func (d *Device) BindImageMemory(img gpu.Image, mem gpu.DeviceMemory, offset int) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	i, ok := d.images[img]
	if !ok {
		return errors.Wrapf(ErrUnknownHandle, "image %d", img)
	}
	m, ok := d.memories[mem]
	if !ok {
		return errors.Wrapf(ErrUnknownHandle, "memory %d", mem)
	}
	if offset+i.size() > len(m.data) {
		return errors.Wrapf(ErrOutOfRange, "image %d needs %d bytes at offset %d", img, i.size(), offset)
	}
	i.mem, i.offset = m, offset
	return nil
}

func (d *Device) DestroyImage(img gpu.Image) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.images, img)
}

func (d *Device) CreateRenderPass(info gpu.RenderPassInfo) (gpu.RenderPass, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.fault(OpCreateRenderPass); err != nil {
		return 0, err
	}
	h := gpu.RenderPass(d.next())
	d.renderPasses[h] = info
	return h, nil
}

func (d *Device) DestroyRenderPass(rp gpu.RenderPass) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.renderPasses, rp)
}

func (d *Device) CreateFramebuffer(info gpu.FramebufferInfo) (gpu.Framebuffer, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.renderPasses[info.RenderPass]; !ok {
		return 0, errors.Wrapf(ErrUnknownHandle, "render pass %d", info.RenderPass)
	}
	if _, ok := d.images[info.Color]; !ok {
		return 0, errors.Wrapf(ErrUnknownHandle, "color attachment %d", info.Color)
	}
	h := gpu.Framebuffer(d.next())
	d.framebuffers[h] = info
	return h, nil
}

func (d *Device) DestroyFramebuffer(fb gpu.Framebuffer) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.framebuffers, fb)
}

func (d *Device) CreateSemaphore() (gpu.Semaphore, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.fault(OpCreateSemaphore); err != nil {
		return 0, err
	}
	h := gpu.Semaphore(d.next())
	d.semaphores[h] = false
	return h, nil
}

func (d *Device) DestroySemaphore(s gpu.Semaphore) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.semaphores, s)
}

func (d *Device) CreateFence(signaled bool) (gpu.Fence, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	h := gpu.Fence(d.next())
	d.fences[h] = signaled
	return h, nil
}

// WaitForFence returns immediately: submitted work completes inside QueueSubmit, so a fence that
// is still unsignaled here would never signal.
func (d *Device) WaitForFence(f gpu.Fence, timeout time.Duration) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	signaled, ok := d.fences[f]
	if !ok {
		return errors.Wrapf(ErrUnknownHandle, "fence %d", f)
	}
	if !signaled {
		return errors.Wrapf(ErrFenceTimeout, "fence %d after %s", f, timeout)
	}
	return nil
}

func (d *Device) ResetFence(f gpu.Fence) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.fences[f]; !ok {
		return errors.Wrapf(ErrUnknownHandle, "fence %d", f)
	}
	d.fences[f] = false
	return nil
}

func (d *Device) DestroyFence(f gpu.Fence) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.fences, f)
}

func (d *Device) DeviceWaitIdle() error {
	return nil
}

// SignalSemaphore signals s from outside any queue, the way a presentation engine does on acquire.
func (d *Device) SignalSemaphore(s gpu.Semaphore) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.signal(s)
}

func (d *Device) signal(s gpu.Semaphore) error {
	pending, ok := d.semaphores[s]
	if !ok {
		return errors.Wrapf(ErrUnknownHandle, "semaphore %d", s)
	}
	if pending {
		return errors.Wrapf(ErrSemaphorePending, "semaphore %d", s)
	}
	d.semaphores[s] = true
	return nil
}

func (d *Device) checkWaits(waits []gpu.Semaphore) error {
	for _, s := range waits {
		pending, ok := d.semaphores[s]
		if !ok {
			return errors.Wrapf(ErrUnknownHandle, "semaphore %d", s)
		}
		if !pending {
			return errors.Wrapf(ErrSemaphoreNotPending, "semaphore %d", s)
		}
	}
	return nil
}

func (d *Device) consume(waits []gpu.Semaphore) {
	for _, s := range waits {
		d.semaphores[s] = false
	}
}

// Present consumes the wait semaphores and records the presentation of a swapchain image.
func (d *Device) present(img gpu.Image, index int, waits []gpu.Semaphore) error {
	if err := d.fault(OpPresent); err != nil {
		return err
	}
	if err := d.checkWaits(waits); err != nil {
		return errors.Wrap(err, "present")
	}
	i, ok := d.images[img]
	if !ok {
		return errors.Wrapf(ErrUnknownHandle, "swapchain image %d", img)
	}
	if i.layout != gpu.ImageLayoutPresentSrc {
		return errors.Wrapf(ErrLayoutMismatch, "presenting image %d in layout %d", img, i.layout)
	}
	d.consume(waits)
	if !d.opts.trace {
		return nil
	}
	d.presentations = append(d.presentations, Presentation{Index: index, Waits: append([]gpu.Semaphore(nil), waits...)})
	return nil
}

// Submissions returns every batch submitted so far, in order.
func (d *Device) Submissions() []Submission {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]Submission(nil), d.submissions...)
}

func (d *Device) Presentations() []Presentation {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]Presentation(nil), d.presentations...)
}

func (d *Device) ResetTrace() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.submissions = nil
	d.presentations = nil
	d.sampled = nil
}

func (d *Device) ImageLayout(img gpu.Image) core1_0.ImageLayout {
	d.mu.Lock()
	defer d.mu.Unlock()
	if i, ok := d.images[img]; ok {
		return i.layout
	}
	return core1_0.ImageLayoutUndefined
}

// ImageData returns a copy of the texels backing img.
func (d *Device) ImageData(img gpu.Image) []byte {
	d.mu.Lock()
	defer d.mu.Unlock()

	i, ok := d.images[img]
	if !ok || i.mem == nil {
		return nil
	}
	return append([]byte(nil), i.mem.data[i.offset:i.offset+i.size()]...)
}

// BufferData returns a copy of the bytes backing buf.
func (d *Device) BufferData(buf gpu.Buffer) []byte {
	d.mu.Lock()
	defer d.mu.Unlock()

	b, ok := d.buffers[buf]
	if !ok || b.mem == nil {
		return nil
	}
	return append([]byte(nil), b.mem.data[b.offset:b.offset+b.info.Size]...)
}

// LiveObjects counts every handle that has been created and not yet destroyed.
func (d *Device) LiveObjects() int {
	d.mu.Lock()
	defer d.mu.Unlock()

	return len(d.memories) + len(d.buffers) + len(d.images) + len(d.renderPasses) +
		len(d.framebuffers) + len(d.semaphores) + len(d.fences) + len(d.cmdBuffers) +
		len(d.tensors) + len(d.tensorViews) + len(d.descPools) + len(d.descLayouts) +
		len(d.descSets) + len(d.caches) + len(d.pipeLayouts) + len(d.pipelines) + len(d.sessions)
}

// WriteBuffer copies data into buf at offset, as a host write through a mapped pointer would.
func (d *Device) WriteBuffer(buf gpu.Buffer, offset int, data []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	bytes, err := d.bufferBytes(buf)
	if err != nil {
		return err
	}
	if offset+len(data) > len(bytes) {
		return errors.Wrapf(ErrOutOfRange, "write of %d bytes at offset %d", len(data), offset)
	}
	copy(bytes[offset:], data)
	return nil
}
