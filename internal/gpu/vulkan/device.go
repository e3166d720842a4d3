package vulkan

import (
	"log/slog"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/core/v3/core1_0"
	"github.com/vkngwrapper/extensions/v3/khr_portability_subset"
	"github.com/vkngwrapper/extensions/v3/khr_swapchain"

	"github.com/vkngwrapper/graphpipelines/internal/gpu"
)

const graphicsQueueHandle gpu.Queue = 1

var (
	ErrNoSuitableGPU = errors.New("failed to find a suitable GPU")
	ErrFenceTimeout  = errors.New("timed out waiting for fence")
)

var deviceExtensions = []string{khr_swapchain.ExtensionName}

type imageEntry struct {
	image  core1_0.Image
	info   gpu.ImageInfo
	view   core1_0.ImageView
	memory bool
	// owned is false for swapchain images.
	owned bool
}

type commandEntry struct {
	buffer      core1_0.CommandBuffer
	level       gpu.CommandBufferLevel
	inheritance *gpu.Inheritance
}

type renderPassEntry struct {
	pass core1_0.RenderPass
	info gpu.RenderPassInfo
}

// Device implements gpu.Device over a core 1.0 logical device with one graphics queue that also
// presents.
type Device struct {
	instance *Instance
	log      *slog.Logger

	physicalDevice core1_0.PhysicalDevice
	driver         core1_0.CoreDeviceDriver
	queueFamily    int
	graphicsQueue  core1_0.Queue
	commandPool    core1_0.CommandPool
	memoryTypes    []gpu.MemoryType

	memories     registry[core1_0.DeviceMemory]
	buffers      registry[core1_0.Buffer]
	images       registry[imageEntry]
	renderPasses registry[renderPassEntry]
	framebuffers registry[core1_0.Framebuffer]
	semaphores   registry[core1_0.Semaphore]
	fences       registry[core1_0.Fence]
	commands     registry[commandEntry]
}

var _ gpu.Device = (*Device)(nil)

func NewDevice(instance *Instance) (*Device, error) {
	d := &Device{instance: instance, log: instance.log}

	if err := d.pickPhysicalDevice(); err != nil {
		return nil, err
	}
	if err := d.createLogicalDevice(); err != nil {
		return nil, err
	}

	pool, _, err := d.driver.CreateCommandPool(nil, core1_0.CommandPoolCreateInfo{
		Flags:            core1_0.CommandPoolCreateResetBuffer,
		QueueFamilyIndex: d.queueFamily,
	})
	if err != nil {
		d.Destroy()
		return nil, errors.Wrap(err, "create command pool")
	}
	d.commandPool = pool

	memProperties := instance.driver.GetPhysicalDeviceMemoryProperties(d.physicalDevice)
	for _, memoryType := range memProperties.MemoryTypes {
		d.memoryTypes = append(d.memoryTypes, gpu.MemoryType{PropertyFlags: memoryType.PropertyFlags})
	}
	return d, nil
}

func (d *Device) pickPhysicalDevice() error {
	physicalDevices, _, err := d.instance.driver.EnumeratePhysicalDevices()
	if err != nil {
		return errors.Wrap(err, "enumerate physical devices")
	}

	for _, device := range physicalDevices {
		family, ok := d.findQueueFamily(device)
		if ok && d.checkDeviceExtensionSupport(device) {
			d.physicalDevice, d.queueFamily = device, family
			break
		}
	}
	if !d.physicalDevice.Initialized() {
		return ErrNoSuitableGPU
	}

	properties, err := d.instance.driver.GetPhysicalDeviceProperties(d.physicalDevice)
	if err == nil {
		d.log.Info("physical device selected", "name", properties.DeviceName, "queueFamily", d.queueFamily)
	}
	return nil
}

// findQueueFamily returns a family that both renders and presents to the surface.
func (d *Device) findQueueFamily(device core1_0.PhysicalDevice) (int, bool) {
	queueFamilies := d.instance.driver.GetPhysicalDeviceQueueFamilyProperties(device)
	for queueFamilyIdx, queueFamily := range queueFamilies {
		if queueFamily.QueueFlags&core1_0.QueueGraphics == 0 {
			continue
		}
		supported, _, err := d.instance.surfaceExtension.GetPhysicalDeviceSurfaceSupport(d.instance.surface, device, queueFamilyIdx)
		if err == nil && supported {
			return queueFamilyIdx, true
		}
	}
	return 0, false
}

func (d *Device) checkDeviceExtensionSupport(device core1_0.PhysicalDevice) bool {
	extensions, _, err := d.instance.driver.EnumerateDeviceExtensionProperties(device)
	if err != nil {
		return false
	}
	for _, extension := range deviceExtensions {
		if _, ok := extensions[extension]; !ok {
			return false
		}
	}
	return true
}

func (d *Device) createLogicalDevice() error {
	extensionNames := append([]string(nil), deviceExtensions...)

	extensions, _, err := d.instance.driver.EnumerateDeviceExtensionProperties(d.physicalDevice)
	if err != nil {
		return errors.Wrap(err, "enumerate device extensions")
	}
	if _, ok := extensions[khr_portability_subset.ExtensionName]; ok {
		extensionNames = append(extensionNames, khr_portability_subset.ExtensionName)
	}

	d.driver, _, err = d.instance.driver.CreateDevice(d.physicalDevice, nil, core1_0.DeviceCreateInfo{
		QueueCreateInfos: []core1_0.DeviceQueueCreateInfo{
			{QueueFamilyIndex: d.queueFamily, QueuePriorities: []float32{1.0}},
		},
		EnabledFeatures:       &core1_0.PhysicalDeviceFeatures{},
		EnabledExtensionNames: extensionNames,
	})
	if err != nil {
		return errors.Wrap(err, "create logical device")
	}

	d.graphicsQueue = d.driver.GetQueue(d.queueFamily, 0)
	return nil
}

func (d *Device) MemoryTypes() []gpu.MemoryType {
	return d.memoryTypes
}

func (d *Device) Queue(kind gpu.QueueKind) (gpu.Queue, bool) {
	if kind == gpu.QueueGraphics {
		return graphicsQueueHandle, true
	}
	return 0, false
}

func (d *Device) queue(queue gpu.Queue) (core1_0.Queue, error) {
	if queue != graphicsQueueHandle {
		return core1_0.Queue{}, errors.AssertionFailedf("unknown queue %d", queue)
	}
	return d.graphicsQueue, nil
}

func (d *Device) CreateSemaphore() (gpu.Semaphore, error) {
	semaphore, _, err := d.driver.CreateSemaphore(nil, core1_0.SemaphoreCreateInfo{})
	if err != nil {
		return 0, errors.Wrap(err, "create semaphore")
	}
	return gpu.Semaphore(d.semaphores.add(semaphore)), nil
}

func (d *Device) DestroySemaphore(semaphore gpu.Semaphore) {
	if s, ok := d.semaphores.remove(uint64(semaphore)); ok {
		d.driver.DestroySemaphore(s, nil)
	}
}

func (d *Device) semaphoreList(handles []gpu.Semaphore) ([]core1_0.Semaphore, error) {
	out := make([]core1_0.Semaphore, 0, len(handles))
	for _, h := range handles {
		s, ok := d.semaphores.get(uint64(h))
		if !ok {
			return nil, errors.AssertionFailedf("unknown semaphore %d", h)
		}
		out = append(out, s)
	}
	return out, nil
}

func (d *Device) CreateFence(signaled bool) (gpu.Fence, error) {
	var createInfo core1_0.FenceCreateInfo
	if signaled {
		createInfo.Flags = core1_0.FenceCreateSignaled
	}
	fence, _, err := d.driver.CreateFence(nil, createInfo)
	if err != nil {
		return 0, errors.Wrap(err, "create fence")
	}
	return gpu.Fence(d.fences.add(fence)), nil
}

func (d *Device) fence(handle gpu.Fence) (core1_0.Fence, error) {
	fence, ok := d.fences.get(uint64(handle))
	if !ok {
		return core1_0.Fence{}, errors.AssertionFailedf("unknown fence %d", handle)
	}
	return fence, nil
}

func (d *Device) WaitForFence(handle gpu.Fence, timeout time.Duration) error {
	fence, err := d.fence(handle)
	if err != nil {
		return err
	}
	res, err := d.driver.WaitForFences(true, timeout, fence)
	if err != nil {
		return errors.Wrap(err, "wait for fence")
	}
	if res == core1_0.VKTimeout {
		return errors.Wrapf(ErrFenceTimeout, "after %s", timeout)
	}
	return nil
}

func (d *Device) ResetFence(handle gpu.Fence) error {
	fence, err := d.fence(handle)
	if err != nil {
		return err
	}
	_, err = d.driver.ResetFences(fence)
	return errors.Wrap(err, "reset fence")
}

func (d *Device) DestroyFence(handle gpu.Fence) {
	if fence, ok := d.fences.remove(uint64(handle)); ok {
		d.driver.DestroyFence(fence, nil)
	}
}

func (d *Device) QueueSubmit(queue gpu.Queue, fence gpu.Fence, submits ...gpu.SubmitInfo) error {
	native, err := d.queue(queue)
	if err != nil {
		return err
	}

	var fencePtr *core1_0.Fence
	if fence.Initialized() {
		f, err := d.fence(fence)
		if err != nil {
			return err
		}
		fencePtr = &f
	}

	infos := make([]core1_0.SubmitInfo, 0, len(submits))
	for _, submit := range submits {
		waits, err := d.semaphoreList(submit.WaitSemaphores)
		if err != nil {
			return err
		}
		signals, err := d.semaphoreList(submit.SignalSemaphores)
		if err != nil {
			return err
		}
		cmds := make([]core1_0.CommandBuffer, 0, len(submit.CommandBuffers))
		for _, h := range submit.CommandBuffers {
			entry, err := d.commandBuffer(h)
			if err != nil {
				return err
			}
			cmds = append(cmds, entry.buffer)
		}
		infos = append(infos, core1_0.SubmitInfo{
			WaitSemaphores:   waits,
			WaitDstStageMask: submit.WaitDstStageMask,
			CommandBuffers:   cmds,
			SignalSemaphores: signals,
		})
	}

	_, err = d.driver.QueueSubmit(native, fencePtr, infos...)
	return errors.Wrap(err, "queue submit")
}

func (d *Device) DeviceWaitIdle() error {
	if d.driver == nil {
		return nil
	}
	_, err := d.driver.DeviceWaitIdle()
	return errors.Wrap(err, "device wait idle")
}

// LiveObjects counts the handles created through this device and not yet destroyed.
func (d *Device) LiveObjects() int {
	return d.memories.len() + d.buffers.len() + d.images.len() + d.renderPasses.len() +
		d.framebuffers.len() + d.semaphores.len() + d.fences.len() + d.commands.len()
}

// Destroy releases the command pool and the logical device. Objects still registered are
// reported, not destroyed.
func (d *Device) Destroy() {
	if live := d.LiveObjects(); live > 0 {
		d.log.Warn("device destroyed with live objects", "count", live)
	}
	if d.commandPool.Initialized() {
		d.driver.DestroyCommandPool(d.commandPool, nil)
		d.commandPool = core1_0.CommandPool{}
	}
	if d.driver != nil {
		d.driver.DestroyDevice(nil)
		d.driver = nil
	}
}
