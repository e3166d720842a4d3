package sim

import (
	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/core/v3/core1_0"

	"github.com/vkngwrapper/graphpipelines/internal/gpu"
)

var (
	ErrSessionMemoryNotBound = errors.New("session bind point has no memory")
	ErrEngineUnsupported     = errors.New("engine does not run on this device")
)

type tensor struct {
	desc   gpu.TensorDescription
	mem    *memory
	offset int
}

type descriptorPool struct {
	maxSets int
	sizes   map[core1_0.DescriptorType]int
	sets    []gpu.DescriptorSet
}

type descriptorSet struct {
	pool   gpu.DescriptorPool
	layout gpu.DescriptorSetLayout
	views  map[int]gpu.TensorView
}

type sessionKey struct {
	bindPoint gpu.SessionBindPoint
	object    int
}

type session struct {
	pipeline gpu.Pipeline
	bound    map[sessionKey]*memory
}

func (d *Device) DataGraphProperties(kind gpu.QueueKind) ([]gpu.DataGraphProperties, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if kind != gpu.QueueDataGraph || !d.opts.dataGraphQueue {
		return nil, nil
	}
	return append([]gpu.DataGraphProperties(nil), d.opts.properties...), nil
}

func (d *Device) CreateTensor(desc gpu.TensorDescription) (gpu.Tensor, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.fault(OpCreateTensor); err != nil {
		return 0, err
	}
	if len(desc.Dimensions) == 0 {
		return 0, errors.New("tensor has no dimensions")
	}
	for _, dim := range desc.Dimensions {
		if dim <= 0 {
			return 0, errors.Newf("invalid tensor dimensions %v", desc.Dimensions)
		}
	}
	if len(desc.Strides) != 0 && len(desc.Strides) != len(desc.Dimensions) {
		return 0, errors.Newf("%d strides for %d dimensions", len(desc.Strides), len(desc.Dimensions))
	}

	h := gpu.Tensor(d.next())
	desc.Dimensions = append([]int64(nil), desc.Dimensions...)
	desc.Strides = append([]int64(nil), desc.Strides...)
	d.tensors[h] = &tensor{desc: desc}
	return h, nil
}

func (d *Device) TensorMemoryRequirements(t gpu.Tensor) gpu.MemoryRequirements {
	d.mu.Lock()
	defer d.mu.Unlock()

	tn, ok := d.tensors[t]
	if !ok {
		return gpu.MemoryRequirements{}
	}
	return gpu.MemoryRequirements{Size: tn.desc.ByteSize(), Alignment: 1, MemoryTypeBits: d.allTypeBits()}
}

func (d *Device) BindTensorMemory(t gpu.Tensor, mem gpu.DeviceMemory, offset int) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.fault(OpBindTensorMemory); err != nil {
		return err
	}
	tn, ok := d.tensors[t]
	if !ok {
		return errors.Wrapf(ErrUnknownHandle, "tensor %d", t)
	}
	m, ok := d.memories[mem]
	if !ok {
		return errors.Wrapf(ErrUnknownHandle, "memory %d", mem)
	}
	if offset+tn.desc.ByteSize() > len(m.data) {
		return errors.Wrapf(ErrOutOfRange, "tensor %d needs %d bytes at offset %d", t, tn.desc.ByteSize(), offset)
	}
	tn.mem, tn.offset = m, offset
	return nil
}

func (d *Device) CreateTensorView(t gpu.Tensor, format core1_0.Format) (gpu.TensorView, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.fault(OpCreateTensorView); err != nil {
		return 0, err
	}
	tn, ok := d.tensors[t]
	if !ok {
		return 0, errors.Wrapf(ErrUnknownHandle, "tensor %d", t)
	}
	if tn.mem == nil {
		return 0, errors.Wrapf(ErrUnboundMemory, "tensor %d", t)
	}
	if format != tn.desc.Format {
		return 0, errors.Newf("view format %d does not match tensor format %d", format, tn.desc.Format)
	}

	h := gpu.TensorView(d.next())
	d.tensorViews[h] = t
	return h, nil
}

func (d *Device) DestroyTensorView(v gpu.TensorView) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.tensorViews, v)
}

func (d *Device) DestroyTensor(t gpu.Tensor) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.tensors, t)
}

// TensorData returns a copy of the bytes backing t.
func (d *Device) TensorData(t gpu.Tensor) []byte {
	d.mu.Lock()
	defer d.mu.Unlock()

	tn, ok := d.tensors[t]
	if !ok || tn.mem == nil {
		return nil
	}
	return append([]byte(nil), tn.mem.data[tn.offset:tn.offset+tn.desc.ByteSize()]...)
}

func (d *Device) CreateDescriptorPool(maxSets int, sizes ...gpu.DescriptorPoolSize) (gpu.DescriptorPool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.fault(OpCreateDescriptorPool); err != nil {
		return 0, err
	}
	if maxSets <= 0 {
		return 0, errors.Newf("invalid max sets %d", maxSets)
	}

	pool := &descriptorPool{maxSets: maxSets, sizes: make(map[core1_0.DescriptorType]int)}
	for _, s := range sizes {
		pool.sizes[s.Type] += s.Count
	}
	h := gpu.DescriptorPool(d.next())
	d.descPools[h] = pool
	return h, nil
}

func (d *Device) DestroyDescriptorPool(p gpu.DescriptorPool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if pool, ok := d.descPools[p]; ok {
		for _, s := range pool.sets {
			delete(d.descSets, s)
		}
	}
	delete(d.descPools, p)
}

func (d *Device) CreateDescriptorSetLayout(bindings ...gpu.DescriptorBinding) (gpu.DescriptorSetLayout, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.fault(OpCreateDescriptorSetLayout); err != nil {
		return 0, err
	}
	seen := make(map[int]bool)
	for _, b := range bindings {
		if seen[b.Binding] {
			return 0, errors.Newf("duplicate binding %d", b.Binding)
		}
		seen[b.Binding] = true
	}

	h := gpu.DescriptorSetLayout(d.next())
	d.descLayouts[h] = append([]gpu.DescriptorBinding(nil), bindings...)
	return h, nil
}

func (d *Device) DestroyDescriptorSetLayout(l gpu.DescriptorSetLayout) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.descLayouts, l)
}

func (d *Device) AllocateDescriptorSet(p gpu.DescriptorPool, l gpu.DescriptorSetLayout) (gpu.DescriptorSet, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.fault(OpAllocateDescriptorSet); err != nil {
		return 0, err
	}
	pool, ok := d.descPools[p]
	if !ok {
		return 0, errors.Wrapf(ErrUnknownHandle, "descriptor pool %d", p)
	}
	bindings, ok := d.descLayouts[l]
	if !ok {
		return 0, errors.Wrapf(ErrUnknownHandle, "descriptor set layout %d", l)
	}
	if len(pool.sets) >= pool.maxSets {
		return 0, errors.New("descriptor pool is exhausted")
	}

	needed := make(map[core1_0.DescriptorType]int)
	for _, b := range bindings {
		needed[b.Type] += b.Count
	}
	for t, n := range needed {
		if pool.sizes[t] < n {
			return 0, errors.Newf("descriptor pool holds %d descriptors of type %d, layout needs %d", pool.sizes[t], t, n)
		}
	}
	for t, n := range needed {
		pool.sizes[t] -= n
	}

	h := gpu.DescriptorSet(d.next())
	pool.sets = append(pool.sets, h)
	d.descSets[h] = &descriptorSet{pool: p, layout: l, views: make(map[int]gpu.TensorView)}
	return h, nil
}

func (d *Device) UpdateTensorDescriptors(writes ...gpu.TensorDescriptorWrite) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	for _, w := range writes {
		set, ok := d.descSets[w.Set]
		if !ok {
			return errors.Wrapf(ErrUnknownHandle, "descriptor set %d", w.Set)
		}
		if _, ok := d.tensorViews[w.View]; !ok {
			return errors.Wrapf(ErrUnknownHandle, "tensor view %d", w.View)
		}
		declared := false
		for _, b := range d.descLayouts[set.layout] {
			if b.Binding == w.Binding && b.Type == gpu.DescriptorTypeTensor {
				declared = true
			}
		}
		if !declared {
			return errors.Newf("set %d has no tensor binding %d", w.Set, w.Binding)
		}
		set.views[w.Binding] = w.View
	}
	return nil
}

func (d *Device) CreatePipelineCache(initialData []byte) (gpu.PipelineCache, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.fault(OpCreatePipelineCache); err != nil {
		return 0, err
	}
	h := gpu.PipelineCache(d.next())
	d.caches[h] = append([]byte(nil), initialData...)
	return h, nil
}

func (d *Device) DestroyPipelineCache(c gpu.PipelineCache) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.caches, c)
}

func (d *Device) CreatePipelineLayout(setLayouts ...gpu.DescriptorSetLayout) (gpu.PipelineLayout, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.fault(OpCreatePipelineLayout); err != nil {
		return 0, err
	}
	for _, l := range setLayouts {
		if _, ok := d.descLayouts[l]; !ok {
			return 0, errors.Wrapf(ErrUnknownHandle, "descriptor set layout %d", l)
		}
	}
	h := gpu.PipelineLayout(d.next())
	d.pipeLayouts[h] = append([]gpu.DescriptorSetLayout(nil), setLayouts...)
	return h, nil
}

func (d *Device) DestroyPipelineLayout(l gpu.PipelineLayout) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.pipeLayouts, l)
}

func (d *Device) CreateDataGraphPipeline(info gpu.DataGraphPipelineInfo) (gpu.Pipeline, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.fault(OpCreateDataGraphPipeline); err != nil {
		return 0, err
	}
	setLayouts, ok := d.pipeLayouts[info.Layout]
	if !ok {
		return 0, errors.Wrapf(ErrUnknownHandle, "pipeline layout %d", info.Layout)
	}
	cache, ok := d.caches[info.Cache]
	if !ok {
		return 0, errors.Wrapf(ErrUnknownHandle, "pipeline cache %d", info.Cache)
	}
	if len(cache) == 0 {
		return 0, errors.New("pipeline cache holds no model")
	}
	if len(info.Identifier) == 0 {
		return 0, errors.New("pipeline has no graph identifier")
	}

	supported := false
	for _, p := range d.opts.properties {
		supported = supported || p.Engine == info.Engine
	}
	if !supported {
		return 0, errors.Wrapf(ErrEngineUnsupported, "%s", info.Engine.Type)
	}

	for _, r := range info.Resources {
		if r.DescriptorSet < 0 || r.DescriptorSet >= len(setLayouts) {
			return 0, errors.Newf("resource refers to set %d, layout has %d", r.DescriptorSet, len(setLayouts))
		}
		declared := false
		for _, b := range d.descLayouts[setLayouts[r.DescriptorSet]] {
			declared = declared || (b.Binding == r.Binding && b.Type == gpu.DescriptorTypeTensor)
		}
		if !declared {
			return 0, errors.Newf("resource binding %d is not a tensor binding of set %d", r.Binding, r.DescriptorSet)
		}
	}

	info.Resources = append([]gpu.DataGraphResource(nil), info.Resources...)
	info.Identifier = append([]byte(nil), info.Identifier...)
	h := gpu.Pipeline(d.next())
	d.pipelines[h] = info
	return h, nil
}

func (d *Device) DestroyPipeline(p gpu.Pipeline) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.pipelines, p)
}

func (d *Device) CreateDataGraphSession(p gpu.Pipeline) (gpu.Session, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.fault(OpCreateDataGraphSession); err != nil {
		return 0, err
	}
	if _, ok := d.pipelines[p]; !ok {
		return 0, errors.Wrapf(ErrUnknownHandle, "pipeline %d", p)
	}
	h := gpu.Session(d.next())
	d.sessions[h] = &session{pipeline: p, bound: make(map[sessionKey]*memory)}
	return h, nil
}

func (d *Device) SessionBindPointRequirements(s gpu.Session) ([]gpu.SessionBindPointRequirement, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.sessions[s]; !ok {
		return nil, errors.Wrapf(ErrUnknownHandle, "session %d", s)
	}
	return append([]gpu.SessionBindPointRequirement(nil), d.opts.sessionRequirements...), nil
}

func (d *Device) validSessionKey(key sessionKey) bool {
	for _, r := range d.opts.sessionRequirements {
		if r.BindPoint == key.bindPoint && key.object >= 0 && key.object < r.NumObjects {
			return true
		}
	}
	return false
}

func (d *Device) deviceLocalBits() uint32 {
	var bits uint32
	for i, mt := range d.opts.memoryTypes {
		if mt.PropertyFlags&core1_0.MemoryPropertyDeviceLocal != 0 {
			bits |= 1 << uint(i)
		}
	}
	if bits == 0 {
		return d.allTypeBits()
	}
	return bits
}

func (d *Device) SessionMemoryRequirements(s gpu.Session, bindPoint gpu.SessionBindPoint, objectIndex int) (gpu.MemoryRequirements, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.sessions[s]; !ok {
		return gpu.MemoryRequirements{}, errors.Wrapf(ErrUnknownHandle, "session %d", s)
	}
	if !d.validSessionKey(sessionKey{bindPoint, objectIndex}) {
		return gpu.MemoryRequirements{}, errors.Newf("session has no object %d at bind point %d", objectIndex, bindPoint)
	}
	return gpu.MemoryRequirements{Size: d.opts.sessionObjectSize, Alignment: 1, MemoryTypeBits: d.deviceLocalBits()}, nil
}

func (d *Device) BindSessionMemory(s gpu.Session, bindPoint gpu.SessionBindPoint, objectIndex int, mem gpu.DeviceMemory, offset int) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.fault(OpBindSessionMemory); err != nil {
		return err
	}
	sess, ok := d.sessions[s]
	if !ok {
		return errors.Wrapf(ErrUnknownHandle, "session %d", s)
	}
	m, ok := d.memories[mem]
	if !ok {
		return errors.Wrapf(ErrUnknownHandle, "memory %d", mem)
	}
	key := sessionKey{bindPoint, objectIndex}
	if !d.validSessionKey(key) {
		return errors.Newf("session has no object %d at bind point %d", objectIndex, bindPoint)
	}
	if _, bound := sess.bound[key]; bound {
		return errors.Newf("session object %d at bind point %d is already bound", objectIndex, bindPoint)
	}
	if offset+d.opts.sessionObjectSize > len(m.data) {
		return errors.Wrapf(ErrOutOfRange, "session object needs %d bytes at offset %d", d.opts.sessionObjectSize, offset)
	}
	sess.bound[key] = m
	return nil
}

func (d *Device) DestroyDataGraphSession(s gpu.Session) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.sessions, s)
}

func (d *Device) CmdBindPipeline(cmd gpu.CommandBuffer, bindPoint core1_0.PipelineBindPoint, p gpu.Pipeline) {
	d.mu.Lock()
	defer d.mu.Unlock()

	_ = d.record(cmd, "BindPipeline", func(x *execution) error {
		x.pipelines[bindPoint] = p
		return nil
	})
}

func (d *Device) CmdBindDescriptorSets(cmd gpu.CommandBuffer, bindPoint core1_0.PipelineBindPoint, layout gpu.PipelineLayout, sets ...gpu.DescriptorSet) {
	d.mu.Lock()
	defer d.mu.Unlock()

	sets = append([]gpu.DescriptorSet(nil), sets...)
	_ = d.record(cmd, "BindDescriptorSets", func(x *execution) error {
		if _, ok := d.pipeLayouts[layout]; !ok {
			return errors.Wrapf(ErrUnknownHandle, "pipeline layout %d", layout)
		}
		x.sets[bindPoint] = sets
		return nil
	})
}

func (d *Device) CmdDispatchDataGraph(cmd gpu.CommandBuffer, s gpu.Session) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if cb, ok := d.cmdBuffers[cmd]; ok && cb.kind != gpu.QueueDataGraph {
		return errors.Newf("data graph dispatch recorded into a %s command buffer", cb.kind)
	}

	return d.record(cmd, "DispatchDataGraph", func(x *execution) error {
		sess, ok := d.sessions[s]
		if !ok {
			return errors.Wrapf(ErrUnknownHandle, "session %d", s)
		}
		for _, r := range d.opts.sessionRequirements {
			for i := 0; i < r.NumObjects; i++ {
				if _, bound := sess.bound[sessionKey{r.BindPoint, i}]; !bound {
					return errors.Wrapf(ErrSessionMemoryNotBound, "bind point %d object %d", r.BindPoint, i)
				}
			}
		}
		if x.pipelines[gpu.PipelineBindPointDataGraph] != sess.pipeline {
			return errors.New("bound pipeline does not match the session")
		}

		info := d.pipelines[sess.pipeline]
		sets := x.sets[gpu.PipelineBindPointDataGraph]
		data := make([][]byte, len(info.Resources))
		for i, r := range info.Resources {
			if r.DescriptorSet >= len(sets) {
				return errors.Newf("no descriptor set bound at index %d", r.DescriptorSet)
			}
			set, ok := d.descSets[sets[r.DescriptorSet]]
			if !ok {
				return errors.Wrapf(ErrUnknownHandle, "descriptor set %d", sets[r.DescriptorSet])
			}
			view, ok := set.views[r.Binding]
			if !ok {
				return errors.Newf("binding %d has no tensor view written", r.Binding)
			}
			tn, ok := d.tensors[d.tensorViews[view]]
			if !ok || tn.mem == nil {
				return errors.Wrapf(ErrUnboundMemory, "tensor behind view %d", view)
			}
			data[i] = tn.mem.data[tn.offset : tn.offset+tn.desc.ByteSize()]
		}
		return d.opts.model(info.Resources, data)
	})
}

// NearestUpscale treats the first resource as the HWC input and the last as the HWC output and
// resamples between them.
func NearestUpscale(resources []gpu.DataGraphResource, data [][]byte) error {
	if len(resources) < 2 {
		return errors.Newf("model needs an input and an output, got %d resources", len(resources))
	}
	in, out := resources[0].Description, resources[len(resources)-1].Description
	if len(in.Dimensions) != 3 || len(out.Dimensions) != 3 {
		return errors.New("model expects HWC tensors")
	}
	if in.Dimensions[2] != out.Dimensions[2] {
		return errors.Newf("channel count %d does not match %d", in.Dimensions[2], out.Dimensions[2])
	}

	channels := int(in.Dimensions[2])
	resample(data[0], core1_0.Extent2D{Width: int(in.Dimensions[1]), Height: int(in.Dimensions[0])}, channels,
		data[len(data)-1], core1_0.Extent2D{Width: int(out.Dimensions[1]), Height: int(out.Dimensions[0])}, channels)
	return nil
}
