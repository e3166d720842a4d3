package sim

import (
	"github.com/cockroachdb/errors"

	"github.com/vkngwrapper/graphpipelines/internal/gpu"
)

// Op names a device entry point that can be made to fail.
type Op string

const (
	OpAllocateMemory            Op = "AllocateMemory"
	OpCreateBuffer              Op = "CreateBuffer"
	OpBindBufferMemory          Op = "BindBufferMemory"
	OpCreateImage               Op = "CreateImage"
	OpCreateRenderPass          Op = "CreateRenderPass"
	OpCreateSemaphore           Op = "CreateSemaphore"
	OpAllocateCommandBuffers    Op = "AllocateCommandBuffers"
	OpPresent                   Op = "Present"
	OpCreateTensor              Op = "CreateTensor"
	OpBindTensorMemory          Op = "BindTensorMemory"
	OpCreateTensorView          Op = "CreateTensorView"
	OpCreateDescriptorPool      Op = "CreateDescriptorPool"
	OpCreateDescriptorSetLayout Op = "CreateDescriptorSetLayout"
	OpAllocateDescriptorSet     Op = "AllocateDescriptorSet"
	OpCreatePipelineCache       Op = "CreatePipelineCache"
	OpCreatePipelineLayout      Op = "CreatePipelineLayout"
	OpCreateDataGraphPipeline   Op = "CreateDataGraphPipeline"
	OpCreateDataGraphSession    Op = "CreateDataGraphSession"
	OpBindSessionMemory         Op = "BindSessionMemory"
)

// ModelFunc computes the graph's outputs from the bytes of every bound tensor resource,
// ordered as the pipeline's resources were declared.
type ModelFunc func(resources []gpu.DataGraphResource, data [][]byte) error

type options struct {
	memoryTypes         []gpu.MemoryType
	dataGraphQueue      bool
	properties          []gpu.DataGraphProperties
	sessionRequirements []gpu.SessionBindPointRequirement
	sessionObjectSize   int
	model               ModelFunc
	trace               bool
}

func defaultOptions() options {
	return options{
		memoryTypes:    DefaultMemoryTypes,
		dataGraphQueue: true,
		properties: []gpu.DataGraphProperties{
			{
				Engine:    gpu.DataGraphEngine{Type: gpu.EngineTypeNeural},
				Operation: gpu.DataGraphOperation{Type: gpu.OperationTypeNeuralModel},
			},
			{
				Engine:    gpu.DataGraphEngine{Type: gpu.EngineTypeCompute},
				Operation: gpu.DataGraphOperation{Type: gpu.OperationTypeBuiltinModel},
			},
		},
		sessionRequirements: []gpu.SessionBindPointRequirement{
			{BindPoint: gpu.SessionBindPointTransient, Type: gpu.SessionBindPointTypeMemory, NumObjects: 1},
		},
		sessionObjectSize: 4096,
		model:             NearestUpscale,
		trace:             true,
	}
}

type Option func(*options)

func WithMemoryTypes(types ...gpu.MemoryType) Option {
	return func(o *options) { o.memoryTypes = types }
}

// WithoutDataGraphQueue simulates a device with no queue family that runs data graphs.
func WithoutDataGraphQueue() Option {
	return func(o *options) { o.dataGraphQueue = false }
}

func WithDataGraphProperties(props ...gpu.DataGraphProperties) Option {
	return func(o *options) { o.properties = props }
}

func WithSessionRequirements(reqs ...gpu.SessionBindPointRequirement) Option {
	return func(o *options) { o.sessionRequirements = reqs }
}

func WithModel(model ModelFunc) Option {
	return func(o *options) { o.model = model }
}

// WithoutTrace stops the device from keeping submissions, presentations, sampled images and
// scene uniform updates, for runs that never inspect them.
func WithoutTrace() Option {
	return func(o *options) { o.trace = false }
}

// FailOp makes every subsequent call to op return err.
func (d *Device) FailOp(op Op, err error) {
	d.FailOpAfter(op, 0, err)
}

// FailOpAfter lets n more calls to op succeed and fails every call after that.
func (d *Device) FailOpAfter(op Op, n int, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.faults[op] = &fault{after: d.calls[op] + n, err: err}
}

// FailSubmits makes every QueueSubmit to queues of kind return err.
func (d *Device) FailSubmits(kind gpu.QueueKind, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.submitFaults[kind] = err
}

func (d *Device) ClearFaults() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.faults = make(map[Op]*fault)
	d.submitFaults = make(map[gpu.QueueKind]error)
}

// Calls reports how many times op has been invoked.
func (d *Device) Calls(op Op) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls[op]
}

func (d *Device) fault(op Op) error {
	d.calls[op]++
	f, ok := d.faults[op]
	if !ok || d.calls[op] <= f.after {
		return nil
	}
	return errors.Wrapf(f.err, "%s", op)
}
