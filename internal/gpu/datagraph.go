package gpu

import (
	"github.com/vkngwrapper/core/v3/core1_0"
)

// Values from VK_ARM_tensors, VK_ARM_data_graph and VK_QCOM_data_graph_model.
const (
	DescriptorTypeTensor       core1_0.DescriptorType    = 1000460000
	PipelineBindPointDataGraph core1_0.PipelineBindPoint = 1000507000
)

type TensorUsageFlags uint32

const (
	TensorUsageShader      TensorUsageFlags = 0x00000002
	TensorUsageTransferSrc TensorUsageFlags = 0x00000004
	TensorUsageTransferDst TensorUsageFlags = 0x00000008
	TensorUsageAliasing    TensorUsageFlags = 0x00000010
	TensorUsageDataGraph   TensorUsageFlags = 0x00000020
)

type TensorDescription struct {
	Tiling     core1_0.ImageTiling
	Format     core1_0.Format
	Dimensions []int64
	Strides    []int64
	Usage      TensorUsageFlags
}

// ByteSize is the number of bytes spanned by a tightly packed tensor of this description.
func (d TensorDescription) ByteSize() int {
	if len(d.Dimensions) == 0 {
		return 0
	}
	size := int64(BytesPerPixel(d.Format))
	for _, dim := range d.Dimensions {
		size *= dim
	}
	return int(size)
}

type DescriptorPoolSize struct {
	Type  core1_0.DescriptorType
	Count int
}

type DescriptorBinding struct {
	Binding int
	Type    core1_0.DescriptorType
	Count   int
}

type TensorDescriptorWrite struct {
	Set     DescriptorSet
	Binding int
	View    TensorView
}

type DataGraphEngineType uint32

const (
	EngineTypeDefault DataGraphEngineType = 0
	EngineTypeNeural  DataGraphEngineType = 1000629000
	EngineTypeCompute DataGraphEngineType = 1000629001
)

func (t DataGraphEngineType) String() string {
	switch t {
	case EngineTypeDefault:
		return "default"
	case EngineTypeNeural:
		return "neural"
	case EngineTypeCompute:
		return "compute"
	}
	return "unknown"
}

type DataGraphOperationType uint32

const (
	OperationTypeSPIRVExtendedInstructionSet DataGraphOperationType = 0
	OperationTypeNeuralModel                 DataGraphOperationType = 1000629000
	OperationTypeBuiltinModel                DataGraphOperationType = 1000629001
)

func (t DataGraphOperationType) String() string {
	switch t {
	case OperationTypeSPIRVExtendedInstructionSet:
		return "spirv"
	case OperationTypeNeuralModel:
		return "neural-model"
	case OperationTypeBuiltinModel:
		return "builtin-model"
	}
	return "unknown"
}

type DataGraphEngine struct {
	Type    DataGraphEngineType
	Foreign bool
}

type DataGraphOperation struct {
	Type    DataGraphOperationType
	Name    string
	Version uint32
}

// DataGraphProperties is one engine/operation pair a queue family can run.
type DataGraphProperties struct {
	Engine    DataGraphEngine
	Operation DataGraphOperation
}

// DataGraphResource describes one tensor bound to the graph.
type DataGraphResource struct {
	DescriptorSet int
	Binding       int
	ArrayElement  int
	Description   TensorDescription
}

type DataGraphPipelineInfo struct {
	Layout     PipelineLayout
	Cache      PipelineCache
	Resources  []DataGraphResource
	Engine     DataGraphEngine
	Identifier []byte
}

type SessionBindPoint uint32

const SessionBindPointTransient SessionBindPoint = 0

type SessionBindPointType uint32

const SessionBindPointTypeMemory SessionBindPointType = 0

type SessionBindPointRequirement struct {
	BindPoint  SessionBindPoint
	Type       SessionBindPointType
	NumObjects int
}

// DataGraphDevice is implemented by backends exposing the tensor and data-graph extensions.
// Callers type-assert a Device to find out whether ML inference is available.
type DataGraphDevice interface {
	Device

	DataGraphProperties(kind QueueKind) ([]DataGraphProperties, error)

	CreateTensor(desc TensorDescription) (Tensor, error)
	TensorMemoryRequirements(tensor Tensor) MemoryRequirements
	BindTensorMemory(tensor Tensor, memory DeviceMemory, offset int) error
	CreateTensorView(tensor Tensor, format core1_0.Format) (TensorView, error)
	DestroyTensorView(view TensorView)
	DestroyTensor(tensor Tensor)

	CreateDescriptorPool(maxSets int, sizes ...DescriptorPoolSize) (DescriptorPool, error)
	DestroyDescriptorPool(pool DescriptorPool)
	CreateDescriptorSetLayout(bindings ...DescriptorBinding) (DescriptorSetLayout, error)
	DestroyDescriptorSetLayout(layout DescriptorSetLayout)
	AllocateDescriptorSet(pool DescriptorPool, layout DescriptorSetLayout) (DescriptorSet, error)
	UpdateTensorDescriptors(writes ...TensorDescriptorWrite) error

	CreatePipelineCache(initialData []byte) (PipelineCache, error)
	DestroyPipelineCache(cache PipelineCache)
	CreatePipelineLayout(setLayouts ...DescriptorSetLayout) (PipelineLayout, error)
	DestroyPipelineLayout(layout PipelineLayout)
	CreateDataGraphPipeline(info DataGraphPipelineInfo) (Pipeline, error)
	DestroyPipeline(pipeline Pipeline)

	CreateDataGraphSession(pipeline Pipeline) (Session, error)
	SessionBindPointRequirements(session Session) ([]SessionBindPointRequirement, error)
	SessionMemoryRequirements(session Session, bindPoint SessionBindPoint, objectIndex int) (MemoryRequirements, error)
	BindSessionMemory(session Session, bindPoint SessionBindPoint, objectIndex int, memory DeviceMemory, offset int) error
	DestroyDataGraphSession(session Session)

	CmdBindPipeline(cmd CommandBuffer, bindPoint core1_0.PipelineBindPoint, pipeline Pipeline)
	CmdBindDescriptorSets(cmd CommandBuffer, bindPoint core1_0.PipelineBindPoint, layout PipelineLayout, sets ...DescriptorSet)
	CmdDispatchDataGraph(cmd CommandBuffer, session Session) error
}
