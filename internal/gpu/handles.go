package gpu

// Handles are opaque to everything above the backend. The zero value is the null handle.
type (
	Buffer              uint64
	Image               uint64
	DeviceMemory        uint64
	Semaphore           uint64
	Fence               uint64
	CommandBuffer       uint64
	Queue               uint64
	RenderPass          uint64
	Framebuffer         uint64
	PipelineCache       uint64
	PipelineLayout      uint64
	Pipeline            uint64
	DescriptorPool      uint64
	DescriptorSetLayout uint64
	DescriptorSet       uint64
	Tensor              uint64
	TensorView          uint64
	Session             uint64
)

func (h Buffer) Initialized() bool              { return h != 0 }
func (h Image) Initialized() bool               { return h != 0 }
func (h DeviceMemory) Initialized() bool        { return h != 0 }
func (h Semaphore) Initialized() bool           { return h != 0 }
func (h Fence) Initialized() bool               { return h != 0 }
func (h CommandBuffer) Initialized() bool       { return h != 0 }
func (h Queue) Initialized() bool               { return h != 0 }
func (h RenderPass) Initialized() bool          { return h != 0 }
func (h Framebuffer) Initialized() bool         { return h != 0 }
func (h PipelineCache) Initialized() bool       { return h != 0 }
func (h PipelineLayout) Initialized() bool      { return h != 0 }
func (h Pipeline) Initialized() bool            { return h != 0 }
func (h DescriptorPool) Initialized() bool      { return h != 0 }
func (h DescriptorSetLayout) Initialized() bool { return h != 0 }
func (h DescriptorSet) Initialized() bool       { return h != 0 }
func (h Tensor) Initialized() bool              { return h != 0 }
func (h TensorView) Initialized() bool          { return h != 0 }
func (h Session) Initialized() bool             { return h != 0 }

// QueueKind names the queues the frame pipeline submits to.
type QueueKind int

const (
	QueueGraphics QueueKind = iota
	QueueDataGraph
)

func (k QueueKind) String() string {
	switch k {
	case QueueGraphics:
		return "graphics"
	case QueueDataGraph:
		return "data-graph"
	}
	return "unknown"
}

type CommandBufferLevel int

const (
	LevelPrimary CommandBufferLevel = iota
	LevelSecondary
)
