package ml

import (
	"log/slog"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/core/v3/core1_0"

	"github.com/vkngwrapper/graphpipelines/internal/gpu"
)

var (
	ErrInvalidModelCache    = errors.New("invalid model cache")
	ErrUnsupportedBindPoint = errors.New("session bind point is not backed by memory")
)

// GraphPipelineInstance is the set of objects needed to dispatch one graph. It is built once and
// destroyed at shutdown.
type GraphPipelineInstance struct {
	device gpu.DataGraphDevice

	CacheVersion  uint32
	Cache         gpu.PipelineCache
	Layout        gpu.PipelineLayout
	Pipeline      gpu.Pipeline
	Session       gpu.Session
	SessionMemory []gpu.DeviceMemory
}

func (g *GraphPipelineInstance) Destroy() {
	if g.Session.Initialized() {
		g.device.DestroyDataGraphSession(g.Session)
	}
	for _, m := range g.SessionMemory {
		g.device.FreeMemory(m)
	}
	if g.Pipeline.Initialized() {
		g.device.DestroyPipeline(g.Pipeline)
	}
	if g.Layout.Initialized() {
		g.device.DestroyPipelineLayout(g.Layout)
	}
	if g.Cache.Initialized() {
		g.device.DestroyPipelineCache(g.Cache)
	}
	*g = GraphPipelineInstance{device: g.device}
}

type GraphPipelineBuilder struct {
	device gpu.DataGraphDevice
	log    *slog.Logger
}

func NewGraphPipelineBuilder(device gpu.DataGraphDevice, log *slog.Logger) *GraphPipelineBuilder {
	return &GraphPipelineBuilder{device: device, log: log.With("component", "graph-pipeline")}
}

// Build validates blob and creates the cache, layout, pipeline and session, with session memory
// bound. Any failure releases what was created.
func (b *GraphPipelineBuilder) Build(blob []byte, setLayout gpu.DescriptorSetLayout, resources []gpu.DataGraphResource, engine gpu.DataGraphEngine, id GraphIdentifier) (*GraphPipelineInstance, error) {
	header, err := ParseCacheHeader(blob)
	if err != nil {
		return nil, errors.Mark(err, ErrInvalidModelCache)
	}
	b.log.Info("model cache header valid",
		"cacheVersion", header.CacheVersion,
		"toolchain", header.ToolchainVersion,
		"bytes", len(blob))

	g := &GraphPipelineInstance{device: b.device, CacheVersion: header.CacheVersion}
	success := false
	defer func() {
		if !success {
			g.Destroy()
		}
	}()

	if g.Cache, err = b.CreateCacheFromBlob(blob); err != nil {
		return nil, err
	}
	if g.Layout, err = b.CreateLayout(setLayout); err != nil {
		return nil, err
	}
	if g.Pipeline, err = b.CreatePipeline(g.Layout, g.Cache, resources, engine, id); err != nil {
		return nil, err
	}
	if g.Session, err = b.CreateSession(g.Pipeline); err != nil {
		return nil, err
	}
	if g.SessionMemory, err = b.AllocateAndBindSessionMemory(g.Session); err != nil {
		return nil, err
	}

	success = true
	b.log.Info("graph pipeline ready", "engine", engine.Type, "graphID", id.GraphID(), "sessionAllocations", len(g.SessionMemory))
	return g, nil
}

func (b *GraphPipelineBuilder) CreateCacheFromBlob(blob []byte) (gpu.PipelineCache, error) {
	cache, err := b.device.CreatePipelineCache(blob)
	if err != nil {
		return 0, errors.Wrap(err, "create pipeline cache")
	}
	return cache, nil
}

// CreateLayout creates a pipeline layout with exactly one descriptor set layout and no push
// constants.
func (b *GraphPipelineBuilder) CreateLayout(setLayout gpu.DescriptorSetLayout) (gpu.PipelineLayout, error) {
	layout, err := b.device.CreatePipelineLayout(setLayout)
	if err != nil {
		return 0, errors.Wrap(err, "create graph pipeline layout")
	}
	return layout, nil
}

func (b *GraphPipelineBuilder) CreatePipeline(layout gpu.PipelineLayout, cache gpu.PipelineCache, resources []gpu.DataGraphResource, engine gpu.DataGraphEngine, id GraphIdentifier) (gpu.Pipeline, error) {
	pipeline, err := b.device.CreateDataGraphPipeline(gpu.DataGraphPipelineInfo{
		Layout:     layout,
		Cache:      cache,
		Resources:  resources,
		Engine:     engine,
		Identifier: id.Bytes(),
	})
	if err != nil {
		return 0, errors.Wrap(err, "create data graph pipeline")
	}
	return pipeline, nil
}

func (b *GraphPipelineBuilder) CreateSession(pipeline gpu.Pipeline) (gpu.Session, error) {
	session, err := b.device.CreateDataGraphSession(pipeline)
	if err != nil {
		return 0, errors.Wrap(err, "create data graph session")
	}
	return session, nil
}

// AllocateAndBindSessionMemory binds one device-local allocation to every object of every bind
// point the session reports, in reporting order. Bind points not backed by memory are rejected.
// On failure nothing stays allocated.
func (b *GraphPipelineBuilder) AllocateAndBindSessionMemory(session gpu.Session) ([]gpu.DeviceMemory, error) {
	reqs, err := b.device.SessionBindPointRequirements(session)
	if err != nil {
		return nil, errors.Wrap(err, "query session bind points")
	}

	var allocations []gpu.DeviceMemory
	fail := func(err error) ([]gpu.DeviceMemory, error) {
		for _, m := range allocations {
			b.device.FreeMemory(m)
		}
		return nil, err
	}

	for _, req := range reqs {
		if req.Type != gpu.SessionBindPointTypeMemory {
			return fail(errors.Wrapf(ErrUnsupportedBindPoint, "bind point %d has type %d", req.BindPoint, req.Type))
		}

		for object := 0; object < req.NumObjects; object++ {
			memReqs, err := b.device.SessionMemoryRequirements(session, req.BindPoint, object)
			if err != nil {
				return fail(errors.Wrapf(err, "session memory requirements for object %d", object))
			}

			typeIndex, err := gpu.FindMemoryType(b.device.MemoryTypes(), memReqs.MemoryTypeBits, core1_0.MemoryPropertyDeviceLocal)
			if err != nil {
				return fail(err)
			}

			memory, err := b.device.AllocateMemory(memReqs.Size, typeIndex)
			if err != nil {
				return fail(errors.Wrapf(err, "allocate session memory for object %d", object))
			}

			if err := b.device.BindSessionMemory(session, req.BindPoint, object, memory, 0); err != nil {
				b.device.FreeMemory(memory)
				return fail(errors.Wrapf(err, "bind session memory for object %d", object))
			}
			allocations = append(allocations, memory)
		}
	}

	return allocations, nil
}
