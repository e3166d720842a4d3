package ml

import (
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vkngwrapper/graphpipelines/internal/gpu"
	"github.com/vkngwrapper/graphpipelines/internal/gpu/sim"
)

type graphFixture struct {
	device    *sim.Device
	resources *TensorResources
	input     *Tensor
	output    *Tensor
	engine    gpu.DataGraphEngine
	builder   *GraphPipelineBuilder
}

func newGraphFixture(t *testing.T, opts ...sim.Option) *graphFixture {
	t.Helper()

	device := sim.New(opts...)
	f := &graphFixture{
		device:    device,
		resources: NewTensorResources(device, testLogger()),
		input:     NewImageTensor(2, 2, 0),
		output:    NewImageTensor(4, 4, 1),
		builder:   NewGraphPipelineBuilder(device, testLogger()),
	}
	require.NoError(t, f.resources.Initialize(f.input, f.output, 2))

	props, err := device.DataGraphProperties(gpu.QueueDataGraph)
	require.NoError(t, err)
	selected, ok := SelectEngine(props, OperationNeural)
	require.True(t, ok)
	f.engine = selected.Engine

	t.Cleanup(f.resources.Destroy)
	return f
}

func (f *graphFixture) build() (*GraphPipelineInstance, error) {
	return f.builder.Build(NewModelCache(5, []byte("model")), f.resources.SetLayout, f.resources.Resources(), f.engine, NewGraphIdentifier(0))
}

func TestBuild(t *testing.T) {
	f := newGraphFixture(t)
	before := f.device.LiveObjects()

	g, err := f.build()
	require.NoError(t, err)

	assert.Equal(t, uint32(5), g.CacheVersion)
	assert.True(t, g.Cache.Initialized())
	assert.True(t, g.Layout.Initialized())
	assert.True(t, g.Pipeline.Initialized())
	assert.True(t, g.Session.Initialized())
	assert.Len(t, g.SessionMemory, 1)

	g.Destroy()
	assert.Equal(t, before, f.device.LiveObjects())
	assert.False(t, g.Pipeline.Initialized())
}

func TestBuildRejectsInvalidCache(t *testing.T) {
	f := newGraphFixture(t)
	blob := NewModelCache(5, nil)
	blob[8] = 1

	_, err := f.builder.Build(blob, f.resources.SetLayout, f.resources.Resources(), f.engine, NewGraphIdentifier(0))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidModelCache))
	assert.True(t, errors.Is(err, ErrCacheType))
	assert.Zero(t, f.device.Calls(sim.OpCreatePipelineCache))
}

func TestBuildFailureReleasesEverything(t *testing.T) {
	for _, op := range []sim.Op{
		sim.OpCreatePipelineCache,
		sim.OpCreatePipelineLayout,
		sim.OpCreateDataGraphPipeline,
		sim.OpCreateDataGraphSession,
		sim.OpAllocateMemory,
		sim.OpBindSessionMemory,
	} {
		t.Run(string(op), func(t *testing.T) {
			f := newGraphFixture(t)
			before := f.device.LiveObjects()
			f.device.FailOp(op, errInjected)

			g, err := f.build()
			require.Error(t, err)
			assert.Nil(t, g)
			assert.True(t, errors.Is(err, errInjected))
			assert.Equal(t, before, f.device.LiveObjects())
		})
	}
}

func TestCreatePipelineRejectsUnsupportedEngine(t *testing.T) {
	f := newGraphFixture(t)
	before := f.device.LiveObjects()

	_, err := f.builder.Build(NewModelCache(1, []byte("m")), f.resources.SetLayout, f.resources.Resources(),
		gpu.DataGraphEngine{Type: gpu.EngineTypeDefault}, NewGraphIdentifier(0))
	require.Error(t, err)
	assert.True(t, errors.Is(err, sim.ErrEngineUnsupported))
	assert.Equal(t, before, f.device.LiveObjects())
}

func TestSessionMemoryOnePerObject(t *testing.T) {
	f := newGraphFixture(t, sim.WithSessionRequirements(
		gpu.SessionBindPointRequirement{BindPoint: gpu.SessionBindPointTransient, Type: gpu.SessionBindPointTypeMemory, NumObjects: 2},
		gpu.SessionBindPointRequirement{BindPoint: 1, Type: gpu.SessionBindPointTypeMemory, NumObjects: 3},
	))

	g, err := f.build()
	require.NoError(t, err)
	defer g.Destroy()

	assert.Len(t, g.SessionMemory, 5)
	seen := make(map[gpu.DeviceMemory]bool)
	for _, m := range g.SessionMemory {
		assert.False(t, seen[m], "memory %d bound twice", m)
		seen[m] = true
	}
}

func TestSessionMemoryRejectsNonMemoryBindPoint(t *testing.T) {
	f := newGraphFixture(t, sim.WithSessionRequirements(
		gpu.SessionBindPointRequirement{BindPoint: gpu.SessionBindPointTransient, Type: gpu.SessionBindPointTypeMemory, NumObjects: 1},
		gpu.SessionBindPointRequirement{BindPoint: 1, Type: gpu.SessionBindPointType(1), NumObjects: 1},
	))

	g := &GraphPipelineInstance{device: f.device}
	defer g.Destroy()

	var err error
	g.Cache, err = f.builder.CreateCacheFromBlob(NewModelCache(1, []byte("m")))
	require.NoError(t, err)
	g.Layout, err = f.builder.CreateLayout(f.resources.SetLayout)
	require.NoError(t, err)
	g.Pipeline, err = f.builder.CreatePipeline(g.Layout, g.Cache, f.resources.Resources(), f.engine, NewGraphIdentifier(0))
	require.NoError(t, err)
	g.Session, err = f.builder.CreateSession(g.Pipeline)
	require.NoError(t, err)

	before := f.device.LiveObjects()
	memory, err := f.builder.AllocateAndBindSessionMemory(g.Session)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnsupportedBindPoint))
	assert.Nil(t, memory)
	assert.Equal(t, before, f.device.LiveObjects())
}

func TestSessionMemoryBindFailureFreesAllocations(t *testing.T) {
	f := newGraphFixture(t, sim.WithSessionRequirements(
		gpu.SessionBindPointRequirement{BindPoint: gpu.SessionBindPointTransient, Type: gpu.SessionBindPointTypeMemory, NumObjects: 3},
	))
	before := f.device.LiveObjects()
	f.device.FailOpAfter(sim.OpBindSessionMemory, 2, errInjected)

	_, err := f.build()
	require.Error(t, err)
	assert.True(t, errors.Is(err, errInjected))
	assert.Equal(t, 3, f.device.Calls(sim.OpBindSessionMemory))
	assert.Equal(t, before, f.device.LiveObjects())
}
