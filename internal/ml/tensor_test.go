package ml

import (
	"io"
	"log/slog"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vkngwrapper/graphpipelines/internal/gpu"
	"github.com/vkngwrapper/graphpipelines/internal/gpu/sim"
)

var errInjected = errors.New("injected")

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestNewImageTensor(t *testing.T) {
	tensor := NewImageTensor(960, 540, 1)

	assert.Equal(t, []int64{540, 960, 3}, tensor.Dimensions)
	assert.Equal(t, []int64{2880, 3, 1}, tensor.Strides)
	assert.Equal(t, 1, tensor.PortBinding)
	assert.Equal(t, 540*960*3, tensor.BufferSize())
	assert.Equal(t, 960, tensor.Extent().Width)
	assert.Equal(t, 540, tensor.Extent().Height)
}

func TestTensorResourcesInitialize(t *testing.T) {
	device := sim.New()
	resources := NewTensorResources(device, testLogger())
	input := NewImageTensor(4, 2, 0)
	output := NewImageTensor(8, 4, 1)

	require.NoError(t, resources.Initialize(input, output, 2))

	for _, tensor := range []*Tensor{input, output} {
		assert.True(t, tensor.Handle.Initialized())
		assert.True(t, tensor.View.Initialized())
		assert.True(t, tensor.Buffer.Initialized())
		assert.True(t, tensor.Memory.Initialized())
		assert.Equal(t, TensorFormat, tensor.Description.Format)
		assert.Equal(t, gpu.TensorUsageDataGraph, tensor.Description.Usage)
	}
	assert.True(t, resources.Pool.Initialized())
	assert.True(t, resources.SetLayout.Initialized())
	assert.True(t, resources.Set.Initialized())

	assert.Equal(t, []gpu.DataGraphResource{
		{Binding: 0, Description: input.Description},
		{Binding: 1, Description: output.Description},
	}, resources.Resources())

	resources.Destroy()
	assert.Zero(t, device.LiveObjects())
	assert.False(t, input.Handle.Initialized())
}

func TestTensorBufferAliasesTensor(t *testing.T) {
	device := sim.New()
	resources := NewTensorResources(device, testLogger())
	input := NewImageTensor(4, 2, 0)
	output := NewImageTensor(4, 2, 1)
	require.NoError(t, resources.Initialize(input, output, 1))
	defer resources.Destroy()

	payload := make([]byte, input.BufferSize())
	for i := range payload {
		payload[i] = byte(i + 1)
	}
	require.NoError(t, device.WriteBuffer(input.Buffer, 0, payload))

	assert.Equal(t, payload, device.TensorData(input.Handle))
	assert.Equal(t, make([]byte, output.BufferSize()), device.TensorData(output.Handle))
}

func TestTensorResourcesRejectsPorts(t *testing.T) {
	device := sim.New()
	resources := NewTensorResources(device, testLogger())

	err := resources.Initialize(NewImageTensor(2, 2, 1), NewImageTensor(2, 2, 1), 2)
	assert.Error(t, err)

	err = resources.Initialize(NewImageTensor(2, 2, 0), NewImageTensor(2, 2, 3), 2)
	assert.Error(t, err)
	assert.Zero(t, device.LiveObjects())
}

func TestTensorResourcesFailureReleasesEverything(t *testing.T) {
	testCases := []struct {
		op    sim.Op
		after int
	}{
		{sim.OpCreateTensor, 0},
		{sim.OpCreateTensor, 1},
		{sim.OpCreateBuffer, 0},
		{sim.OpCreateBuffer, 1},
		{sim.OpAllocateMemory, 0},
		{sim.OpAllocateMemory, 1},
		{sim.OpBindTensorMemory, 0},
		{sim.OpBindTensorMemory, 1},
		{sim.OpBindBufferMemory, 0},
		{sim.OpBindBufferMemory, 1},
		{sim.OpCreateTensorView, 0},
		{sim.OpCreateTensorView, 1},
		{sim.OpCreateDescriptorPool, 0},
		{sim.OpCreateDescriptorSetLayout, 0},
		{sim.OpAllocateDescriptorSet, 0},
	}

	for _, tc := range testCases {
		t.Run(string(tc.op), func(t *testing.T) {
			device := sim.New()
			device.FailOpAfter(tc.op, tc.after, errInjected)

			resources := NewTensorResources(device, testLogger())
			input := NewImageTensor(4, 2, 0)
			output := NewImageTensor(8, 4, 1)

			err := resources.Initialize(input, output, 2)
			require.Error(t, err)
			assert.True(t, errors.Is(err, errInjected))
			assert.Zero(t, device.LiveObjects())
			assert.False(t, input.Handle.Initialized())
			assert.False(t, output.Memory.Initialized())
			assert.False(t, resources.Pool.Initialized())
		})
	}
}

func TestTensorResourcesNoDeviceLocalMemory(t *testing.T) {
	device := sim.New(sim.WithMemoryTypes(gpu.MemoryType{PropertyFlags: sim.DefaultMemoryTypes[0].PropertyFlags}))
	resources := NewTensorResources(device, testLogger())

	err := resources.Initialize(NewImageTensor(2, 2, 0), NewImageTensor(2, 2, 1), 1)
	assert.True(t, errors.Is(err, gpu.ErrNoSuitableMemoryType))
	assert.Zero(t, device.LiveObjects())
}
