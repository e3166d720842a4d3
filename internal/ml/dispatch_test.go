package ml

import (
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vkngwrapper/graphpipelines/internal/gpu"
)

func TestDispatchRunsGraph(t *testing.T) {
	f := newGraphFixture(t)
	g, err := f.build()
	require.NoError(t, err)
	defer g.Destroy()

	// 2x2 RGB input, each pixel a distinct color.
	input := []byte{
		10, 11, 12, 20, 21, 22,
		30, 31, 32, 40, 41, 42,
	}
	require.NoError(t, f.device.WriteBuffer(f.input.Buffer, 0, input))

	queue, ok := f.device.Queue(gpu.QueueDataGraph)
	require.True(t, ok)
	cmds, err := f.device.AllocateCommandBuffers(gpu.QueueDataGraph, gpu.LevelPrimary, 1)
	require.NoError(t, err)
	wait, err := f.device.CreateSemaphore()
	require.NoError(t, err)
	signal, err := f.device.CreateSemaphore()
	require.NoError(t, err)
	require.NoError(t, f.device.SignalSemaphore(wait))

	dispatcher := NewGraphDispatcher(f.device)
	require.NoError(t, f.device.BeginCommandBuffer(cmds[0], nil))
	require.NoError(t, dispatcher.RecordDispatch(cmds[0], g.Pipeline, g.Layout, f.resources.Set, g.Session))
	require.NoError(t, f.device.EndCommandBuffer(cmds[0]))
	require.NoError(t, dispatcher.Submit(queue, cmds[0], wait, gpu.PipelineStageAllCommands, signal, 0))

	submissions := f.device.Submissions()
	require.Len(t, submissions, 1)
	assert.Equal(t, gpu.QueueDataGraph, submissions[0].Queue)
	assert.Equal(t, []gpu.Semaphore{wait}, submissions[0].Waits)
	assert.Equal(t, []gpu.Semaphore{signal}, submissions[0].Signals)
	assert.Equal(t, []string{"BindPipeline", "BindDescriptorSets", "DispatchDataGraph"}, submissions[0].Commands)

	output := f.device.BufferData(f.output.Buffer)
	require.Len(t, output, 4*4*3)
	for y := 0; y < 4; y++ {
		for x := 0; x < 4; x++ {
			src := ((y/2)*2 + x/2) * 3
			dst := (y*4 + x) * 3
			assert.Equal(t, input[src:src+3], output[dst:dst+3], "pixel %d,%d", x, y)
		}
	}
}

func TestSubmitWithoutSemaphores(t *testing.T) {
	f := newGraphFixture(t)
	g, err := f.build()
	require.NoError(t, err)
	defer g.Destroy()

	queue, _ := f.device.Queue(gpu.QueueDataGraph)
	cmds, err := f.device.AllocateCommandBuffers(gpu.QueueDataGraph, gpu.LevelPrimary, 1)
	require.NoError(t, err)
	fence, err := f.device.CreateFence(false)
	require.NoError(t, err)

	dispatcher := NewGraphDispatcher(f.device)
	require.NoError(t, f.device.BeginCommandBuffer(cmds[0], nil))
	require.NoError(t, dispatcher.RecordDispatch(cmds[0], g.Pipeline, g.Layout, f.resources.Set, g.Session))
	require.NoError(t, f.device.EndCommandBuffer(cmds[0]))
	require.NoError(t, dispatcher.Submit(queue, cmds[0], 0, 0, 0, fence))

	submissions := f.device.Submissions()
	require.Len(t, submissions, 1)
	assert.Empty(t, submissions[0].Waits)
	assert.Empty(t, submissions[0].Signals)
	assert.NoError(t, f.device.WaitForFence(fence, 0))
}

func TestSubmitFailureIsReported(t *testing.T) {
	f := newGraphFixture(t)
	g, err := f.build()
	require.NoError(t, err)
	defer g.Destroy()

	queue, _ := f.device.Queue(gpu.QueueDataGraph)
	cmds, err := f.device.AllocateCommandBuffers(gpu.QueueDataGraph, gpu.LevelPrimary, 1)
	require.NoError(t, err)

	dispatcher := NewGraphDispatcher(f.device)
	require.NoError(t, f.device.BeginCommandBuffer(cmds[0], nil))
	require.NoError(t, dispatcher.RecordDispatch(cmds[0], g.Pipeline, g.Layout, f.resources.Set, g.Session))
	require.NoError(t, f.device.EndCommandBuffer(cmds[0]))

	f.device.FailSubmits(gpu.QueueDataGraph, errInjected)
	err = dispatcher.Submit(queue, cmds[0], 0, 0, 0, 0)
	assert.True(t, errors.Is(err, errInjected))
	assert.Empty(t, f.device.Submissions())
}

func TestRecordDispatchRejectsGraphicsCommandBuffer(t *testing.T) {
	f := newGraphFixture(t)
	g, err := f.build()
	require.NoError(t, err)
	defer g.Destroy()

	cmds, err := f.device.AllocateCommandBuffers(gpu.QueueGraphics, gpu.LevelPrimary, 1)
	require.NoError(t, err)
	require.NoError(t, f.device.BeginCommandBuffer(cmds[0], nil))

	err = NewGraphDispatcher(f.device).RecordDispatch(cmds[0], g.Pipeline, g.Layout, f.resources.Set, g.Session)
	assert.Error(t, err)
}
