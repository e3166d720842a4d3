package ml

import (
	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/core/v3/core1_0"

	"github.com/vkngwrapper/graphpipelines/internal/gpu"
)

// GraphDispatcher records and submits graph dispatches.
type GraphDispatcher struct {
	device gpu.DataGraphDevice
}

func NewGraphDispatcher(device gpu.DataGraphDevice) *GraphDispatcher {
	return &GraphDispatcher{device: device}
}

// RecordDispatch binds the pipeline and descriptor set at the data-graph bind point and records
// one dispatch of session into cmd, which must be recording.
func (d *GraphDispatcher) RecordDispatch(cmd gpu.CommandBuffer, pipeline gpu.Pipeline, layout gpu.PipelineLayout, set gpu.DescriptorSet, session gpu.Session) error {
	d.device.CmdBindPipeline(cmd, gpu.PipelineBindPointDataGraph, pipeline)
	d.device.CmdBindDescriptorSets(cmd, gpu.PipelineBindPointDataGraph, layout, set)
	if err := d.device.CmdDispatchDataGraph(cmd, session); err != nil {
		return errors.Wrap(err, "record data graph dispatch")
	}
	return nil
}

// Submit submits cmd to queue. Zero-valued wait, signal and fence handles are omitted.
func (d *GraphDispatcher) Submit(queue gpu.Queue, cmd gpu.CommandBuffer, wait gpu.Semaphore, waitStage core1_0.PipelineStageFlags, signal gpu.Semaphore, fence gpu.Fence) error {
	submit := gpu.SubmitInfo{CommandBuffers: []gpu.CommandBuffer{cmd}}
	if wait.Initialized() {
		submit.WaitSemaphores = []gpu.Semaphore{wait}
		submit.WaitDstStageMask = []core1_0.PipelineStageFlags{waitStage}
	}
	if signal.Initialized() {
		submit.SignalSemaphores = []gpu.Semaphore{signal}
	}

	if err := d.device.QueueSubmit(queue, fence, submit); err != nil {
		return errors.Wrap(err, "submit data graph dispatch")
	}
	return nil
}
