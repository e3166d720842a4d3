package frame

import (
	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/core/v3/core1_0"

	"github.com/vkngwrapper/graphpipelines/internal/gpu"
)

// FrameState is carried through the stages of one frame. Each stage takes the state left by the
// previous one and returns the state the next one starts from.
type FrameState struct {
	Number     uint64
	Backbuffer gpu.Backbuffer
	Path       InferencePath

	// Wait is the semaphore the next submission must wait on, at WaitStage.
	Wait      gpu.Semaphore
	WaitStage core1_0.PipelineStageFlags

	Inferred  bool
	HUD       bool
	Presented bool

	// Errors holds per-stage failures. None of them stop the frame.
	Errors []error
}

// chain moves the wait point to signal, which the stage just submitted.
func (s FrameState) chain(signal gpu.Semaphore, stage core1_0.PipelineStageFlags) FrameState {
	s.Wait = signal
	s.WaitStage = stage
	return s
}

func (s FrameState) fail(stage string, err error) FrameState {
	s.Errors = append(s.Errors[:len(s.Errors):len(s.Errors)], errors.Wrapf(err, "%s stage", stage))
	return s
}

func (s FrameState) waits() []gpu.Semaphore {
	if !s.Wait.Initialized() {
		return nil
	}
	return []gpu.Semaphore{s.Wait}
}

func (s FrameState) submit(cmd gpu.CommandBuffer, signal gpu.Semaphore) gpu.SubmitInfo {
	info := gpu.SubmitInfo{
		CommandBuffers:   []gpu.CommandBuffer{cmd},
		SignalSemaphores: []gpu.Semaphore{signal},
	}
	if s.Wait.Initialized() {
		info.WaitSemaphores = []gpu.Semaphore{s.Wait}
		info.WaitDstStageMask = []core1_0.PipelineStageFlags{s.WaitStage}
	}
	return info
}
