package sim

import (
	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/core/v3/core1_0"

	"github.com/vkngwrapper/graphpipelines/internal/camera"
	"github.com/vkngwrapper/graphpipelines/internal/gpu"
)

// HUDColor is what Overlay paints over the HUD target.
var HUDColor = [4]byte{0x10, 0x20, 0x30, 0x80}

// Scene draws a gradient into the scene target and composites the upscaled image into the
// swapchain image. It records every uniform update it receives unless the device was created
// WithoutTrace.
type Scene struct {
	Device *Device

	upscaled gpu.Image
	hud      gpu.Image
	Updates  []camera.Uniforms
}

func NewScene(d *Device) *Scene {
	return &Scene{Device: d}
}

func (s *Scene) RecordScene(cmd gpu.CommandBuffer, extent core1_0.Extent2D) (int, error) {
	if err := s.Device.CmdDrawGradient(cmd); err != nil {
		return 0, err
	}
	return 1, nil
}

func (s *Scene) BindBlitSources(upscaled, hud gpu.Image) error {
	if !upscaled.Initialized() {
		return errors.AssertionFailedf("blit source must be set")
	}
	s.upscaled, s.hud = upscaled, hud
	return nil
}

func (s *Scene) RecordBlit(cmd gpu.CommandBuffer, swapchainIndex int, extent core1_0.Extent2D) (int, error) {
	sources := []gpu.Image{s.upscaled}
	if s.hud.Initialized() {
		sources = append(sources, s.hud)
	}
	if err := s.Device.CmdDrawTextured(cmd, sources...); err != nil {
		return 0, err
	}
	return 1, nil
}

func (s *Scene) UpdateUniforms(slot int, u camera.Uniforms) error {
	if s.Device.opts.trace {
		s.Updates = append(s.Updates, u)
	}
	return nil
}

func (s *Scene) Destroy() {}

// Overlay paints HUDColor into the HUD target while Visible is set.
type Overlay struct {
	Device  *Device
	Visible bool

	buffers map[int]gpu.CommandBuffer
}

func NewOverlay(d *Device) *Overlay {
	return &Overlay{Device: d, Visible: true, buffers: make(map[int]gpu.CommandBuffer)}
}

func (o *Overlay) Render(slot int, target gpu.Inheritance) (gpu.CommandBuffer, bool, error) {
	if !o.Visible {
		return 0, false, nil
	}

	cmd, ok := o.buffers[slot]
	if !ok {
		buffers, err := o.Device.AllocateCommandBuffers(gpu.QueueGraphics, gpu.LevelSecondary, 1)
		if err != nil {
			return 0, false, err
		}
		cmd = buffers[0]
		o.buffers[slot] = cmd
	}

	if err := o.Device.BeginCommandBuffer(cmd, &target); err != nil {
		return 0, false, err
	}
	if err := o.Device.CmdDrawFill(cmd, HUDColor); err != nil {
		return 0, false, err
	}
	if err := o.Device.EndCommandBuffer(cmd); err != nil {
		return 0, false, err
	}
	return cmd, true, nil
}

func (o *Overlay) Destroy() {
	for _, cmd := range o.buffers {
		o.Device.FreeCommandBuffers(gpu.QueueGraphics, cmd)
	}
	o.buffers = make(map[int]gpu.CommandBuffer)
}
