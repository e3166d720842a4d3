package vulkan

import (
	"encoding/binary"
	"path"
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/core/v3/core1_0"

	"github.com/vkngwrapper/graphpipelines/internal/assets"
	"github.com/vkngwrapper/graphpipelines/internal/camera"
	"github.com/vkngwrapper/graphpipelines/internal/gpu"
)

const hostMemory = core1_0.MemoryPropertyHostVisible | core1_0.MemoryPropertyHostCoherent

// Shaders holds SPIR-V for the scene and composition pipelines.
type Shaders struct {
	SceneVert []byte
	SceneFrag []byte
	BlitVert  []byte
	BlitFrag  []byte
}

// LoadShaders reads the compiled shaders from dir.
func LoadShaders(loader *assets.Loader, dir string) (Shaders, error) {
	var shaders Shaders
	for name, dst := range map[string]*[]byte{
		"scene.vert.spv": &shaders.SceneVert,
		"scene.frag.spv": &shaders.SceneFrag,
		"blit.vert.spv":  &shaders.BlitVert,
		"blit.frag.spv":  &shaders.BlitFrag,
	} {
		data, err := loader.LoadFileIntoMemory(path.Join(dir, name))
		if err != nil {
			return Shaders{}, err
		}
		*dst = data
	}
	return shaders, nil
}

type hostBuffer struct {
	buffer gpu.Buffer
	memory gpu.DeviceMemory
	size   int
}

// Scene draws the mesh into the scene target and composites the upscaled and HUD images into
// the swapchain image. Uniform blocks are shared by every frame in flight.
type Scene struct {
	device  *Device
	shaders Shaders

	indexCount int
	vertices   hostBuffer
	indices    hostBuffer
	object     hostBuffer
	light      hostBuffer
	blit       hostBuffer

	sceneSetLayout core1_0.DescriptorSetLayout
	blitSetLayout  core1_0.DescriptorSetLayout
	sceneLayout    core1_0.PipelineLayout
	blitLayout     core1_0.PipelineLayout
	descriptorPool core1_0.DescriptorPool
	sceneSet       core1_0.DescriptorSet
	blitSet        core1_0.DescriptorSet
	sampler        core1_0.Sampler

	pipelines map[gpu.RenderPass]core1_0.Pipeline
}

// NewScene uploads mesh and creates the descriptor and pipeline layouts. Pipelines are built the
// first time a render pass records with them. mesh may be nil, which leaves the scene empty.
func NewScene(device *Device, mesh *assets.Mesh, shaders Shaders) (*Scene, error) {
	s := &Scene{device: device, shaders: shaders, pipelines: make(map[gpu.RenderPass]core1_0.Pipeline)}
	if err := s.create(mesh); err != nil {
		s.Destroy()
		return nil, err
	}
	return s, nil
}

func (s *Scene) create(mesh *assets.Mesh) error {
	var err error
	if mesh != nil && len(mesh.Indices) > 0 {
		if s.vertices, err = s.upload(mesh.Vertices, core1_0.BufferUsageVertexBuffer); err != nil {
			return err
		}
		if s.indices, err = s.upload(mesh.Indices, core1_0.BufferUsageIndexBuffer); err != nil {
			return err
		}
		s.indexCount = len(mesh.Indices)
	}

	if s.object, err = s.uniform(camera.ObjectVert{}); err != nil {
		return err
	}
	if s.light, err = s.uniform(camera.Light{}); err != nil {
		return err
	}
	if s.blit, err = s.uniform(camera.Blit{}); err != nil {
		return err
	}

	if err := s.createDescriptors(); err != nil {
		return err
	}

	s.sampler, _, err = s.device.driver.CreateSampler(nil, core1_0.SamplerCreateInfo{
		MagFilter:    core1_0.FilterLinear,
		MinFilter:    core1_0.FilterLinear,
		AddressModeU: core1_0.SamplerAddressModeClampToEdge,
		AddressModeV: core1_0.SamplerAddressModeClampToEdge,
		AddressModeW: core1_0.SamplerAddressModeClampToEdge,
		BorderColor:  core1_0.BorderColorIntOpaqueBlack,
		MipmapMode:   core1_0.SamplerMipmapModeLinear,
	})
	return errors.Wrap(err, "create blit sampler")
}

func (s *Scene) upload(data any, usage core1_0.BufferUsageFlags) (hostBuffer, error) {
	size := binary.Size(data)
	buffer, memory, err := gpu.CreateBuffer(s.device, gpu.BufferInfo{Size: size, Usage: usage}, hostMemory)
	if err != nil {
		return hostBuffer{}, err
	}
	b := hostBuffer{buffer: buffer, memory: memory, size: size}

	encoded, err := camera.Bytes(binary.LittleEndian, data)
	if err != nil {
		return b, errors.Wrap(err, "encode buffer data")
	}
	return b, s.device.WriteMemory(memory, 0, encoded)
}

func (s *Scene) uniform(block any) (hostBuffer, error) {
	return s.upload(block, core1_0.BufferUsageUniformBuffer)
}

func (s *Scene) createDescriptors() error {
	var err error
	s.sceneSetLayout, _, err = s.device.driver.CreateDescriptorSetLayout(nil, core1_0.DescriptorSetLayoutCreateInfo{
		Bindings: []core1_0.DescriptorSetLayoutBinding{
			{Binding: 0, DescriptorType: core1_0.DescriptorTypeUniformBuffer, DescriptorCount: 1, StageFlags: core1_0.StageVertex},
			{Binding: 1, DescriptorType: core1_0.DescriptorTypeUniformBuffer, DescriptorCount: 1, StageFlags: core1_0.StageFragment},
		},
	})
	if err != nil {
		return errors.Wrap(err, "create scene descriptor set layout")
	}
	s.blitSetLayout, _, err = s.device.driver.CreateDescriptorSetLayout(nil, core1_0.DescriptorSetLayoutCreateInfo{
		Bindings: []core1_0.DescriptorSetLayoutBinding{
			{Binding: 0, DescriptorType: core1_0.DescriptorTypeCombinedImageSampler, DescriptorCount: 1, StageFlags: core1_0.StageFragment},
			{Binding: 1, DescriptorType: core1_0.DescriptorTypeCombinedImageSampler, DescriptorCount: 1, StageFlags: core1_0.StageFragment},
			{Binding: 2, DescriptorType: core1_0.DescriptorTypeUniformBuffer, DescriptorCount: 1, StageFlags: core1_0.StageFragment},
		},
	})
	if err != nil {
		return errors.Wrap(err, "create blit descriptor set layout")
	}

	s.sceneLayout, _, err = s.device.driver.CreatePipelineLayout(nil, core1_0.PipelineLayoutCreateInfo{
		SetLayouts: []core1_0.DescriptorSetLayout{s.sceneSetLayout},
	})
	if err != nil {
		return errors.Wrap(err, "create scene pipeline layout")
	}
	s.blitLayout, _, err = s.device.driver.CreatePipelineLayout(nil, core1_0.PipelineLayoutCreateInfo{
		SetLayouts: []core1_0.DescriptorSetLayout{s.blitSetLayout},
	})
	if err != nil {
		return errors.Wrap(err, "create blit pipeline layout")
	}

	s.descriptorPool, _, err = s.device.driver.CreateDescriptorPool(nil, core1_0.DescriptorPoolCreateInfo{
		MaxSets: 2,
		PoolSizes: []core1_0.DescriptorPoolSize{
			{Type: core1_0.DescriptorTypeUniformBuffer, DescriptorCount: 3},
			{Type: core1_0.DescriptorTypeCombinedImageSampler, DescriptorCount: 2},
		},
	})
	if err != nil {
		return errors.Wrap(err, "create scene descriptor pool")
	}

	sets, _, err := s.device.driver.AllocateDescriptorSets(core1_0.DescriptorSetAllocateInfo{
		DescriptorPool: s.descriptorPool,
		SetLayouts:     []core1_0.DescriptorSetLayout{s.sceneSetLayout, s.blitSetLayout},
	})
	if err != nil {
		return errors.Wrap(err, "allocate scene descriptor sets")
	}
	s.sceneSet, s.blitSet = sets[0], sets[1]

	object, err := s.device.buffer(s.object.buffer)
	if err != nil {
		return err
	}
	light, err := s.device.buffer(s.light.buffer)
	if err != nil {
		return err
	}
	blit, err := s.device.buffer(s.blit.buffer)
	if err != nil {
		return err
	}
	return s.device.driver.UpdateDescriptorSets([]core1_0.WriteDescriptorSet{
		uniformWrite(s.sceneSet, 0, object, s.object.size),
		uniformWrite(s.sceneSet, 1, light, s.light.size),
		uniformWrite(s.blitSet, 2, blit, s.blit.size),
	}, nil)
}

func uniformWrite(set core1_0.DescriptorSet, binding int, buffer core1_0.Buffer, size int) core1_0.WriteDescriptorSet {
	return core1_0.WriteDescriptorSet{
		DstSet:         set,
		DstBinding:     binding,
		DescriptorType: core1_0.DescriptorTypeUniformBuffer,
		BufferInfo:     []core1_0.DescriptorBufferInfo{{Buffer: buffer, Offset: 0, Range: size}},
	}
}

func (s *Scene) RecordScene(cmd gpu.CommandBuffer, extent core1_0.Extent2D) (int, error) {
	entry, renderPass, err := s.device.inheritedRenderPass(cmd)
	if err != nil {
		return 0, err
	}
	if s.indexCount == 0 {
		return 0, nil
	}
	pipeline, err := s.pipeline(entry.inheritance.RenderPass, renderPass, extent, true)
	if err != nil {
		return 0, err
	}
	vertices, err := s.device.buffer(s.vertices.buffer)
	if err != nil {
		return 0, err
	}
	indices, err := s.device.buffer(s.indices.buffer)
	if err != nil {
		return 0, err
	}

	driver := s.device.driver
	driver.CmdBindPipeline(entry.buffer, core1_0.PipelineBindPointGraphics, pipeline)
	driver.CmdBindVertexBuffers(entry.buffer, 0, []core1_0.Buffer{vertices}, []int{0})
	driver.CmdBindIndexBuffer(entry.buffer, indices, 0, core1_0.IndexTypeUInt32)
	driver.CmdBindDescriptorSets(entry.buffer, core1_0.PipelineBindPointGraphics, s.sceneLayout, 0,
		[]core1_0.DescriptorSet{s.sceneSet}, nil)
	driver.CmdDrawIndexed(entry.buffer, s.indexCount, 1, 0, 0, 0)
	return 1, nil
}

func (s *Scene) BindBlitSources(upscaled, hud gpu.Image) error {
	writes := make([]core1_0.WriteDescriptorSet, 0, 2)
	for binding, handle := range []gpu.Image{upscaled, hud} {
		image, err := s.device.image(handle)
		if err != nil {
			return err
		}
		writes = append(writes, core1_0.WriteDescriptorSet{
			DstSet:         s.blitSet,
			DstBinding:     binding,
			DescriptorType: core1_0.DescriptorTypeCombinedImageSampler,
			ImageInfo: []core1_0.DescriptorImageInfo{
				{ImageView: image.view, Sampler: s.sampler, ImageLayout: core1_0.ImageLayoutShaderReadOnlyOptimal},
			},
		})
	}
	return s.device.driver.UpdateDescriptorSets(writes, nil)
}

func (s *Scene) RecordBlit(cmd gpu.CommandBuffer, swapchainIndex int, extent core1_0.Extent2D) (int, error) {
	entry, renderPass, err := s.device.inheritedRenderPass(cmd)
	if err != nil {
		return 0, err
	}
	pipeline, err := s.pipeline(entry.inheritance.RenderPass, renderPass, extent, false)
	if err != nil {
		return 0, err
	}

	driver := s.device.driver
	driver.CmdBindPipeline(entry.buffer, core1_0.PipelineBindPointGraphics, pipeline)
	driver.CmdBindDescriptorSets(entry.buffer, core1_0.PipelineBindPointGraphics, s.blitLayout, 0,
		[]core1_0.DescriptorSet{s.blitSet}, nil)
	driver.CmdDraw(entry.buffer, 3, 1, 0, 0)
	return 1, nil
}

func (s *Scene) UpdateUniforms(slot int, uniforms camera.Uniforms) error {
	for _, block := range []struct {
		dst hostBuffer
		v   any
	}{
		{s.object, uniforms.Object},
		{s.light, uniforms.Light},
		{s.blit, uniforms.Blit},
	} {
		data, err := camera.Bytes(binary.LittleEndian, block.v)
		if err != nil {
			return errors.Wrap(err, "encode uniforms")
		}
		if err := s.device.WriteMemory(block.dst.memory, 0, data); err != nil {
			return err
		}
	}
	return nil
}

func (s *Scene) pipeline(handle gpu.RenderPass, renderPass renderPassEntry, extent core1_0.Extent2D, scene bool) (core1_0.Pipeline, error) {
	if pipeline, ok := s.pipelines[handle]; ok {
		return pipeline, nil
	}

	vertCode, fragCode, layout := s.shaders.BlitVert, s.shaders.BlitFrag, s.blitLayout
	if scene {
		vertCode, fragCode, layout = s.shaders.SceneVert, s.shaders.SceneFrag, s.sceneLayout
	}

	driver := s.device.driver
	vertShader, _, err := driver.CreateShaderModule(nil, core1_0.ShaderModuleCreateInfo{Code: bytesToBytecode(vertCode)})
	if err != nil {
		return core1_0.Pipeline{}, errors.Wrap(err, "create vertex shader")
	}
	defer driver.DestroyShaderModule(vertShader, nil)
	fragShader, _, err := driver.CreateShaderModule(nil, core1_0.ShaderModuleCreateInfo{Code: bytesToBytecode(fragCode)})
	if err != nil {
		return core1_0.Pipeline{}, errors.Wrap(err, "create fragment shader")
	}
	defer driver.DestroyShaderModule(fragShader, nil)

	createInfo := graphicsPipelineCreateInfo(vertShader, fragShader, layout, renderPass, extent, scene)
	pipelines, _, err := driver.CreateGraphicsPipelines(nil, nil, createInfo)
	if err != nil {
		return core1_0.Pipeline{}, errors.Wrap(err, "create graphics pipeline")
	}
	s.pipelines[handle] = pipelines[0]
	return pipelines[0], nil
}

func graphicsPipelineCreateInfo(vert, frag core1_0.ShaderModule, layout core1_0.PipelineLayout, renderPass renderPassEntry, extent core1_0.Extent2D, scene bool) core1_0.GraphicsPipelineCreateInfo {
	vertexInput := &core1_0.PipelineVertexInputStateCreateInfo{}
	cullMode := core1_0.CullModeBack
	if scene {
		v := assets.Vertex{}
		vertexInput.VertexBindingDescriptions = []core1_0.VertexInputBindingDescription{
			{Binding: 0, Stride: int(unsafe.Sizeof(v)), InputRate: core1_0.VertexInputRateVertex},
		}
		vertexInput.VertexAttributeDescriptions = []core1_0.VertexInputAttributeDescription{
			{Binding: 0, Location: 0, Format: core1_0.FormatR32G32B32SignedFloat, Offset: int(unsafe.Offsetof(v.Position))},
			{Binding: 0, Location: 1, Format: core1_0.FormatR32G32B32SignedFloat, Offset: int(unsafe.Offsetof(v.Color))},
			{Binding: 0, Location: 2, Format: core1_0.FormatR32G32SignedFloat, Offset: int(unsafe.Offsetof(v.TexCoord))},
		}
	} else {
		cullMode = 0
	}

	var depthStencil *core1_0.PipelineDepthStencilStateCreateInfo
	if renderPass.info.DepthFormat != gpu.FormatUndefined {
		depthStencil = &core1_0.PipelineDepthStencilStateCreateInfo{
			DepthTestEnable:  true,
			DepthWriteEnable: true,
			DepthCompareOp:   core1_0.CompareOpLess,
		}
	}

	return core1_0.GraphicsPipelineCreateInfo{
		Stages: []core1_0.PipelineShaderStageCreateInfo{
			{Stage: core1_0.StageVertex, Module: vert, Name: "main"},
			{Stage: core1_0.StageFragment, Module: frag, Name: "main"},
		},
		VertexInputState: vertexInput,
		InputAssemblyState: &core1_0.PipelineInputAssemblyStateCreateInfo{
			Topology: core1_0.PrimitiveTopologyTriangleList,
		},
		ViewportState: &core1_0.PipelineViewportStateCreateInfo{
			Viewports: []core1_0.Viewport{
				{X: 0, Y: 0, Width: float32(extent.Width), Height: float32(extent.Height), MinDepth: 0, MaxDepth: 1},
			},
			Scissors: []core1_0.Rect2D{
				{Offset: core1_0.Offset2D{X: 0, Y: 0}, Extent: extent},
			},
		},
		RasterizationState: &core1_0.PipelineRasterizationStateCreateInfo{
			PolygonMode: core1_0.PolygonModeFill,
			CullMode:    cullMode,
			FrontFace:   core1_0.FrontFaceCounterClockwise,
			LineWidth:   1.0,
		},
		MultisampleState: &core1_0.PipelineMultisampleStateCreateInfo{
			RasterizationSamples: core1_0.Samples1,
			MinSampleShading:     1.0,
		},
		DepthStencilState: depthStencil,
		ColorBlendState: &core1_0.PipelineColorBlendStateCreateInfo{
			LogicOp: core1_0.LogicOpCopy,
			Attachments: []core1_0.PipelineColorBlendAttachmentState{
				{ColorWriteMask: core1_0.ColorComponentRed | core1_0.ColorComponentGreen | core1_0.ColorComponentBlue | core1_0.ColorComponentAlpha},
			},
		},
		Layout:            layout,
		RenderPass:        renderPass.pass,
		Subpass:           0,
		BasePipelineIndex: -1,
	}
}

func (s *Scene) destroyBuffer(b hostBuffer) {
	if b.buffer.Initialized() {
		s.device.DestroyBuffer(b.buffer)
	}
	if b.memory.Initialized() {
		s.device.FreeMemory(b.memory)
	}
}

func (s *Scene) Destroy() {
	driver := s.device.driver
	for handle, pipeline := range s.pipelines {
		driver.DestroyPipeline(pipeline, nil)
		delete(s.pipelines, handle)
	}
	if s.sampler.Initialized() {
		driver.DestroySampler(s.sampler, nil)
	}
	if s.descriptorPool.Initialized() {
		driver.DestroyDescriptorPool(s.descriptorPool, nil)
	}
	for _, layout := range []core1_0.PipelineLayout{s.sceneLayout, s.blitLayout} {
		if layout.Initialized() {
			driver.DestroyPipelineLayout(layout, nil)
		}
	}
	for _, layout := range []core1_0.DescriptorSetLayout{s.sceneSetLayout, s.blitSetLayout} {
		if layout.Initialized() {
			driver.DestroyDescriptorSetLayout(layout, nil)
		}
	}
	for _, b := range []hostBuffer{s.vertices, s.indices, s.object, s.light, s.blit} {
		s.destroyBuffer(b)
	}
	*s = Scene{device: s.device, pipelines: s.pipelines}
}
