package camera

import (
	"bytes"
	"encoding/binary"

	"github.com/go-gl/mathgl/mgl32"
)

// ObjectVert feeds the scene vertex shader.
type ObjectVert struct {
	MVP    mgl32.Mat4
	Model  mgl32.Mat4
	Shadow mgl32.Mat4
}

// Light feeds the scene lighting pass. Field order matches the std140 block in the shaders.
type Light struct {
	ProjectionInv     mgl32.Mat4
	ViewInv           mgl32.Mat4
	ViewProjectionInv mgl32.Mat4
	ProjectionInvW    mgl32.Vec4
	CameraPos         mgl32.Vec4
	LightDirection    mgl32.Vec4
	LightColor        mgl32.Vec4
	AmbientColor      mgl32.Vec4
	Width             int32
	Height            int32
	_                 [2]int32
}

// Blit feeds the composition shader.
type Blit struct {
	IsUpscalingActive uint32
	_                 [3]uint32
}

type Uniforms struct {
	Object ObjectVert
	Light  Light
	Blit   Blit
}

var (
	DefaultLightDirection = mgl32.Vec4{-0.564, 0.826, 0, 0}
	DefaultLightColor     = mgl32.Vec4{1, 1, 1, 1}
	DefaultAmbientColor   = mgl32.Vec4{0.34, 0.34, 0.34, 0}
)

// Uniforms builds this frame's uniform data for an identity-placed scene rendered at
// width x height.
func (c *Camera) Uniforms(width, height int, upscaling bool) Uniforms {
	model := mgl32.Ident4()
	viewProjection := c.projection.Mul4(c.view)
	projectionInv := c.projection.Inv()

	u := Uniforms{
		Object: ObjectVert{
			MVP:    viewProjection.Mul4(model),
			Model:  model,
			Shadow: mgl32.Ident4(),
		},
		Light: Light{
			ProjectionInv:     projectionInv,
			ViewInv:           c.view.Inv(),
			ViewProjectionInv: viewProjection.Inv(),
			ProjectionInvW: mgl32.Vec4{
				projectionInv.Col(0).W(),
				projectionInv.Col(1).W(),
				projectionInv.Col(2).W(),
				projectionInv.Col(3).W(),
			},
			CameraPos:      c.Position.Vec4(0),
			LightDirection: DefaultLightDirection,
			LightColor:     DefaultLightColor,
			AmbientColor:   DefaultAmbientColor,
			Width:          int32(width),
			Height:         int32(height),
		},
	}
	if upscaling {
		u.Blit.IsUpscalingActive = 1
	}
	return u
}

// Bytes encodes v, one of the uniform block structs, in host byte order for upload.
func Bytes(order binary.ByteOrder, v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := binary.Write(&buf, order, v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
