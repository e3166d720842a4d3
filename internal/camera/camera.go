package camera

import (
	"math"

	"github.com/go-gl/mathgl/mgl32"
)

const (
	DefaultFOV  = math.Pi / 4
	DefaultNear = 1.0
	DefaultFar  = 1800.0

	// MoveSpeed is in world units per second at full input.
	MoveSpeed = 25.0
	// TurnSpeed is in radians per second at full input.
	TurnSpeed = 1.5
)

var (
	worldUp      = mgl32.Vec3{0, 1, 0}
	localForward = mgl32.Vec3{0, 0, -1}
	localRight   = mgl32.Vec3{1, 0, 0}
)

// Input is the controller state sampled once per frame. Move is (right, up, forward) in
// [-1, 1]; Yaw and Pitch are turn rates in [-1, 1].
type Input struct {
	Move  mgl32.Vec3
	Yaw   float32
	Pitch float32
}

type Camera struct {
	Position mgl32.Vec3
	Rotation mgl32.Quat

	FOV    float32
	Aspect float32
	Near   float32
	Far    float32

	view       mgl32.Mat4
	projection mgl32.Mat4
}

// New places a camera at position with yaw/pitch/roll in degrees.
func New(position mgl32.Vec3, rotationDegrees mgl32.Vec3, aspect float32) *Camera {
	rotation := mgl32.AnglesToQuat(
		mgl32.DegToRad(rotationDegrees.Y()),
		mgl32.DegToRad(rotationDegrees.X()),
		mgl32.DegToRad(rotationDegrees.Z()),
		mgl32.YXZ,
	)

	c := &Camera{
		Position: position,
		Rotation: rotation,
		FOV:      DefaultFOV,
		Aspect:   aspect,
		Near:     DefaultNear,
		Far:      DefaultFar,
	}
	c.UpdateMatrices()
	return c
}

func (c *Camera) Forward() mgl32.Vec3 { return c.Rotation.Rotate(localForward) }
func (c *Camera) Right() mgl32.Vec3   { return c.Rotation.Rotate(localRight) }

// Update applies one frame of controller input and refreshes the matrices.
func (c *Camera) Update(dt float32, in Input) {
	if in.Yaw != 0 || in.Pitch != 0 {
		yaw := mgl32.QuatRotate(-in.Yaw*TurnSpeed*dt, worldUp)
		pitch := mgl32.QuatRotate(in.Pitch*TurnSpeed*dt, localRight)
		c.Rotation = yaw.Mul(c.Rotation).Mul(pitch).Normalize()
	}

	if in.Move.Len() > 0 {
		step := c.Right().Mul(in.Move.X()).
			Add(worldUp.Mul(in.Move.Y())).
			Add(c.Forward().Mul(in.Move.Z()))
		c.Position = c.Position.Add(step.Mul(MoveSpeed * dt))
	}

	c.UpdateMatrices()
}

func (c *Camera) UpdateMatrices() {
	c.view = mgl32.LookAtV(c.Position, c.Position.Add(c.Forward()), c.Rotation.Rotate(worldUp))

	// Vulkan clip space has Y pointing down.
	c.projection = mgl32.Perspective(c.FOV, c.Aspect, c.Near, c.Far)
	c.projection[5] *= -1
}

func (c *Camera) View() mgl32.Mat4       { return c.view }
func (c *Camera) Projection() mgl32.Mat4 { return c.projection }
