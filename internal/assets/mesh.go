package assets

import (
	"github.com/cockroachdb/errors"
	"github.com/g3n/engine/loader/obj"
	"github.com/go-gl/mathgl/mgl32"
)

var ErrEmptyMesh = errors.New("mesh has no faces")

type Vertex struct {
	Position mgl32.Vec3
	Color    mgl32.Vec3
	TexCoord mgl32.Vec2
}

// Mesh is an indexed triangle list.
type Mesh struct {
	Vertices []Vertex
	Indices  []uint32
}

// LoadMesh decodes an OBJ file and triangulates its faces as fans. Vertices are shared by OBJ
// position index.
func (l *Loader) LoadMesh(objPath, mtlPath string) (*Mesh, error) {
	meshFile, err := l.open(objPath, false)
	if err != nil {
		return nil, err
	}
	defer meshFile.Close()

	matFile, err := l.open(mtlPath, true)
	if err != nil {
		return nil, err
	}
	defer matFile.Close()

	decoder, err := obj.DecodeReader(meshFile, matFile)
	if err != nil {
		return nil, errors.Wrapf(err, "decode %s", objPath)
	}

	mesh := &Mesh{}
	unique := make(map[int]uint32)
	for _, decoded := range decoder.Objects {
		for _, face := range decoded.Faces {
			for i := 2; i < len(face.Vertices); i++ {
				mesh.addVertex(decoder, unique, face, 0)
				mesh.addVertex(decoder, unique, face, i-1)
				mesh.addVertex(decoder, unique, face, i)
			}
		}
	}
	if len(mesh.Indices) == 0 {
		return nil, errors.Wrapf(ErrEmptyMesh, "%s", objPath)
	}

	l.log.Info("loaded mesh", "path", objPath, "vertices", len(mesh.Vertices), "triangles", len(mesh.Indices)/3)
	return mesh, nil
}

func (m *Mesh) addVertex(decoder *obj.Decoder, unique map[int]uint32, face obj.Face, faceIndex int) {
	vertInd := face.Vertices[faceIndex]
	if index, ok := unique[vertInd]; ok {
		m.Indices = append(m.Indices, index)
		return
	}

	vert := Vertex{
		Position: mgl32.Vec3{
			decoder.Vertices[vertInd*3],
			decoder.Vertices[vertInd*3+1],
			decoder.Vertices[vertInd*3+2],
		},
		Color: mgl32.Vec3{1, 1, 1},
	}
	if faceIndex < len(face.Uvs) {
		if uvInd := face.Uvs[faceIndex]; uvInd >= 0 && uvInd*2+1 < len(decoder.Uvs) {
			// OBJ puts the texture origin bottom-left.
			vert.TexCoord = mgl32.Vec2{decoder.Uvs[uvInd*2], 1 - decoder.Uvs[uvInd*2+1]}
		}
	}

	index := uint32(len(m.Vertices))
	m.Vertices = append(m.Vertices, vert)
	unique[vertInd] = index
	m.Indices = append(m.Indices, index)
}

// Bounds returns the axis-aligned box around every vertex.
func (m *Mesh) Bounds() (lo, hi mgl32.Vec3) {
	if len(m.Vertices) == 0 {
		return lo, hi
	}
	lo, hi = m.Vertices[0].Position, m.Vertices[0].Position
	for _, v := range m.Vertices[1:] {
		for i := 0; i < 3; i++ {
			lo[i] = min(lo[i], v.Position[i])
			hi[i] = max(hi[i], v.Position[i])
		}
	}
	return lo, hi
}
