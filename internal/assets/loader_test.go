package assets

import (
	"context"
	"io"
	"io/fs"
	"log/slog"
	"testing"
	"testing/fstest"

	"github.com/cockroachdb/errors"
	"github.com/go-gl/mathgl/mgl32"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const quadOBJ = `o quad
v 0 0 0
v 2 0 0
v 2 1 0
v 0 1 -1
vt 0 0
vt 1 0
vt 1 1
vt 0 1
usemtl white
f 1/1 2/2 3/3 4/4
`

const quadMTL = `newmtl white
Kd 1 1 1
`

func testLoader(files fstest.MapFS) *Loader {
	return NewLoader(files, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestLoadFileIntoMemory(t *testing.T) {
	loader := testLoader(fstest.MapFS{
		"media/PipelineCache.bin": {Data: []byte{1, 2, 3}},
	})

	data, err := loader.LoadFileIntoMemory("media/PipelineCache.bin")
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3}, data)

	_, err = loader.LoadFileIntoMemory("media/missing.bin")
	require.Error(t, err)
	assert.True(t, errors.Is(err, fs.ErrNotExist))
}

func TestLoadMeshTriangulates(t *testing.T) {
	loader := testLoader(fstest.MapFS{
		"quad.obj": {Data: []byte(quadOBJ)},
		"quad.mtl": {Data: []byte(quadMTL)},
	})

	mesh, err := loader.LoadMesh("quad.obj", "quad.mtl")
	require.NoError(t, err)

	require.Len(t, mesh.Vertices, 4)
	assert.Equal(t, []uint32{0, 1, 2, 0, 2, 3}, mesh.Indices)
	assert.Equal(t, mgl32.Vec3{2, 0, 0}, mesh.Vertices[1].Position)
	assert.Equal(t, mgl32.Vec2{0, 1}, mesh.Vertices[0].TexCoord)
	assert.Equal(t, mgl32.Vec2{1, 0}, mesh.Vertices[2].TexCoord)

	lo, hi := mesh.Bounds()
	assert.Equal(t, mgl32.Vec3{0, 0, -1}, lo)
	assert.Equal(t, mgl32.Vec3{2, 1, 0}, hi)
}

func TestLoadMeshWithoutFaces(t *testing.T) {
	loader := testLoader(fstest.MapFS{
		"points.obj": {Data: []byte("o points\nv 0 0 0\n")},
		"points.mtl": {Data: []byte(quadMTL)},
	})

	_, err := loader.LoadMesh("points.obj", "points.mtl")
	assert.True(t, errors.Is(err, ErrEmptyMesh), "%+v", err)
}

func TestLoadStartup(t *testing.T) {
	files := fstest.MapFS{
		"media/PipelineCache.bin": {Data: make([]byte, 64)},
		"media/quad.obj":          {Data: []byte(quadOBJ)},
		"media/quad.mtl":          {Data: []byte(quadMTL)},
	}

	startup, err := testLoader(files).Load(context.Background(), StartupPaths{
		ModelCache: "media/PipelineCache.bin",
		SceneMesh:  "media/quad.obj",
	})
	require.NoError(t, err)
	assert.Len(t, startup.ModelCache, 64)
	assert.NoError(t, startup.ModelErr)
	require.NotNil(t, startup.Mesh)
	assert.Len(t, startup.Mesh.Indices, 6)
}

func TestLoadStartupMissingModel(t *testing.T) {
	startup, err := testLoader(fstest.MapFS{}).Load(context.Background(), StartupPaths{
		ModelCache: "media/PipelineCache.bin",
	})
	require.NoError(t, err)
	assert.Nil(t, startup.ModelCache)
	assert.True(t, errors.Is(startup.ModelErr, fs.ErrNotExist))
	assert.Nil(t, startup.Mesh)
}

func TestLoadStartupMissingMesh(t *testing.T) {
	_, err := testLoader(fstest.MapFS{}).Load(context.Background(), StartupPaths{
		ModelCache: "media/PipelineCache.bin",
		SceneMesh:  "media/scene.obj",
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, fs.ErrNotExist))
}

func TestLoadStartupCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := testLoader(fstest.MapFS{}).Load(ctx, StartupPaths{ModelCache: "m.bin"})
	assert.ErrorIs(t, err, context.Canceled)
}
