// Package assets reads the files a run needs before any GPU work: the pre-compiled model cache and
// the scene mesh.
package assets

import (
	"context"
	"io"
	"io/fs"
	"log/slog"
	"strings"

	"github.com/cockroachdb/errors"
	"golang.org/x/sync/errgroup"
)

type Loader struct {
	fsys fs.FS
	log  *slog.Logger
}

func NewLoader(fsys fs.FS, log *slog.Logger) *Loader {
	return &Loader{fsys: fsys, log: log.With("component", "assets")}
}

// LoadFileIntoMemory returns the whole contents of path.
func (l *Loader) LoadFileIntoMemory(path string) ([]byte, error) {
	data, err := fs.ReadFile(l.fsys, path)
	if err != nil {
		return nil, errors.Wrapf(err, "load %s", path)
	}
	l.log.Debug("loaded file", "path", path, "bytes", len(data))
	return data, nil
}

// Startup is what Load reads ahead of device setup.
type Startup struct {
	// ModelCache is nil when the model file could not be read; ModelErr says why.
	ModelCache []byte
	ModelErr   error
	Mesh       *Mesh
}

type StartupPaths struct {
	ModelCache string
	// SceneMesh is an OBJ file. A material library next to it with the .mtl extension is used
	// when present. Empty skips the mesh.
	SceneMesh string
}

// Load reads the model cache and the scene mesh concurrently. A missing or unreadable model only
// disables inference, so it is reported in Startup.ModelErr; a mesh failure is returned.
func (l *Loader) Load(ctx context.Context, paths StartupPaths) (Startup, error) {
	var startup Startup
	group, ctx := errgroup.WithContext(ctx)

	group.Go(func() error {
		if err := ctx.Err(); err != nil {
			return err
		}
		startup.ModelCache, startup.ModelErr = l.LoadFileIntoMemory(paths.ModelCache)
		if startup.ModelErr != nil {
			l.log.Warn("model cache unavailable", "path", paths.ModelCache, "error", startup.ModelErr)
		}
		return nil
	})

	if paths.SceneMesh != "" {
		group.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			mesh, err := l.LoadMesh(paths.SceneMesh, materialPath(paths.SceneMesh))
			if err != nil {
				return err
			}
			startup.Mesh = mesh
			return nil
		})
	}

	if err := group.Wait(); err != nil {
		return Startup{}, err
	}
	return startup, nil
}

func materialPath(objPath string) string {
	return strings.TrimSuffix(objPath, ".obj") + ".mtl"
}

// open returns an empty reader in place of a missing optional file.
func (l *Loader) open(path string, optional bool) (io.ReadCloser, error) {
	f, err := l.fsys.Open(path)
	if err == nil {
		return f, nil
	}
	if optional && errors.Is(err, fs.ErrNotExist) {
		return io.NopCloser(strings.NewReader("")), nil
	}
	return nil, errors.Wrapf(err, "open %s", path)
}
