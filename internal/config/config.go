// Package config holds the settings of a graph pipelines run. Every field has a default, and a
// TOML file overrides any subset of them.
package config

import (
	"bytes"
	"log/slog"
	"os"

	"github.com/cockroachdb/errors"
	"github.com/pelletier/go-toml/v2"
	"github.com/vkngwrapper/core/v3/core1_0"
)

// DefaultFile is looked up in the working directory when no --config option is given.
const DefaultFile = "graphpipelines.toml"

var ErrInvalid = errors.New("invalid configuration")

type Size struct {
	Width  uint32 `toml:"width"`
	Height uint32 `toml:"height"`
}

func (s Size) Extent() core1_0.Extent2D {
	return core1_0.Extent2D{Width: int(s.Width), Height: int(s.Height)}
}

func (s Size) empty() bool {
	return s.Width == 0 || s.Height == 0
}

type Assets struct {
	ModelCache string `toml:"model_cache"`
	SceneMesh  string `toml:"scene_mesh"`
	ShaderDir  string `toml:"shader_dir"`
}

// Graph describes how the model cache is bound: which tensor ports the input and output use and
// which graph inside the cache to build.
type Graph struct {
	InputPort  uint32 `toml:"input_port"`
	OutputPort uint32 `toml:"output_port"`
	MaxPort    uint32 `toml:"max_port"`
	GraphID    uint32 `toml:"graph_id"`
	Operation  string `toml:"operation"`
}

type Config struct {
	Render   Size   `toml:"render"`
	Upscaled Size   `toml:"upscaled"`
	Window   Size   `toml:"window"`
	Assets   Assets `toml:"assets"`
	Graph    Graph  `toml:"graph"`

	Upscaling      bool   `toml:"upscaling"`
	FramesInFlight int    `toml:"frames_in_flight"`
	Validation     bool   `toml:"validation"`
	LogLevel       string `toml:"log_level"`
}

func Default() Config {
	return Config{
		Render:   Size{Width: 960, Height: 540},
		Upscaled: Size{Width: 1920, Height: 1080},
		Window:   Size{Width: 1920, Height: 1080},
		Assets: Assets{
			ModelCache: "media/PipelineCache.bin",
			SceneMesh:  "media/scene.obj",
			ShaderDir:  "shaders",
		},
		Graph: Graph{
			InputPort:  0,
			OutputPort: 1,
			MaxPort:    2,
			Operation:  "neural",
		},
		Upscaling:      true,
		FramesInFlight: 2,
		LogLevel:       "info",
	}
}

// Parse decodes data over the defaults. Keys that do not belong to Config are rejected.
func Parse(data []byte) (Config, error) {
	cfg := Default()

	dec := toml.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		var strict *toml.StrictMissingError
		if errors.As(err, &strict) {
			return Config{}, errors.Wrapf(ErrInvalid, "unknown keys:\n%s", strict.String())
		}
		var decodeErr *toml.DecodeError
		if errors.As(err, &decodeErr) {
			row, col := decodeErr.Position()
			return Config{}, errors.Wrapf(err, "decode config at %d:%d", row, col)
		}
		return Config{}, errors.Wrap(err, "decode config")
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Load reads path and parses it. A missing file is not an error when optional is set: the
// defaults are returned instead.
func Load(path string, optional bool) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if optional && errors.Is(err, os.ErrNotExist) {
			return Default(), nil
		}
		return Config{}, errors.Wrapf(err, "read config %s", path)
	}

	cfg, err := Parse(data)
	if err != nil {
		return Config{}, errors.Wrapf(err, "config %s", path)
	}
	return cfg, nil
}

func (c Config) Validate() error {
	switch {
	case c.Render.empty():
		return errors.Wrap(ErrInvalid, "render size must be non-zero")
	case c.Upscaled.empty():
		return errors.Wrap(ErrInvalid, "upscaled size must be non-zero")
	case c.Window.empty():
		return errors.Wrap(ErrInvalid, "window size must be non-zero")
	case c.Upscaled.Width < c.Render.Width || c.Upscaled.Height < c.Render.Height:
		return errors.Wrapf(ErrInvalid, "upscaled size %dx%d is smaller than render size %dx%d",
			c.Upscaled.Width, c.Upscaled.Height, c.Render.Width, c.Render.Height)
	case c.Graph.InputPort == c.Graph.OutputPort:
		return errors.Wrapf(ErrInvalid, "input and output share port %d", c.Graph.InputPort)
	case c.Graph.InputPort > c.Graph.MaxPort || c.Graph.OutputPort > c.Graph.MaxPort:
		return errors.Wrapf(ErrInvalid, "ports %d and %d must not exceed %d",
			c.Graph.InputPort, c.Graph.OutputPort, c.Graph.MaxPort)
	case c.FramesInFlight < 1:
		return errors.Wrapf(ErrInvalid, "frames in flight must be at least 1, got %d", c.FramesInFlight)
	}

	if c.Graph.Operation != "neural" && c.Graph.Operation != "builtin" {
		return errors.Wrapf(ErrInvalid, "unknown graph operation %q", c.Graph.Operation)
	}
	if _, err := c.Level(); err != nil {
		return err
	}
	return nil
}

func (c Config) Level() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return 0, errors.Wrapf(ErrInvalid, "log level %q", c.LogLevel)
	}
	return level, nil
}

// Marshal encodes the config, used by --dump-config.
func (c Config) Marshal() ([]byte, error) {
	data, err := toml.Marshal(c)
	return data, errors.Wrap(err, "encode config")
}
