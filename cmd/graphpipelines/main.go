// Command graphpipelines renders a scene at a reduced resolution and upscales it on a data-graph
// queue before composing the HUD and presenting. With --headless it runs the frame pipeline on
// the simulated device instead of a window.
package main

//go:generate glslc ../../shaders/scene.vert -o ../../shaders/scene.vert.spv
//go:generate glslc ../../shaders/scene.frag -o ../../shaders/scene.frag.spv
//go:generate glslc ../../shaders/blit.vert -o ../../shaders/blit.vert.spv
//go:generate glslc ../../shaders/blit.frag -o ../../shaders/blit.frag.spv

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"strconv"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"

	"github.com/vkngwrapper/graphpipelines/internal/assets"
	"github.com/vkngwrapper/graphpipelines/internal/config"
	"github.com/vkngwrapper/graphpipelines/internal/frame"
	"github.com/vkngwrapper/graphpipelines/internal/ml"
)

const defaultHeadlessFrames = 120

type options struct {
	configPath     string
	configOptional bool
	headless       bool
	frames         int
	dumpConfig     bool
}

var errHelp = errors.New("help requested")

func parseArgs(args []string) (options, error) {
	opts := options{configPath: config.DefaultFile, configOptional: true, frames: defaultHeadlessFrames}

	for i := 0; i < len(args); i++ {
		arg := args[i]
		switch arg {
		case "--config":
			if i+1 >= len(args) {
				return opts, errors.New("--config needs a file")
			}
			i++
			opts.configPath, opts.configOptional = args[i], false
		case "--headless":
			opts.headless = true
		case "--frames":
			if i+1 >= len(args) {
				return opts, errors.New("--frames needs a count")
			}
			i++
			n, err := strconv.Atoi(args[i])
			if err != nil || n < 1 {
				return opts, errors.Newf("--frames: invalid count %q", args[i])
			}
			opts.frames = n
		case "--dump-config":
			opts.dumpConfig = true
		case "--help", "-h":
			return opts, errHelp
		default:
			return opts, errors.Newf("unrecognized option: %s", arg)
		}
	}
	return opts, nil
}

func printUsage() {
	fmt.Println("\nOptions")
	fmt.Println("\t--config <file>")
	fmt.Printf("\t\tRead settings from file (default %s, skipped when missing)\n", config.DefaultFile)
	fmt.Println("\t--headless")
	fmt.Println("\t\tRun the frame pipeline on the simulated device without a window")
	fmt.Println("\t--frames <n>")
	fmt.Printf("\t\tFrames to render in headless mode (default %d)\n", defaultHeadlessFrames)
	fmt.Println("\t--dump-config")
	fmt.Println("\t\tPrint the effective configuration and exit")
}

// newLogger tags every record with an id unique to this run.
func newLogger(cfg config.Config, w io.Writer) (*slog.Logger, error) {
	level, err := cfg.Level()
	if err != nil {
		return nil, err
	}
	handler := slog.NewTextHandler(w, &slog.HandlerOptions{Level: level})
	return slog.New(handler).With("run", uuid.NewString()), nil
}

// frameOptions maps the configuration onto the orchestrator settings.
func frameOptions(cfg config.Config, modelCache []byte) (frame.Options, error) {
	operation, err := ml.ParseOperation(cfg.Graph.Operation)
	if err != nil {
		return frame.Options{}, err
	}
	return frame.Options{
		RenderExtent:   cfg.Render.Extent(),
		UpscaledExtent: cfg.Upscaled.Extent(),
		FramesInFlight: cfg.FramesInFlight,
		InputPort:      int(cfg.Graph.InputPort),
		OutputPort:     int(cfg.Graph.OutputPort),
		MaxPort:        int(cfg.Graph.MaxPort),
		GraphID:        cfg.Graph.GraphID,
		Operation:      operation,
		ModelCache:     modelCache,
		Upscaling:      cfg.Upscaling,
	}, nil
}

func run(ctx context.Context, opts options) error {
	cfg, err := config.Load(opts.configPath, opts.configOptional)
	if err != nil {
		return err
	}
	if opts.dumpConfig {
		data, err := cfg.Marshal()
		if err != nil {
			return err
		}
		_, err = os.Stdout.Write(data)
		return err
	}

	log, err := newLogger(cfg, os.Stderr)
	if err != nil {
		return err
	}
	log.Info("starting", "headless", opts.headless, "render", cfg.Render, "upscaled", cfg.Upscaled)

	loader := assets.NewLoader(os.DirFS("."), log)
	paths := assets.StartupPaths{ModelCache: cfg.Assets.ModelCache}
	if !opts.headless {
		paths.SceneMesh = cfg.Assets.SceneMesh
	}
	startup, err := loader.Load(ctx, paths)
	if err != nil {
		return errors.Wrap(err, "load assets")
	}

	if opts.headless {
		return runHeadless(ctx, cfg, startup, opts.frames, log)
	}
	return runWindowed(ctx, cfg, loader, startup, log)
}

func main() {
	opts, err := parseArgs(os.Args[1:])
	if errors.Is(err, errHelp) {
		printUsage()
		return
	} else if err != nil {
		fmt.Printf("\n%v\n", err)
		fmt.Println("\nUse --help or -h for option list.")
		os.Exit(2)
	}

	// SDL and the Vulkan surface must stay on the main thread.
	runtime.LockOSThread()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := run(ctx, opts); err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintf(os.Stderr, "%+v\n", err)
		stop()
		os.Exit(1)
	}
}
