package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"
	"text/tabwriter"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/andresmejia3/spotter/internal/config"
	"github.com/andresmejia3/spotter/internal/engine"
	"github.com/andresmejia3/spotter/internal/params"
	"github.com/andresmejia3/spotter/internal/recognizer"
	"github.com/andresmejia3/spotter/internal/reference"
	"github.com/andresmejia3/spotter/internal/types"
	"github.com/andresmejia3/spotter/internal/utils"
)

// Options holds the configuration for the run command. Zero values fall back
// to the loaded config.
type Options struct {
	InputPath     string
	GroupPath     string
	ReferencePath string
	OutputPath    string
	NthFrame      int
	Workers       int
	Live          bool
	NoProgress    bool
}

var runOpts Options

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a task group over a video or an image directory",
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		return runRun(cmd.Context(), runOpts)
	},
}

func init() {
	runCmd.Flags().StringVarP(&runOpts.InputPath, "input", "i", "", "Path to a video file or a directory of images")
	runCmd.Flags().StringVarP(&runOpts.GroupPath, "group", "g", "", "Task group file (YAML or JSON)")
	runCmd.Flags().StringVarP(&runOpts.ReferencePath, "references", "r", "", "Reference link file (default: reference.path)")
	runCmd.Flags().StringVarP(&runOpts.OutputPath, "output", "o", "-", "JSON-lines output file, - for stdout")
	runCmd.Flags().IntVarP(&runOpts.NthFrame, "nth-frame", "n", 0, "Process every nth frame (default: engine.frame_interval)")
	runCmd.Flags().IntVarP(&runOpts.Workers, "workers", "w", 0, "Number of pool workers (default: engine.workers)")
	runCmd.Flags().BoolVar(&runOpts.Live, "live", false, "Drop frames the engine cannot keep up with instead of waiting")
	runCmd.Flags().BoolVar(&runOpts.NoProgress, "no-progress", false, "Hide the progress bar")

	runCmd.MarkFlagRequired("input")
	runCmd.MarkFlagRequired("group")
	rootCmd.AddCommand(runCmd)
}

func runRun(ctx context.Context, opts Options) error {
	resolveRunOptions(&opts, Cfg)
	if err := validateRunFlags(&opts); err != nil {
		return err
	}

	out, closeOut, err := openOutput(opts.OutputPath)
	if err != nil {
		utils.ShowError("Failed to open output", err, nil)
		return err
	}
	defer closeOut()

	// Persist alongside the JSON-lines stream when a database is configured.
	var extra engine.Sink
	if DB != nil {
		sourceID, err := utils.SourceID(opts.InputPath)
		if err != nil {
			return err
		}
		runID, err := DB.StartRun(ctx, sourceID)
		if err != nil {
			utils.ShowError("Failed to register run", err, nil)
			return err
		}
		fmt.Fprintf(os.Stderr, "📼 Run ID: %s (source %s)\n", runID, sourceID[:12])
		extra = DB
		defer func() {
			if err := DB.FinishRun(context.Background()); err != nil {
				fmt.Fprintf(os.Stderr, "⚠️  Failed to finish run: %v\n", err)
			}
		}()
	}

	fmt.Fprintf(os.Stderr, "⚙️  Spawning %d pool workers...\n", opts.Workers)
	sum, err := runPipeline(ctx, opts, Cfg.Engine, out, extra, Logger)
	if err != nil && !errors.Is(err, context.Canceled) {
		utils.ShowError("Run failed", err, nil)
		return err
	}

	fmt.Fprintf(os.Stderr, "\n🏁 Run Complete. Processed %d frames out of %d read (%d dropped).\n", sum.Stats.Frames, sum.Read, sum.Dropped)
	printTaskStats(os.Stderr, sum.Stats)
	return err
}

// resolveRunOptions fills unset flags from the config.
func resolveRunOptions(opts *Options, cfg *config.Config) {
	if cfg == nil {
		return
	}
	if opts.NthFrame == 0 {
		opts.NthFrame = cfg.Engine.FrameInterval
	}
	if opts.Workers == 0 {
		opts.Workers = cfg.Engine.Workers
	}
	if opts.ReferencePath == "" {
		opts.ReferencePath = cfg.Reference.Path
	}
}

func validateRunFlags(opts *Options) error {
	info, err := os.Stat(opts.InputPath)
	if err != nil {
		utils.ShowError("Input does not exist", err, nil)
		return err
	}
	if !info.IsDir() && info.Size() == 0 {
		err := fmt.Errorf("input %s is empty", opts.InputPath)
		utils.ShowError("Invalid input", err, nil)
		return err
	}
	if info, err := os.Stat(opts.GroupPath); err != nil || info.IsDir() {
		if err == nil {
			err = fmt.Errorf("%s is a directory", opts.GroupPath)
		}
		utils.ShowError("Invalid task group file", err, nil)
		return err
	}
	if opts.NthFrame < 1 {
		err := fmt.Errorf("nth-frame must be at least 1, got %d", opts.NthFrame)
		utils.ShowError("Invalid flag", err, nil)
		return err
	}
	if opts.Workers < 1 {
		err := fmt.Errorf("workers must be at least 1, got %d", opts.Workers)
		utils.ShowError("Invalid flag", err, nil)
		return err
	}
	return nil
}

func openOutput(path string) (io.Writer, func(), error) {
	if path == "" || path == "-" {
		return os.Stdout, func() {}, nil
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, nil, err
	}
	return f, func() { f.Close() }, nil
}

// runSummary is what a finished pipeline reports.
type runSummary struct {
	Read    int
	Sent    int
	Dropped int64
	Stats   engine.Stats
}

// runPipeline wires a frame source, the engine loop and the sinks together and
// blocks until the source is exhausted or ctx is cancelled.
func runPipeline(ctx context.Context, opts Options, eng config.EngineConfig, out io.Writer, extra engine.Sink, logger *slog.Logger) (runSummary, error) {
	var sum runSummary
	if logger == nil {
		logger = slog.Default()
	}

	// 1. Task group and reference links
	group, err := params.LoadGroup(opts.GroupPath)
	if err != nil {
		return sum, err
	}
	var refs []reference.Entry
	if opts.ReferencePath != "" {
		if refs, err = reference.Load(opts.ReferencePath); err != nil {
			return sum, err
		}
	}

	src, err := openSource(opts.InputPath)
	if err != nil {
		return sum, err
	}

	// 2. Engine
	mgr, err := engine.NewManager(recognizer.DefaultRegistry(logger), engine.Options{
		Workers:      opts.Workers,
		MergeOverlap: eng.MergeOverlap,
		Budget:       eng.PredictBudget,
		References:   refs,
	}, logger)
	if err != nil {
		return sum, err
	}

	commands := &engine.CommandQueue{}
	commands.Push(engine.GroupCommand(group))
	frames := engine.NewMailbox(!opts.Live)

	sinks := engine.MultiSink{engine.NewJSONLSink(out)}
	if extra != nil {
		sinks = append(sinks, extra)
	}

	// 3. Progress
	onRead := func() { sum.Read++ }
	var bar *progressbar.ProgressBar
	if !opts.NoProgress {
		total := src.Total(ctx)
		if total <= 0 {
			total = -1
		}
		bar = progressbar.NewOptions(total,
			progressbar.OptionSetDescription("🔍 Spotter Running"),
			progressbar.OptionSetWriter(os.Stderr),
			progressbar.OptionShowCount(),
		)
		onRead = func() {
			sum.Read++
			bar.Add(1)
		}
	}

	// 4. Producer
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	type sourceResult struct {
		sent int
		err  error
	}
	done := make(chan sourceResult, 1)
	go func() {
		defer frames.Close()
		sent, err := src.Stream(ctx, opts.NthFrame, func(f types.Frame) bool {
			return frames.Put(ctx, f)
		}, onRead)
		done <- sourceResult{sent: sent, err: err}
	}()

	// 5. Control loop (consumer)
	loop := &engine.Loop{
		Manager:   mgr,
		Commands:  commands,
		Frames:    frames,
		Sink:      sinks,
		IdleSleep: eng.IdleSleep,
		Logger:    logger,
		OnFrame: func(engine.FrameResult) {
			sum.Stats = mgr.Stats()
		},
	}
	loopErr := loop.Run(ctx)
	cancel()

	res := <-done
	if bar != nil {
		bar.Finish()
	}
	sum.Sent = res.sent
	sum.Dropped = frames.Dropped()

	if loopErr != nil {
		return sum, loopErr
	}
	if res.err != nil && !errors.Is(res.err, context.Canceled) {
		return sum, res.err
	}
	return sum, nil
}

func printTaskStats(w io.Writer, s engine.Stats) {
	if len(s.Tasks) == 0 {
		return
	}
	ids := make([]string, 0, len(s.Tasks))
	for id := range s.Tasks {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	tw := tabwriter.NewWriter(w, 0, 0, 3, ' ', 0)
	fmt.Fprintln(tw, "TASK\tSTATE\tENABLED\tPREDICTS\tFAILURES\tOVERLOAD")
	fmt.Fprintln(tw, "----\t-----\t-------\t--------\t--------\t--------")
	for _, id := range ids {
		t := s.Tasks[id]
		fmt.Fprintf(tw, "%s\t%s\t%t\t%d\t%d\t%d\n", id, t.State, t.Enabled, t.Predicts, t.Failures, t.Overload)
	}
	tw.Flush()
}
