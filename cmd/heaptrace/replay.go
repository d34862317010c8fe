package main

import (
	"fmt"
	"os"

	"github.com/cockroachdb/errors"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/spf13/cobra"
	"github.com/vkngwrapper/segheap/heap"
	"github.com/vkngwrapper/segheap/internal/trace"
	"github.com/vkngwrapper/segheap/memutils/provider"
)

type replayOptions struct {
	maxHeap int
	chunk   int
	check   bool
	mmap    bool
}

func newReplayCmd(globals *globalOptions) *cobra.Command {
	options := &replayOptions{}

	cmd := &cobra.Command{
		Use:   "replay <trace>...",
		Short: "Replay trace files and report utilization",
		Long: `The replay command runs every trace against a fresh heap and verifies the
allocator's answers as it goes. A trace fails on the first misaligned,
overlapping or corrupted payload, or when the heap runs out of memory.

Example:
  heaptrace replay short1.rep
  heaptrace replay --check --max-heap 1048576 traces/*.rep
  heaptrace replay --mmap --json realloc.rep`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReplay(cmd, globals, options, args)
		},
	}

	cmd.Flags().IntVar(&options.maxHeap, "max-heap", provider.DefaultMaxSize, "Largest heap the provider will grow to, in bytes")
	cmd.Flags().IntVar(&options.chunk, "chunk", heap.DefaultChunkSize, "Minimum heap growth, in bytes")
	cmd.Flags().BoolVar(&options.check, "check", false, "Run the heap checker after every operation")
	cmd.Flags().BoolVar(&options.mmap, "mmap", false, "Back the heap with an mmap reservation instead of a Go slice")

	return cmd
}

type replayReport struct {
	file   string
	result trace.Result
	stats  string
	err    error
}

func runReplay(cmd *cobra.Command, globals *globalOptions, options *replayOptions, files []string) error {
	var reports []replayReport
	failed := 0

	for _, file := range files {
		globals.printVerbose(cmd, "Replaying %s\n", file)

		report := replayFile(cmd, globals, options, file)
		if report.err != nil {
			failed++
		}
		reports = append(reports, report)
	}

	if globals.jsonOut {
		printReportsJSON(cmd, reports)
	} else {
		printReports(cmd, reports)
	}

	if failed > 0 {
		return errors.Newf("%d of %d traces failed", failed, len(files))
	}
	return nil
}

func replayFile(cmd *cobra.Command, globals *globalOptions, options *replayOptions, file string) replayReport {
	report := replayReport{file: file}

	f, err := os.Open(file)
	if err != nil {
		report.err = errors.Wrap(err, "failed to open trace")
		return report
	}
	defer f.Close()

	t, err := trace.Parse(f)
	if err != nil {
		report.err = err
		return report
	}

	var p provider.Provider
	if options.mmap {
		p, err = provider.NewMmapProvider(options.maxHeap)
		if err != nil {
			report.err = err
			return report
		}
	} else {
		p = provider.NewSliceProvider(options.maxHeap)
	}

	logger := globals.logger(cmd)
	h, err := heap.New(logger, p, heap.CreateOptions{ChunkSize: options.chunk})
	if err != nil {
		_ = p.Close()
		report.err = err
		return report
	}

	report.result, report.err = trace.Replay(h, t, trace.ReplayOptions{
		CheckEveryOp: options.check,
		Logger:       logger,
	})
	report.stats = h.BuildStatsString(globals.verbose)

	if err := h.Destroy(); err != nil {
		globals.printVerbose(cmd, "%s: %v\n", file, err)
	}

	return report
}

func printReports(cmd *cobra.Command, reports []replayReport) {
	out := cmd.OutOrStdout()

	for _, report := range reports {
		if report.err != nil {
			fmt.Fprintf(out, "%s: FAIL after %d ops: %v\n", report.file, report.result.Ops, report.err)
			continue
		}

		fmt.Fprintf(out, "%s: ok ops=%d peak=%d heap=%d util=%.1f%%\n",
			report.file,
			report.result.Ops,
			report.result.PeakLiveBytes,
			report.result.HeapSize,
			100*report.result.Utilization(),
		)
	}
}

func printReportsJSON(cmd *cobra.Command, reports []replayReport) {
	writer := jwriter.NewWriter()

	arr := writer.Array()
	for _, report := range reports {
		obj := arr.Object()
		obj.Name("File").String(report.file)
		obj.Name("Ok").Bool(report.err == nil)
		if report.err != nil {
			obj.Name("Error").String(report.err.Error())
		}

		result := obj.Name("Result").Object()
		report.result.PrintJSON(&result)
		result.End()

		if report.stats != "" {
			obj.Name("Heap").Raw([]byte(report.stats))
		}
		obj.End()
	}
	arr.End()

	fmt.Fprintln(cmd.OutOrStdout(), string(writer.Bytes()))
}
