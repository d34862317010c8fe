package main

import (
	"math/rand"
	"os"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"
	"github.com/vkngwrapper/segheap/internal/trace"
)

type genOptions struct {
	ids         int
	maxSize     int
	reallocRate float64
	seed        int64
	output      string
}

func newGenCmd(globals *globalOptions) *cobra.Command {
	options := &genOptions{}

	cmd := &cobra.Command{
		Use:   "gen",
		Short: "Generate a random trace",
		Long: `The gen command writes a random but valid trace: every id is allocated once,
optionally reallocated, and released before the trace ends.

Example:
  heaptrace gen --ids 1000 --max-size 8192 > random.rep
  heaptrace gen --realloc-rate 0.3 --seed 7 -o realloc.rep`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runGen(cmd, globals, options)
		},
	}

	cmd.Flags().IntVar(&options.ids, "ids", 100, "Number of distinct allocations")
	cmd.Flags().IntVar(&options.maxSize, "max-size", 4096, "Largest requested size, in bytes")
	cmd.Flags().Float64Var(&options.reallocRate, "realloc-rate", 0, "Probability that an operation on a live id reallocates it")
	cmd.Flags().Int64Var(&options.seed, "seed", 0, "Random seed; 0 picks one from the clock")
	cmd.Flags().StringVarP(&options.output, "output", "o", "", "Write the trace to this file instead of stdout")

	return cmd
}

func runGen(cmd *cobra.Command, globals *globalOptions, options *genOptions) error {
	seed := options.seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	globals.printVerbose(cmd, "Generating trace with seed %d\n", seed)

	t := trace.Generate(rand.New(rand.NewSource(seed)), trace.GenerateOptions{
		IDs:         options.ids,
		MaxSize:     options.maxSize,
		ReallocRate: options.reallocRate,
	})

	if options.output == "" {
		return trace.Write(cmd.OutOrStdout(), t)
	}

	f, err := os.Create(options.output)
	if err != nil {
		return errors.Wrap(err, "failed to create output file")
	}

	if err := trace.Write(f, t); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}
