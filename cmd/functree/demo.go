package main

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/getsentry/functree"
)

type demoOptions struct {
	config          string
	path            string
	minimumDuration time.Duration
	topK            string
	workers         int
	items           int
}

func newDemoCommand() *cobra.Command {
	var opts demoOptions
	cmd := &cobra.Command{
		Use:   "demo",
		Short: "Run an instrumented sample workload",
		Long: `demo runs a small workload of nested synchronous and asynchronous calls
and appends one call tree per processed batch.

Settings are read from --config, or from the environment:
` + functree.ConfigUsage(),
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			config, err := demoConfig(cmd, opts)
			if err != nil {
				return err
			}
			return runDemo(cmd.Context(), config, opts.workers, opts.items)
		},
	}

	f := cmd.Flags()
	f.StringVarP(&opts.config, "config", "c", "", "configuration file (yaml, json, toml or .env)")
	f.StringVarP(&opts.path, "path", "o", functree.DefaultPath, "file the call trees are appended to")
	f.DurationVarP(&opts.minimumDuration, "minimum-duration", "m", functree.DefaultMinimumDuration, "calls shorter than this are not reported")
	f.StringVarP(&opts.topK, "top-k", "k", "all", "number of longest calls kept per tree, or all")
	f.IntVarP(&opts.workers, "workers", "w", 2, "number of concurrent batches")
	f.IntVar(&opts.items, "items", 4, "items fetched per batch")
	return cmd
}

// demoConfig loads the file or environment configuration and applies the
// flags given explicitly on top of it.
func demoConfig(cmd *cobra.Command, opts demoOptions) (functree.Config, error) {
	var config functree.Config
	var err error
	if opts.config != "" {
		config, err = functree.LoadConfig(opts.config)
	} else {
		config, err = functree.ConfigFromEnv()
	}
	if err != nil {
		return functree.Config{}, err
	}

	f := cmd.Flags()
	if f.Changed("path") {
		config.Path = opts.path
	}
	if f.Changed("minimum-duration") {
		config.MinimumDuration = opts.minimumDuration
	}
	if f.Changed("top-k") {
		config.TopK, err = functree.ParseTopK(opts.topK)
		if err != nil {
			return functree.Config{}, err
		}
	}
	return config, config.Validate()
}

func runDemo(ctx context.Context, config functree.Config, workers, items int) error {
	timer, err := functree.New(functree.WithConfig(config), functree.WithLogger(log.Logger))
	if err != nil {
		return err
	}

	decode := functree.WrapFunc(timer, "decode", func(ctx context.Context, size int) (int, error) {
		time.Sleep(time.Duration(size) * time.Millisecond)
		return size * 2, nil
	})
	fetch := functree.WrapAsync(timer, "fetch", func(ctx context.Context, id int) (int, error) {
		time.Sleep(time.Duration(20+rand.Intn(60)) * time.Millisecond)
		return decode(ctx, 10+id*5)
	})
	store := timer.Wrap("store", func(ctx context.Context) error {
		time.Sleep(30 * time.Millisecond)
		return nil
	})
	batch := functree.WrapFunc(timer, "batch", func(ctx context.Context, n int) (int, error) {
		futures := make([]*functree.Future[int], 0, n)
		for i := 0; i < n; i++ {
			futures = append(futures, fetch(ctx, i))
		}
		total := 0
		for _, f := range futures {
			v, err := f.Await(ctx)
			if err != nil {
				return 0, err
			}
			total += v
		}
		return total, store(ctx)
	})

	var wg sync.WaitGroup
	errs := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(ctx context.Context) {
			defer wg.Done()
			if _, err := batch(ctx, items); err != nil {
				errs <- err
			}
		}(functree.Fork(ctx))
	}
	wg.Wait()
	close(errs)
	if err := <-errs; err != nil {
		return err
	}

	log.Info().Str("path", timer.Config().Path).Int("trees", workers).Msg("demo workload finished")
	return nil
}
