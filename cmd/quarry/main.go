// quarry converts a batch of source files into cache artifacts by
// dispatching them across a pool of quarry-worker processes (or an
// in-process fallback) and prints a per-job summary.
//
// Per-job failures are an expected outcome and do not affect the exit code;
// only usage, config, and lock errors are fatal.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/quarrylab/quarry/internal/cache"
	"github.com/quarrylab/quarry/internal/config"
	"github.com/quarrylab/quarry/internal/convert"
	"github.com/quarrylab/quarry/internal/dispatch"
	"github.com/quarrylab/quarry/internal/ledger"
	"github.com/quarrylab/quarry/internal/lock"
	"github.com/quarrylab/quarry/internal/log"
	"github.com/quarrylab/quarry/internal/task"
)

const version = "0.1.0"

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	fs := flag.NewFlagSet("quarry", flag.ContinueOnError)
	var (
		configPath  = fs.String("config", "", "path to config file (optional)")
		cacheDir    = fs.String("cache", "", "cache directory (overrides config)")
		workers     = fs.Int("workers", -1, "worker process count (overrides config)")
		local       = fs.Bool("local", false, "run in-process, without worker processes")
		workerBin   = fs.String("worker-bin", "", "worker executable (overrides config)")
		useLedger   = fs.Bool("ledger", false, "record the run in the cache ledger")
		clean       = fs.Bool("clean", false, "prune cache entries older than the retention period first")
		logLevel    = fs.String("log-level", "", "debug|info|warn|error (overrides config)")
		showVersion = fs.Bool("version", false, "print version and exit")
	)
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: quarry [flags] <input-file>...\n\n")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return 2
	}

	if *showVersion {
		fmt.Printf("quarry version %s\n", version)
		return 0
	}

	inputs := fs.Args()
	if len(inputs) == 0 {
		fs.Usage()
		return 2
	}

	cfg := config.Defaults()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "quarry: %v\n", err)
			return 1
		}
		cfg = loaded
	}
	if *cacheDir != "" {
		cfg.Cache.Dir = *cacheDir
	}
	if *workers >= 0 {
		cfg.Dispatch.Workers = *workers
	}
	if *local {
		cfg.Dispatch.ForceLocal = true
	}
	if *workerBin != "" {
		cfg.Dispatch.WorkerBin = *workerBin
	}
	if *useLedger {
		cfg.Cache.Ledger = true
	}
	if *logLevel != "" {
		cfg.Service.LogLevel = *logLevel
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "quarry: %v\n", err)
		return 1
	}

	log.Setup(cfg.Service.LogLevel, cfg.Service.LogFormat)
	logger := log.WithComponent("cli")

	cacheLock, err := lock.Acquire(cfg.Cache.Dir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "quarry: %v\n", err)
		return 1
	}
	defer func() { _ = cacheLock.Release() }()

	if *clean {
		cm, err := cache.NewManager(cfg.Cache.Dir)
		if err != nil {
			fmt.Fprintf(os.Stderr, "quarry: %v\n", err)
			return 1
		}
		report, err := cm.Cleanup(cfg.Cache.Retention)
		if err != nil {
			logger.Warn("cache cleanup failed", "error", err)
		} else if report.DeletedDirs > 0 {
			logger.Info("pruned stale cache entries", "deleted_dirs", report.DeletedDirs)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var opts []dispatch.Option
	var journal *ledger.Ledger
	if cfg.Cache.Ledger {
		journal, err = ledger.Open(ctx, filepath.Join(cfg.Cache.Dir, "ledger.db"))
		if err != nil {
			fmt.Fprintf(os.Stderr, "quarry: %v\n", err)
			return 1
		}
		defer func() { _ = journal.Close() }()
		opts = append(opts, dispatch.WithObserver(journal))
	}

	disp, err := dispatch.New(cfg, convert.NewFileTranslator(), opts...)
	if err != nil {
		fmt.Fprintf(os.Stderr, "quarry: %v\n", err)
		return 1
	}

	keys := make(map[string]string, len(inputs)) // job key -> input arg
	for _, input := range inputs {
		key, err := disp.AddTask(dispatch.JobRequest{InputPath: input})
		if err != nil {
			fmt.Fprintf(os.Stderr, "quarry: enqueue %s: %v\n", input, err)
			return 1
		}
		keys[key] = input
	}

	useWorkers := !cfg.Dispatch.ForceLocal && cfg.Dispatch.Workers > 0
	if journal != nil {
		mode := "local"
		if useWorkers {
			mode = "workers"
		}
		if err := journal.BeginRun(ctx, mode); err != nil {
			logger.Error("ledger begin failed", "error", err)
		}
	}

	// A signal cancels the run: pending tasks fail immediately, in-flight
	// ones when their worker call returns.
	go func() {
		<-ctx.Done()
		disp.Cancel()
	}()

	if err := disp.Process(ctx, useWorkers); err != nil {
		fmt.Fprintf(os.Stderr, "quarry: %v\n", err)
		return 1
	}

	if journal != nil {
		if err := journal.FinishRun(context.Background()); err != nil {
			logger.Error("ledger finish failed", "error", err)
		}
	}

	printSummary(disp, keys)
	return 0
}

func printSummary(disp *dispatch.Dispatcher, keys map[string]string) {
	var completed, failed int
	for key, input := range keys {
		info, ok := disp.TaskInfo(key)
		if !ok {
			continue
		}
		switch info.State {
		case task.StateCompleted:
			completed++
			fmt.Printf("ok      %s (%d artifacts)\n", input, len(info.Artifacts))
		case task.StateFailed:
			failed++
			fmt.Printf("failed  %s: %v\n", input, info.Err)
		}
	}
	fmt.Printf("\n%d completed, %d failed\n", completed, failed)
}
