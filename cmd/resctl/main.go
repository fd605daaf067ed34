package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"flag"

	"github.com/gpudevservers/resctl/internal/app"
	"github.com/gpudevservers/resctl/internal/config"
)

func main() {
	mode := flag.String("mode", "", "run mode: api, poller, worker, availability, expiry, reconciler, snapshot-retention, seed (overrides GPUCTL_MODE)")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: loading config: %v\n", err)
		os.Exit(1)
	}

	// CLI flag overrides env var.
	if *mode != "" {
		cfg.Mode = *mode
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// In worker mode a single positional argument (the message ID recovered
	// from the spawning Job's name) follows the flags, mirroring the
	// original processor's worker entrypoint.
	var workerMsgID string
	if cfg.Mode == "worker" {
		if flag.NArg() < 1 {
			fmt.Fprintln(os.Stderr, "error: worker mode requires a message ID argument")
			os.Exit(1)
		}
		workerMsgID = flag.Arg(0)
	}

	if err := app.Run(ctx, cfg, workerMsgID); err != nil {
		slog.Error("fatal", "error", err)
		os.Exit(1)
	}
}
