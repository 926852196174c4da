// quarry-worker is the external conversion process. It reads framed requests
// from stdin one at a time, translates each source file into cache
// artifacts, and writes exactly one framed response per request. It exits
// cleanly when stdin is closed.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/quarrylab/quarry/internal/convert"
	"github.com/quarrylab/quarry/internal/log"
	"github.com/quarrylab/quarry/internal/protocol"
)

func main() {
	log.Setup(os.Getenv("QUARRY_LOG_LEVEL"), "text")
	logger := log.WithComponent("worker")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	translator := convert.NewFileTranslator()
	dec := json.NewDecoder(os.Stdin)

	for {
		if ctx.Err() != nil {
			logger.Info("termination requested, exiting")
			return
		}

		req, err := protocol.DecodeRequest(dec)
		if errors.Is(err, io.EOF) {
			logger.Debug("stdin closed, exiting")
			return
		}
		if err != nil {
			// A garbled stream cannot be resynchronized; exit and let
			// the dispatcher respawn us.
			logger.Error("failed to decode request", "error", err)
			os.Exit(1)
		}

		resp := execute(ctx, translator, req)
		if err := protocol.EncodeResponse(os.Stdout, resp); err != nil {
			logger.Error("failed to encode response", "error", err)
			os.Exit(1)
		}
	}
}

func execute(ctx context.Context, translator convert.Translator, req *protocol.Request) *protocol.Response {
	tctx := ctx
	if !req.DeadlineAt.IsZero() {
		var cancel context.CancelFunc
		tctx, cancel = context.WithDeadline(ctx, req.DeadlineAt)
		defer cancel()
	}

	started := time.Now()
	artifacts, err := translator.Translate(tctx, req)
	if err != nil {
		return &protocol.Response{
			JobKey: req.JobKey,
			Status: "error",
			Error:  err.Error(),
		}
	}

	return &protocol.Response{
		JobKey:    req.JobKey,
		Status:    "ok",
		Artifacts: artifacts,
		Logs: []protocol.LogEntry{
			{Level: "info", Message: "translated in " + time.Since(started).Round(time.Millisecond).String()},
		},
	}
}
