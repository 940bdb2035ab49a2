// Command ultravnc-repeater runs the UltraVNC repeater (mode II)
// rendezvous relay: two listeners, a handshake reader, a single-writer
// rendezvous registry, and a bidirectional splicer, wired together per
// the supervisor's lifecycle policy.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"time"

	"github.com/xiebigbig/ultravnc-repeater/internal/config"
	"github.com/xiebigbig/ultravnc-repeater/internal/dispatcher"
	"github.com/xiebigbig/ultravnc-repeater/internal/handshake"
	"github.com/xiebigbig/ultravnc-repeater/internal/liveness"
	"github.com/xiebigbig/ultravnc-repeater/internal/pidfile"
	"github.com/xiebigbig/ultravnc-repeater/internal/registry"
	"github.com/xiebigbig/ultravnc-repeater/internal/supervisor"
)

func main() {
	opts, err := config.Parse(os.Args)
	if errors.Is(err, config.ErrHelpRequested) {
		os.Exit(0)
	}
	if err != nil {
		log.Fatalf("ultravnc-repeater: %v", err)
	}

	logger, closeLog, err := newLogger(opts)
	if err != nil {
		log.Fatalf("ultravnc-repeater: %v", err)
	}
	defer closeLog()
	slog.SetDefault(logger)

	if err := pidfile.Write(opts.PIDFile); err != nil {
		logger.Error("pidfile write failed", "err", err)
		os.Exit(1)
	}
	defer pidfile.Remove(opts.PIDFile)

	worker := func(ctx context.Context) error {
		reg := registry.New(opts.Refuse, liveness.NewGopsutil(), logger)
		d := dispatcher.New(dispatcher.Options{
			ClientPort: opts.ClientPort,
			ServerPort: opts.ServerPort,
			Handshake: handshake.Options{
				BufSize:     opts.BufSize,
				InitTimeout: time.Duration(opts.InitTimeoutSeconds) * time.Second,
				SendBanner:  !opts.NoRFB,
			},
			Refuse:        opts.Refuse,
			Clean:         opts.Clean,
			SelectTimeout: time.Duration(opts.SelectTimeoutSeconds) * time.Second,
			Logger:        logger,
		}, reg)
		return d.Run(ctx)
	}

	if err := supervisor.Run(context.Background(), opts.Loop, logger, worker); err != nil {
		logger.Error("fatal", "err", err)
		os.Exit(1)
	}
}

// newLogger builds the process-wide slog.Logger per §10: local timestamps,
// the originating PID bound to every record, level gated by -v, and a
// sink selected by -l (file) or stderr by default.
func newLogger(opts config.Options) (*slog.Logger, func(), error) {
	var w io.Writer = os.Stderr
	closeFn := func() {}

	if opts.LogFile != "" {
		f, err := os.OpenFile(opts.LogFile, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
		if err != nil {
			return nil, nil, fmt.Errorf("open logfile %s: %w", opts.LogFile, err)
		}
		w = f
		closeFn = func() { f.Close() }
	}

	level := slog.LevelInfo
	if opts.Verbose {
		level = slog.LevelDebug
	}

	handler := slog.NewTextHandler(w, &slog.HandlerOptions{
		Level: level,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey {
				a.Value = slog.StringValue(a.Value.Time().Local().Format(time.RFC3339))
			}
			return a
		},
	})

	logger := slog.New(handler).With("pid", os.Getpid())
	return logger, closeFn, nil
}
