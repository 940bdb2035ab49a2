// Package supervisor owns process lifecycle: signal-driven shutdown and
// the optional crash-respawn loop described in §4.6.
//
// Signal handling follows the teacher's serverCmd: signal.NotifyContext
// cancels the worker's context, and the worker (the dispatcher) does its
// own cleanup on cancellation via context.AfterFunc; the
// respawn backoff is grounded in the wider pack's dependency surface via
// github.com/cenkalti/backoff/v4, giving the spec's "1-second backoff"
// without a hand-rolled sleep loop.
package supervisor

import (
	"context"
	"log/slog"
	"os"
	"os/exec"
	"os/signal"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/xiebigbig/ultravnc-repeater/internal/config"
)

// Worker is the unit the supervisor runs and, in loop mode, respawns.
// It must return promptly once ctx is canceled.
type Worker func(ctx context.Context) error

// Run installs SIGINT/SIGTERM handling and runs worker until shutdown.
//
// In config.LoopOff, worker runs exactly once; any error it returns is
// propagated. In config.LoopOn or config.LoopBG, worker is re-launched
// with a constant 1-second backoff whenever it returns a non-nil error,
// until ctx is canceled by a signal. LoopBG additionally detaches from
// the controlling terminal before entering the loop.
func Run(parent context.Context, mode config.LoopMode, logger *slog.Logger, worker Worker) error {
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if mode == config.LoopBG {
		if err := detach(); err != nil {
			return err
		}
	}

	if mode == config.LoopOff {
		return worker(ctx)
	}

	return runLoop(ctx, logger, worker)
}

func runLoop(ctx context.Context, logger *slog.Logger, worker Worker) error {
	bo := backoff.NewConstantBackOff(time.Second)

	for {
		err := worker(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if err == nil {
			return nil
		}
		logf(logger, "worker exited, respawning", "err", err)

		select {
		case <-time.After(bo.NextBackOff()):
		case <-ctx.Done():
			return nil
		}
	}
}

func logf(logger *slog.Logger, msg string, args ...any) {
	if logger == nil {
		return
	}
	logger.Warn(msg, args...)
}

// backgroundEnv marks a re-exec'd child so detach does not recurse.
const backgroundEnv = "ULTRAVNC_REPEATER_BACKGROUNDED"

// detach re-execs the current process detached from its controlling
// terminal (new session, stdio redirected to /dev/null), then exits the
// parent. No daemonization library appears anywhere in the retrieved
// corpus, so this is implemented directly against os/exec and
// syscall.SysProcAttr rather than introducing an ungrounded dependency.
func detach() error {
	if os.Getenv(backgroundEnv) != "" {
		return nil
	}
	devNull, err := os.OpenFile(os.DevNull, os.O_RDWR, 0)
	if err != nil {
		return err
	}
	defer devNull.Close()

	self, err := os.Executable()
	if err != nil {
		return err
	}

	cmd := exec.Command(self, os.Args[1:]...)
	cmd.Env = append(os.Environ(), backgroundEnv+"=1")
	cmd.Stdin = devNull
	cmd.Stdout = devNull
	cmd.Stderr = devNull
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	if err := cmd.Start(); err != nil {
		return err
	}
	os.Exit(0)
	return nil
}
