// Package splice implements the bidirectional byte copier that takes
// ownership of a paired CLIENT/SERVER (or client/direct-dial) socket pair
// and relays bytes until both directions end, then closes both sockets.
//
// The two-goroutine-plus-cancellation shape is adapted from the reference
// rendezvous library's Relayer.Relay: one goroutine per direction, each
// wrapped in io.CopyBuffer, coordinated through a context.CancelCauseFunc
// triggered by context.AfterFunc. This implementation adds the spec's
// two-stage grace/confirm teardown on top of that base shape.
package splice

import (
	"context"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"
)

const (
	// MinBufferSize is the minimum read buffer size mandated by §4.4.
	MinBufferSize = 8 * 1024

	// DefaultGrace is the initial grace period after one direction ends.
	DefaultGrace = 250 * time.Millisecond

	// DefaultConfirm is the additional confirmation wait before forcing teardown.
	DefaultConfirm = 900 * time.Millisecond
)

// Options configures a Splice call.
type Options struct {
	BufferSize int
	Grace      time.Duration
	Confirm    time.Duration
	Logger     *slog.Logger
}

func (o Options) bufferSize() int {
	if o.BufferSize > MinBufferSize {
		return o.BufferSize
	}
	return MinBufferSize
}

func (o Options) grace() time.Duration {
	if o.Grace > 0 {
		return o.Grace
	}
	return DefaultGrace
}

func (o Options) confirm() time.Duration {
	if o.Confirm > 0 {
		return o.Confirm
	}
	return DefaultConfirm
}

// halfCloser is implemented by *net.TCPConn and similar stream sockets that
// support shutting down only the write side.
type halfCloser interface {
	CloseWrite() error
}

// Splice copies bytes a->b and b->a concurrently until both directions have
// ended, then closes both sockets. It returns the number of bytes copied in
// each direction and the first error observed (often io.EOF).
func Splice(ctx context.Context, a, b net.Conn, opts Options) (nAtoB int64, nBtoA int64, err error) {
	ctx, cancel := context.WithCancelCause(ctx)
	context.AfterFunc(ctx, func() {
		a.Close()
		b.Close()
	})

	var (
		mu       sync.Mutex
		done     = map[string]bool{}
		timer    *time.Timer
		firstErr error
	)

	recordErr := func(cerr error) {
		mu.Lock()
		defer mu.Unlock()
		if firstErr == nil {
			firstErr = cerr
		}
	}

	// onDirectionDone implements §4.4's teardown: the first finished
	// direction half-closes its destination, then a grace+confirm timer
	// forces full teardown unless the opposite direction finishes first.
	onDirectionDone := func(name string, dst net.Conn) {
		if hc, ok := dst.(halfCloser); ok {
			hc.CloseWrite()
		}

		mu.Lock()
		done[name] = true
		bothDone := len(done) == 2
		if bothDone && timer != nil {
			timer.Stop()
		}
		mu.Unlock()

		if bothDone {
			cancel(firstErr)
			return
		}

		t := time.AfterFunc(opts.grace()+opts.confirm(), func() {
			cancel(firstErr)
		})
		mu.Lock()
		timer = t
		mu.Unlock()
	}

	resultCh := make(chan int64, 1)
	go func() {
		n, cerr := io.CopyBuffer(b, a, make([]byte, opts.bufferSize()))
		if cerr == nil {
			cerr = io.EOF
		}
		logCopyErr(opts.Logger, "a->b", cerr)
		recordErr(cerr)
		onDirectionDone("a->b", b)
		resultCh <- n
	}()

	n1, cerr := io.CopyBuffer(a, b, make([]byte, opts.bufferSize()))
	if cerr == nil {
		cerr = io.EOF
	}
	logCopyErr(opts.Logger, "b->a", cerr)
	recordErr(cerr)
	onDirectionDone("b->a", a)

	nBtoA = n1
	nAtoB = <-resultCh

	err = context.Cause(ctx)
	return
}

func logCopyErr(logger *slog.Logger, direction string, err error) {
	if logger == nil || err == nil || err == io.EOF {
		return
	}
	logger.Debug("splice: direction ended", "direction", direction, "err", err)
}
