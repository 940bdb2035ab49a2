// Package dispatcher owns the two listening sockets, routes each accepted
// connection through the handshake reader, and drives the single-writer
// rendezvous registry and the direct-dial path.
//
// The accept-loop-per-listener plus errgroup coordination is grounded in
// the retrieved pack's private-server pattern (an errgroup.Group running
// several listener-serving goroutines under one cancelable group); the
// single-writer discipline over the registry is grounded in the reference
// rendezvous library's Server.serve select-loop, generalized here into an
// explicit handshake-result channel consumed by one dispatcher goroutine.
package dispatcher

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"time"

	"github.com/libp2p/go-reuseport"
	"golang.org/x/sync/errgroup"

	"github.com/xiebigbig/ultravnc-repeater/internal/addrspace"
	"github.com/xiebigbig/ultravnc-repeater/internal/handshake"
	"github.com/xiebigbig/ultravnc-repeater/internal/registry"
	"github.com/xiebigbig/ultravnc-repeater/internal/splice"
)

// DefaultDialTimeout bounds both the direct-dial path and its IPv4/IPv6
// fallback, per §9's recommendation of an explicit deadline.
const DefaultDialTimeout = 5 * time.Second

// Options configures a Dispatcher.
type Options struct {
	ClientPort int
	ServerPort int

	Handshake handshake.Options
	Refuse    bool

	// Clean enables the periodic sweep; SelectTimeout bounds its period.
	Clean         bool
	SelectTimeout time.Duration

	DialTimeout time.Duration

	Logger *slog.Logger
}

func (o Options) selectTimeout() time.Duration {
	if o.SelectTimeout > 0 {
		return o.SelectTimeout
	}
	return 15 * time.Second
}

func (o Options) dialTimeout() time.Duration {
	if o.DialTimeout > 0 {
		return o.DialTimeout
	}
	return DefaultDialTimeout
}

// Dispatcher binds the client/server listeners and runs the rendezvous
// event loop until its context is canceled.
type Dispatcher struct {
	opts     Options
	registry *registry.Registry

	clientListeners []net.Listener
	serverListeners []net.Listener
}

// New returns a ready-to-run Dispatcher backed by reg.
func New(opts Options, reg *registry.Registry) *Dispatcher {
	return &Dispatcher{opts: opts, registry: reg}
}

// ClientAddr returns the address of the first bound client listener, for
// tests that bind to port 0 and need to discover the chosen port.
func (d *Dispatcher) ClientAddr() string {
	if len(d.clientListeners) == 0 {
		return ""
	}
	return d.clientListeners[0].Addr().String()
}

// ServerAddr returns the address of the first bound server listener.
func (d *Dispatcher) ServerAddr() string {
	if len(d.serverListeners) == 0 {
		return ""
	}
	return d.serverListeners[0].Addr().String()
}

type handshakeEvent struct {
	role     handshake.Role
	result   handshake.Result
	conn     net.Conn
	peerAddr string
}

// Bind binds both listener sets. Run calls it when nothing is bound yet;
// it is exported separately so tests can discover ephemeral bound ports
// (port 0) before the accept loops start.
func (d *Dispatcher) Bind(ctx context.Context) error {
	var err error
	d.clientListeners, err = bindDualStack(ctx, d.opts.ClientPort)
	if err != nil {
		return fmt.Errorf("dispatcher: bind client port %d: %w", d.opts.ClientPort, err)
	}
	d.serverListeners, err = bindDualStack(ctx, d.opts.ServerPort)
	if err != nil {
		closeAll(d.clientListeners)
		return fmt.Errorf("dispatcher: bind server port %d: %w", d.opts.ServerPort, err)
	}
	d.log(slog.LevelInfo, "listening", "client_port", d.opts.ClientPort, "server_port", d.opts.ServerPort)
	return nil
}

// Run binds both listener sets, then serves until ctx is canceled. It
// returns a non-nil error only on total bind failure on either port; a
// canceled context produces a nil return after graceful shutdown.
func (d *Dispatcher) Run(ctx context.Context) error {
	if len(d.clientListeners) == 0 && len(d.serverListeners) == 0 {
		if err := d.Bind(ctx); err != nil {
			return err
		}
	}

	events := make(chan handshakeEvent, 64)

	eg, egCtx := errgroup.WithContext(ctx)
	context.AfterFunc(ctx, func() {
		closeAll(d.clientListeners)
		closeAll(d.serverListeners)
	})

	for _, ln := range d.clientListeners {
		ln := ln
		eg.Go(func() error {
			d.acceptLoop(egCtx, ln, handshake.RoleClient, events)
			return nil
		})
	}
	for _, ln := range d.serverListeners {
		ln := ln
		eg.Go(func() error {
			d.acceptLoop(egCtx, ln, handshake.RoleServer, events)
			return nil
		})
	}

	eg.Go(func() error {
		d.serve(egCtx, events)
		return nil
	})

	return eg.Wait()
}

func (d *Dispatcher) acceptLoop(ctx context.Context, ln net.Listener, role handshake.Role, events chan<- handshakeEvent) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			d.log(slog.LevelWarn, "accept failed", "role", role, "err", err)
			continue
		}
		peerAddr := conn.RemoteAddr().String()
		d.log(slog.LevelDebug, "accepted", "role", role, "addr", peerAddr, "space", addrspace.FromHostPort(peerAddr))
		go d.handleConn(ctx, conn, role, peerAddr, events)
	}
}

func (d *Dispatcher) handleConn(ctx context.Context, conn net.Conn, role handshake.Role, peerAddr string, events chan<- handshakeEvent) {
	result, err := handshake.Read(conn, role, d.opts.Handshake)
	if err != nil {
		d.log(slog.LevelDebug, "handshake failed", "role", role, "addr", peerAddr, "err", err)
		return
	}
	select {
	case events <- handshakeEvent{role: role, result: result, conn: conn, peerAddr: peerAddr}:
	case <-ctx.Done():
		conn.Close()
	}
}

// serve is the single dispatcher goroutine: it is the only caller of
// registry.Submit and registry.Sweep, preserving the single-writer
// invariant without locking the registry's map.
func (d *Dispatcher) serve(ctx context.Context, events <-chan handshakeEvent) {
	var sweepC <-chan time.Time
	if d.opts.Clean {
		ticker := time.NewTicker(d.opts.selectTimeout())
		defer ticker.Stop()
		sweepC = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			d.registry.Drain()
			return

		case ev := <-events:
			d.handleEvent(ctx, ev)

		case <-sweepC:
			if n := d.registry.Sweep(); n > 0 {
				d.log(slog.LevelDebug, "swept stale half-connections", "count", n)
			}
		}
	}
}

func (d *Dispatcher) handleEvent(ctx context.Context, ev handshakeEvent) {
	if ev.result.Kind == handshake.KindDirect {
		d.handleDirectDial(ctx, ev)
		return
	}

	res := d.registry.Submit(ev.role, ev.result.ID, ev.conn, ev.peerAddr)
	switch res.Outcome {
	case registry.Paired:
		go d.splice(ev.conn, res.Peer.Conn, ev.result.ID)
	case registry.Parked, registry.Refused, registry.Replaced:
		// No further action: Submit already applied the policy.
	}
}

func (d *Dispatcher) handleDirectDial(ctx context.Context, ev handshakeEvent) {
	target := net.JoinHostPort(ev.result.Host, strconv.Itoa(ev.result.Port))
	dialCtx, cancel := context.WithTimeout(ctx, d.opts.dialTimeout())
	defer cancel()

	conn, err := dialIPv4ThenIPv6(dialCtx, target)
	if err != nil {
		d.log(slog.LevelInfo, "direct dial failed", "target", target, "addr", ev.peerAddr, "err", err)
		ev.conn.Close()
		return
	}
	go d.splice(ev.conn, conn, "direct:"+target)
}

func (d *Dispatcher) splice(a, b net.Conn, id string) {
	n1, n2, err := splice.Splice(context.Background(), a, b, splice.Options{Logger: d.opts.Logger})
	d.log(slog.LevelInfo, "session ended", "id", id, "a_to_b", n1, "b_to_a", n2, "err", err)
}

func (d *Dispatcher) log(level slog.Level, msg string, args ...any) {
	if d.opts.Logger == nil {
		return
	}
	d.opts.Logger.Log(nil, level, msg, args...)
}

// dialIPv4ThenIPv6 dials target preferring an IPv4 candidate address and
// falling back to IPv6 if no IPv4 connection succeeds, per §9's resolved
// design note on direct-dial resolution order.
func dialIPv4ThenIPv6(ctx context.Context, target string) (net.Conn, error) {
	d := &net.Dialer{}
	conn, err4 := d.DialContext(ctx, "tcp4", target)
	if err4 == nil {
		return conn, nil
	}
	conn, err6 := d.DialContext(ctx, "tcp6", target)
	if err6 == nil {
		return conn, nil
	}
	return nil, fmt.Errorf("dial %s: ipv4: %w; ipv6: %s", target, err4, err6)
}

// bindDualStack binds port on both tcp4 and tcp6 with address-reuse
// enabled, per §4.3. It succeeds if at least one family binds.
func bindDualStack(ctx context.Context, port int) ([]net.Listener, error) {
	lc := net.ListenConfig{Control: reuseport.Control}
	addr := fmt.Sprintf(":%d", port)

	var listeners []net.Listener
	var errs []error

	if ln, err := lc.Listen(ctx, "tcp4", addr); err == nil {
		listeners = append(listeners, ln)
	} else {
		errs = append(errs, err)
	}

	if ln, err := lc.Listen(ctx, "tcp6", addr); err == nil {
		listeners = append(listeners, ln)
	} else {
		errs = append(errs, err)
	}

	if len(listeners) == 0 {
		return nil, fmt.Errorf("no address family bound: %v", errs)
	}
	return listeners, nil
}

func closeAll(listeners []net.Listener) {
	for _, ln := range listeners {
		ln.Close()
	}
}
