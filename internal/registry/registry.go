// Package registry implements the rendezvous table that pairs a CLIENT and
// SERVER half-connection bearing the same id, with conflict, takeover and
// staleness policies.
//
// Registry is NOT safe for concurrent use. It is designed to be owned and
// mutated exclusively by a single dispatcher goroutine (see the
// dispatcher package), mirroring the reference rendezvous library's
// Server.serve loop, which owns its idle-conn map the same way: by being
// the only goroutine that ever touches it.
package registry

import (
	"log/slog"
	"net"
	"time"

	"github.com/xiebigbig/ultravnc-repeater/internal/handshake"
	"github.com/xiebigbig/ultravnc-repeater/internal/liveness"
)

// HalfConn is a parked half-connection: a socket that completed the
// handshake with a role and id but has not yet been paired.
type HalfConn struct {
	Conn     net.Conn
	Role     handshake.Role
	ID       string
	PeerAddr string
	ParkedAt time.Time
}

// Outcome classifies the result of a Submit call.
type Outcome int

const (
	// Parked means the half-connection was inserted and is now awaiting a peer.
	Parked Outcome = iota
	// Paired means a peer of the opposite role was found; Peer is the other half.
	Paired
	// Refused means a same-role conflict was rejected (refuse-mode on); the new socket was closed.
	Refused
	// Replaced means a same-role conflict evicted the incumbent (refuse-mode off); the old socket was closed.
	Replaced
)

// Result is returned by Submit.
type Result struct {
	Outcome Outcome

	// Peer is set only when Outcome == Paired: the other half of the new pairing.
	Peer HalfConn
}

// Registry is the single-writer rendezvous table described in §4.2.
type Registry struct {
	// RefuseMode selects refuse-vs-replace policy on same-role conflicts.
	RefuseMode bool

	// Prober probes whether a parked half-connection's peer is still alive.
	// If nil, liveness.AlwaysAlive{} is used (staleness detection disabled).
	Prober liveness.Prober

	// Logger receives diagnostic events. If nil, logging is skipped.
	Logger *slog.Logger

	parked map[string]HalfConn
}

// New returns a ready-to-use Registry.
func New(refuseMode bool, prober liveness.Prober, logger *slog.Logger) *Registry {
	if prober == nil {
		prober = liveness.AlwaysAlive{}
	}
	return &Registry{
		RefuseMode: refuseMode,
		Prober:     prober,
		Logger:     logger,
		parked:     make(map[string]HalfConn),
	}
}

func (r *Registry) log(level slog.Level, msg string, args ...any) {
	if r.Logger == nil {
		return
	}
	r.Logger.Log(nil, level, msg, args...)
}

// Submit implements the §4.2 submit algorithm. Callers must invoke Submit
// only from the single owning goroutine; see the package doc.
func (r *Registry) Submit(role handshake.Role, id string, conn net.Conn, peerAddr string) Result {
	existing, ok := r.parked[id]

	if ok && existing.Role == role {
		if !r.Prober.IsAlive(existing.Conn) {
			r.log(slog.LevelDebug, "evicting dead parked half before conflict", "id", id, "role", role)
			existing.Conn.Close()
			delete(r.parked, id)
			ok = false
		} else if r.RefuseMode {
			r.log(slog.LevelInfo, "refusing extra", "id", id, "role", role, "addr", peerAddr)
			conn.Close()
			return Result{Outcome: Refused}
		} else {
			r.log(slog.LevelInfo, "replacing parked half", "id", id, "role", role, "addr", peerAddr)
			existing.Conn.Close()
			r.parked[id] = HalfConn{Conn: conn, Role: role, ID: id, PeerAddr: peerAddr, ParkedAt: time.Now()}
			return Result{Outcome: Replaced}
		}
	}

	if ok && existing.Role != role {
		delete(r.parked, id)
		r.log(slog.LevelInfo, "paired", "id", id, "addr", peerAddr)
		return Result{Outcome: Paired, Peer: existing}
	}

	r.parked[id] = HalfConn{Conn: conn, Role: role, ID: id, PeerAddr: peerAddr, ParkedAt: time.Now()}
	r.log(slog.LevelDebug, "parked", "id", id, "role", role, "addr", peerAddr)
	return Result{Outcome: Parked}
}

// Sweep evicts parked entries whose peer has gone away, per the liveness
// probe. Safe to call repeatedly; a no-op when every parked socket is alive.
func (r *Registry) Sweep() (evicted int) {
	for id, hc := range r.parked {
		if !r.Prober.IsAlive(hc.Conn) {
			hc.Conn.Close()
			delete(r.parked, id)
			evicted++
			r.log(slog.LevelDebug, "swept stale half", "id", id, "role", hc.Role)
		}
	}
	return evicted
}

// Drain closes every parked socket and empties the registry, for shutdown.
func (r *Registry) Drain() {
	for id, hc := range r.parked {
		hc.Conn.Close()
		delete(r.parked, id)
	}
}

// Len returns the number of currently parked half-connections (test/metrics use).
func (r *Registry) Len() int {
	return len(r.parked)
}
