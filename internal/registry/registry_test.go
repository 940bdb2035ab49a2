package registry

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xiebigbig/ultravnc-repeater/internal/handshake"
	"github.com/xiebigbig/ultravnc-repeater/internal/liveness"
)

type fakeConn struct {
	net.Conn
	closed bool
}

func (f *fakeConn) Close() error {
	f.closed = true
	return nil
}

func TestSubmit_FirstInsertParks(t *testing.T) {
	r := New(false, liveness.AlwaysAlive{}, nil)
	res := r.Submit(handshake.RoleServer, "abcd", &fakeConn{}, "1.2.3.4:1")
	assert.Equal(t, Parked, res.Outcome)
	assert.Equal(t, 1, r.Len())
}

func TestSubmit_OppositeRolePairs(t *testing.T) {
	r := New(false, liveness.AlwaysAlive{}, nil)
	server := &fakeConn{}
	r.Submit(handshake.RoleServer, "abcd", server, "1.1.1.1:1")

	client := &fakeConn{}
	res := r.Submit(handshake.RoleClient, "abcd", client, "2.2.2.2:2")

	require.Equal(t, Paired, res.Outcome)
	assert.Same(t, server, res.Peer.Conn)
	assert.Equal(t, 0, r.Len(), "id must be removed before splicing")
	assert.False(t, server.closed)
	assert.False(t, client.closed)
}

func TestSubmit_SameRoleRefuseMode(t *testing.T) {
	r := New(true, liveness.AlwaysAlive{}, nil)
	first := &fakeConn{}
	r.Submit(handshake.RoleServer, "x", first, "a")

	second := &fakeConn{}
	res := r.Submit(handshake.RoleServer, "x", second, "b")

	assert.Equal(t, Refused, res.Outcome)
	assert.True(t, second.closed)
	assert.False(t, first.closed)
	assert.Equal(t, 1, r.Len())
}

func TestSubmit_SameRoleReplaceMode(t *testing.T) {
	r := New(false, liveness.AlwaysAlive{}, nil)
	first := &fakeConn{}
	r.Submit(handshake.RoleServer, "x", first, "a")

	second := &fakeConn{}
	res := r.Submit(handshake.RoleServer, "x", second, "b")

	assert.Equal(t, Replaced, res.Outcome)
	assert.True(t, first.closed)
	assert.False(t, second.closed)
	assert.Equal(t, 1, r.Len())
}

type deadProber struct{}

func (deadProber) IsAlive(net.Conn) bool { return false }

func TestSubmit_DeadIncumbentEvictedBeforeConflict(t *testing.T) {
	r := New(true, deadProber{}, nil)
	first := &fakeConn{}
	r.Submit(handshake.RoleServer, "x", first, "a")

	second := &fakeConn{}
	res := r.Submit(handshake.RoleServer, "x", second, "b")

	// Even with refuse-mode on, a dead incumbent is evicted and the new
	// socket becomes the parked half rather than being refused.
	assert.Equal(t, Parked, res.Outcome)
	assert.True(t, first.closed)
	assert.False(t, second.closed)
	assert.Equal(t, 1, r.Len())
}

func TestSweep_EvictsDeadParked(t *testing.T) {
	r := New(false, deadProber{}, nil)
	c := &fakeConn{}
	r.Submit(handshake.RoleServer, "y", c, "a")

	evicted := r.Sweep()
	assert.Equal(t, 1, evicted)
	assert.True(t, c.closed)
	assert.Equal(t, 0, r.Len())
}

func TestSweep_IdempotentWhenAlive(t *testing.T) {
	r := New(false, liveness.AlwaysAlive{}, nil)
	r.Submit(handshake.RoleServer, "y", &fakeConn{}, "a")

	assert.Equal(t, 0, r.Sweep())
	assert.Equal(t, 1, r.Len())
	assert.Equal(t, 0, r.Sweep())
	assert.Equal(t, 1, r.Len())
}

func TestDrain_ClosesAllParked(t *testing.T) {
	r := New(false, liveness.AlwaysAlive{}, nil)
	a, b := &fakeConn{}, &fakeConn{}
	r.Submit(handshake.RoleServer, "a", a, "1")
	r.Submit(handshake.RoleServer, "b", b, "2")

	r.Drain()
	assert.True(t, a.closed)
	assert.True(t, b.closed)
	assert.Equal(t, 0, r.Len())
}
