package splice

import (
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSplice_BidirectionalTransparency(t *testing.T) {
	aServer, aClient := net.Pipe()
	bServer, bClient := net.Pipe()

	done := make(chan struct{})
	var nAtoB, nBtoA int64
	go func() {
		nAtoB, nBtoA, _ = Splice(context.Background(), aServer, bServer, Options{})
		close(done)
	}()

	go func() {
		buf := make([]byte, 5)
		io.ReadFull(bClient, buf)
		assert.Equal(t, "hello", string(buf))
		bClient.Write([]byte("world"))
		bClient.Close()
	}()

	aClient.Write([]byte("hello"))
	buf := make([]byte, 5)
	_, err := io.ReadFull(aClient, buf)
	require.NoError(t, err)
	assert.Equal(t, "world", string(buf))
	aClient.Close()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("splice did not complete")
	}
	assert.Equal(t, int64(5), nAtoB)
	assert.Equal(t, int64(5), nBtoA)
}

func TestSplice_OneSideClosingEndsBoth(t *testing.T) {
	a, aClient := net.Pipe()
	b, bClient := net.Pipe()
	defer bClient.Close()

	done := make(chan struct{})
	go func() {
		Splice(context.Background(), a, b, Options{Grace: 10 * time.Millisecond, Confirm: 10 * time.Millisecond})
		close(done)
	}()

	go io.Copy(io.Discard, bClient)

	aClient.Close()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("splice did not tear down after one side closed")
	}
}

func TestSplice_GraceWindowDelaysTeardown(t *testing.T) {
	a, aClient := net.Pipe()
	b, bClient := net.Pipe()
	defer bClient.Close()

	grace := 200 * time.Millisecond
	confirm := 300 * time.Millisecond

	done := make(chan struct{})
	start := time.Now()
	go func() {
		Splice(context.Background(), a, b, Options{Grace: grace, Confirm: confirm})
		close(done)
	}()

	go io.Copy(io.Discard, bClient)

	aClient.Close()

	select {
	case <-done:
		elapsed := time.Since(start)
		assert.GreaterOrEqual(t, elapsed, grace+confirm-50*time.Millisecond)
	case <-time.After(3 * time.Second):
		t.Fatal("splice did not tear down within grace+confirm window")
	}
}

func TestSplice_ContextCancelTearsDownBothSockets(t *testing.T) {
	a, aClient := net.Pipe()
	b, bClient := net.Pipe()
	defer aClient.Close()
	defer bClient.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		Splice(ctx, a, b, Options{})
		close(done)
	}()

	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("splice did not observe context cancellation")
	}

	_, err := a.Write([]byte("x"))
	assert.Error(t, err)
}

func TestOptions_BufferSizeFloor(t *testing.T) {
	o := Options{BufferSize: 16}
	assert.Equal(t, MinBufferSize, o.bufferSize())

	o2 := Options{BufferSize: MinBufferSize * 2}
	assert.Equal(t, MinBufferSize*2, o2.bufferSize())
}

func TestOptions_Defaults(t *testing.T) {
	o := Options{}
	assert.Equal(t, DefaultGrace, o.grace())
	assert.Equal(t, DefaultConfirm, o.confirm())
}
