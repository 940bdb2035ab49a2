package handshake

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func pipe(t *testing.T) (net.Conn, net.Conn) {
	t.Helper()
	a, b := net.Pipe()
	t.Cleanup(func() { a.Close(); b.Close() })
	return a, b
}

func padded(s string, size int) []byte {
	buf := make([]byte, size)
	copy(buf, s)
	return buf
}

func TestRead_IDTag(t *testing.T) {
	server, client := pipe(t)
	go client.Write(padded("ID:abcd", DefaultBufSize))

	res, err := Read(server, RoleServer, Options{})
	require.NoError(t, err)
	assert.Equal(t, KindID, res.Kind)
	assert.Equal(t, "abcd", res.ID)
}

func TestRead_ServerWithoutIDIsMalformed(t *testing.T) {
	server, client := pipe(t)
	go client.Write(padded("not an id", DefaultBufSize))

	_, err := Read(server, RoleServer, Options{})
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestRead_ClientBannerThenID(t *testing.T) {
	server, client := pipe(t)

	bannerCh := make(chan []byte, 1)
	go func() {
		buf := make([]byte, len(Banner))
		readFullConn(client, buf)
		bannerCh <- buf
		client.Write(padded("ID:xyz", DefaultBufSize))
	}()

	res, err := Read(server, RoleClient, Options{SendBanner: true})
	require.NoError(t, err)
	assert.Equal(t, Banner, string(<-bannerCh))
	assert.Equal(t, "xyz", res.ID)
}

func TestRead_ShortBlockIsMalformed(t *testing.T) {
	server, client := pipe(t)
	go func() {
		client.Write([]byte("ID:ab"))
		client.Close()
	}()

	_, err := Read(server, RoleServer, Options{BufSize: DefaultBufSize, InitTimeout: 50 * time.Millisecond})
	assert.ErrorIs(t, err, ErrShortRead)
}

func TestRead_Timeout(t *testing.T) {
	server, _ := pipe(t)
	_, err := Read(server, RoleServer, Options{InitTimeout: 20 * time.Millisecond})
	assert.ErrorIs(t, err, ErrShortRead)
}

func TestParseDirectTarget_PortNormalization(t *testing.T) {
	cases := []struct {
		in       string
		wantHost string
		wantPort int
	}{
		{"host:0", "host", 5900},
		{"host:80", "host", 5980},
		{"host:-22", "host", 22},
		{"host:5900", "host", 5900},
		{"example.test:5", "example.test", 5905},
		{"bare-host", "bare-host", 5900},
	}
	for _, c := range cases {
		host, port, err := parseDirectTarget(padded(c.in, DefaultBufSize))
		require.NoError(t, err, c.in)
		assert.Equal(t, c.wantHost, host, c.in)
		assert.Equal(t, c.wantPort, port, c.in)
	}
}

func TestRead_ClientDirectDial(t *testing.T) {
	server, client := pipe(t)
	go func() {
		buf := make([]byte, len(Banner))
		readFullConn(client, buf)
		client.Write(padded("127.0.0.1:5999", DefaultBufSize))
	}()

	res, err := Read(server, RoleClient, Options{SendBanner: true})
	require.NoError(t, err)
	assert.Equal(t, KindDirect, res.Kind)
	assert.Equal(t, "127.0.0.1", res.Host)
	assert.Equal(t, 5999, res.Port)
}

// readFullConn reads until buf is full or the conn errors.
func readFullConn(conn net.Conn, buf []byte) {
	total := 0
	for total < len(buf) {
		n, err := conn.Read(buf[total:])
		total += n
		if err != nil {
			return
		}
	}
}
