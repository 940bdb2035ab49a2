// Package handshake implements the fixed-block UltraVNC repeater greeting:
// read (and for clients, first write) a bounded number of bytes from a
// freshly accepted socket and classify the result as an id tag, a direct
// dial target, or malformed input.
package handshake

import (
	"errors"
	"fmt"
	"io"
	"net"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Role identifies which listener accepted the socket.
type Role int

const (
	RoleClient Role = iota
	RoleServer
)

func (r Role) String() string {
	if r == RoleClient {
		return "client"
	}
	return "server"
}

// Kind classifies a successfully read handshake block.
type Kind int

const (
	KindID Kind = iota
	KindDirect
)

const (
	// DefaultBufSize is the number of bytes read for the handshake block (B in the spec).
	DefaultBufSize = 250

	// DefaultInitTimeout bounds the handshake read.
	DefaultInitTimeout = 5 * time.Second

	// DefaultDialPort is the port assumed for a direct dial target with no explicit port.
	DefaultDialPort = 5900

	// Banner is written verbatim to clients unless suppressed.
	Banner = "RFB 000.000\n"

	bannerWriteTimeout = 2 * time.Second
)

var (
	// ErrShortWrite is returned when the RFB banner could not be written in full.
	ErrShortWrite = errors.New("handshake: short banner write")

	// ErrShortRead is returned when fewer than BufSize bytes arrived before the deadline.
	ErrShortRead = errors.New("handshake: short or timed-out read")

	// ErrMalformed is returned when the block didn't match any recognized payload shape.
	ErrMalformed = errors.New("handshake: malformed payload")
)

var idPattern = regexp.MustCompile(`^ID:([A-Za-z0-9_]+)`)

// Options configures a single handshake read.
type Options struct {
	// BufSize is the number of bytes to read (B). Zero disables the fixed-size requirement.
	BufSize int

	// InitTimeout bounds the read. Zero means DefaultInitTimeout.
	InitTimeout time.Duration

	// SendBanner, when Role is RoleClient, writes Banner before reading.
	SendBanner bool
}

func (o Options) bufSize() int {
	if o.BufSize > 0 {
		return o.BufSize
	}
	return DefaultBufSize
}

func (o Options) initTimeout() time.Duration {
	if o.InitTimeout > 0 {
		return o.InitTimeout
	}
	return DefaultInitTimeout
}

// Result is the classified outcome of a successful handshake read.
type Result struct {
	Role Role
	Kind Kind

	// Set when Kind == KindID.
	ID string

	// Set when Kind == KindDirect.
	Host string
	Port int
}

// Read performs the handshake protocol on conn for the given role. On any
// protocol violation it closes conn and returns a non-nil error; callers
// must not use conn afterwards in that case. On success, ownership of conn
// is returned to the caller unchanged.
func Read(conn net.Conn, role Role, opts Options) (Result, error) {
	if role == RoleClient && opts.SendBanner {
		if err := writeBanner(conn); err != nil {
			conn.Close()
			return Result{}, err
		}
	}

	buf, err := readBlock(conn, opts)
	if err != nil {
		conn.Close()
		return Result{}, err
	}

	res, err := classify(role, buf)
	if err != nil {
		conn.Close()
		return Result{}, err
	}
	return res, nil
}

func writeBanner(conn net.Conn) error {
	conn.SetWriteDeadline(time.Now().Add(bannerWriteTimeout))
	n, err := conn.Write([]byte(Banner))
	conn.SetWriteDeadline(time.Time{})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrShortWrite, err)
	}
	if n != len(Banner) {
		return fmt.Errorf("%w: wrote %d of %d bytes", ErrShortWrite, n, len(Banner))
	}
	return nil
}

// readBlock reads exactly opts.bufSize() bytes (or, if BufSize is zero, a
// single best-effort read) bounded by opts.initTimeout().
func readBlock(conn net.Conn, opts Options) ([]byte, error) {
	conn.SetReadDeadline(time.Now().Add(opts.initTimeout()))
	defer conn.SetReadDeadline(time.Time{})

	size := opts.BufSize
	if size <= 0 {
		buf := make([]byte, DefaultBufSize)
		n, err := conn.Read(buf)
		if err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("%w: %v", ErrShortRead, err)
		}
		return buf[:n], nil
	}

	buf := make([]byte, size)
	_, err := io.ReadFull(conn, buf)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrShortRead, err)
	}
	return buf, nil
}

// classify applies the §4.1 classification rules to a fully-read block.
func classify(role Role, buf []byte) (Result, error) {
	if m := idPattern.FindSubmatch(buf); m != nil {
		return Result{Role: role, Kind: KindID, ID: string(m[1])}, nil
	}

	if role != RoleClient {
		return Result{}, ErrMalformed
	}

	host, port, err := parseDirectTarget(buf)
	if err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return Result{Role: role, Kind: KindDirect, Host: host, Port: port}, nil
}

// parseDirectTarget parses a NUL/whitespace-padded "host[:port]" block and
// applies the repeater's port normalization rule.
func parseDirectTarget(buf []byte) (string, int, error) {
	s := strings.TrimRight(string(buf), " \t\r\n\x00")
	if s == "" {
		return "", 0, errors.New("empty target")
	}

	host := s
	port := DefaultDialPort

	if idx := strings.LastIndex(s, ":"); idx >= 0 {
		h, p := s[:idx], s[idx+1:]
		if h == "" {
			return "", 0, errors.New("missing host")
		}
		n, err := strconv.Atoi(p)
		if err != nil {
			return "", 0, fmt.Errorf("bad port %q: %w", p, err)
		}
		host, port = h, n
	}

	return host, normalizePort(port), nil
}

// normalizePort applies the repeater's port-shorthand convention: negative
// ports are negated, and ports in [0, 200) are offset into the VNC display
// range starting at 5900.
func normalizePort(port int) int {
	switch {
	case port < 0:
		return -port
	case port < 200:
		return port + DefaultDialPort
	default:
		return port
	}
}
