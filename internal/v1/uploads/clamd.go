package uploads

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"strings"
	"time"
)

// Verdict is the outcome of an antivirus scan.
type Verdict int

const (
	VerdictClean Verdict = iota
	VerdictInfected
	VerdictError
)

const scanChunkSize = 8192

// ClamScanner speaks the clamd INSTREAM protocol over TCP or a unix socket.
type ClamScanner struct {
	network string // "tcp" or "unix"
	addr    string
	timeout time.Duration
}

// NewClamScanner builds a scanner for the given clamd endpoint. An addr
// containing a path separator selects a unix socket.
func NewClamScanner(addr string, timeout time.Duration) *ClamScanner {
	network := "tcp"
	if strings.ContainsAny(addr, "/\\") {
		network = "unix"
	}
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &ClamScanner{network: network, addr: addr, timeout: timeout}
}

// Scan streams r to clamd and returns the verdict. The detail carries the
// signature name for infected files and the raw response otherwise.
func (c *ClamScanner) Scan(ctx context.Context, r io.Reader) (Verdict, string, error) {
	dialer := net.Dialer{Timeout: c.timeout}
	conn, err := dialer.DialContext(ctx, c.network, c.addr)
	if err != nil {
		return VerdictError, "", fmt.Errorf("dial clamd: %w", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(c.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = conn.SetDeadline(deadline)

	if _, err := conn.Write([]byte("zINSTREAM\x00")); err != nil {
		return VerdictError, "", fmt.Errorf("write command: %w", err)
	}

	// Each chunk is a big-endian uint32 length prefix followed by the bytes;
	// a zero length terminates the stream.
	buf := make([]byte, scanChunkSize)
	var prefix [4]byte
	for {
		n, readErr := r.Read(buf)
		if n > 0 {
			binary.BigEndian.PutUint32(prefix[:], uint32(n))
			if _, err := conn.Write(prefix[:]); err != nil {
				return VerdictError, "", fmt.Errorf("write chunk length: %w", err)
			}
			if _, err := conn.Write(buf[:n]); err != nil {
				return VerdictError, "", fmt.Errorf("write chunk: %w", err)
			}
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			return VerdictError, "", fmt.Errorf("read file: %w", readErr)
		}
	}
	binary.BigEndian.PutUint32(prefix[:], 0)
	if _, err := conn.Write(prefix[:]); err != nil {
		return VerdictError, "", fmt.Errorf("write terminator: %w", err)
	}

	raw, err := io.ReadAll(conn)
	if err != nil {
		return VerdictError, "", fmt.Errorf("read response: %w", err)
	}
	response := strings.TrimRight(string(raw), "\x00\n ")

	switch {
	case strings.Contains(response, "FOUND"):
		detail := strings.TrimSuffix(response, " FOUND")
		if i := strings.Index(detail, ": "); i >= 0 {
			detail = detail[i+2:]
		}
		return VerdictInfected, detail, nil
	case strings.Contains(response, "OK"):
		return VerdictClean, "clean", nil
	default:
		return VerdictError, response, fmt.Errorf("unexpected clamd response: %q", response)
	}
}
