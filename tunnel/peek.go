package tunnel

import (
	"io"
	"net"
	"strings"
	"time"
)

// maxPeekBytes bounds how much of the stream is inspected while hunting
// for the Host header. Requests whose Host header does not appear within
// it are rejected; the scan stops at the Host line, so a longer header
// block is accepted when Host comes early enough.
const maxPeekBytes = 8 * 1024

// scanHostHeader performs a minimal byte-scan over a peeked HTTP/1.x
// prefix: a request line followed by headers. It returns the Host value
// once seen, and done=true when a verdict is possible (host found, or the
// header block ended without one). It is deliberately not an HTTP parser;
// the only goal is routing.
func scanHostHeader(buf []byte) (host string, done bool) {
	rest := buf
	line, rest, complete := cutLine(rest)
	if !complete {
		return "", false
	}
	if len(line) == 0 {
		// Empty request line; nothing sensible follows.
		return "", true
	}

	for {
		line, next, complete := cutLine(rest)
		if !complete {
			return "", false
		}
		if len(line) == 0 {
			// End of headers, no Host seen.
			return "", true
		}
		if value, ok := headerValue(line, "host"); ok {
			return value, true
		}
		rest = next
	}
}

// cutLine splits buf at the first CRLF.
func cutLine(buf []byte) (line, rest []byte, complete bool) {
	for i := 0; i+1 < len(buf); i++ {
		if buf[i] == '\r' && buf[i+1] == '\n' {
			return buf[:i], buf[i+2:], true
		}
	}
	return nil, buf, false
}

// headerValue matches a header line against a lowercase name,
// case-insensitively, returning the trimmed value.
func headerValue(line []byte, name string) (string, bool) {
	if len(line) < len(name)+1 {
		return "", false
	}
	for i := 0; i < len(name); i++ {
		c := line[i]
		if 'A' <= c && c <= 'Z' {
			c += 'a' - 'A'
		}
		if c != name[i] {
			return "", false
		}
	}
	if line[len(name)] != ':' {
		return "", false
	}
	return strings.TrimSpace(string(line[len(name)+1:])), true
}

// subdomainFromHost extracts the routing label from a Host header value:
// strip any port, reject bracketed IPv6 literals and dotless hosts, then
// take the first DNS label, folded to lowercase.
func subdomainFromHost(host string) (string, bool) {
	if host == "" || host[0] == '[' {
		return "", false
	}
	if i := strings.IndexByte(host, ':'); i >= 0 {
		host = host[:i]
	}

	label, rest, found := strings.Cut(host, ".")
	if !found || label == "" || rest == "" {
		return "", false
	}
	return strings.ToLower(label), true
}

// peekedConn replays bytes already buffered during the Host scan before
// reading from the underlying connection.
type peekedConn struct {
	io.Reader
	conn net.Conn
}

func newPeekedConn(conn net.Conn, reader io.Reader) *peekedConn {
	return &peekedConn{Reader: reader, conn: conn}
}

func (c *peekedConn) Read(b []byte) (int, error)         { return c.Reader.Read(b) }
func (c *peekedConn) Write(b []byte) (int, error)        { return c.conn.Write(b) }
func (c *peekedConn) Close() error                       { return c.conn.Close() }
func (c *peekedConn) LocalAddr() net.Addr                { return c.conn.LocalAddr() }
func (c *peekedConn) RemoteAddr() net.Addr               { return c.conn.RemoteAddr() }
func (c *peekedConn) SetDeadline(t time.Time) error      { return c.conn.SetDeadline(t) }
func (c *peekedConn) SetReadDeadline(t time.Time) error  { return c.conn.SetReadDeadline(t) }
func (c *peekedConn) SetWriteDeadline(t time.Time) error { return c.conn.SetWriteDeadline(t) }

// CloseWrite propagates half-close to the underlying connection when it
// supports it.
func (c *peekedConn) CloseWrite() error {
	if cw, ok := c.conn.(closeWriter); ok {
		return cw.CloseWrite()
	}
	return nil
}
