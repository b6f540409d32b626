package tunnel

import (
	"bufio"
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/burrowhq/burrow/log"
	"github.com/burrowhq/burrow/stats"
)

// Proxy is the public entrypoint: a single TCP listener that routes each
// inbound connection to an SSH channel using only the Host header. It
// never terminates TLS, never parses payloads beyond the Host scan, and
// serves synthetic responses only when routing fails.
type Proxy struct {
	BindAddr string

	// PeekTimeout bounds how long the proxy waits for enough bytes to
	// extract the Host header.
	PeekTimeout time.Duration

	Registry *Registry
	Logger   *log.Logger
	Stats    stats.Stats

	listener  net.Listener
	close     chan struct{}
	closeOnce sync.Once
}

const notFoundBody = `<html><body><h1>404 Not Found</h1><p>No tunnel is registered for this subdomain.</p></body></html>`

// Start opens the public listener and serves until Close.
func (p *Proxy) Start() error {
	p.close = make(chan struct{})

	listener, err := net.Listen("tcp", p.BindAddr)
	if err != nil {
		return err
	}
	p.listener = listener

	p.Logger.With(zap.String("bind_addr", p.BindAddr)).Infof("Proxy listening on %s", p.BindAddr)

	for {
		conn, err := listener.Accept()
		if err != nil {
			select {
			case <-p.close:
				return nil
			default:
				return err
			}
		}
		go p.handleConnection(conn)
	}
}

func (p *Proxy) Close() error {
	p.closeOnce.Do(func() {
		close(p.close)
		if p.listener != nil {
			_ = p.listener.Close()
		}
	})
	return nil
}

// handleConnection peeks the Host header, resolves the tunnel, opens a
// forwarded channel toward the owning SSH session, and splices bytes until
// either side closes.
func (p *Proxy) handleConnection(conn net.Conn) {
	defer conn.Close()

	logger := p.Logger.With(zap.String("remote_addr", conn.RemoteAddr().String()))

	_ = conn.SetReadDeadline(time.Now().Add(p.PeekTimeout))
	reader := bufio.NewReaderSize(conn, maxPeekBytes)

	host, err := p.peekHost(reader)
	if err != nil {
		p.Stats.Incr("proxy.bad_request", nil, 1)
		writeSyntheticResponse(conn, "400 Bad Request", "text/plain", "missing Host header\n")
		return
	}
	_ = conn.SetReadDeadline(time.Time{})

	subdomain, ok := subdomainFromHost(host)
	if !ok {
		p.Stats.Incr("proxy.not_found", nil, 1)
		writeSyntheticResponse(conn, "404 Not Found", "text/html", notFoundBody)
		return
	}

	tun, found := p.Registry.Lookup(subdomain)
	if !found || !tun.Connected {
		p.Stats.Incr("proxy.not_found", nil, 1)
		writeSyntheticResponse(conn, "404 Not Found", "text/html", notFoundBody)
		return
	}

	originAddr, originPort := splitAddr(conn.RemoteAddr())
	channel, err := tun.Handle.OpenForwardedChannel(tun.RequestedAddr, tun.RequestedPort, originAddr, originPort)
	if err != nil {
		logger.With(zap.String("subdomain", subdomain)).Warnw("Forwarded channel open failed", zap.Error(err))
		p.Stats.Incr("proxy.channel_open_failed", nil, 1)
		writeSyntheticResponse(conn, "502 Bad Gateway", "text/plain", "tunnel unavailable\n")
		return
	}
	defer channel.Close()

	p.Stats.Incr("proxy.connections", stats.Tags{"subdomain": subdomain}, 1)

	pipeline := NewBidirectionalPipeline(newPeekedConn(conn, reader), channel)
	if err := pipeline.Run(); err != nil {
		logger.With(zap.String("subdomain", subdomain)).Debugw("Splice finished with error", zap.Error(err))
	}

	read, written := pipeline.Written()
	p.Stats.Count("proxy.read_bytes", written, stats.Tags{"subdomain": subdomain}, 1)
	p.Stats.Count("proxy.write_bytes", read, stats.Tags{"subdomain": subdomain}, 1)
}

// peekHost incrementally buffers the stream until the Host header is seen,
// the header block ends, the peek budget is exhausted, or the read
// deadline fires. The buffered bytes are not consumed; the splice replays
// them to the SSH channel.
func (p *Proxy) peekHost(reader *bufio.Reader) (string, error) {
	for {
		n := reader.Buffered() + 1
		if n > maxPeekBytes {
			return "", fmt.Errorf("no Host header within %d bytes", maxPeekBytes)
		}

		data, err := reader.Peek(n)
		if buffered := reader.Buffered(); buffered > len(data) {
			// The fill read more than requested; scan everything we have.
			data, _ = reader.Peek(buffered)
		}
		if len(data) > 0 {
			if host, done := scanHostHeader(data); done {
				if host == "" {
					return "", fmt.Errorf("header block without Host")
				}
				return host, nil
			}
		}
		if err != nil {
			return "", err
		}
	}
}

// writeSyntheticResponse emits a minimal HTTP/1.1 response for routing
// failures. Payload traffic never passes through here.
func writeSyntheticResponse(conn net.Conn, status, contentType, body string) {
	fmt.Fprintf(conn, "HTTP/1.1 %s\r\nContent-Type: %s\r\nContent-Length: %d\r\nConnection: close\r\n\r\n%s",
		status, contentType, len(body), body)
}

func splitAddr(addr net.Addr) (string, uint32) {
	host, portStr, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String(), 0
	}
	var port uint32
	fmt.Sscanf(portStr, "%d", &port)
	return host, port
}
