package tunnel

import (
	"io"
	"net"
	"sync"
	"time"

	"github.com/DataDog/datadog-go/statsd"
	gossh "golang.org/x/crypto/ssh"

	"github.com/burrowhq/burrow/log"
	"github.com/burrowhq/burrow/stats"
)

func testStats() stats.Stats {
	return stats.New(&statsd.NoOpClient{}, log.Get())
}

func newTestRegistry(options RegistryOptions) *Registry {
	return NewRegistry(options, nil, log.Get(), testStats())
}

// fakeSSHConn stands in for a live *gossh.ServerConn behind a SessionHandle.
type fakeSSHConn struct {
	mu      sync.Mutex
	openErr error
	opened  int
	channel gossh.Channel
	closed  bool
}

func (c *fakeSSHConn) OpenChannel(name string, data []byte) (gossh.Channel, <-chan *gossh.Request, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.opened++
	if c.openErr != nil {
		return nil, nil, c.openErr
	}

	reqs := make(chan *gossh.Request)
	close(reqs)
	return c.channel, reqs, nil
}

func (c *fakeSSHConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeSSHConn) wasClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// fakeChannel adapts one side of a connection pair into a gossh.Channel.
type fakeChannel struct {
	net.Conn
}

func (c fakeChannel) CloseWrite() error {
	if cw, ok := c.Conn.(interface{ CloseWrite() error }); ok {
		return cw.CloseWrite()
	}
	return nil
}

func (c fakeChannel) SendRequest(name string, wantReply bool, payload []byte) (bool, error) {
	return false, nil
}

func (c fakeChannel) Stderr() io.ReadWriter {
	return nopReadWriter{}
}

type nopReadWriter struct{}

func (nopReadWriter) Read(p []byte) (int, error)  { return 0, io.EOF }
func (nopReadWriter) Write(p []byte) (int, error) { return len(p), nil }

// tcpPair returns two ends of a real TCP connection, so half-close
// semantics behave like production traffic.
func tcpPair() (client net.Conn, server net.Conn, err error) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, nil, err
	}
	defer listener.Close()

	type result struct {
		conn net.Conn
		err  error
	}
	accepted := make(chan result, 1)
	go func() {
		conn, err := listener.Accept()
		accepted <- result{conn, err}
	}()

	client, err = net.DialTimeout("tcp", listener.Addr().String(), time.Second)
	if err != nil {
		return nil, nil, err
	}

	res := <-accepted
	if res.err != nil {
		client.Close()
		return nil, nil, res.err
	}
	return client, res.conn, nil
}
