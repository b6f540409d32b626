package tunnel

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/phayes/freeport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	gossh "golang.org/x/crypto/ssh"

	"github.com/burrowhq/burrow/log"
	"github.com/burrowhq/burrow/tunnel/deviceflow"
)

// controlPlaneStub is an in-process stand-in for the external control
// plane's four internal endpoints.
type controlPlaneStub struct {
	mu            sync.Mutex
	secret        string
	statuses      map[string]map[string]any
	generateCalls int
	lastCode      string
	unregistered  []string
}

func newControlPlaneStub(t *testing.T) (*controlPlaneStub, *httptest.Server) {
	stub := &controlPlaneStub{
		secret:   "e2e-secret",
		statuses: make(map[string]map[string]any),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/api/internal/generate-code", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Code string `json:"code"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)

		stub.mu.Lock()
		stub.generateCalls++
		stub.lastCode = body.Code
		stub.statuses[body.Code] = map[string]any{"status": "pending"}
		stub.mu.Unlock()

		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/api/internal/check-code", func(w http.ResponseWriter, r *http.Request) {
		stub.mu.Lock()
		response, ok := stub.statuses[r.URL.Query().Get("code")]
		stub.mu.Unlock()
		if !ok {
			response = map[string]any{"status": "not_found"}
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(response)
	})
	mux.HandleFunc("/api/internal/register-tunnel", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/api/internal/unregister-tunnel", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Subdomain string `json:"subdomain"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)

		stub.mu.Lock()
		stub.unregistered = append(stub.unregistered, body.Subdomain)
		stub.mu.Unlock()

		w.WriteHeader(http.StatusOK)
	})

	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return stub, server
}

// waitForCode polls until the server issues an activation code, or gives
// up after the timeout. Plain polling: it runs on harness goroutines where
// failing the test directly is off-limits.
func (s *controlPlaneStub) waitForCode(timeout time.Duration) string {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		s.mu.Lock()
		code := s.lastCode
		s.mu.Unlock()
		if code != "" {
			return code
		}
		time.Sleep(10 * time.Millisecond)
	}
	return ""
}

func (s *controlPlaneStub) verify(code, userID, userName string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statuses[code] = map[string]any{"status": "verified", "userId": userID, "userName": userName}
}

type testDataPlane struct {
	registry *Registry
	stub     *controlPlaneStub
	sshAddr  string
	httpAddr string
	httpPort int
}

func startDataPlane(t *testing.T, options RegistryOptions, codeExpiry time.Duration) *testDataPlane {
	t.Helper()

	stub, controlPlane := newControlPlaneStub(t)
	client := deviceflow.New(deviceflow.Config{
		BaseURL: controlPlane.URL,
		Secret:  stub.secret,
		Timeout: 2 * time.Second,
	}, log.Get())

	registry := NewRegistry(options, client, log.Get(), testStats())

	signer, err := LoadOrGenerateHostKey(t.TempDir(), log.Get())
	require.NoError(t, err)

	sshPort, err := freeport.GetFreePort()
	require.NoError(t, err)
	httpPort, err := freeport.GetFreePort()
	require.NoError(t, err)

	sshServer := &SSHServer{
		BindAddr:     fmt.Sprintf("127.0.0.1:%d", sshPort),
		HostSigner:   signer,
		TunnelDomain: fmt.Sprintf("localhost:%d", httpPort),
		VirtualPort:  uint32(httpPort),
		CodeExpiry:   codeExpiry,
		PollInterval: 50 * time.Millisecond,
		Registry:     registry,
		DeviceFlow:   client,
		Logger:       log.Get(),
		Stats:        testStats(),
	}
	go func() { _ = sshServer.Start() }()
	t.Cleanup(func() { _ = sshServer.Close() })

	proxy := &Proxy{
		BindAddr:    fmt.Sprintf("127.0.0.1:%d", httpPort),
		PeekTimeout: 5 * time.Second,
		Registry:    registry,
		Logger:      log.Get(),
		Stats:       testStats(),
	}
	go func() { _ = proxy.Start() }()
	t.Cleanup(func() { _ = proxy.Close() })

	for _, addr := range []string{fmt.Sprintf("127.0.0.1:%d", sshPort), proxy.BindAddr} {
		addr := addr
		require.Eventually(t, func() bool {
			conn, err := net.DialTimeout("tcp", addr, 100*time.Millisecond)
			if err != nil {
				return false
			}
			conn.Close()
			return true
		}, 5*time.Second, 20*time.Millisecond)
	}

	return &testDataPlane{
		registry: registry,
		stub:     stub,
		sshAddr:  fmt.Sprintf("127.0.0.1:%d", sshPort),
		httpAddr: proxy.BindAddr,
		httpPort: httpPort,
	}
}

func newClientSigner(t *testing.T) gossh.Signer {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	signer, err := gossh.NewSignerFromKey(priv)
	require.NoError(t, err)
	return signer
}

func dialSSH(t *testing.T, addr string, signer gossh.Signer) *gossh.Client {
	t.Helper()
	client, err := gossh.Dial("tcp", addr, &gossh.ClientConfig{
		User:            "u1",
		Auth:            []gossh.AuthMethod{gossh.PublicKeys(signer)},
		HostKeyCallback: gossh.InsecureIgnoreHostKey(),
		Timeout:         5 * time.Second,
	})
	require.NoError(t, err)
	return client
}

// serveForwarded answers forwarded connections like a client's local HTTP
// service: it verifies the request arrived verbatim and replies with a
// fixed response. Probe connections that close without data are ignored.
func serveForwarded(listener net.Listener, wantPrefix, response string) {
	for {
		conn, err := listener.Accept()
		if err != nil {
			return
		}
		go func(conn net.Conn) {
			defer conn.Close()

			buf := make([]byte, 4096)
			total := 0
			for !strings.Contains(string(buf[:total]), "\r\n\r\n") {
				_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
				n, err := conn.Read(buf[total:])
				total += n
				if err != nil {
					return
				}
			}
			if !strings.HasPrefix(string(buf[:total]), wantPrefix) {
				return
			}
			_, _ = conn.Write([]byte(response))
		}(conn)
	}
}

func Test_EndToEnd_HappyPath(t *testing.T) {
	plane := startDataPlane(t, RegistryOptions{ReconnectGrace: time.Hour}, time.Minute)

	signer := newClientSigner(t)
	client := dialSSH(t, plane.sshAddr, signer)
	defer client.Close()

	// The test harness plays the human: verify the activation code as soon
	// as the server issues one.
	go func() {
		if code := plane.stub.waitForCode(5 * time.Second); code != "" {
			plane.stub.verify(code, "u1", "User One")
		}
	}()

	// ssh -R 80:localhost:3000 equivalent. Blocks until the forward is
	// accepted, which only happens after authorization.
	listener, err := client.ListenTCP(&net.TCPAddr{IP: net.IPv4zero, Port: 80})
	require.NoError(t, err)
	defer listener.Close()

	// One registered, connected tunnel with the verified user bound.
	var tun Tunnel
	require.Eventually(t, func() bool {
		tunnels := plane.registry.List()
		if len(tunnels) != 1 {
			return false
		}
		tun = tunnels[0]
		return tun.Connected
	}, 5*time.Second, 20*time.Millisecond)

	assert.Equal(t, "u1", tun.UserID)
	assert.Regexp(t, `^tunnel-[a-z0-9]{6}$`, tun.Subdomain)
	assert.Equal(t, uint32(80), tun.RequestedPort)

	request := fmt.Sprintf("GET / HTTP/1.1\r\nHost: %s.localhost\r\n\r\n", tun.Subdomain)
	response := "HTTP/1.1 200 OK\r\nContent-Length: 2\r\n\r\nOK"
	go serveForwarded(listener, "GET / HTTP/1.1", response)

	conn, err := net.DialTimeout("tcp", plane.httpAddr, time.Second)
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte(request))
	require.NoError(t, err)

	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	got := make([]byte, 0, len(response))
	buf := make([]byte, 1024)
	for len(got) < len(response) {
		n, err := conn.Read(buf)
		got = append(got, buf[:n]...)
		if err != nil {
			break
		}
	}
	assert.Equal(t, response, string(got))

	// Closing the remote listener sends cancel-tcpip-forward; the
	// subdomain is released immediately, no grace window.
	require.NoError(t, listener.Close())
	require.Eventually(t, func() bool {
		_, found := plane.registry.Lookup(tun.Subdomain)
		return !found
	}, 5*time.Second, 20*time.Millisecond)
}

func Test_EndToEnd_VerifiedKeyReclaimsSubdomain(t *testing.T) {
	plane := startDataPlane(t, RegistryOptions{ReconnectGrace: time.Hour}, time.Minute)

	signer := newClientSigner(t)
	client := dialSSH(t, plane.sshAddr, signer)

	go func() {
		if code := plane.stub.waitForCode(5 * time.Second); code != "" {
			plane.stub.verify(code, "u1", "User One")
		}
	}()

	_, err := client.ListenTCP(&net.TCPAddr{IP: net.IPv4zero, Port: 80})
	require.NoError(t, err)

	var original string
	require.Eventually(t, func() bool {
		tunnels := plane.registry.List()
		if len(tunnels) != 1 || !tunnels[0].Connected {
			return false
		}
		original = tunnels[0].Subdomain
		return true
	}, 5*time.Second, 20*time.Millisecond)

	// Drop the transport without cancelling the forward; the tunnel enters
	// its reconnection window.
	client.Close()
	require.Eventually(t, func() bool {
		tun, found := plane.registry.Lookup(original)
		return found && !tun.Connected
	}, 5*time.Second, 20*time.Millisecond)

	// Reconnect with the same key: no second device flow, same subdomain.
	reclaimer := dialSSH(t, plane.sshAddr, signer)
	defer reclaimer.Close()

	listener2, err := reclaimer.ListenTCP(&net.TCPAddr{IP: net.IPv4zero, Port: 80})
	require.NoError(t, err)
	defer listener2.Close()

	require.Eventually(t, func() bool {
		tun, found := plane.registry.Lookup(original)
		return found && tun.Connected
	}, 5*time.Second, 20*time.Millisecond)

	plane.stub.mu.Lock()
	generateCalls := plane.stub.generateCalls
	plane.stub.mu.Unlock()
	assert.Equal(t, 1, generateCalls, "verified key must skip the device flow")
}

func Test_EndToEnd_ExpiredCodeRejectsForward(t *testing.T) {
	plane := startDataPlane(t, RegistryOptions{ReconnectGrace: time.Hour}, 300*time.Millisecond)

	signer := newClientSigner(t)
	client := dialSSH(t, plane.sshAddr, signer)
	defer client.Close()

	// Nobody ever verifies the code; the forward must be rejected once the
	// expiry passes.
	_, err := client.ListenTCP(&net.TCPAddr{IP: net.IPv4zero, Port: 80})
	require.Error(t, err)

	assert.Empty(t, plane.registry.List())
}

func Test_EndToEnd_ManagementTermination(t *testing.T) {
	plane := startDataPlane(t, RegistryOptions{ReconnectGrace: time.Hour}, time.Minute)

	signer := newClientSigner(t)
	client := dialSSH(t, plane.sshAddr, signer)
	defer client.Close()

	go func() {
		if code := plane.stub.waitForCode(5 * time.Second); code != "" {
			plane.stub.verify(code, "u1", "User One")
		}
	}()

	listener, err := client.ListenTCP(&net.TCPAddr{IP: net.IPv4zero, Port: 80})
	require.NoError(t, err)
	defer listener.Close()

	var subdomain string
	require.Eventually(t, func() bool {
		tunnels := plane.registry.List()
		if len(tunnels) != 1 || !tunnels[0].Connected {
			return false
		}
		subdomain = tunnels[0].Subdomain
		return true
	}, 5*time.Second, 20*time.Millisecond)

	require.NoError(t, plane.registry.Terminate(subdomain, "terminated by administrator"))

	// The registry entry is gone and the public hostname serves 404.
	_, found := plane.registry.Lookup(subdomain)
	assert.False(t, found)

	conn, err := net.DialTimeout("tcp", plane.httpAddr, time.Second)
	require.NoError(t, err)
	defer conn.Close()
	_, _ = conn.Write([]byte(fmt.Sprintf("GET / HTTP/1.1\r\nHost: %s.localhost\r\n\r\n", subdomain)))
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	raw, _ := io.ReadAll(conn)
	assert.Contains(t, string(raw), "404 Not Found")

	// The control plane was told, best-effort.
	require.Eventually(t, func() bool {
		plane.stub.mu.Lock()
		defer plane.stub.mu.Unlock()
		for _, sub := range plane.stub.unregistered {
			if sub == subdomain {
				return true
			}
		}
		return false
	}, 5*time.Second, 20*time.Millisecond)
}

func Test_EndToEnd_ConnectionThrottle(t *testing.T) {
	// The harness readiness probe consumes one attempt, leaving two for
	// real connections.
	plane := startDataPlane(t, RegistryOptions{
		ReconnectGrace:       time.Hour,
		RateLimitWindow:      time.Hour,
		RateLimitMaxAttempts: 3,
	}, time.Minute)

	signer := newClientSigner(t)

	first := dialSSH(t, plane.sshAddr, signer)
	defer first.Close()
	second := dialSSH(t, plane.sshAddr, signer)
	defer second.Close()

	// The third attempt inside the window is cut off before the handshake.
	_, err := gossh.Dial("tcp", plane.sshAddr, &gossh.ClientConfig{
		User:            "u1",
		Auth:            []gossh.AuthMethod{gossh.PublicKeys(signer)},
		HostKeyCallback: gossh.InsecureIgnoreHostKey(),
		Timeout:         2 * time.Second,
	})
	assert.Error(t, err)
}
