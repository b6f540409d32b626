package tunnel

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testTunnel(subdomain, userID, sessionID string, handle *SessionHandle) *Tunnel {
	return &Tunnel{
		Subdomain:     subdomain,
		UserID:        userID,
		SessionID:     sessionID,
		ClientIP:      "203.0.113.7",
		RequestedAddr: "0.0.0.0",
		RequestedPort: 80,
		ServerPort:    8080,
		CreatedAt:     time.Now(),
		Handle:        handle,
	}
}

func Test_Registry_RegisterAndLookup(t *testing.T) {
	registry := newTestRegistry(RegistryOptions{})

	require.NoError(t, registry.Register(testTunnel("tunnel-abc123", "u1", "s1", nil)))

	tun, found := registry.Lookup("tunnel-abc123")
	require.True(t, found)
	assert.Equal(t, "u1", tun.UserID)
	assert.True(t, tun.Connected)

	_, found = registry.Lookup("tunnel-nope00")
	assert.False(t, found)
}

func Test_Registry_SubdomainUniqueness(t *testing.T) {
	registry := newTestRegistry(RegistryOptions{})

	require.NoError(t, registry.Register(testTunnel("tunnel-abc123", "u1", "s1", nil)))

	err := registry.Register(testTunnel("tunnel-abc123", "u2", "s2", nil))
	assert.ErrorIs(t, err, ErrSubdomainTaken)

	// The original registration is untouched.
	tun, found := registry.Lookup("tunnel-abc123")
	require.True(t, found)
	assert.Equal(t, "u1", tun.UserID)
}

func Test_Registry_TerminateIsIdempotent(t *testing.T) {
	registry := newTestRegistry(RegistryOptions{})
	conn := &fakeSSHConn{}
	handle := NewSessionHandle("s1", conn)

	require.NoError(t, registry.Register(testTunnel("tunnel-abc123", "u1", "s1", handle)))

	require.NoError(t, registry.Terminate("tunnel-abc123", "test"))
	assert.ErrorIs(t, registry.Terminate("tunnel-abc123", "test"), ErrTunnelNotFound)

	_, found := registry.Lookup("tunnel-abc123")
	assert.False(t, found)

	// The owning session was told to drop the subdomain and disconnect.
	select {
	case cmd := <-handle.Commands():
		assert.Equal(t, "tunnel-abc123", cmd.subdomain)
		assert.True(t, cmd.closeSession)
	default:
		t.Fatal("expected a termination command on the session handle")
	}
}

func Test_Registry_RemoveDoesNotTouchSession(t *testing.T) {
	registry := newTestRegistry(RegistryOptions{})
	handle := NewSessionHandle("s1", &fakeSSHConn{})

	require.NoError(t, registry.Register(testTunnel("tunnel-abc123", "u1", "s1", handle)))
	require.NoError(t, registry.Remove("tunnel-abc123"))
	assert.ErrorIs(t, registry.Remove("tunnel-abc123"), ErrTunnelNotFound)

	select {
	case <-handle.Commands():
		t.Fatal("Remove must not command the session")
	default:
	}
}

func Test_Registry_DisconnectAndReclaim(t *testing.T) {
	registry := newTestRegistry(RegistryOptions{ReconnectGrace: time.Hour})
	oldHandle := NewSessionHandle("s1", &fakeSSHConn{})
	newHandle := NewSessionHandle("s2", &fakeSSHConn{})

	require.NoError(t, registry.Register(testTunnel("tunnel-xyz000", "u1", "s1", oldHandle)))
	registry.MarkDisconnected("tunnel-xyz000")

	tun, found := registry.Lookup("tunnel-xyz000")
	require.True(t, found)
	assert.False(t, tun.Connected)

	// A different user cannot reclaim.
	assert.False(t, registry.TryReclaim("tunnel-xyz000", "u2", newHandle, "s2", "198.51.100.9", "0.0.0.0", 80))

	// The owner can.
	require.True(t, registry.TryReclaim("tunnel-xyz000", "u1", newHandle, "s2", "198.51.100.9", "0.0.0.0", 80))

	tun, found = registry.Lookup("tunnel-xyz000")
	require.True(t, found)
	assert.True(t, tun.Connected)
	assert.Equal(t, "s2", tun.SessionID)
	assert.Equal(t, "198.51.100.9", tun.ClientIP)

	// A connected tunnel cannot be reclaimed again.
	assert.False(t, registry.TryReclaim("tunnel-xyz000", "u1", newHandle, "s3", "198.51.100.9", "0.0.0.0", 80))
}

func Test_Registry_SweepReleasesExpiredGrace(t *testing.T) {
	registry := newTestRegistry(RegistryOptions{ReconnectGrace: 10 * time.Millisecond})

	require.NoError(t, registry.Register(testTunnel("tunnel-xyz000", "u1", "s1", nil)))
	registry.MarkDisconnected("tunnel-xyz000")

	// Inside the grace window the subdomain is still reserved.
	registry.Sweep(time.Now())
	_, found := registry.Lookup("tunnel-xyz000")
	assert.True(t, found)

	registry.Sweep(time.Now().Add(time.Second))
	_, found = registry.Lookup("tunnel-xyz000")
	assert.False(t, found)

	// And the reclaim window is gone with it.
	assert.False(t, registry.TryReclaim("tunnel-xyz000", "u1", nil, "s2", "ip", "0.0.0.0", 80))
}

func Test_Registry_VerifiedKeys(t *testing.T) {
	registry := newTestRegistry(RegistryOptions{})

	_, found := registry.LookupVerifiedKey("SHA256:nope")
	assert.False(t, found)

	registry.RecordVerifiedKey("SHA256:abc", "u1", "User One", 0, "")
	registry.RecordVerifiedKey("SHA256:abc", "u1", "", 80, "tunnel-abc123")
	registry.RecordVerifiedKey("SHA256:abc", "u1", "", 3000, "tunnel-def456")

	key, found := registry.LookupVerifiedKey("SHA256:abc")
	require.True(t, found)
	assert.Equal(t, "u1", key.UserID)
	assert.Equal(t, "User One", key.UserName)
	assert.Equal(t, "tunnel-abc123", key.Subdomains[80])
	assert.Equal(t, "tunnel-def456", key.Subdomains[3000])
	assert.False(t, key.LastUsedAt.IsZero())
}

func Test_Registry_ConnectionThrottle(t *testing.T) {
	registry := newTestRegistry(RegistryOptions{
		RateLimitWindow:      time.Hour,
		RateLimitMaxAttempts: 3,
	})

	addr := &net.TCPAddr{IP: net.ParseIP("192.0.2.1"), Port: 40000}
	other := &net.TCPAddr{IP: net.ParseIP("192.0.2.2"), Port: 40001}

	for i := 0; i < 3; i++ {
		assert.True(t, registry.ObserveConnectionAttempt(addr), "attempt %d", i)
	}
	assert.False(t, registry.ObserveConnectionAttempt(addr))

	// Other origins are unaffected.
	assert.True(t, registry.ObserveConnectionAttempt(other))
}

func Test_Registry_ThrottleWindowResets(t *testing.T) {
	registry := newTestRegistry(RegistryOptions{
		RateLimitWindow:      20 * time.Millisecond,
		RateLimitMaxAttempts: 1,
	})

	addr := &net.TCPAddr{IP: net.ParseIP("192.0.2.1"), Port: 40000}
	assert.True(t, registry.ObserveConnectionAttempt(addr))
	assert.False(t, registry.ObserveConnectionAttempt(addr))

	time.Sleep(25 * time.Millisecond)
	assert.True(t, registry.ObserveConnectionAttempt(addr))
}

func Test_Registry_MintSubdomain(t *testing.T) {
	registry := newTestRegistry(RegistryOptions{})

	seen := make(map[string]bool)
	for i := 0; i < 64; i++ {
		subdomain, err := registry.MintSubdomain()
		require.NoError(t, err)
		assert.Regexp(t, `^tunnel-[a-z0-9]{6}$`, subdomain)
		seen[subdomain] = true
	}
	// Collisions over 64 draws from a 36^6 space would be remarkable.
	assert.Greater(t, len(seen), 60)
}
