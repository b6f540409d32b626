package tunnel

import (
	"context"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/burrowhq/burrow/log"
	"github.com/burrowhq/burrow/stats"
	"github.com/burrowhq/burrow/tunnel/deviceflow"
)

// ControlPlane is the slice of the device-flow client the registry uses for
// advisory register/unregister call-outs.
type ControlPlane interface {
	RegisterTunnel(ctx context.Context, req deviceflow.RegisterTunnelRequest) error
	UnregisterTunnel(ctx context.Context, subdomain string) error
}

type RegistryOptions struct {
	// ReconnectGrace is how long a disconnected tunnel's subdomain stays
	// reserved for its owner.
	ReconnectGrace time.Duration

	// RateLimitWindow / RateLimitMaxAttempts bound SSH connection attempts
	// per origin IP.
	RateLimitWindow      time.Duration
	RateLimitMaxAttempts int

	// HookTimeout bounds each control-plane call-out.
	HookTimeout time.Duration
}

// Registry is the process-wide shared state: active tunnels keyed by
// subdomain, the verified-key cache, and per-IP throttle counters. All
// mutations are serialized here; no lock is ever held across network I/O.
type Registry struct {
	options      RegistryOptions
	controlPlane ControlPlane
	logger       *log.Logger
	stats        stats.Stats

	mu      sync.RWMutex
	tunnels map[string]*Tunnel

	keysMu sync.RWMutex
	keys   map[string]*VerifiedKey

	limiterMu sync.Mutex
	limiter   map[string]*rateWindow
}

type rateWindow struct {
	windowStart time.Time
	attempts    int
}

func NewRegistry(options RegistryOptions, controlPlane ControlPlane, logger *log.Logger, st stats.Stats) *Registry {
	if options.ReconnectGrace <= 0 {
		options.ReconnectGrace = 30 * time.Minute
	}
	if options.RateLimitWindow <= 0 {
		options.RateLimitWindow = time.Minute
	}
	if options.RateLimitMaxAttempts <= 0 {
		options.RateLimitMaxAttempts = 30
	}
	if options.HookTimeout <= 0 {
		options.HookTimeout = 5 * time.Second
	}

	return &Registry{
		options:      options,
		controlPlane: controlPlane,
		logger:       logger,
		stats:        st,
		tunnels:      make(map[string]*Tunnel),
		keys:         make(map[string]*VerifiedKey),
		limiter:      make(map[string]*rateWindow),
	}
}

// MintSubdomain generates an unused subdomain label, retrying a bounded
// number of times on collision.
func (r *Registry) MintSubdomain() (string, error) {
	for i := 0; i < subdomainRetries; i++ {
		label, err := newSubdomainLabel()
		if err != nil {
			return "", err
		}

		r.mu.RLock()
		_, taken := r.tunnels[label]
		r.mu.RUnlock()

		if !taken {
			return label, nil
		}
	}
	return "", ErrSubdomainTaken
}

// Register inserts a new tunnel. Returns ErrSubdomainTaken if the
// subdomain is already active. The control-plane registration hook fires
// on a goroutine after the lock is released; its failure never blocks or
// aborts registration.
func (r *Registry) Register(t *Tunnel) error {
	r.mu.Lock()
	if _, exists := r.tunnels[t.Subdomain]; exists {
		r.mu.Unlock()
		return ErrSubdomainTaken
	}
	t.Connected = true
	r.tunnels[t.Subdomain] = t
	total := len(r.tunnels)
	r.mu.Unlock()

	r.logger.With(
		zap.String("subdomain", t.Subdomain),
		zap.String("user_id", t.UserID),
		zap.String("session_id", t.SessionID),
		zap.Uint32("requested_port", t.RequestedPort),
	).Info("Registered tunnel")
	r.stats.Gauge("tunnels.active", float64(total), nil, 1)

	go r.notifyRegister(t)
	return nil
}

// Lookup returns a snapshot of the tunnel for a subdomain. The snapshot
// carries the session handle; callers act on it without holding any
// registry lock.
func (r *Registry) Lookup(subdomain string) (Tunnel, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	t, ok := r.tunnels[subdomain]
	if !ok {
		return Tunnel{}, false
	}
	return *t, true
}

// Remove deletes a tunnel without touching the owning session. Used by
// cancel-tcpip-forward and by session close for unverified sessions.
func (r *Registry) Remove(subdomain string) error {
	r.mu.Lock()
	t, ok := r.tunnels[subdomain]
	if ok {
		delete(r.tunnels, subdomain)
	}
	total := len(r.tunnels)
	r.mu.Unlock()

	if !ok {
		return ErrTunnelNotFound
	}

	r.logger.With(zap.String("subdomain", subdomain)).Info("Removed tunnel")
	r.stats.Gauge("tunnels.active", float64(total), nil, 1)
	go r.notifyUnregister(t.Subdomain)
	return nil
}

// Terminate forcibly removes a tunnel and instructs the owning session to
// drop its forwarding and disconnect. Idempotent: a second call returns
// ErrTunnelNotFound.
func (r *Registry) Terminate(subdomain, reason string) error {
	r.mu.Lock()
	t, ok := r.tunnels[subdomain]
	if ok {
		delete(r.tunnels, subdomain)
	}
	total := len(r.tunnels)
	r.mu.Unlock()

	if !ok {
		return ErrTunnelNotFound
	}

	r.logger.With(
		zap.String("subdomain", subdomain),
		zap.String("reason", reason),
	).Info("Terminated tunnel")
	r.stats.Gauge("tunnels.active", float64(total), nil, 1)

	if t.Handle != nil {
		t.Handle.Terminate(subdomain, reason, true)
	}
	go r.notifyUnregister(subdomain)
	return nil
}

// MarkDisconnected flips a tunnel into its reconnection window. Tunnels
// whose sessions never verified a user are removed outright.
func (r *Registry) MarkDisconnected(subdomain string) {
	now := time.Now()

	r.mu.Lock()
	t, ok := r.tunnels[subdomain]
	if ok && t.UserID == "" {
		delete(r.tunnels, subdomain)
	} else if ok {
		t.Connected = false
		t.DisconnectedAt = now
		t.GraceDeadline = now.Add(r.options.ReconnectGrace)
	}
	r.mu.Unlock()

	if ok {
		r.logger.With(zap.String("subdomain", subdomain)).Info("Marked tunnel disconnected")
	}
}

// TryReclaim lets a new session from the same user take over a
// disconnected tunnel inside its grace window. On success the handle and
// session metadata are swapped and the tunnel is connected again.
func (r *Registry) TryReclaim(subdomain, userID string, handle *SessionHandle, sessionID, clientIP, requestedAddr string, requestedPort uint32) bool {
	now := time.Now()

	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.tunnels[subdomain]
	if !ok || t.Connected || t.UserID != userID || now.After(t.GraceDeadline) {
		return false
	}

	t.Handle = handle
	t.SessionID = sessionID
	t.ClientIP = clientIP
	t.RequestedAddr = requestedAddr
	t.RequestedPort = requestedPort
	t.Connected = true
	t.DisconnectedAt = time.Time{}
	t.GraceDeadline = time.Time{}

	r.logger.With(
		zap.String("subdomain", subdomain),
		zap.String("user_id", userID),
		zap.String("session_id", sessionID),
	).Info("Reclaimed tunnel")
	return true
}

// List snapshots every tunnel. Ordering is unspecified.
func (r *Registry) List() []Tunnel {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Tunnel, 0, len(r.tunnels))
	for _, t := range r.tunnels {
		out = append(out, *t)
	}
	return out
}

// Sweep purges tunnels whose grace deadline has passed, and stale throttle
// windows. Called from the janitor ticker.
func (r *Registry) Sweep(now time.Time) {
	var expired []string

	r.mu.Lock()
	for subdomain, t := range r.tunnels {
		if !t.Connected && now.After(t.GraceDeadline) {
			delete(r.tunnels, subdomain)
			expired = append(expired, subdomain)
		}
	}
	total := len(r.tunnels)
	r.mu.Unlock()

	for _, subdomain := range expired {
		r.logger.With(zap.String("subdomain", subdomain)).Info("Reconnection grace expired, releasing subdomain")
		go r.notifyUnregister(subdomain)
	}
	if len(expired) > 0 {
		r.stats.Gauge("tunnels.active", float64(total), nil, 1)
	}

	r.limiterMu.Lock()
	for ip, w := range r.limiter {
		if now.Sub(w.windowStart) > 2*r.options.RateLimitWindow {
			delete(r.limiter, ip)
		}
	}
	r.limiterMu.Unlock()
}

// RecordVerifiedKey caches a fingerprint→user association along with the
// subdomain assigned for a requested port, for later reclaim.
func (r *Registry) RecordVerifiedKey(fingerprint, userID, userName string, port uint32, subdomain string) {
	if fingerprint == "" {
		return
	}

	r.keysMu.Lock()
	defer r.keysMu.Unlock()

	key, ok := r.keys[fingerprint]
	if !ok {
		key = &VerifiedKey{
			UserID:     userID,
			UserName:   userName,
			Subdomains: make(map[uint32]string),
		}
		r.keys[fingerprint] = key
	}
	key.UserID = userID
	if userName != "" {
		key.UserName = userName
	}
	key.LastUsedAt = time.Now()
	if subdomain != "" {
		key.Subdomains[port] = subdomain
	}
}

// LookupVerifiedKey returns the cached association for a fingerprint, if
// any, stamping its last-used time.
func (r *Registry) LookupVerifiedKey(fingerprint string) (VerifiedKey, bool) {
	r.keysMu.Lock()
	defer r.keysMu.Unlock()

	key, ok := r.keys[fingerprint]
	if !ok {
		return VerifiedKey{}, false
	}
	key.LastUsedAt = time.Now()

	copied := *key
	copied.Subdomains = make(map[uint32]string, len(key.Subdomains))
	for port, subdomain := range key.Subdomains {
		copied.Subdomains[port] = subdomain
	}
	return copied, true
}

// ObserveConnectionAttempt applies a fixed-window throttle for an inbound
// SSH connection: each origin IP gets RateLimitMaxAttempts attempts per
// window, and the count starts over once RateLimitWindow has elapsed since
// the window's first attempt. The window does not slide, so up to twice
// the limit can land across a window boundary. Returns false when the
// origin should be rejected.
func (r *Registry) ObserveConnectionAttempt(addr net.Addr) bool {
	ip := addr.String()
	if host, _, err := net.SplitHostPort(ip); err == nil {
		ip = host
	}

	now := time.Now()

	r.limiterMu.Lock()
	defer r.limiterMu.Unlock()

	w, ok := r.limiter[ip]
	if !ok || now.Sub(w.windowStart) >= r.options.RateLimitWindow {
		r.limiter[ip] = &rateWindow{windowStart: now, attempts: 1}
		return true
	}

	w.attempts++
	if w.attempts > r.options.RateLimitMaxAttempts {
		r.stats.Incr("ssh.throttled", stats.Tags{"ip": ip}, 1)
		return false
	}
	return true
}

func (r *Registry) notifyRegister(t *Tunnel) {
	if r.controlPlane == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), r.options.HookTimeout)
	defer cancel()

	err := r.controlPlane.RegisterTunnel(ctx, deviceflow.RegisterTunnelRequest{
		Subdomain:     t.Subdomain,
		UserID:        t.UserID,
		SessionID:     t.SessionID,
		RequestedAddr: t.RequestedAddr,
		RequestedPort: t.RequestedPort,
		ServerPort:    t.ServerPort,
		ClientIP:      t.ClientIP,
	})
	if err != nil {
		r.logger.With(zap.String("subdomain", t.Subdomain)).Warnw("Control plane register failed", zap.Error(err))
	}
}

func (r *Registry) notifyUnregister(subdomain string) {
	if r.controlPlane == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), r.options.HookTimeout)
	defer cancel()

	if err := r.controlPlane.UnregisterTunnel(ctx, subdomain); err != nil {
		r.logger.With(zap.String("subdomain", subdomain)).Warnw("Control plane unregister failed", zap.Error(err))
	}
}
