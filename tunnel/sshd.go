package tunnel

import (
	"bytes"
	"context"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/gliderlabs/ssh"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	gossh "golang.org/x/crypto/ssh"

	"github.com/burrowhq/burrow/log"
	"github.com/burrowhq/burrow/stats"
	"github.com/burrowhq/burrow/tunnel/deviceflow"
)

// ErrSSHServerClosed is returned by Start after a clean Close.
var ErrSSHServerClosed = ssh.ErrServerClosed

const (
	// escWindow is how quickly the second ESC must follow the first to
	// disconnect.
	escWindow = 2 * time.Second

	// failureLinger keeps the failure box on screen before the session is
	// torn down.
	failureLinger = 3 * time.Second

	// probeDelay gives the client time to process the forwarding reply
	// before the advisory local-service probe opens a channel.
	probeDelay = 500 * time.Millisecond
)

type ctxKey string

const ctxKeySession ctxKey = "burrow-session"

// SSHServer accepts client connections and drives each through the
// device-flow authorization gate and virtual reverse-forwarding bindings.
type SSHServer struct {
	BindAddr   string
	HostSigner gossh.Signer

	// TunnelDomain is the public domain tunnels are presented under
	// (TUNNEL_URL), e.g. "localhost:8080" or "tunnels.example.com".
	TunnelDomain string

	// VirtualPort is the port reported back on tcpip-forward acceptance;
	// no OS listener is ever bound for it.
	VirtualPort uint32

	CodeExpiry   time.Duration
	PollInterval time.Duration

	Registry   *Registry
	DeviceFlow *deviceflow.Client
	Logger     *log.Logger
	Stats      stats.Stats

	server    *ssh.Server
	close     chan struct{}
	closeOnce sync.Once
}

// Start configures the SSH server and blocks serving connections until
// Close is called.
func (s *SSHServer) Start() error {
	s.close = make(chan struct{})

	server := &ssh.Server{
		Addr:    s.BindAddr,
		Handler: s.handleSession,
		ChannelHandlers: map[string]ssh.ChannelHandler{
			"session": ssh.DefaultSessionHandler,
		},
		RequestHandlers: map[string]ssh.RequestHandler{
			"tcpip-forward":         s.handleTCPIPForward,
			"cancel-tcpip-forward":  s.handleCancelTCPIPForward,
			"keepalive@openssh.com": handleKeepalive,
		},
		HostSigners: []ssh.Signer{s.HostSigner},

		// Per-IP throttle applies before any SSH handshake work happens.
		ConnCallback: func(ctx ssh.Context, conn net.Conn) net.Conn {
			if !s.Registry.ObserveConnectionAttempt(conn.RemoteAddr()) {
				s.Logger.With(zap.String("remote_addr", conn.RemoteAddr().String())).Warn("Throttled connection attempt")
				_ = conn.Close()
				return nil
			}
			s.Stats.Incr("ssh.connections", nil, 1)
			return conn
		},
	}

	// The SSH-layer check is deliberately permissive for both methods; the
	// device flow is the real authorization gate. A public key matching a
	// cached verified key pre-authorizes the session.
	if err := server.SetOption(ssh.PublicKeyAuth(func(ctx ssh.Context, incomingKey ssh.PublicKey) bool {
		fingerprint := gossh.FingerprintSHA256(incomingKey)
		ctx.SetValue(ctxKeyFingerprint, fingerprint)

		s.Logger.With(
			zap.String("remote_addr", ctx.RemoteAddr().String()),
			zap.String("user", ctx.User()),
			zap.String("key_type", incomingKey.Type()),
			zap.String("fingerprint", fingerprint),
		).Info("Public key authentication attempt")
		return true
	})); err != nil {
		return err
	}
	if err := server.SetOption(ssh.PasswordAuth(func(ctx ssh.Context, password string) bool {
		s.Logger.With(
			zap.String("remote_addr", ctx.RemoteAddr().String()),
			zap.String("user", ctx.User()),
		).Info("Password authentication attempt")
		return true
	})); err != nil {
		return err
	}

	s.Logger.With(zap.String("bind_addr", s.BindAddr)).Infof("SSH listening on %s", s.BindAddr)
	s.server = server
	return server.ListenAndServe()
}

func (s *SSHServer) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.close)
		if s.server != nil {
			err = s.server.Close()
		}
	})
	return err
}

const ctxKeyFingerprint ctxKey = "burrow-fingerprint"

// sessionFor returns the handler state for a connection, creating it on
// first use after the handshake. Creation also starts the goroutines that
// watch for transport loss and consume handle commands.
func (s *SSHServer) sessionFor(ctx ssh.Context) *session {
	ctx.Lock()
	defer ctx.Unlock()

	if existing, ok := ctx.Value(ctxKeySession).(*session); ok && existing != nil {
		return existing
	}

	fingerprint, _ := ctx.Value(ctxKeyFingerprint).(string)
	remoteIP := ctx.RemoteAddr().String()
	if host, _, err := net.SplitHostPort(remoteIP); err == nil {
		remoteIP = host
	}

	id := uuid.New().String()
	conn, _ := ctx.Value(ssh.ContextKeyConn).(*gossh.ServerConn)
	sess := newSession(id, fingerprint, remoteIP, NewSessionHandle(id, conn), s.Logger.With(zap.String("session_id", id)))

	if fingerprint != "" {
		if key, ok := s.Registry.LookupVerifiedKey(fingerprint); ok {
			sess.preAuthorize(key)
		}
	}

	ctx.SetValue(ctxKeySession, sess)

	go s.watchTransport(ctx, sess)
	go s.consumeCommands(ctx, sess)
	return sess
}

// watchTransport cleans up when the connection drops for any reason.
func (s *SSHServer) watchTransport(ctx ssh.Context, sess *session) {
	select {
	case <-ctx.Done():
	case <-sess.handle.Done():
	case <-s.close:
	}
	s.onSessionClosed(sess)
}

// consumeCommands services the reference-only handle: foreign code
// (management surface, registry) terminates tunnels by command, never by
// touching the session directly.
func (s *SSHServer) consumeCommands(ctx ssh.Context, sess *session) {
	for {
		select {
		case <-ctx.Done():
			return
		case cmd := <-sess.handle.Commands():
			sess.removeSubdomain(cmd.subdomain)
			sess.logger.With(
				zap.String("subdomain", cmd.subdomain),
				zap.String("reason", cmd.reason),
			).Info("Forwarding terminated")
			if cmd.closeSession {
				sess.handle.CloseSession()
				return
			}
		}
	}
}

// onSessionClosed marks the session terminal: the polling loop is
// cancelled and owned tunnels enter their reconnection window (or are
// removed outright when the session never verified a user).
func (s *SSHServer) onSessionClosed(sess *session) {
	subdomains, verified := sess.close()
	if subdomains == nil && !verified {
		return
	}

	for _, subdomain := range subdomains {
		if verified {
			s.Registry.MarkDisconnected(subdomain)
		} else {
			_ = s.Registry.Remove(subdomain)
		}
	}
	sess.logger.With(zap.Int("tunnels", len(subdomains))).Info("Session closed")
	s.Stats.Incr("ssh.sessions_closed", nil, 1)
}

// handleSession services the interactive channel: banner rendering, the
// spinner, and the double-ESC disconnect gesture. The channel is held open
// until the session or server closes.
func (s *SSHServer) handleSession(sshSession ssh.Session) {
	ctx := sshSession.Context()
	sess := s.sessionFor(ctx)

	_, _, isPty := sshSession.Pty()
	render := sess.attachRenderer(newRenderer(sshSession, isPty))
	render()

	s.startAuthorization(ctx, sess)
	go s.watchSessionInput(sshSession, sess)

	select {
	case <-ctx.Done():
	case <-s.close:
	}
}

// watchSessionInput scans interactive input for the disconnect gestures:
// double-ESC, ctrl-c, or ctrl-d.
func (s *SSHServer) watchSessionInput(sshSession ssh.Session, sess *session) {
	buf := make([]byte, 256)
	for {
		n, err := sshSession.Read(buf)
		if err != nil {
			return
		}
		data := buf[:n]

		if bytes.ContainsAny(data, "\x03\x04") {
			sess.handle.CloseSession()
			return
		}
		if bytes.ContainsRune(data, 0x1b) {
			if sess.observeEsc(escWindow) {
				sess.handle.CloseSession()
				return
			}
			if r := sess.currentRenderer(); r != nil {
				r.EscHint()
			}
		}
	}
}

// startAuthorization launches the device flow exactly once per session, on
// whichever comes first: the interactive channel or a forwarding request.
// Pre-authorized sessions (verified key) skip it.
func (s *SSHServer) startAuthorization(ctx ssh.Context, sess *session) {
	sess.flowOnce.Do(func() {
		if sess.snapshotState() >= StateAuthorized {
			return
		}
		sess.markAwaiting()
		go s.runDeviceFlow(ctx, sess)
	})
}

// runDeviceFlow issues an activation code, renders the banner, and polls
// the control plane until a verdict. It is cancelled immediately when the
// session closes.
func (s *SSHServer) runDeviceFlow(ctx ssh.Context, sess *session) {
	pollCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sess.setCancelPolling(cancel)

	go func() {
		select {
		case <-ctx.Done():
			cancel()
		case <-pollCtx.Done():
		}
	}()

	code := deviceflow.GenerateActivationCode()
	expiresAt := time.Now().Add(s.CodeExpiry)
	url := s.DeviceFlow.ActivationURL(code)
	sess.setCode(code, url, expiresAt)

	if err := s.DeviceFlow.GenerateCode(pollCtx, code, sess.id, expiresAt); err != nil {
		sess.logger.Errorw("Could not issue activation code", zap.Error(err))
		s.failAuthorization(sess, "could not start device authorization")
		return
	}

	sess.logger.With(zap.String("code", code)).Info("Issued activation code")
	s.Stats.Incr("deviceflow.codes_issued", nil, 1)

	if r := sess.currentRenderer(); r != nil {
		r.Activation(code, url)
	}

	// Spinner animation on the interactive channel, if there is one.
	go func() {
		ticker := time.NewTicker(100 * time.Millisecond)
		defer ticker.Stop()
		frame := 0
		for {
			select {
			case <-pollCtx.Done():
				return
			case <-ticker.C:
				frame++
				if r := sess.currentRenderer(); r != nil {
					r.Spinner(frame)
				}
			}
		}
	}()

	user, err := s.DeviceFlow.PollUntilVerified(pollCtx, code, s.PollInterval, expiresAt)
	cancel()

	if err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		s.Stats.Incr("deviceflow.failures", nil, 1)
		switch {
		case errors.Is(err, deviceflow.ErrCodeExpired):
			s.failAuthorization(sess, "activation code expired")
		case errors.Is(err, deviceflow.ErrCodeNotFound):
			s.failAuthorization(sess, "activation code not recognized")
		default:
			s.failAuthorization(sess, "authorization failed")
		}
		return
	}

	if !sess.authorize(user) {
		return
	}

	s.Stats.Incr("deviceflow.verified", nil, 1)
	sess.logger.With(zap.String("user_id", user.UserID)).Info("Device flow verified")

	// Cache the key so the next connection from it skips the flow.
	s.Registry.RecordVerifiedKey(sess.fingerprint, user.UserID, user.UserName, 0, "")

	if r := sess.currentRenderer(); r != nil {
		r.Success(sess.displayName())
	}
}

// failAuthorization renders the failure box, lingers briefly so the user
// can read it, and tears the session down.
func (s *SSHServer) failAuthorization(sess *session, reason string) {
	if !sess.fail(reason) {
		return
	}
	sess.logger.With(zap.String("reason", reason)).Warn("Authorization failed")

	if r := sess.currentRenderer(); r != nil {
		r.Failure(reason)
		time.Sleep(failureLinger)
	}
	sess.handle.CloseSession()
}

// tunnelURL builds the public URL a subdomain is reachable under.
func (s *SSHServer) tunnelURL(subdomain string) string {
	scheme := "http"
	domain := s.TunnelDomain
	if strings.HasPrefix(domain, "https://") {
		scheme = "https"
		domain = strings.TrimPrefix(domain, "https://")
	} else {
		domain = strings.TrimPrefix(domain, "http://")
	}
	return scheme + "://" + subdomain + "." + domain
}

func handleKeepalive(ctx ssh.Context, srv *ssh.Server, req *gossh.Request) (bool, []byte) {
	return true, nil
}
