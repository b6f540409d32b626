package tunnel

import (
	"context"
	"sync"
	"time"

	"github.com/burrowhq/burrow/log"
	"github.com/burrowhq/burrow/tunnel/deviceflow"
)

// SessionState is the per-connection handler state. Transitions are
// totally ordered within a session and observed by every in-session
// goroutine through the session mutex.
type SessionState int

const (
	StateAccepted SessionState = iota
	StateAwaitingAuthorization
	StateAuthorized
	StateForwarding
	StateClosed
)

func (s SessionState) String() string {
	switch s {
	case StateAccepted:
		return "accepted"
	case StateAwaitingAuthorization:
		return "awaiting_authorization"
	case StateAuthorized:
		return "authorized"
	case StateForwarding:
		return "forwarding"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// session is the handler-side state for one SSH connection.
type session struct {
	id          string
	fingerprint string
	remoteIP    string
	handle      *SessionHandle
	logger      *log.Logger

	mu            sync.Mutex
	state         SessionState
	userID        string
	userName      string
	renderer      *Renderer
	subdomains    map[string]uint32 // subdomain -> requested bind port
	reclaimable   map[uint32]string // requested bind port -> previous subdomain
	code          string
	activationURL string
	codeExpiresAt time.Time
	failReason    string
	lastEsc       time.Time

	// authorized is closed when a user id is bound to the session; failed
	// when the device flow ends without one. Parked forwarding requests
	// select on both.
	authorized chan struct{}
	failed     chan struct{}

	flowOnce      sync.Once
	cancelPolling context.CancelFunc
}

func newSession(id, fingerprint, remoteIP string, handle *SessionHandle, logger *log.Logger) *session {
	return &session{
		id:          id,
		fingerprint: fingerprint,
		remoteIP:    remoteIP,
		handle:      handle,
		logger:      logger,
		state:       StateAccepted,
		subdomains:  make(map[string]uint32),
		reclaimable: make(map[uint32]string),
		authorized:  make(chan struct{}),
		failed:      make(chan struct{}),
	}
}

func (s *session) snapshotState() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// preAuthorize binds a user id from a cached verified key, skipping the
// device flow entirely.
func (s *session) preAuthorize(key VerifiedKey) {
	s.mu.Lock()
	s.state = StateAuthorized
	s.userID = key.UserID
	s.userName = key.UserName
	for port, subdomain := range key.Subdomains {
		s.reclaimable[port] = subdomain
	}
	s.mu.Unlock()
	close(s.authorized)

	s.logger.With("user_id", key.UserID).Info("Session pre-authorized from verified key")
}

// markAwaiting enters AwaitingAuthorization from Accepted.
func (s *session) markAwaiting() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateAccepted {
		s.state = StateAwaitingAuthorization
	}
}

// setCode records the issued activation code for late-attaching session
// channels to render.
func (s *session) setCode(code, url string, expiresAt time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.code = code
	s.activationURL = url
	s.codeExpiresAt = expiresAt
}

func (s *session) setCancelPolling(cancel context.CancelFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelPolling = cancel
}

// authorize transitions to Authorized and releases parked forwards.
func (s *session) authorize(user deviceflow.VerifiedUser) bool {
	s.mu.Lock()
	if s.state == StateClosed || s.userID != "" {
		s.mu.Unlock()
		return false
	}
	s.state = StateAuthorized
	s.userID = user.UserID
	s.userName = user.UserName
	s.mu.Unlock()

	close(s.authorized)
	return true
}

// fail records an authorization failure and releases parked forwards with
// a rejection.
func (s *session) fail(reason string) bool {
	s.mu.Lock()
	if s.state == StateClosed || s.failReason != "" {
		s.mu.Unlock()
		return false
	}
	s.failReason = reason
	s.mu.Unlock()

	close(s.failed)
	return true
}

// markForwarding records that at least one tunnel is registered.
func (s *session) markForwarding() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateAuthorized {
		s.state = StateForwarding
	}
}

// close transitions to the terminal state, cancelling the polling loop.
// Returns the subdomains the session owned, for registry cleanup.
func (s *session) close() (subdomains []string, verified bool) {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return nil, false
	}
	s.state = StateClosed
	cancel := s.cancelPolling
	for subdomain := range s.subdomains {
		subdomains = append(subdomains, subdomain)
	}
	verified = s.userID != ""
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	return subdomains, verified
}

func (s *session) identity() (userID, userName string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.userID, s.userName
}

// displayName is what the banner greets the user as.
func (s *session) displayName() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.userName != "" {
		return s.userName
	}
	return truncate(s.userID, 12)
}

func (s *session) addSubdomain(subdomain string, port uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subdomains[subdomain] = port
	s.reclaimable[port] = subdomain
}

func (s *session) removeSubdomain(subdomain string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.subdomains, subdomain)
}

// subdomainForBind resolves a cancel-tcpip-forward request to the
// subdomain registered for that bind port.
func (s *session) subdomainForBind(port uint32) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for subdomain, p := range s.subdomains {
		if p == port {
			return subdomain, true
		}
	}
	return "", false
}

// reclaimableSubdomain returns the subdomain a verified key previously
// held for a bind port.
func (s *session) reclaimableSubdomain(port uint32) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	subdomain, ok := s.reclaimable[port]
	return subdomain, ok
}

// attachRenderer wires the interactive channel in and returns the render
// action appropriate for the current state. Rendering happens outside the
// session lock; the caller performs it.
func (s *session) attachRenderer(r *Renderer) func() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.renderer = r

	switch {
	case s.state == StateAwaitingAuthorization && s.code != "":
		code, url := s.code, s.activationURL
		return func() { r.Activation(code, url) }
	case s.state == StateAuthorized || s.state == StateForwarding:
		name := s.userName
		if name == "" {
			name = truncate(s.userID, 12)
		}
		return func() { r.Reconnected(name) }
	default:
		return func() {}
	}
}

// currentRenderer returns the interactive renderer, if a session channel
// has been opened.
func (s *session) currentRenderer() *Renderer {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.renderer
}

// observeEsc implements the double-ESC disconnect gesture. Returns true
// when the second press arrives within the window.
func (s *session) observeEsc(window time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	if !s.lastEsc.IsZero() && now.Sub(s.lastEsc) < window {
		return true
	}
	s.lastEsc = now
	return false
}
