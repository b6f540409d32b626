package tunnel

import (
	"sync"
	"time"

	gossh "golang.org/x/crypto/ssh"
)

// Tunnel is one accepted reverse-forwarding binding. Exactly one Tunnel
// exists per subdomain. The registry owns the map; the owning SSH session
// drives state transitions through it.
type Tunnel struct {
	Subdomain     string
	UserID        string
	UserName      string
	SessionID     string
	ClientIP      string
	RequestedAddr string
	RequestedPort uint32
	ServerPort    uint32
	CreatedAt     time.Time

	Handle *SessionHandle

	Connected      bool
	DisconnectedAt time.Time
	GraceDeadline  time.Time
}

// VerifiedKey records that a public-key fingerprint was associated with a
// user by a past device-flow authorization. Subdomains remembers the label
// assigned per requested port so a reconnecting client can reclaim it.
type VerifiedKey struct {
	UserID     string
	UserName   string
	LastUsedAt time.Time
	Subdomains map[uint32]string
}

// remoteForwardChannelData is the forwarded-tcpip channel-open payload
// defined in RFC 4254 section 7.2.
type remoteForwardChannelData struct {
	DestAddr   string
	DestPort   uint32
	OriginAddr string
	OriginPort uint32
}

// sshConn is the slice of gossh.Conn that a SessionHandle needs. Kept as an
// interface so tests can stand in for a live connection.
type sshConn interface {
	OpenChannel(name string, data []byte) (gossh.Channel, <-chan *gossh.Request, error)
	Close() error
}

type sessionCommand struct {
	subdomain    string
	reason       string
	closeSession bool
}

// SessionHandle references an SSH session without owning it. The session is
// owned by its handler goroutines; foreign code (the registry, the
// management surface) communicates through a bounded command channel and
// never closes the session directly.
type SessionHandle struct {
	SessionID string

	conn     sshConn
	commands chan sessionCommand

	closeOnce sync.Once
	closed    chan struct{}
}

func NewSessionHandle(sessionID string, conn sshConn) *SessionHandle {
	return &SessionHandle{
		SessionID: sessionID,
		conn:      conn,
		commands:  make(chan sessionCommand, 16),
		closed:    make(chan struct{}),
	}
}

// OpenForwardedChannel opens a forwarded-tcpip channel toward the client.
// destAddr/destPort are the bound side the client asked to forward;
// originAddr/originPort describe the inbound peer.
func (h *SessionHandle) OpenForwardedChannel(destAddr string, destPort uint32, originAddr string, originPort uint32) (gossh.Channel, error) {
	select {
	case <-h.closed:
		return nil, ErrSessionClosed
	default:
	}

	ch, reqs, err := h.conn.OpenChannel("forwarded-tcpip", gossh.Marshal(&remoteForwardChannelData{
		DestAddr:   destAddr,
		DestPort:   destPort,
		OriginAddr: originAddr,
		OriginPort: originPort,
	}))
	if err != nil {
		return nil, err
	}
	go gossh.DiscardRequests(reqs)
	return ch, nil
}

// Terminate asks the owning session to drop a subdomain. closeSession
// additionally requests a full disconnect once the drop is processed.
// Non-blocking: if the command buffer is full or the session is already
// gone, the session's own close path performs the same cleanup.
func (h *SessionHandle) Terminate(subdomain, reason string, closeSession bool) {
	cmd := sessionCommand{subdomain: subdomain, reason: reason, closeSession: closeSession}
	select {
	case h.commands <- cmd:
	case <-h.closed:
	default:
	}
}

// Commands exposes the command stream to the owning session handler.
func (h *SessionHandle) Commands() <-chan sessionCommand {
	return h.commands
}

// CloseSession tears down the SSH transport. Only the owning handler and
// the handle's own command consumer call this.
func (h *SessionHandle) CloseSession() {
	h.closeOnce.Do(func() {
		close(h.closed)
		_ = h.conn.Close()
	})
}

// Done is closed once the session transport has been torn down via the
// handle. Transport loss detected by the server side is signaled through
// the session context instead.
func (h *SessionHandle) Done() <-chan struct{} {
	return h.closed
}
