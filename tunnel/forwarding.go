package tunnel

import (
	"time"

	"github.com/gliderlabs/ssh"
	"go.uber.org/zap"
	gossh "golang.org/x/crypto/ssh"

	"github.com/burrowhq/burrow/stats"
)

// tcpip-forward request/reply payloads as specified in RFC 4254 section 7.1.
type remoteForwardRequest struct {
	BindAddr string
	BindPort uint32
}

type remoteForwardSuccess struct {
	BindPort uint32
}

type remoteForwardCancelRequest struct {
	BindAddr string
	BindPort uint32
}

// handleTCPIPForward services a reverse-forwarding request with a virtual
// bind: no OS listener is created; a subdomain is minted (or reclaimed)
// and registered for the subdomain proxy to route to.
//
// A request arriving before authorization parks until the device flow
// resolves, bounded by the code expiry. Registration - and therefore the
// success reply - only ever happens in the Authorized or Forwarding state.
func (s *SSHServer) handleTCPIPForward(ctx ssh.Context, srv *ssh.Server, req *gossh.Request) (bool, []byte) {
	var payload remoteForwardRequest
	if err := gossh.Unmarshal(req.Payload, &payload); err != nil {
		s.Logger.Warnw("Invalid tcpip-forward payload", zap.Error(err))
		return false, nil
	}

	sess := s.sessionFor(ctx)
	sess.logger.With(
		zap.String("bind_addr", payload.BindAddr),
		zap.Uint32("bind_port", payload.BindPort),
		zap.String("state", sess.snapshotState().String()),
	).Info("Reverse forwarding request")

	s.startAuthorization(ctx, sess)

	expiry := time.NewTimer(s.CodeExpiry + 30*time.Second)
	defer expiry.Stop()

	select {
	case <-sess.authorized:
	case <-sess.failed:
		return false, nil
	case <-ctx.Done():
		return false, nil
	case <-s.close:
		return false, nil
	case <-expiry.C:
		return false, nil
	}

	if sess.snapshotState() == StateClosed {
		return false, nil
	}

	subdomain, ok := s.bindForward(sess, payload)
	if !ok {
		return false, nil
	}

	sess.markForwarding()
	s.Stats.Incr("ssh.forwards_accepted", stats.Tags{"subdomain": subdomain}, 1)

	if r := sess.currentRenderer(); r != nil {
		r.TunnelReady(s.tunnelURL(subdomain))
	}

	// Advisory probe of the client's local service, after the client has
	// had a chance to process the success reply. The tunnel stays
	// registered either way; the service may come up later.
	go s.probeLocalService(sess, payload)

	return true, gossh.Marshal(&remoteForwardSuccess{BindPort: s.VirtualPort})
}

// bindForward reclaims the user's previous subdomain for this bind port
// when its grace window is still open, and mints a fresh one otherwise.
func (s *SSHServer) bindForward(sess *session, payload remoteForwardRequest) (string, bool) {
	userID, userName := sess.identity()

	if previous, ok := sess.reclaimableSubdomain(payload.BindPort); ok {
		if s.Registry.TryReclaim(previous, userID, sess.handle, sess.id, sess.remoteIP, payload.BindAddr, payload.BindPort) {
			sess.addSubdomain(previous, payload.BindPort)
			s.Registry.RecordVerifiedKey(sess.fingerprint, userID, userName, payload.BindPort, previous)
			return previous, true
		}
	}

	subdomain, err := s.Registry.MintSubdomain()
	if err != nil {
		sess.logger.Errorw("Could not mint subdomain", zap.Error(err))
		return "", false
	}

	err = s.Registry.Register(&Tunnel{
		Subdomain:     subdomain,
		UserID:        userID,
		UserName:      userName,
		SessionID:     sess.id,
		ClientIP:      sess.remoteIP,
		RequestedAddr: payload.BindAddr,
		RequestedPort: payload.BindPort,
		ServerPort:    s.VirtualPort,
		CreatedAt:     time.Now(),
		Handle:        sess.handle,
	})
	if err != nil {
		sess.logger.Errorw("Could not register tunnel", zap.Error(err))
		return "", false
	}

	sess.addSubdomain(subdomain, payload.BindPort)
	s.Registry.RecordVerifiedKey(sess.fingerprint, userID, userName, payload.BindPort, subdomain)
	return subdomain, true
}

// handleCancelTCPIPForward releases the subdomain bound for the cancelled
// port immediately; an explicit cancel is a client gesture, so no
// reconnection grace applies.
func (s *SSHServer) handleCancelTCPIPForward(ctx ssh.Context, srv *ssh.Server, req *gossh.Request) (bool, []byte) {
	var payload remoteForwardCancelRequest
	if err := gossh.Unmarshal(req.Payload, &payload); err != nil {
		s.Logger.Warnw("Invalid cancel-tcpip-forward payload", zap.Error(err))
		return false, nil
	}

	sess := s.sessionFor(ctx)
	if subdomain, ok := sess.subdomainForBind(payload.BindPort); ok {
		sess.removeSubdomain(subdomain)
		_ = s.Registry.Remove(subdomain)
		sess.logger.With(
			zap.String("subdomain", subdomain),
			zap.Uint32("bind_port", payload.BindPort),
		).Info("Cancelled reverse forwarding")
	}

	return true, gossh.Marshal(&remoteForwardSuccess{BindPort: s.VirtualPort})
}

// probeLocalService opens one forwarded channel and immediately discards
// it, surfacing a warning banner when the client's local service is not
// answering.
func (s *SSHServer) probeLocalService(sess *session, payload remoteForwardRequest) {
	time.Sleep(probeDelay)

	if sess.snapshotState() == StateClosed {
		return
	}

	channel, err := sess.handle.OpenForwardedChannel(payload.BindAddr, payload.BindPort, "127.0.0.1", 0)
	if err != nil {
		sess.logger.With(
			zap.String("bind_addr", payload.BindAddr),
			zap.Uint32("bind_port", payload.BindPort),
		).Warnw("Local service probe failed", zap.Error(err))
		if r := sess.currentRenderer(); r != nil {
			r.ServiceWarning(payload.BindAddr, payload.BindPort)
		}
		return
	}
	_ = channel.Close()
}
