package tunnel

import "github.com/pkg/errors"

var (
	// ErrSubdomainTaken is returned when a subdomain is already registered,
	// or when the generator exhausts its collision retries.
	ErrSubdomainTaken = errors.New("subdomain taken")

	// ErrTunnelNotFound is returned for lookups and removals of subdomains
	// with no registry entry.
	ErrTunnelNotFound = errors.New("tunnel not found")

	// ErrSessionClosed is returned when an operation is attempted against a
	// session handle whose connection has gone away.
	ErrSessionClosed = errors.New("ssh session closed")
)
