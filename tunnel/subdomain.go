package tunnel

import (
	"crypto/rand"

	"github.com/pkg/errors"
)

const (
	subdomainPrefix   = "tunnel-"
	subdomainAlphabet = "abcdefghijklmnopqrstuvwxyz0123456789"
	subdomainLength   = 6

	// subdomainRetries bounds collision retries before the generator gives up.
	subdomainRetries = 8
)

// newSubdomainLabel mints a label of the form tunnel-<6 lowercase
// alphanumerics> from crypto/rand.
func newSubdomainLabel() (string, error) {
	buf := make([]byte, subdomainLength)
	if _, err := rand.Read(buf); err != nil {
		return "", errors.Wrap(err, "read random bytes")
	}

	out := make([]byte, subdomainLength)
	for i, b := range buf {
		out[i] = subdomainAlphabet[int(b)%len(subdomainAlphabet)]
	}
	return subdomainPrefix + string(out), nil
}
