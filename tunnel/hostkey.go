package tunnel

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	gossh "golang.org/x/crypto/ssh"

	"github.com/burrowhq/burrow/log"
)

// HostKeyFile is the single piece of state the data plane persists.
const HostKeyFile = "host_key"

// LoadOrGenerateHostKey returns the signer for the persisted Ed25519 host
// key at dir/host_key, generating and atomically writing a fresh key on
// first boot. Restarting must yield identical public key material.
func LoadOrGenerateHostKey(dir string, logger *log.Logger) (gossh.Signer, error) {
	path := filepath.Join(dir, HostKeyFile)

	data, err := os.ReadFile(path)
	if err == nil {
		signer, err := gossh.ParsePrivateKey(data)
		if err != nil {
			return nil, errors.Wrapf(err, "parse host key %s", path)
		}
		logger.With("path", path, "fingerprint", gossh.FingerprintSHA256(signer.PublicKey())).Info("Loaded host key")
		return signer, nil
	}
	if !os.IsNotExist(err) {
		return nil, errors.Wrapf(err, "read host key %s", path)
	}

	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, errors.Wrapf(err, "create data dir %s", dir)
	}

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, errors.Wrap(err, "generate ed25519 key")
	}

	block, err := gossh.MarshalPrivateKey(priv, "")
	if err != nil {
		return nil, errors.Wrap(err, "marshal host key")
	}

	if err := atomicWrite(path, pem.EncodeToMemory(block), 0o600); err != nil {
		return nil, errors.Wrapf(err, "write host key %s", path)
	}

	signer, err := gossh.NewSignerFromKey(priv)
	if err != nil {
		return nil, errors.Wrap(err, "signer from key")
	}

	logger.With("path", path, "fingerprint", gossh.FingerprintSHA256(signer.PublicKey())).Info("Generated host key")
	return signer, nil
}

// atomicWrite writes via a temp file in the same directory plus rename, so
// a crash mid-write never leaves a truncated key behind.
func atomicWrite(path string, data []byte, mode os.FileMode) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if err := tmp.Chmod(mode); err != nil {
		tmp.Close()
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
