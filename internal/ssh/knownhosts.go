package ssh

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// HostKeyMismatchError is returned when a host presents a key other than the
// one recorded for it in known_hosts.
type HostKeyMismatchError struct {
	Host        string
	Fingerprint string
	Err         error
}

func (e *HostKeyMismatchError) Error() string {
	return fmt.Sprintf("host key mismatch for %s (got %s, possible MITM attack)", e.Host, e.Fingerprint)
}

func (e *HostKeyMismatchError) Unwrap() error { return e.Err }

// knownHosts checks host keys against a known_hosts file and appends keys of
// hosts it has not seen (trust on first use).
type knownHosts struct {
	path string
	log  logrus.FieldLogger

	mu    sync.Mutex
	check ssh.HostKeyCallback
}

// NewHostKeyCallback returns a trust-on-first-use callback backed by the
// known_hosts file at path, creating the file and its directory if needed.
// An empty path disables host key checking. log may be nil.
func NewHostKeyCallback(path string, log logrus.FieldLogger) (ssh.HostKeyCallback, error) {
	if path == "" {
		return ssh.InsecureIgnoreHostKey(), nil //nolint:gosec // User explicitly disabled host key checking.
	}
	if log == nil {
		log = logrus.StandardLogger()
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("creating known_hosts directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDONLY, 0o600) //nolint:gosec // Path is from user config.
	if err != nil {
		return nil, fmt.Errorf("creating known_hosts file: %w", err)
	}
	_ = f.Close()

	k := &knownHosts{path: path, log: log}
	if err := k.reload(); err != nil {
		return nil, err
	}
	return k.verify, nil
}

func (k *knownHosts) reload() error {
	check, err := knownhosts.New(k.path)
	if err != nil {
		return fmt.Errorf("loading known_hosts: %w", err)
	}
	k.check = check
	return nil
}

func (k *knownHosts) verify(hostname string, remote net.Addr, key ssh.PublicKey) error {
	k.mu.Lock()
	defer k.mu.Unlock()

	err := k.check(hostname, remote, key)
	var keyErr *knownhosts.KeyError
	if err == nil || !errors.As(err, &keyErr) {
		return err
	}
	if len(keyErr.Want) > 0 {
		return &HostKeyMismatchError{Host: hostname, Fingerprint: ssh.FingerprintSHA256(key), Err: err}
	}

	if err := k.appendKey(hostname, key); err != nil {
		return err
	}
	k.log.WithFields(logrus.Fields{"host": hostname, "known_hosts": k.path}).
		Warnf("ssh: trusting new %s host key %s", key.Type(), ssh.FingerprintSHA256(key))
	return k.reload()
}

func (k *knownHosts) appendKey(hostname string, key ssh.PublicKey) error {
	f, err := os.OpenFile(k.path, os.O_APPEND|os.O_WRONLY, 0o600) //nolint:gosec // Path is from user config.
	if err != nil {
		return fmt.Errorf("opening known_hosts for writing: %w", err)
	}
	defer f.Close()

	line := knownhosts.Line([]string{knownhosts.Normalize(hostname)}, key)
	if _, err := f.WriteString(line + "\n"); err != nil {
		return fmt.Errorf("writing to known_hosts: %w", err)
	}
	return nil
}
