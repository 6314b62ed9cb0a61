package ssh

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
)

// AgentKeySource is the --ssh-key value that selects the running SSH agent.
const AgentKeySource = "agent"

const agentDialTimeout = 5 * time.Second

// KeyError reports an --ssh-key source that yielded no usable signer.
type KeyError struct {
	Source string
	Err    error
}

func (e *KeyError) Error() string {
	return fmt.Sprintf("ssh key %q: %v", e.Source, e.Err)
}

func (e *KeyError) Unwrap() error { return e.Err }

// AgentSocket returns the agent socket path from SSH_AUTH_SOCK, or "".
func AgentSocket() string {
	return os.Getenv("SSH_AUTH_SOCK")
}

// LoadSigners resolves an --ssh-key source. "" disables key authentication,
// AgentKeySource asks the agent at AgentSocket for its keys, and anything
// else is read as an unencrypted private key file.
func LoadSigners(source string) ([]ssh.Signer, error) {
	if source == "" {
		return nil, nil
	}

	var signers []ssh.Signer
	var err error
	if source == AgentKeySource {
		ctx, cancel := context.WithTimeout(context.Background(), agentDialTimeout)
		defer cancel()
		signers, err = agentSigners(ctx, AgentSocket())
	} else {
		var s ssh.Signer
		s, err = keyFileSigner(source)
		signers = []ssh.Signer{s}
	}
	if err != nil {
		return nil, &KeyError{Source: source, Err: err}
	}
	return signers, nil
}

// agentSigners returns every key held by the agent at socket. The agent
// connection stays open for as long as the signers are in use.
func agentSigners(ctx context.Context, socket string) ([]ssh.Signer, error) {
	if socket == "" {
		return nil, errors.New("SSH_AUTH_SOCK not set")
	}

	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", socket)
	if err != nil {
		return nil, fmt.Errorf("connect to agent: %w", err)
	}

	signers, err := agent.NewClient(conn).Signers()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("list agent keys: %w", err)
	}
	if len(signers) == 0 {
		_ = conn.Close()
		return nil, errors.New("agent holds no keys")
	}
	return signers, nil
}

func keyFileSigner(path string) (ssh.Signer, error) {
	pem, err := os.ReadFile(path) //nolint:gosec // Path is from user config.
	if err != nil {
		return nil, err
	}

	signer, err := ssh.ParsePrivateKey(pem)
	var missing *ssh.PassphraseMissingError
	if errors.As(err, &missing) {
		return nil, errors.New("key is passphrase protected; load it into an agent and use --ssh-key=agent")
	}
	if err != nil {
		return nil, fmt.Errorf("parse key: %w", err)
	}
	return signer, nil
}

// Fingerprints returns the SHA256 fingerprint of each signer's public key.
func Fingerprints(signers []ssh.Signer) []string {
	out := make([]string, 0, len(signers))
	for _, s := range signers {
		out = append(out, ssh.FingerprintSHA256(s.PublicKey()))
	}
	return out
}
