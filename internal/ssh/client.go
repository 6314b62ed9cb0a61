package ssh

import (
	"fmt"
	"net"
	"time"

	"golang.org/x/crypto/ssh"
)

const clientVersion = "SSH-2.0-portrelay"

// ClientConfig describes how to authenticate and keep a transport alive.
type ClientConfig struct {
	Username string
	// Password and Signers are both offered when set; at least one should be.
	Password string
	Signers  []ssh.Signer

	HostKeyCallback ssh.HostKeyCallback

	Timeout time.Duration
	// HandshakeTimeout bounds the SSH handshake. Zero means none.
	HandshakeTimeout time.Duration
	// KeepAliveInterval, when positive, sends keepalive@openssh.com requests
	// and closes the client once one goes unanswered.
	KeepAliveInterval time.Duration
}

// AuthMethods returns public key auth (if any signers) followed by password.
func (c *ClientConfig) AuthMethods() []ssh.AuthMethod {
	var methods []ssh.AuthMethod
	if len(c.Signers) > 0 {
		methods = append(methods, ssh.PublicKeys(c.Signers...))
	}
	if c.Password != "" {
		methods = append(methods, ssh.Password(c.Password))
	}
	return methods
}

// NewClient runs the client handshake on conn. addr is the server address
// checked by the host key callback. conn is closed on error.
func NewClient(conn net.Conn, cfg ClientConfig, addr string) (*ssh.Client, error) {
	sshConfig := &ssh.ClientConfig{
		User:            cfg.Username,
		Auth:            cfg.AuthMethods(),
		HostKeyCallback: cfg.HostKeyCallback,
		Timeout:         cfg.Timeout,
		ClientVersion:   clientVersion,
	}

	if cfg.HandshakeTimeout > 0 {
		_ = conn.SetDeadline(time.Now().Add(cfg.HandshakeTimeout))
	}
	cc, chans, reqs, err := ssh.NewClientConn(conn, addr, sshConfig)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("ssh handshake: %w", err)
	}
	if cfg.HandshakeTimeout > 0 {
		_ = conn.SetDeadline(time.Time{})
	}

	client := ssh.NewClient(cc, chans, reqs)
	if cfg.KeepAliveInterval > 0 {
		go keepAlive(client, cfg.KeepAliveInterval)
	}
	return client, nil
}

// keepAlive pings the server every interval until the client closes. A ping
// without a reply within interval closes the client.
func keepAlive(client *ssh.Client, interval time.Duration) {
	done := make(chan struct{})
	go func() {
		_ = client.Wait()
		close(done)
	}()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
		}

		replied := make(chan error, 1)
		go func() {
			_, _, err := client.SendRequest("keepalive@openssh.com", true, nil)
			replied <- err
		}()

		select {
		case <-done:
			return
		case err := <-replied:
			if err != nil {
				_ = client.Close()
				return
			}
		case <-time.After(interval):
			_ = client.Close()
			return
		}
	}
}
