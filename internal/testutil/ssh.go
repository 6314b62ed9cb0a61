package testutil

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"net"
	"testing"

	"golang.org/x/crypto/ssh"
	"golang.org/x/sync/errgroup"
)

// SSHServerConfig configures StartSSHServer.
type SSHServerConfig struct {
	Username string
	Password string
	// AuthorizedKey, if set, is accepted for public key authentication.
	AuthorizedKey ssh.PublicKey
}

type directTCPIPPayload struct {
	Host       string
	Port       uint32
	OriginHost string
	OriginPort uint32
}

// StartSSHServer starts an SSH server on 127.0.0.1 that serves
// "direct-tcpip" channels, i.e. ssh -D style forwarding. It returns the
// listener and the server's host key.
func StartSSHServer(t *testing.T, ctx context.Context, cfg SSHServerConfig) (net.Listener, ssh.PublicKey) {
	t.Helper()

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	hostKey, err := ssh.NewSignerFromKey(priv)
	if err != nil {
		t.Fatal(err)
	}

	serverCfg := &ssh.ServerConfig{
		PasswordCallback: func(meta ssh.ConnMetadata, pass []byte) (*ssh.Permissions, error) {
			if cfg.Password == "" || meta.User() != cfg.Username || string(pass) != cfg.Password {
				return nil, errors.New("invalid credentials")
			}
			return &ssh.Permissions{}, nil
		},
		PublicKeyCallback: func(meta ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error) {
			if cfg.AuthorizedKey == nil || meta.User() != cfg.Username ||
				!bytes.Equal(key.Marshal(), cfg.AuthorizedKey.Marshal()) {
				return nil, errors.New("unauthorized key")
			}
			return &ssh.Permissions{}, nil
		},
	}
	serverCfg.AddHostKey(hostKey)

	lc := net.ListenConfig{}
	ln, err := lc.Listen(ctx, "tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = ln.Close() })

	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			go serveSSH(ctx, c, serverCfg)
		}
	}()

	return ln, hostKey.PublicKey()
}

func serveSSH(ctx context.Context, c net.Conn, cfg *ssh.ServerConfig) {
	defer c.Close()

	_, chans, reqs, err := ssh.NewServerConn(c, cfg)
	if err != nil {
		return
	}
	go ssh.DiscardRequests(reqs)

	for newChan := range chans {
		if newChan.ChannelType() != "direct-tcpip" {
			_ = newChan.Reject(ssh.UnknownChannelType, "unsupported channel")
			continue
		}

		var p directTCPIPPayload
		if err := ssh.Unmarshal(newChan.ExtraData(), &p); err != nil {
			_ = newChan.Reject(ssh.Prohibited, "bad direct-tcpip payload")
			continue
		}

		d := net.Dialer{}
		dst, err := d.DialContext(ctx, "tcp", net.JoinHostPort(p.Host, fmt.Sprint(p.Port)))
		if err != nil {
			_ = newChan.Reject(ssh.ConnectionFailed, "dial failed")
			continue
		}

		ch, chReqs, err := newChan.Accept()
		if err != nil {
			_ = dst.Close()
			continue
		}
		go ssh.DiscardRequests(chReqs)

		go func() {
			defer ch.Close()
			defer dst.Close()

			g := errgroup.Group{}
			g.Go(func() error {
				_, err := io.Copy(dst, ch)
				_ = dst.Close()
				return err
			})
			g.Go(func() error {
				_, err := io.Copy(ch, dst)
				_ = ch.CloseWrite()
				return err
			})
			_ = g.Wait()
		}()
	}
}
