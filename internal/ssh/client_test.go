package ssh

import (
	"context"
	"net"
	"testing"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/die-net/portrelay/internal/testutil"
)

func TestNewClient(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, signer := writePrivateKey(t)

	echoLn := testutil.StartEchoTCPServer(t, ctx)
	sshLn, _ := testutil.StartSSHServer(t, ctx, testutil.SSHServerConfig{
		Username:      "user",
		Password:      "pass",
		AuthorizedKey: signer.PublicKey(),
	})

	tests := []struct {
		name    string
		cfg     ClientConfig
		wantErr bool
	}{
		{name: "password", cfg: ClientConfig{Username: "user", Password: "pass"}},
		{name: "public key", cfg: ClientConfig{Username: "user", Signers: []ssh.Signer{signer}}},
		{name: "wrong password", cfg: ClientConfig{Username: "user", Password: "nope"}, wantErr: true},
		{name: "wrong user", cfg: ClientConfig{Username: "other", Password: "pass"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := net.Dialer{}
			conn, err := d.DialContext(ctx, "tcp", sshLn.Addr().String())
			if err != nil {
				t.Fatal(err)
			}

			cfg := tt.cfg
			cfg.HostKeyCallback = ssh.InsecureIgnoreHostKey() //nolint:gosec // Test server has random host key.
			cfg.HandshakeTimeout = 2 * time.Second

			client, err := NewClient(conn, cfg, sshLn.Addr().String())
			if (err != nil) != tt.wantErr {
				t.Fatalf("err=%v wantErr=%v", err, tt.wantErr)
			}
			if err != nil {
				return
			}
			defer client.Close()

			c, err := client.DialContext(ctx, "tcp", echoLn.Addr().String())
			if err != nil {
				t.Fatal(err)
			}
			defer c.Close()
			testutil.AssertEcho(t, c, c, []byte("hello"))
		})
	}
}

func TestAuthMethodsOrder(t *testing.T) {
	cfg := ClientConfig{Password: "pass"}
	if got := len(cfg.AuthMethods()); got != 1 {
		t.Fatalf("password only: %d methods", got)
	}

	cfg.Signers = []ssh.Signer{mustGenerateKey(t)}
	if got := len(cfg.AuthMethods()); got != 2 {
		t.Fatalf("password and key: %d methods", got)
	}

	if got := len((&ClientConfig{}).AuthMethods()); got != 0 {
		t.Fatalf("empty config: %d methods", got)
	}
}

func TestNewClientHostKeyRejected(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	sshLn, _ := testutil.StartSSHServer(t, ctx, testutil.SSHServerConfig{Username: "user", Password: "pass"})
	knownHosts := t.TempDir() + "/known_hosts"

	// Pin a key the server does not have.
	cb, err := NewHostKeyCallback(knownHosts, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := cb(sshLn.Addr().String(), sshLn.Addr(), mustGenerateKey(t).PublicKey()); err != nil {
		t.Fatal(err)
	}
	cb, err = NewHostKeyCallback(knownHosts, nil)
	if err != nil {
		t.Fatal(err)
	}

	d := net.Dialer{}
	conn, err := d.DialContext(ctx, "tcp", sshLn.Addr().String())
	if err != nil {
		t.Fatal(err)
	}

	_, err = NewClient(conn, ClientConfig{
		Username:         "user",
		Password:         "pass",
		HostKeyCallback:  cb,
		HandshakeTimeout: 2 * time.Second,
	}, sshLn.Addr().String())
	if err == nil {
		t.Fatal("expected host key mismatch")
	}
}

func TestNewClientKeepAlive(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	echoLn := testutil.StartEchoTCPServer(t, ctx)
	sshLn, _ := testutil.StartSSHServer(t, ctx, testutil.SSHServerConfig{Username: "user", Password: "pass"})

	d := net.Dialer{}
	conn, err := d.DialContext(ctx, "tcp", sshLn.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	client, err := NewClient(conn, ClientConfig{
		Username:          "user",
		Password:          "pass",
		HostKeyCallback:   ssh.InsecureIgnoreHostKey(), //nolint:gosec // Test server has random host key.
		KeepAliveInterval: 20 * time.Millisecond,
	}, sshLn.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer client.Close()

	// Several answered pings must not tear the transport down.
	time.Sleep(150 * time.Millisecond)

	c, err := client.DialContext(ctx, "tcp", echoLn.Addr().String())
	if err != nil {
		t.Fatalf("transport closed by keepalive: %v", err)
	}
	defer c.Close()
	testutil.AssertEcho(t, c, c, []byte("alive"))
}
