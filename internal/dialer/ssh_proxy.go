package dialer

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/ssh"
	"golang.org/x/sync/singleflight"

	internalssh "github.com/die-net/portrelay/internal/ssh"
)

const defaultSSHKeepAlive = 30 * time.Second

// SSHProxyDialer reaches targets through "direct-tcpip" channels of one
// shared SSH transport.
//
// The transport is opened on the first dial and reopened when it dies, either
// noticed by watch or by a channel open failing for a reason other than the
// server refusing the destination. Each returned conn is one channel; closing
// it or canceling its dial context leaves the transport up.
type SSHProxyDialer struct {
	addr      string
	sshConfig internalssh.ClientConfig
	direct    Dialer
	log       logrus.FieldLogger

	mu     sync.Mutex
	client *ssh.Client
	sf     singleflight.Group
}

// NewSSHProxyDialer builds a dialer for the SSH server at addr.
//
// The password and the keys named by cfg.SSHKeyPath are both offered when
// present; at least one is required. cfg.SSHKnownHostsPath enables host key
// checking with trust on first use. Empty disables it.
func NewSSHProxyDialer(cfg Config, addr, username, password string) (Dialer, error) {
	if addr == "" {
		return nil, errors.New("ssh dialer: missing ssh address")
	}
	if username == "" {
		return nil, errors.New("ssh dialer: missing username")
	}

	signers, err := internalssh.LoadSigners(cfg.SSHKeyPath)
	if err != nil {
		return nil, fmt.Errorf("ssh dialer: %w", err)
	}
	if password == "" && len(signers) == 0 {
		return nil, errors.New("ssh dialer: missing password or key")
	}

	log := cfg.Logger
	if log == nil {
		log = logrus.StandardLogger()
	}
	log = log.WithField("upstream", "ssh://"+username+"@"+addr)
	if len(signers) > 0 {
		log.WithField("keys", internalssh.Fingerprints(signers)).Debugf("offering %d ssh key(s)", len(signers))
	}

	hostKeyCallback, err := internalssh.NewHostKeyCallback(cfg.SSHKnownHostsPath, log)
	if err != nil {
		return nil, fmt.Errorf("ssh dialer: %w", err)
	}

	return &SSHProxyDialer{
		addr: addr,
		sshConfig: internalssh.ClientConfig{
			Username:          username,
			Password:          password,
			Signers:           signers,
			HostKeyCallback:   hostKeyCallback,
			Timeout:           cfg.DialTimeout,
			HandshakeTimeout:  cfg.NegotiationTimeout,
			KeepAliveInterval: sshKeepAliveInterval(cfg.KeepAlive),
		},
		direct: NewDirectDialer(cfg),
		log:    log,
	}, nil
}

// sshKeepAliveInterval follows the TCP keepalive setting: off disables SSH
// keepalives, and an explicit probe interval is reused.
func sshKeepAliveInterval(ka net.KeepAliveConfig) time.Duration {
	switch {
	case !ka.Enable:
		return 0
	case ka.Interval > 0:
		return ka.Interval
	default:
		return defaultSSHKeepAlive
	}
}

func (f *SSHProxyDialer) String() string {
	return "ssh://" + f.sshConfig.Username + "@" + f.addr
}

// DialContext opens a channel to address. Canceling ctx closes the channel.
func (f *SSHProxyDialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	if !strings.HasPrefix(network, "tcp") {
		return nil, fmt.Errorf("ssh upstream dial %s %s: unsupported network", network, address)
	}

	ch, err := f.openChannel(ctx, address)
	if err != nil {
		return nil, fmt.Errorf("ssh upstream dial %s: %w", address, err)
	}

	stop := context.AfterFunc(ctx, func() {
		_ = ch.Close()
	})
	return &sshChannelConn{Conn: ch, stop: stop}, nil
}

func (f *SSHProxyDialer) openChannel(ctx context.Context, address string) (net.Conn, error) {
	client, err := f.transport(ctx)
	if err != nil {
		return nil, err
	}

	ch, err := client.DialContext(ctx, "tcp", address)
	if err == nil {
		return ch, nil
	}

	// The server refused this destination; the transport is fine.
	var openErr *ssh.OpenChannelError
	if errors.As(err, &openErr) || ctx.Err() != nil {
		return nil, err
	}

	f.log.WithError(err).Warn("ssh transport failed, reconnecting")
	f.drop(client)
	if client, err = f.transport(ctx); err != nil {
		return nil, err
	}
	return client.DialContext(ctx, "tcp", address)
}

// transport returns the shared client, connecting if there is none. Concurrent
// callers share one connection attempt, which is not bound to any caller's
// ctx so that a canceled caller does not fail the others.
func (f *SSHProxyDialer) transport(ctx context.Context) (*ssh.Client, error) {
	if c := f.current(); c != nil {
		return c, nil
	}

	res := f.sf.DoChan("connect", func() (any, error) {
		if c := f.current(); c != nil {
			return c, nil
		}
		c, err := f.connect(context.Background())
		if err != nil {
			return nil, err
		}

		f.mu.Lock()
		f.client = c
		f.mu.Unlock()

		f.log.Info("ssh transport connected")
		go f.watch(c)
		return c, nil
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-res:
		if r.Err != nil {
			return nil, r.Err
		}
		return r.Val.(*ssh.Client), nil
	}
}

func (f *SSHProxyDialer) current() *ssh.Client {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.client
}

func (f *SSHProxyDialer) connect(ctx context.Context) (*ssh.Client, error) {
	conn, err := f.direct.DialContext(ctx, "tcp", f.addr)
	if err != nil {
		return nil, fmt.Errorf("ssh transport dial: %w", err)
	}

	stop := context.AfterFunc(ctx, func() {
		_ = conn.Close()
	})
	defer stop()

	client, err := internalssh.NewClient(conn, f.sshConfig, f.addr)
	if err != nil {
		return nil, fmt.Errorf("ssh transport: %w", err)
	}
	return client, nil
}

// watch forgets c once its transport ends so the next dial reconnects
// instead of failing first.
func (f *SSHProxyDialer) watch(c *ssh.Client) {
	err := c.Wait()
	if f.drop(c) {
		f.log.WithError(err).Warn("ssh transport closed")
	}
}

// drop closes c and clears it if it is still the shared client. It reports
// whether c was cleared.
func (f *SSHProxyDialer) drop(c *ssh.Client) bool {
	f.mu.Lock()
	cleared := f.client == c
	if cleared {
		f.client = nil
	}
	f.mu.Unlock()

	_ = c.Close()
	return cleared
}

type sshChannelConn struct {
	net.Conn
	stop func() bool
}

func (c *sshChannelConn) Close() error {
	c.stop()
	return c.Conn.Close()
}
