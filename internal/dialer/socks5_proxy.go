package dialer

import (
	"context"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/die-net/portrelay/internal/socks5"
)

// SOCKS5ProxyDialer dials outbound TCP connections through a SOCKS5 proxy
// using the CONNECT command.
type SOCKS5ProxyDialer struct {
	cfg       Config
	proxyAddr string
	auth      socks5.Auth
	direct    Dialer
}

// NewSOCKS5ProxyDialer constructs a SOCKS5 dialer for proxyAddr. A non-empty
// username enables username/password authentication.
func NewSOCKS5ProxyDialer(cfg Config, proxyAddr, username, password string) Dialer {
	return &SOCKS5ProxyDialer{
		cfg:       cfg,
		proxyAddr: proxyAddr,
		auth:      socks5.Auth{Username: username, Password: password},
		direct:    NewDirectDialer(cfg),
	}
}

func (f *SOCKS5ProxyDialer) String() string {
	if f.auth.Username != "" {
		return "socks5://" + f.auth.Username + "@" + f.proxyAddr
	}
	return "socks5://" + f.proxyAddr
}

// DialContext connects to the proxy and asks it to CONNECT to address.
//
// Canceling ctx during negotiation closes the proxy connection. If
// NegotiationTimeout is set, a deadline is applied during negotiation and
// cleared before returning.
func (f *SOCKS5ProxyDialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	if !strings.HasPrefix(network, "tcp") {
		return nil, fmt.Errorf("socks5 proxy dial %s %s: unsupported network", network, address)
	}

	c, err := f.direct.DialContext(ctx, "tcp", f.proxyAddr)
	if err != nil {
		return nil, fmt.Errorf("socks5 proxy: %w", err)
	}

	stop := context.AfterFunc(ctx, func() {
		_ = c.Close()
	})

	if f.cfg.NegotiationTimeout > 0 {
		_ = c.SetDeadline(time.Now().Add(f.cfg.NegotiationTimeout))
	}

	if err := socks5.ClientDial(c, f.auth, address); err != nil {
		stop()
		_ = c.Close()
		if ctx.Err() != nil {
			return nil, fmt.Errorf("socks5 proxy dial %s %s: %w", network, address, ctx.Err())
		}
		return nil, fmt.Errorf("socks5 proxy dial %s %s: %w", network, address, err)
	}

	if !stop() {
		// ctx fired after the handshake finished; c is already closed.
		return nil, fmt.Errorf("socks5 proxy dial %s %s: %w", network, address, ctx.Err())
	}

	if f.cfg.NegotiationTimeout > 0 {
		_ = c.SetDeadline(time.Time{})
	}
	return c, nil
}
