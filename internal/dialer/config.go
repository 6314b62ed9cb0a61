package dialer

import (
	"net"
	"time"

	"github.com/sirupsen/logrus"
)

type Config struct {
	// DialTimeout bounds each TCP connect. Zero means no limit.
	DialTimeout time.Duration

	// NegotiationTimeout bounds the proxy handshake (TLS, CONNECT, SOCKS5
	// or SSH) after the TCP connect. Zero means no limit.
	NegotiationTimeout time.Duration

	KeepAlive net.KeepAliveConfig

	// SSHKeyPath is a private key file, or "agent" to use SSH_AUTH_SOCK.
	SSHKeyPath string

	// SSHKnownHostsPath enables host key checking with trust on first use.
	// Empty disables checking.
	SSHKnownHostsPath string

	Logger logrus.FieldLogger
}
