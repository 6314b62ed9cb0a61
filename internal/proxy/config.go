package proxy

import (
	"net"

	"github.com/sirupsen/logrus"

	"github.com/die-net/portrelay/internal/dialer"
)

type Config struct {
	// ListenHost is the address listeners bind on. Empty means all
	// interfaces.
	ListenHost string

	KeepAlive net.KeepAliveConfig

	// Dialer opens the outbound leg. Nil means a direct dialer.
	Dialer dialer.Dialer

	Logger logrus.FieldLogger
}
