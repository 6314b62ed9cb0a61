package proxy

import (
	"context"
	"net"
	"strconv"

	"github.com/sirupsen/logrus"

	"github.com/die-net/portrelay/internal/dialer"
	"github.com/die-net/portrelay/internal/metrics"
	"github.com/die-net/portrelay/internal/store"
)

type connState int

const (
	stateAccepted connState = iota
	stateConnecting
	stateRelaying
	stateClosed
)

func (s connState) String() string {
	switch s {
	case stateAccepted:
		return "accepted"
	case stateConnecting:
		return "connecting"
	case stateRelaying:
		return "relaying"
	case stateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// forwarder relays one accepted connection to the target that was current
// when it was accepted.
type forwarder struct {
	port    uint16
	target  string
	dialer  dialer.Dialer
	metrics *metrics.Collector
	log     logrus.FieldLogger

	state connState
}

func (f *forwarder) setState(s connState) {
	f.log.Debugf("connection %s -> %s", f.state, s)
	f.state = s
}

func (f *forwarder) serve(ctx context.Context, inbound net.Conn) {
	f.metrics.ConnectionOpened()
	defer f.metrics.ConnectionClosed()

	f.log.Infof("new connection on port %d from %s", f.port, inbound.RemoteAddr())

	// Nothing is read from inbound until the outbound leg exists.
	f.setState(stateConnecting)
	outbound, err := f.connect(ctx)
	if err != nil {
		f.log.WithError(err).Error("TCP proxy connection error")
		f.metrics.UpstreamError(err.Error())
		_ = inbound.Close()
		f.setState(stateClosed)
		return
	}
	f.log.Infof("connected to target %s", f.target)

	f.setState(stateRelaying)
	_, _, err = CopyBidirectional(ctx,
		&countingConn{Conn: inbound, add: f.metrics.BytesOut},
		&countingConn{Conn: outbound, add: f.metrics.BytesIn})
	if err != nil {
		rerr := &RelayError{Port: f.port, Err: err}
		f.log.WithError(rerr).Debug("relay ended with error")
		f.metrics.RelayError(rerr.Error())
	}
	f.setState(stateClosed)
}

func (f *forwarder) connect(ctx context.Context) (net.Conn, error) {
	host, port, err := store.Entry{Target: f.target}.SplitTarget()
	if err != nil {
		return nil, &UpstreamConnectError{Port: f.port, Target: f.target, Err: err}
	}

	conn, err := f.dialer.DialContext(ctx, "tcp", net.JoinHostPort(host, strconv.Itoa(int(port))))
	if err != nil {
		return nil, &UpstreamConnectError{Port: f.port, Target: f.target, Err: err}
	}
	return conn, nil
}

// countingConn reports every successful Write to add, so byte totals move
// while a relay is still open.
type countingConn struct {
	net.Conn
	add func(int64)
}

func (c *countingConn) Write(p []byte) (int, error) {
	n, err := c.Conn.Write(p)
	if n > 0 {
		c.add(int64(n))
	}
	return n, err
}
