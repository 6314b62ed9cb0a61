package proxy

import (
	"errors"
	"fmt"
)

// ErrManagerClosed is returned by StartOne after Close.
var ErrManagerClosed = errors.New("proxy: manager closed")

// BindError reports a listener that could not be started.
type BindError struct {
	Port uint16
	Addr string
	Err  error
}

func (e *BindError) Error() string {
	return fmt.Sprintf("bind port %d (%s): %v", e.Port, e.Addr, e.Err)
}

func (e *BindError) Unwrap() error { return e.Err }

// AddressInUse reports whether the bind failed because another socket
// already holds the address.
func (e *BindError) AddressInUse() bool {
	return isAddrInUse(e.Err)
}

// UpstreamConnectError reports a failure to open the outbound leg, including
// a target that does not parse as host:port.
type UpstreamConnectError struct {
	Port   uint16
	Target string
	Err    error
}

func (e *UpstreamConnectError) Error() string {
	return fmt.Sprintf("port %d: connect to %s: %v", e.Port, e.Target, e.Err)
}

func (e *UpstreamConnectError) Unwrap() error { return e.Err }

// RelayError reports an I/O failure on an established connection pair.
type RelayError struct {
	Port uint16
	Err  error
}

func (e *RelayError) Error() string {
	return fmt.Sprintf("port %d: relay: %v", e.Port, e.Err)
}

func (e *RelayError) Unwrap() error { return e.Err }
