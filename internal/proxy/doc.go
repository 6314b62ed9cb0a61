package proxy

// Package proxy runs the forwarding listeners.
//
// A Manager owns one listener per configured port. Every accepted connection
// is handed to a forwarder which dials the port's current target through a
// dialer.Dialer and relays bytes in both directions until either side
// closes. Shared connection plumbing (keepalive listeners, the buffer pool
// and bidirectional copy) lives here as well.
