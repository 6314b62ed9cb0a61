package ssh

// Package ssh holds the SSH client pieces behind ssh:// upstreams:
// client configuration and handshake, password/key/agent authentication,
// and known_hosts verification with trust on first use.
//
// The transport itself is shared and multiplexed by dialer.SSHProxyDialer.
