// Package socks5 implements the client side of the SOCKS5 handshake used to
// reach targets through a socks5:// upstream.
//
// It wraps the low-level protocol types in github.com/txthinking/socks5.
package socks5
