package dialer

// Package dialer opens the outbound leg of a forwarded connection.
//
// Dialers implement a small interface (DialContext) and are used by the
// proxy listeners to reach a target either directly or through an upstream
// proxy (HTTP CONNECT, SOCKS5, or SSH), selected by an upstream URL.
