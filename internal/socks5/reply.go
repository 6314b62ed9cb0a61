package socks5

import (
	"fmt"

	txsocks5 "github.com/txthinking/socks5"
)

// Auth holds optional username/password credentials (RFC 1929). A non-empty
// Username selects username/password authentication.
type Auth struct {
	Username string
	Password string
}

// replyText names the RFC 1928 reply codes a CONNECT can fail with.
func replyText(rep byte) string {
	switch rep {
	case 0x01:
		return "general server failure"
	case 0x02:
		return "not allowed by ruleset"
	case 0x03:
		return "network unreachable"
	case txsocks5.RepHostUnreachable:
		return "host unreachable"
	case txsocks5.RepConnectionRefused:
		return "connection refused"
	case 0x06:
		return "TTL expired"
	case txsocks5.RepCommandNotSupported:
		return "command not supported"
	case 0x08:
		return "address type not supported"
	default:
		return fmt.Sprintf("reply code %#x", rep)
	}
}
