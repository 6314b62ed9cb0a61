package testutil

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"slices"
	"syscall"
	"testing"

	txsocks5 "github.com/txthinking/socks5"

	"github.com/die-net/portrelay/internal/socks5"
)

// Reply codes txsocks5 does not name.
const (
	repGeneralFailure     byte = 0x01
	repNetworkUnreachable byte = 0x03
	repTTLExpired         byte = 0x06
)

// StartSOCKS5Server starts a minimal CONNECT-only SOCKS5 server on
// 127.0.0.1. A non-empty auth.Username requires username/password
// authentication.
func StartSOCKS5Server(t *testing.T, ctx context.Context, auth socks5.Auth) net.Listener {
	t.Helper()

	lc := net.ListenConfig{}
	ln, err := lc.Listen(ctx, "tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = ln.Close() })

	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			go serveSOCKS5(ctx, c, auth)
		}
	}()

	return ln
}

func serveSOCKS5(ctx context.Context, c net.Conn, auth socks5.Auth) {
	defer c.Close()

	if err := SOCKS5Negotiate(c, auth); err != nil {
		return
	}
	req, err := SOCKS5ReadRequest(c)
	if err != nil {
		return
	}
	if req.Cmd != txsocks5.CmdConnect {
		_ = SOCKS5WriteReply(c, txsocks5.RepCommandNotSupported, nil)
		return
	}

	d := net.Dialer{}
	dst, err := d.DialContext(ctx, "tcp", req.Address())
	if err != nil {
		_ = SOCKS5WriteReply(c, SOCKS5ReplyForDialError(err), nil)
		return
	}
	defer dst.Close()

	if err := SOCKS5WriteReply(c, txsocks5.RepSuccess, dst.LocalAddr()); err != nil {
		return
	}

	go func() {
		_, _ = io.Copy(dst, c)
		_ = dst.Close()
	}()
	_, _ = io.Copy(c, dst)
}

// SOCKS5Negotiate is the server half of method negotiation. It requires
// username/password when auth.Username is set and no-auth otherwise.
func SOCKS5Negotiate(conn net.Conn, auth socks5.Auth) error {
	neg, err := txsocks5.NewNegotiationRequestFrom(conn)
	if err != nil {
		return fmt.Errorf("negotiation request: %w", err)
	}

	method := txsocks5.MethodNone
	if auth.Username != "" {
		method = txsocks5.MethodUsernamePassword
	}
	if !slices.Contains(neg.Methods, method) {
		// RFC 1928: 0xFF means no acceptable methods.
		_, _ = txsocks5.NewNegotiationReply(0xff).WriteTo(conn)
		return fmt.Errorf("client does not offer method %#x", method)
	}
	if _, err := txsocks5.NewNegotiationReply(method).WriteTo(conn); err != nil {
		return fmt.Errorf("negotiation reply: %w", err)
	}
	if method == txsocks5.MethodNone {
		return nil
	}

	urq, err := txsocks5.NewUserPassNegotiationRequestFrom(conn)
	if err != nil {
		return fmt.Errorf("read userpass: %w", err)
	}
	if string(urq.Uname) != auth.Username || string(urq.Passwd) != auth.Password {
		_, _ = txsocks5.NewUserPassNegotiationReply(txsocks5.UserPassStatusFailure).WriteTo(conn)
		return errors.New("auth failed")
	}
	if _, err := txsocks5.NewUserPassNegotiationReply(txsocks5.UserPassStatusSuccess).WriteTo(conn); err != nil {
		return fmt.Errorf("write userpass: %w", err)
	}
	return nil
}

// SOCKS5ReadRequest reads the request that follows negotiation.
func SOCKS5ReadRequest(conn net.Conn) (*txsocks5.Request, error) {
	req, err := txsocks5.NewRequestFrom(conn)
	if err != nil {
		return nil, fmt.Errorf("request: %w", err)
	}
	return req, nil
}

// SOCKS5WriteReply writes a reply with code rep. A nil bound reports
// 0.0.0.0:0.
func SOCKS5WriteReply(conn net.Conn, rep byte, bound net.Addr) error {
	var atyp byte = txsocks5.ATYPIPv4
	addr, port := []byte{0, 0, 0, 0}, []byte{0, 0}
	if bound != nil {
		var err error
		atyp, addr, port, err = txsocks5.ParseAddress(bound.String())
		if err != nil {
			return fmt.Errorf("parse bound address %q: %w", bound, err)
		}
		if atyp == txsocks5.ATYPDomain {
			addr = addr[1:]
		}
	}
	if _, err := txsocks5.NewReply(rep, atyp, addr, port).WriteTo(conn); err != nil {
		return fmt.Errorf("write reply: %w", err)
	}
	return nil
}

// SOCKS5ReplyForDialError picks the reply code for a failed dial of the
// requested destination.
func SOCKS5ReplyForDialError(err error) byte {
	var dnsErr *net.DNSError
	var netErr net.Error
	switch {
	case errors.Is(err, syscall.ECONNREFUSED):
		return txsocks5.RepConnectionRefused
	case errors.Is(err, syscall.ENETUNREACH):
		return repNetworkUnreachable
	case errors.As(err, &dnsErr), errors.Is(err, syscall.EHOSTUNREACH):
		return txsocks5.RepHostUnreachable
	case errors.As(err, &netErr) && netErr.Timeout():
		return repTTLExpired
	default:
		return repGeneralFailure
	}
}
