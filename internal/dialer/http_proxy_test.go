package dialer

import (
	"bufio"
	"context"
	"encoding/base64"
	"errors"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/die-net/portrelay/internal/testutil"
)

// handleConnect answers one CONNECT request on c. If wantAuth is set the
// Proxy-Authorization header must match it. greeting is sent in the same
// write as the response header.
func handleConnect(ctx context.Context, c net.Conn, wantAuth, greeting string) {
	br := bufio.NewReader(c)
	req, err := http.ReadRequest(br)
	if err != nil {
		return
	}
	_ = req.Body.Close()
	if req.Method != http.MethodConnect {
		_, _ = io.WriteString(c, "HTTP/1.1 405 Method Not Allowed\r\n\r\n")
		return
	}
	if wantAuth != "" && req.Header.Get("Proxy-Authorization") != wantAuth {
		_, _ = io.WriteString(c, "HTTP/1.1 407 Proxy Authentication Required\r\n\r\n")
		return
	}

	d := net.Dialer{}
	dst, err := d.DialContext(ctx, "tcp", req.Host)
	if err != nil {
		_, _ = io.WriteString(c, "HTTP/1.1 502 Bad Gateway\r\n\r\n")
		return
	}
	defer dst.Close()

	_, _ = io.WriteString(c, "HTTP/1.1 200 Connection Established\r\n\r\n"+greeting)

	go func() {
		_, _ = io.Copy(dst, br)
		_ = dst.Close()
	}()
	_, _ = io.Copy(c, dst)
}

func mustParseURL(t *testing.T, s string) *url.URL {
	t.Helper()
	u, err := url.Parse(s)
	if err != nil {
		t.Fatal(err)
	}
	return u
}

func TestHTTPProxyDialerDialSuccess(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	echoLn := testutil.StartEchoTCPServer(t, ctx)

	auth := "Basic " + base64.StdEncoding.EncodeToString([]byte("user:pass"))
	upLn, waitUp := testutil.StartSingleAcceptServer(t, ctx, func(c net.Conn) {
		handleConnect(ctx, c, auth, "")
	})
	defer waitUp()

	f, err := NewHTTPProxyDialer(Config{DialTimeout: 2 * time.Second, NegotiationTimeout: 2 * time.Second},
		mustParseURL(t, "http://"+upLn.Addr().String()), "user", "pass")
	if err != nil {
		t.Fatal(err)
	}

	conn, err := f.DialContext(ctx, "tcp", echoLn.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	testutil.AssertEcho(t, conn, conn, []byte("hello"))
}

func TestHTTPProxyDialerKeepsBytesAfterResponse(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	echoLn := testutil.StartEchoTCPServer(t, ctx)
	upLn, waitUp := testutil.StartSingleAcceptServer(t, ctx, func(c net.Conn) {
		handleConnect(ctx, c, "", "early")
	})
	defer waitUp()

	f, err := NewHTTPProxyDialer(Config{}, mustParseURL(t, "http://"+upLn.Addr().String()), "", "")
	if err != nil {
		t.Fatal(err)
	}

	conn, err := f.DialContext(ctx, "tcp", echoLn.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	buf := make([]byte, len("early"))
	if _, err := io.ReadFull(conn, buf); err != nil {
		t.Fatal(err)
	}
	if string(buf) != "early" {
		t.Fatalf("got %q want %q", buf, "early")
	}
	testutil.AssertEcho(t, conn, conn, []byte("hello"))
}

func TestHTTPProxyDialerDialNon2xx(t *testing.T) {
	tests := []struct {
		name     string
		wantAuth string
		user     string
		want     int
	}{
		{name: "bad gateway", want: http.StatusBadGateway},
		{name: "auth required", wantAuth: "Basic x", user: "someone", want: http.StatusProxyAuthRequired},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()

			upLn, waitUp := testutil.StartSingleAcceptServer(t, ctx, func(c net.Conn) {
				handleConnect(ctx, c, tt.wantAuth, "")
			})
			defer waitUp()

			f, err := NewHTTPProxyDialer(Config{DialTimeout: 2 * time.Second}, mustParseURL(t, "http://"+upLn.Addr().String()), tt.user, "pw")
			if err != nil {
				t.Fatal(err)
			}

			closed := net.JoinHostPort("127.0.0.1", itoa(testutil.FreePort(t)))
			_, err = f.DialContext(ctx, "tcp", closed)
			var serr *ConnectStatusError
			if !errors.As(err, &serr) || serr.StatusCode != tt.want {
				t.Fatalf("got %v, want CONNECT status %d", err, tt.want)
			}
			if strings.Contains(err.Error(), "pw") {
				t.Fatalf("error leaks password: %v", err)
			}
		})
	}
}

func TestNewHTTPProxyDialerValidation(t *testing.T) {
	tests := []struct {
		name string
		u    *url.URL
	}{
		{name: "nil url"},
		{name: "no host", u: &url.URL{Scheme: "http"}},
		{name: "wrong scheme", u: &url.URL{Scheme: "socks5", Host: "proxy:1080"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewHTTPProxyDialer(Config{}, tt.u, "", ""); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}
