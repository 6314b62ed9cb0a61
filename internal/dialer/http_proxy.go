package dialer

import (
	"bufio"
	"context"
	"crypto/tls"
	"encoding/base64"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// ConnectStatusError is a CONNECT answered with a non-2xx status.
type ConnectStatusError struct {
	Proxy      string
	StatusCode int
	Status     string
}

func (e *ConnectStatusError) Error() string {
	return fmt.Sprintf("http proxy %s refused CONNECT: %s", e.Proxy, e.Status)
}

// HTTPProxyDialer tunnels through an HTTP or HTTPS proxy with CONNECT.
type HTTPProxyDialer struct {
	cfg      Config
	proxyURL *url.URL
	auth     string
	direct   Dialer
}

// NewHTTPProxyDialer builds a CONNECT dialer for proxyURL. A non-empty
// username is sent as Basic Proxy-Authorization.
func NewHTTPProxyDialer(cfg Config, proxyURL *url.URL, username, password string) (Dialer, error) {
	switch {
	case proxyURL == nil:
		return nil, errors.New("http proxy dialer: missing proxy url")
	case proxyURL.Hostname() == "":
		return nil, errors.New("http proxy dialer: invalid proxy host")
	case proxyURL.Scheme != "http" && proxyURL.Scheme != "https":
		return nil, fmt.Errorf("http proxy dialer: unsupported scheme: %q", proxyURL.Scheme)
	}

	f := &HTTPProxyDialer{
		cfg:      cfg,
		proxyURL: proxyURL,
		direct:   NewDirectDialer(cfg),
	}
	if username != "" {
		f.auth = "Basic " + base64.StdEncoding.EncodeToString([]byte(username+":"+password))
	}
	return f, nil
}

// String returns the proxy URL without its password.
func (f *HTTPProxyDialer) String() string {
	u := url.URL{Scheme: f.proxyURL.Scheme, Host: f.proxyURL.Host}
	if f.proxyURL.User != nil {
		u.User = url.User(f.proxyURL.User.Username())
	}
	return u.String()
}

// DialContext opens a tunnel to address. NegotiationTimeout, when set, bounds
// the TLS handshake and the CONNECT exchange together.
func (f *HTTPProxyDialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	if !strings.HasPrefix(network, "tcp") {
		return nil, fmt.Errorf("http proxy dial %s %s: unsupported network", network, address)
	}

	c, err := f.direct.DialContext(ctx, "tcp", f.proxyURL.Host)
	if err != nil {
		return nil, fmt.Errorf("http proxy: %w", err)
	}
	if f.cfg.NegotiationTimeout > 0 {
		_ = c.SetDeadline(time.Now().Add(f.cfg.NegotiationTimeout))
	}

	if f.proxyURL.Scheme == "https" {
		if c, err = f.handshakeTLS(ctx, c); err != nil {
			return nil, err
		}
	}

	tunnel, err := f.connect(c, address)
	if err != nil {
		_ = c.Close()
		return nil, err
	}

	if f.cfg.NegotiationTimeout > 0 {
		_ = c.SetDeadline(time.Time{})
	}
	return tunnel, nil
}

func (f *HTTPProxyDialer) handshakeTLS(ctx context.Context, c net.Conn) (net.Conn, error) {
	tc := tls.Client(c, &tls.Config{MinVersion: tls.VersionTLS12, ServerName: f.proxyURL.Hostname()})
	if err := tc.HandshakeContext(ctx); err != nil {
		_ = tc.Close()
		return nil, fmt.Errorf("http proxy tls handshake: %w", err)
	}
	return tc, nil
}

// connect sends CONNECT on c and returns the tunnel once the proxy accepts.
func (f *HTTPProxyDialer) connect(c net.Conn, address string) (net.Conn, error) {
	req := &http.Request{
		Method: http.MethodConnect,
		URL:    &url.URL{Opaque: address},
		Host:   address,
		Header: make(http.Header),
	}
	if f.auth != "" {
		req.Header.Set("Proxy-Authorization", f.auth)
	}
	if err := req.Write(c); err != nil {
		return nil, fmt.Errorf("http proxy connect write: %w", err)
	}

	br := bufio.NewReader(c)
	resp, err := http.ReadResponse(br, req)
	if err != nil {
		return nil, fmt.Errorf("http proxy connect read: %w", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return nil, &ConnectStatusError{Proxy: f.String(), StatusCode: resp.StatusCode, Status: resp.Status}
	}

	// Tunneled bytes may have arrived with the response.
	if br.Buffered() > 0 {
		return &bufferedConn{Conn: c, r: br}, nil
	}
	return c, nil
}

// bufferedConn drains r before reading from Conn.
type bufferedConn struct {
	net.Conn
	r *bufio.Reader
}

func (c *bufferedConn) Read(p []byte) (int, error) {
	return c.r.Read(p)
}
