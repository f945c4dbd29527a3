// Package transport provides the HTTP transport used to reach the Storefront API.
package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"time"

	utls "github.com/refraction-networking/utls"
	"golang.org/x/net/http2"
)

// Go's standard TLS client has a distinctive fingerprint that some CDNs in
// front of storefronts rate limit aggressively. The browser transport
// presents a Chrome ClientHello through uTLS, lets ALPN pick h2 or
// http/1.1, and frames HTTP/2 with x/net/http2 when it was negotiated.

// DefaultDialTimeout applies when Options.DialTimeout is zero.
const DefaultDialTimeout = 10 * time.Second

// Options configures NewBrowserTransport.
type Options struct {
	DialTimeout time.Duration
	// Hello selects the ClientHello to mimic. Zero value means HelloChrome_Auto.
	Hello utls.ClientHelloID
}

// NewBrowserTransport creates an http.RoundTripper that presents a browser
// TLS fingerprint. HTTP/2 is tried first; servers that refuse it are retried
// over HTTP/1.1.
func NewBrowserTransport(opts Options) http.RoundTripper {
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = DefaultDialTimeout
	}
	if opts.Hello.Client == "" {
		opts.Hello = utls.HelloChrome_Auto
	}

	d := &browserDialer{
		net:   &net.Dialer{Timeout: opts.DialTimeout, KeepAlive: 30 * time.Second},
		hello: opts.Hello,
	}

	return &browserTransport{
		h2: &http2.Transport{
			DialTLSContext: func(ctx context.Context, network, addr string, _ *tls.Config) (net.Conn, error) {
				return d.dial(ctx, network, addr)
			},
			ReadIdleTimeout: 30 * time.Second,
		},
		h1: &http.Transport{
			DialTLSContext:      d.dial,
			ForceAttemptHTTP2:   false,
			MaxIdleConnsPerHost: 8,
			IdleConnTimeout:     90 * time.Second,
		},
	}
}

type browserTransport struct {
	h2 *http2.Transport
	h1 *http.Transport
}

// RoundTrip implements http.RoundTripper.
func (t *browserTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	// Plain HTTP never negotiates ALPN.
	if req.URL.Scheme == "http" {
		return t.h1.RoundTrip(req)
	}
	resp, err := t.h2.RoundTrip(req)
	if err == nil {
		return resp, nil
	}
	if req.Body != nil && req.GetBody == nil {
		// Body already consumed by the h2 attempt; nothing safe to replay.
		return nil, err
	}
	if req.GetBody != nil {
		body, berr := req.GetBody()
		if berr != nil {
			return nil, err
		}
		req = req.Clone(req.Context())
		req.Body = body
	}
	return t.h1.RoundTrip(req)
}

// CloseIdleConnections releases pooled connections of both transports.
func (t *browserTransport) CloseIdleConnections() {
	t.h2.CloseIdleConnections()
	t.h1.CloseIdleConnections()
}

type browserDialer struct {
	net   *net.Dialer
	hello utls.ClientHelloID
}

func (d *browserDialer) dial(ctx context.Context, network, addr string) (net.Conn, error) {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		host = addr
	}

	conn, err := d.net.DialContext(ctx, network, addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}

	tlsConn := utls.UClient(conn, &utls.Config{ServerName: host}, d.hello)
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("tls handshake with %s: %w", host, err)
	}
	return tlsConn, nil
}
