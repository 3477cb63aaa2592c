// Package client provides the upstream HTTP clients: the streaming media
// client that dials through the fixed SOCKS relay and the metadata API client.
package client

import (
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/net/proxy"
)

// newTransport builds a pooled transport. When socksURL is set every
// connection is dialed through that single SOCKS5 endpoint; the relay never
// picks a proxy per request and ignores proxy environment variables.
func newTransport(socksURL string, idleConns int, dialTimeout time.Duration) (*http.Transport, error) {
	base := &net.Dialer{
		Timeout:   dialTimeout,
		KeepAlive: 30 * time.Second,
	}

	transport := &http.Transport{
		MaxIdleConns:        idleConns,
		MaxIdleConnsPerHost: idleConns,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
		ForceAttemptHTTP2:   true,
		DialContext:         base.DialContext,
	}

	if socksURL == "" {
		return transport, nil
	}

	u, err := url.Parse(socksURL)
	if err != nil {
		return nil, fmt.Errorf("parse socks proxy: %w", err)
	}
	dialer, err := proxy.FromURL(u, base)
	if err != nil {
		return nil, fmt.Errorf("socks dialer for %s: %w", u.Redacted(), err)
	}
	ctxDialer, ok := dialer.(proxy.ContextDialer)
	if !ok {
		return nil, fmt.Errorf("socks dialer for %s does not support contexts", u.Redacted())
	}
	transport.DialContext = ctxDialer.DialContext

	return transport, nil
}
