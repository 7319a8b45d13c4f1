// Package httputil provides the shared outbound HTTP client. All external
// calls (upstream polling, webhook delivery) go through a pooled transport
// with hard timeouts so a slow remote cannot pile up connections.
package httputil

import (
	"net"
	"net/http"
	"time"
)

// NewClient returns an HTTP client with a bounded pooled transport. timeout
// is the whole-request deadline including body read.
func NewClient(timeout time.Duration) *http.Client {
	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   5 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:          50,
		MaxIdleConnsPerHost:   10,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   5 * time.Second,
		ExpectContinueTimeout: time.Second,
	}
	return &http.Client{
		Timeout:   timeout,
		Transport: transport,
	}
}
