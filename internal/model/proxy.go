// Package model defines shared types for the relay and the catalog API.
package model

import (
	"io"
	"net/http"
)

// RelayRequest describes one media fetch. It lives for exactly one
// inbound request and is never shared or cached.
type RelayRequest struct {
	Method    string // GET or HEAD
	TargetURL string
	Range     string // verbatim inbound Range header, empty when absent
}

// RelayResponse is the in-flight upstream response streamed back to the client.
// The receiver owns Body and must close it.
type RelayResponse struct {
	StatusCode int
	Status     string
	Header     http.Header
	Body       io.ReadCloser
}
