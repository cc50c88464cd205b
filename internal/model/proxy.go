// Package model defines shared types for the proxy.
package model

import (
	"context"
	"io"
	"net/http"
)

// ProxyRequest represents a client request to be forwarded upstream.
type ProxyRequest struct {
	Ctx      context.Context
	Method   string
	Path     string // escaped path, e.g. "/a%20b/c"
	RawQuery string
	Header   http.Header
	Body     io.ReadCloser

	// ProxyURL is the full URL the client used to reach the proxy. Only its
	// origin and hostname matter; they replace upstream references in bodies.
	ProxyURL string
}

// ProxyResponse is an upstream response, or the final response built from it.
type ProxyResponse struct {
	StatusCode int
	Header     http.Header
	Body       io.ReadCloser
}
