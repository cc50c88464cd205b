// Package header holds the header policy applied to every proxied exchange.
package header

import (
	"net/http"
	"strings"
)

// CORS values added to every response.
const (
	AllowOrigin  = "*"
	AllowMethods = "GET, POST, PUT, DELETE, OPTIONS"
	AllowHeaders = "*"
)

// stripped are upstream response headers that would stop pages from being
// framed or loaded through the proxy origin.
var stripped = []string{
	"Content-Security-Policy",
	"X-Frame-Options",
}

// hopByHop are headers that apply to a single connection and must not be forwarded.
var hopByHop = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"TE",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// Shape adds the permissive CORS headers to h and removes the security
// headers the proxy cannot honour.
func Shape(h http.Header) {
	h.Set("Access-Control-Allow-Origin", AllowOrigin)
	h.Set("Access-Control-Allow-Methods", AllowMethods)
	h.Set("Access-Control-Allow-Headers", AllowHeaders)
	for _, k := range stripped {
		h.Del(k)
	}
}

// StripHopByHop removes hop-by-hop headers from h, including any listed in
// its Connection header.
func StripHopByHop(h http.Header) {
	for _, v := range h.Values("Connection") {
		for _, k := range strings.Split(v, ",") {
			if k = strings.TrimSpace(k); k != "" {
				h.Del(k)
			}
		}
	}
	for _, k := range hopByHop {
		h.Del(k)
	}
}
