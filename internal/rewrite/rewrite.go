// Package rewrite replaces references to the upstream origin in response
// text with references to the proxy. It is a plain text substitution: no
// markup, stylesheet or script is parsed.
package rewrite

import (
	"fmt"
	"net/url"
	"strings"
)

// Rewrite returns content with every absolute reference to upstreamOrigin
// (e.g. "https://c.3q.gs") replaced by the origin of proxyURL, and every
// protocol-relative reference ("//c.3q.gs") replaced by "//" plus the proxy
// hostname. A protocol-relative match immediately followed by a word
// character is left alone so that longer hostnames are not split.
//
// On error the original content is returned together with the error.
func Rewrite(content, proxyURL, upstreamOrigin string) (string, error) {
	proxy, err := parseOrigin(proxyURL)
	if err != nil {
		return content, fmt.Errorf("proxy url: %w", err)
	}
	upstream, err := parseOrigin(upstreamOrigin)
	if err != nil {
		return content, fmt.Errorf("upstream origin: %w", err)
	}

	proxyOrigin := proxy.Scheme + "://" + proxy.Host
	out := strings.ReplaceAll(content, upstreamOrigin, proxyOrigin)
	out = replaceBounded(out, "//"+upstream.Host, "//"+proxy.Hostname())
	return out, nil
}

func parseOrigin(raw string) (*url.URL, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, err
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("%q is not an absolute URL", raw)
	}
	return u, nil
}

// replaceBounded replaces each non-overlapping occurrence of old that is not
// followed by [A-Za-z0-9_].
func replaceBounded(s, old, repl string) string {
	if old == "" || !strings.Contains(s, old) {
		return s
	}

	var b strings.Builder
	b.Grow(len(s))
	for {
		i := strings.Index(s, old)
		if i < 0 {
			b.WriteString(s)
			return b.String()
		}
		end := i + len(old)
		b.WriteString(s[:i])
		if end < len(s) && isWordByte(s[end]) {
			b.WriteString(old)
		} else {
			b.WriteString(repl)
		}
		s = s[end:]
	}
}

func isWordByte(c byte) bool {
	return c == '_' ||
		('0' <= c && c <= '9') ||
		('a' <= c && c <= 'z') ||
		('A' <= c && c <= 'Z')
}
