// Package service implements the core proxy forwarding logic.
package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/labstack/echo/v4"

	"mirror-proxy-go/internal/client"
	"mirror-proxy-go/internal/codec"
	"mirror-proxy-go/internal/config"
	"mirror-proxy-go/internal/header"
	"mirror-proxy-go/internal/metrics"
	"mirror-proxy-go/internal/model"
	"mirror-proxy-go/internal/rewrite"
)

// BlockedRedirectMessage is the body served instead of a redirect that points back at the upstream host.
const BlockedRedirectMessage = "网站不允许通过代理访问"

// redirectStatuses are the upstream statuses inspected for a Location header.
var redirectStatuses = map[int]bool{
	http.StatusMovedPermanently:  true,
	http.StatusFound:             true,
	http.StatusSeeOther:          true,
	http.StatusTemporaryRedirect: true,
	http.StatusPermanentRedirect: true,
}

// textualTypes are Content-Type fragments whose bodies get their URLs rewritten.
var textualTypes = []string{
	"text/html",
	"text/javascript",
	"application/javascript",
	"application/x-javascript",
	"text/css",
	"application/json",
	"text/xml",
	"application/xml",
	"application/x-font-ttf",
	"application/vnd.ms-fontobject",
	"font/opentype",
}

// ProxyService forwards requests to the upstream origin and shapes its responses.
type ProxyService struct {
	client       *client.UpstreamClient
	logger       *slog.Logger
	metrics      *metrics.Metrics
	upstream     *url.URL
	origin       string // scheme://host of upstream
	previewBytes int
	maxDecoded   int64
}

// NewProxyService creates a ProxyService. The metrics parameter is optional.
func NewProxyService(c *client.UpstreamClient, cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) (*ProxyService, error) {
	u, err := url.Parse(cfg.Upstream.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse upstream base_url: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("upstream base_url %q is not an absolute URL", cfg.Upstream.BaseURL)
	}

	return &ProxyService{
		client:       c,
		logger:       logger.With("component", "proxy_service"),
		metrics:      m,
		upstream:     u,
		origin:       u.Scheme + "://" + u.Host,
		previewBytes: cfg.Log.BodyPreviewBytes(),
		maxDecoded:   cfg.Upstream.MaxDecodedBytes,
	}, nil
}

// Forward sends a ProxyRequest to the upstream origin and returns the raw
// upstream response. Redirects are never followed. The caller is
// responsible for closing the response body.
func (s *ProxyService) Forward(pr *model.ProxyRequest) (*model.ProxyResponse, error) {
	target := s.buildUpstreamURL(pr.Path, pr.RawQuery)
	hdr := s.rewriteRequestHeaders(pr.Header)

	s.logger.Debug("forwarding request",
		"method", pr.Method,
		"url", pr.ProxyURL,
		"target", target,
		"headers", hdr,
	)

	var body io.Reader
	if hasBody(pr.Method) {
		b, ok, err := s.readBody(pr)
		if err != nil {
			return nil, err
		}
		if ok {
			body = bytes.NewReader(b)
		}
	}

	resp, err := s.client.DoStream(pr.Ctx, pr.Method, target, s.upstream.Host, hdr, body)
	if err != nil {
		return nil, fmt.Errorf("forward to upstream: %w", err)
	}

	s.logger.Debug("upstream response",
		"status", resp.StatusCode,
		"headers", resp.Header,
	)
	return resp, nil
}

// Respond turns an upstream response into the response sent to the client.
// It takes ownership of resp.Body; the caller closes the returned body instead.
func (s *ProxyService) Respond(pr *model.ProxyRequest, resp *model.ProxyResponse) *model.ProxyResponse {
	if redirectStatuses[resp.StatusCode] {
		return s.respondRedirect(resp)
	}

	header.StripHopByHop(resp.Header)
	header.Shape(resp.Header)

	if pr.Method == http.MethodHead || !isTextual(resp.Header.Get("Content-Type")) {
		s.recordRewrite(metrics.RewritePassthrough)
		return resp
	}
	if enc := resp.Header.Get("Content-Encoding"); !codec.Supported(enc) {
		s.logger.Debug("unsupported content coding, streaming body unmodified", "content_encoding", enc)
		s.recordRewrite(metrics.RewritePassthrough)
		return resp
	}
	return s.rewriteBody(pr, resp)
}

// respondRedirect passes redirects to other hosts through and replaces
// redirects back to the upstream host with a fixed message, so clients are
// never bounced between the proxy and the upstream.
func (s *ProxyService) respondRedirect(resp *model.ProxyResponse) *model.ProxyResponse {
	location := resp.Header.Get("Location")

	if !strings.HasPrefix(location, s.upstream.Host) {
		s.logger.Debug("passing redirect through",
			"status", resp.StatusCode,
			"location", location,
		)
		s.recordRedirect(metrics.RedirectPassthrough)
		header.StripHopByHop(resp.Header)
		header.Shape(resp.Header)
		return resp
	}

	_ = resp.Body.Close()
	s.logger.Warn("upstream redirected to itself, not following",
		"status", resp.StatusCode,
		"location", location,
	)
	s.recordRedirect(metrics.RedirectBlocked)

	h := make(http.Header)
	h.Set("Content-Type", "text/plain; charset=utf-8")
	header.Shape(h)
	return &model.ProxyResponse{
		StatusCode: http.StatusOK,
		Header:     h,
		Body:       io.NopCloser(strings.NewReader(BlockedRedirectMessage)),
	}
}

// rewriteBody buffers a textual body and replaces upstream URLs in it. Any
// failure falls back to the upstream bytes as received.
func (s *ProxyService) rewriteBody(pr *model.ProxyRequest, resp *model.ProxyResponse) *model.ProxyResponse {
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		s.logger.Warn("reading upstream body failed, sending it unmodified", "err", err)
		s.recordRewrite(metrics.RewriteFailed)
		resp.Body = struct {
			io.Reader
			io.Closer
		}{io.MultiReader(bytes.NewReader(raw), resp.Body), resp.Body}
		return resp
	}
	_ = resp.Body.Close()

	fallback := func(stage string, err error) *model.ProxyResponse {
		s.logger.Warn("body rewrite failed, sending it unmodified",
			"stage", stage,
			"err", err,
			"content_type", resp.Header.Get("Content-Type"),
		)
		s.recordRewrite(metrics.RewriteFailed)
		resp.Body = io.NopCloser(bytes.NewReader(raw))
		return resp
	}

	text, err := codec.Decode(resp.Header.Get("Content-Encoding"), raw, s.maxDecoded)
	if err != nil {
		return fallback("decode", err)
	}
	out, err := rewrite.Rewrite(string(text), pr.ProxyURL, s.origin)
	if err != nil {
		return fallback("rewrite", err)
	}

	resp.Header.Del("Content-Encoding")
	resp.Header.Del("Content-Length")
	resp.Body = io.NopCloser(strings.NewReader(out))
	s.recordRewrite(metrics.RewriteRewritten)

	if s.logger.Enabled(context.Background(), slog.LevelDebug) {
		s.logger.Debug("body rewritten",
			"received", humanize.Bytes(uint64(len(raw))),
			"decoded", humanize.Bytes(uint64(len(text))),
			"sent", humanize.Bytes(uint64(len(out))),
			"changed", out != string(text),
			"preview", preview([]byte(out), s.previewBytes),
		)
	}
	return resp
}

// readBody reads the full inbound body. A failed read is logged and reported
// as !ok so the request is forwarded without a body. A body rejected by the
// server's size cap is returned as an error instead: the request must not
// reach the upstream with its body dropped.
func (s *ProxyService) readBody(pr *model.ProxyRequest) ([]byte, bool, error) {
	if pr.Body == nil {
		return nil, true, nil
	}
	b, err := io.ReadAll(pr.Body)
	if err != nil {
		var he *echo.HTTPError
		if errors.As(err, &he) && he.Code == http.StatusRequestEntityTooLarge {
			return nil, false, fmt.Errorf("read request body: %w", err)
		}
		s.logger.Warn("reading request body failed, forwarding without body",
			"method", pr.Method,
			"path", pr.Path,
			"err", err,
		)
		return nil, false, nil
	}
	if s.logger.Enabled(context.Background(), slog.LevelDebug) {
		s.logger.Debug("request body",
			"size", humanize.Bytes(uint64(len(b))),
			"preview", preview(b, s.previewBytes),
		)
	}
	return b, true, nil
}

func (s *ProxyService) buildUpstreamURL(path, rawQuery string) string {
	if path == "" {
		path = "/"
	}
	target := s.origin + path
	if rawQuery != "" {
		target += "?" + rawQuery
	}
	return target
}

// rewriteRequestHeaders copies src and points Host, Origin and Referer at the upstream.
func (s *ProxyService) rewriteRequestHeaders(src http.Header) http.Header {
	dst := src.Clone()
	if dst == nil {
		dst = make(http.Header)
	}
	header.StripHopByHop(dst)

	dst.Set("Host", s.upstream.Host)
	if len(dst.Values("Origin")) > 0 {
		dst.Set("Origin", s.origin)
	}
	if ref := dst.Get("Referer"); ref != "" {
		if u, err := url.Parse(ref); err == nil && u.IsAbs() && u.Host != "" {
			u.Scheme = s.upstream.Scheme
			u.Host = s.upstream.Host
			u.User = nil
			dst.Set("Referer", u.String())
		}
	}
	return dst
}

func (s *ProxyService) recordRewrite(outcome string) {
	if s.metrics != nil {
		s.metrics.RewritesTotal.WithLabelValues(outcome).Inc()
	}
}

func (s *ProxyService) recordRedirect(kind string) {
	if s.metrics != nil {
		s.metrics.RedirectsTotal.WithLabelValues(kind).Inc()
	}
}

// hasBody reports whether requests with this method carry a forwarded body.
func hasBody(method string) bool {
	return method != http.MethodGet && method != http.MethodHead
}

func isTextual(contentType string) bool {
	ct := strings.ToLower(contentType)
	for _, t := range textualTypes {
		if strings.Contains(ct, t) {
			return true
		}
	}
	return false
}

// preview returns at most limit bytes of b for diagnostic logging.
func preview(b []byte, limit int) string {
	if len(b) <= limit {
		return string(b)
	}
	return string(b[:limit]) + fmt.Sprintf("... (%s more)", humanize.Bytes(uint64(len(b)-limit)))
}
