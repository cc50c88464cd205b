package handler

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"runtime/debug"

	"github.com/labstack/echo/v4"

	"mirror-proxy-go/internal/header"
	"mirror-proxy-go/internal/model"
	"mirror-proxy-go/internal/service"
)

// failurePrefix starts the body of every 500 response produced by the proxy.
const failurePrefix = "代理请求失败: "

// ProxyHandler forwards every request to the upstream origin.
type ProxyHandler struct {
	service *service.ProxyService
	logger  *slog.Logger
}

// NewProxyHandler creates a ProxyHandler.
func NewProxyHandler(svc *service.ProxyService, logger *slog.Logger) *ProxyHandler {
	return &ProxyHandler{
		service: svc,
		logger:  logger.With("component", "proxy_handler"),
	}
}

// Handle proxies the request upstream and writes back the shaped response.
// It always produces a response: failures and panics become a 500.
func (h *ProxyHandler) Handle(c echo.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			h.logger.Error("panic while proxying",
				"panic", r,
				"path", c.Request().URL.Path,
				"stack", string(debug.Stack()),
			)
			err = h.fail(c, fmt.Errorf("%v", r))
		}
	}()

	req := c.Request()
	pr := &model.ProxyRequest{
		Ctx:      req.Context(),
		Method:   req.Method,
		Path:     req.URL.EscapedPath(),
		RawQuery: req.URL.RawQuery,
		Header:   req.Header,
		Body:     req.Body,
		ProxyURL: c.Scheme() + "://" + req.Host + req.URL.RequestURI(),
	}

	resp, err := h.service.Forward(pr)
	if err != nil {
		// A body over the server's size cap gets the same 413 whether it was
		// declared up front or found while streaming.
		var he *echo.HTTPError
		if errors.As(err, &he) && he.Code == http.StatusRequestEntityTooLarge {
			h.logger.Warn("request body over size cap", "method", req.Method, "path", req.URL.Path)
			return he
		}
		h.logger.Error("proxy error",
			"err", err,
			"method", req.Method,
			"path", req.URL.Path,
		)
		return h.fail(c, err)
	}

	out := h.service.Respond(pr, resp)
	defer func() { _ = out.Body.Close() }()

	dst := c.Response().Header()
	for key, vals := range out.Header {
		for _, v := range vals {
			dst.Add(key, v)
		}
	}
	c.Response().WriteHeader(out.StatusCode)

	// The status line is already sent; a copy error can only be logged and
	// the client sees a truncated body.
	if _, err := io.Copy(c.Response(), out.Body); err != nil {
		h.logger.Error("streaming response body",
			"err", err,
			"path", req.URL.Path,
		)
	}
	return nil
}

// fail writes the plain-text 500 response. The error message is exposed to
// the client; stack traces only go to the log.
func (h *ProxyHandler) fail(c echo.Context, err error) error {
	if c.Response().Committed {
		return nil
	}
	hdr := c.Response().Header()
	header.Shape(hdr)
	hdr.Set(echo.HeaderContentType, "text/plain; charset=utf-8")
	c.Response().WriteHeader(http.StatusInternalServerError)
	_, werr := io.WriteString(c.Response(), failurePrefix+err.Error())
	return werr
}
