// Package codec undoes HTTP Content-Encoding so response bodies can be treated as text.
package codec

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zlib"
	"github.com/klauspost/compress/zstd"
)

// ErrTooLarge is returned when a decoded body would exceed the size limit.
var ErrTooLarge = errors.New("decoded body exceeds size limit")

// Decode reverses the coding chain named by a Content-Encoding header value.
// Codings are listed in the order they were applied, so they are undone
// right to left. An empty value or "identity" returns raw unchanged.
// Each decoding step stops with ErrTooLarge once its output passes maxSize;
// a maxSize of 0 means no limit.
func Decode(contentEncoding string, raw []byte, maxSize int64) ([]byte, error) {
	codings := strings.Split(contentEncoding, ",")
	out := raw
	for i := len(codings) - 1; i >= 0; i-- {
		coding := strings.ToLower(strings.TrimSpace(codings[i]))
		var err error
		out, err = decodeOne(coding, out, maxSize)
		if err != nil {
			return nil, fmt.Errorf("decode %s: %w", coding, err)
		}
	}
	return out, nil
}

// Supported reports whether every coding in contentEncoding can be decoded.
func Supported(contentEncoding string) bool {
	for _, c := range strings.Split(contentEncoding, ",") {
		switch strings.ToLower(strings.TrimSpace(c)) {
		case "", "identity", "gzip", "x-gzip", "deflate", "br", "zstd":
		default:
			return false
		}
	}
	return true
}

func decodeOne(coding string, data []byte, maxSize int64) ([]byte, error) {
	switch coding {
	case "", "identity":
		return data, nil
	case "gzip", "x-gzip":
		r, err := gzip.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, err
		}
		defer r.Close()
		return readLimited(r, maxSize)
	case "deflate":
		// Servers disagree on whether "deflate" means zlib-wrapped or raw.
		if r, err := zlib.NewReader(bytes.NewReader(data)); err == nil {
			defer r.Close()
			return readLimited(r, maxSize)
		}
		r := flate.NewReader(bytes.NewReader(data))
		defer r.Close()
		return readLimited(r, maxSize)
	case "br":
		return readLimited(brotli.NewReader(bytes.NewReader(data)), maxSize)
	case "zstd":
		d, err := zstd.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, err
		}
		defer d.Close()
		return readLimited(d, maxSize)
	default:
		return nil, fmt.Errorf("unsupported content coding %q", coding)
	}
}

func readLimited(r io.Reader, maxSize int64) ([]byte, error) {
	if maxSize <= 0 {
		return io.ReadAll(r)
	}
	b, err := io.ReadAll(io.LimitReader(r, maxSize+1))
	if err != nil {
		return nil, err
	}
	if int64(len(b)) > maxSize {
		return nil, ErrTooLarge
	}
	return b, nil
}
