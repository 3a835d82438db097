package api

import (
	"compress/gzip"
	"io"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"
)

// RequestBodyMiddleware prepares mutation bodies for decoding: gzip-encoded
// payloads are transparently decompressed, reading at most mutationMaxSize
// compressed bytes, the same bound decodeBody enforces on the JSON layer.
// Invalid gzip payloads are rejected with 400 and logged as a structured
// event.
func RequestBodyMiddleware(logger *log.Logger) echo.MiddlewareFunc {
	if logger == nil {
		logger = log.New()
	}
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			if !gzipEncoded(req.Header.Get(echo.HeaderContentEncoding)) {
				return next(c)
			}

			raw := req.Body
			zr, err := gzip.NewReader(io.LimitReader(raw, mutationMaxSize))
			if err != nil {
				_ = raw.Close()
				logger.WithFields(log.Fields{
					"route":  c.Path(),
					"method": req.Method,
					"length": req.ContentLength,
				}).Warn("rejected request with invalid gzip body")
				return echo.NewHTTPError(http.StatusBadRequest, "invalid gzip body")
			}

			req.Body = &decompressedBody{zr: zr, raw: raw}
			req.ContentLength = -1
			req.Header.Del(echo.HeaderContentEncoding)
			req.Header.Del(echo.HeaderContentLength)
			return next(c)
		}
	}
}

// gzipEncoded reports whether gzip appears among the applied content codings.
func gzipEncoded(header string) bool {
	for header != "" {
		var coding string
		coding, header, _ = strings.Cut(header, ",")
		if strings.EqualFold(strings.TrimSpace(coding), "gzip") {
			return true
		}
	}
	return false
}

// decompressedBody wires Close through to the original request body so the
// connection can be reused.
type decompressedBody struct {
	zr  *gzip.Reader
	raw io.Closer
}

func (b *decompressedBody) Read(p []byte) (int, error) { return b.zr.Read(p) }

func (b *decompressedBody) Close() error {
	err := b.zr.Close()
	if cerr := b.raw.Close(); cerr != nil && err == nil {
		err = cerr
	}
	return err
}
