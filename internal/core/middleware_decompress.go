package core

import (
	"io"
	"net/http"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"

	"courierhook/internal/types"
)

// DecompressMiddleware transparently decodes gzip and zstd request bodies so
// handlers (and signature checks) always see the plain payload. maxCompressed
// bounds the encoded body; handlers still bound the decoded one.
func DecompressMiddleware(maxCompressed int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			encoding := strings.ToLower(strings.TrimSpace(r.Header.Get("Content-Encoding")))
			if encoding == "" || encoding == "identity" || r.Body == nil || r.Body == http.NoBody {
				next.ServeHTTP(w, r)
				return
			}

			raw := http.MaxBytesReader(w, r.Body, maxCompressed)

			var body io.ReadCloser
			switch encoding {
			case "gzip", "x-gzip":
				zr, err := gzip.NewReader(raw)
				if err != nil {
					Error(w, r, types.NewAppError(types.ErrCodeValidationEncoding, "request body is not valid gzip", err))
					return
				}
				body = zr
			case "zstd":
				zr, err := zstd.NewReader(raw, zstd.WithDecoderConcurrency(1))
				if err != nil {
					Error(w, r, types.NewAppError(types.ErrCodeValidationEncoding, "request body is not valid zstd", err))
					return
				}
				body = zr.IOReadCloser()
			default:
				Error(w, r, types.NewAppErrorWithDetails(
					types.ErrCodeValidationEncoding,
					"unsupported Content-Encoding",
					nil,
					map[string]any{"encoding": encoding},
				))
				return
			}
			defer body.Close()

			r.Body = body
			r.Header.Del("Content-Encoding")
			r.Header.Del("Content-Length")
			r.ContentLength = -1

			next.ServeHTTP(w, r)
		})
	}
}
