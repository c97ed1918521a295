package api

import (
	"io"
	"net/http"
	"strings"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/gzip"
)

// compressResponse negotiates response compression from Accept-Encoding.
// Brotli is preferred when the client offers it, then gzip. Small dashboard
// payloads compress well and the CSV export especially benefits.
func compressResponse() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			accepted := r.Header.Get("Accept-Encoding")

			switch {
			case acceptsEncoding(accepted, "br"):
				bw := brotli.NewWriterLevel(w, brotli.DefaultCompression)
				defer bw.Close()
				w.Header().Set("Content-Encoding", "br")
				w.Header().Add("Vary", "Accept-Encoding")
				w.Header().Del("Content-Length")
				next.ServeHTTP(&compressedResponseWriter{ResponseWriter: w, compressor: bw}, r)

			case acceptsEncoding(accepted, "gzip"):
				gw := gzip.NewWriter(w)
				defer gw.Close()
				w.Header().Set("Content-Encoding", "gzip")
				w.Header().Add("Vary", "Accept-Encoding")
				w.Header().Del("Content-Length")
				next.ServeHTTP(&compressedResponseWriter{ResponseWriter: w, compressor: gw}, r)

			default:
				next.ServeHTTP(w, r)
			}
		})
	}
}

// compressedResponseWriter routes the body through the compressor while
// headers and status go straight to the underlying writer.
type compressedResponseWriter struct {
	http.ResponseWriter
	compressor io.Writer
}

func (w *compressedResponseWriter) Write(b []byte) (int, error) {
	return w.compressor.Write(b)
}

func acceptsEncoding(header, encoding string) bool {
	for _, part := range strings.Split(header, ",") {
		name, _, _ := strings.Cut(strings.TrimSpace(part), ";")
		if strings.EqualFold(strings.TrimSpace(name), encoding) {
			return true
		}
	}
	return false
}
