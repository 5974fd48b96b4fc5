package shield

import (
	"net/http"
	"sort"
)

// Headers is a fixed set of response headers.
type Headers map[string]string

// APIHeaders suit a JSON API: nothing may be framed, sniffed or rendered
// as a document, and intermediaries must not cache responses.
var APIHeaders = Headers{
	"Content-Security-Policy": "default-src 'none'; frame-ancestors 'none'",
	"X-Frame-Options":         "DENY",
	"X-Content-Type-Options":  "nosniff",
	"Referrer-Policy":         "no-referrer",
	"Cache-Control":           "no-store",
}

// Set returns middleware writing h on every response before the handler
// runs, so handlers may still override a value.
func (h Headers) Set() func(http.Handler) http.Handler {
	keys := make([]string, 0, len(h))
	for k, v := range h {
		if v != "" {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			for _, k := range keys {
				w.Header().Set(k, h[k])
			}
			next.ServeHTTP(w, r)
		})
	}
}

// MaxBody caps request bodies at n bytes. A declared Content-Length over n
// is answered 413 before the handler runs; a chunked body fails on the
// first read past n.
func MaxBody(n int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.ContentLength > n {
				GetLogger(r.Context()).Warn("shield: body too large", "content_length", r.ContentLength, "max", n)
				writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
				return
			}
			if r.Body != nil && r.Body != http.NoBody {
				r.Body = http.MaxBytesReader(w, r.Body, n)
			}
			next.ServeHTTP(w, r)
		})
	}
}

// HeadToGet routes HEAD to the GET handlers; net/http discards the body.
func HeadToGet(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodHead {
			r.Method = http.MethodGet
		}
		next.ServeHTTP(w, r)
	})
}
