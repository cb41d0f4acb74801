package httpgate

import "net/http"

// BodyLimit caps the inbound request body at maxBytes, a precondition
// check unrelated to rate limiting itself but part of the ambient
// gateway chain the teacher ships alongside it.
func BodyLimit(maxBytes int) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if maxBytes > 0 && r.Body != nil {
				r.Body = http.MaxBytesReader(w, r.Body, int64(maxBytes))
			}
			next.ServeHTTP(w, r)
		})
	}
}
