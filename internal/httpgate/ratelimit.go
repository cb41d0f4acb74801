package httpgate

import (
	"context"
	"net/http"

	"github.com/AlexKimmel/throttlecore/internal/claimsctx"
	"github.com/AlexKimmel/throttlecore/internal/egress"
	"github.com/AlexKimmel/throttlecore/internal/engine"
	"github.com/AlexKimmel/throttlecore/internal/request"
	"github.com/AlexKimmel/throttlecore/internal/responsefabric"
)

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (w *statusRecorder) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusRecorder) Write(b []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	return w.ResponseWriter.Write(b)
}

// RateLimit wraps next with the engine: it evaluates every rate-limit
// rule before next runs at all (ingress), and — if ingress admits the
// request — inspects next's own response for an upstream 429 to fuse
// back in as an egress signal (spec.md §4.5's IsIngressOrEgressExceeded,
// ratelimit_mw.go's header/skip-path conventions).
func RateLimit(eng *engine.Engine, fabric responsefabric.Fabric, skip map[string]struct{}) Middleware {
	if fabric == nil {
		fabric = responsefabric.Default{}
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if _, ok := skip[r.URL.Path]; ok {
				next.ServeHTTP(w, r)
				return
			}

			proxyReq := request.FromHTTP(r, claimsctx.From(r))

			var cleanup []engine.Cleanup
			defer func() {
				for i := len(cleanup) - 1; i >= 0; i-- {
					cleanup[i]()
				}
			}()

			rec := &statusRecorder{ResponseWriter: w}
			callNext := func(ctx context.Context) error {
				next.ServeHTTP(rec, r.WithContext(ctx))
				if rec.status == http.StatusTooManyRequests {
					return &egress.ThrottledError{RetryAfter: rec.Header().Get("Retry-After")}
				}
				return nil
			}

			results, err := eng.IsIngressOrEgressExceeded(r.Context(), proxyReq, &cleanup, callNext)
			if err != nil {
				if rec.status == 0 {
					writeJSON(w, http.StatusInternalServerError, "rate_limiter_error", "internal rate limiter error")
				}
				return
			}

			var exceeded bool
			for _, res := range results {
				if res.IsExceeded {
					exceeded = true
					break
				}
			}
			if !exceeded {
				return // next (if called) already wrote the real response
			}
			if rec.status != 0 {
				return // next's own upstream response was the throttle signal
			}
			fabric.Write(w, r, results)
		})
	}
}

func writeJSON(w http.ResponseWriter, code int, errCode, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_, _ = w.Write([]byte(`{"error":{"code":"` + errCode + `","message":"` + msg + `"}}`))
}
