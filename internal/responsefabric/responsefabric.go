// Package responsefabric implements the response-shaping collaborator
// named in spec.md §6: given the Engine's []ExceededResult plus the
// request/response proxies, it decides status code, headers (notably
// Retry-After), and body. The core itself never shapes a response; this
// package is the default/example fabric a host wires in, grounded in
// the teacher's JSON-error helpers in internal/auth and
// internal/gateway.
package responsefabric

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/AlexKimmel/throttlecore/internal/limitmethod"
)

// Fabric decides how to render the outcome of one evaluation. It is
// only ever invoked when results contains at least one exceeded entry;
// a clean pass-through (nothing exceeded) means the host's own handler
// has already written the real response.
type Fabric interface {
	Write(w http.ResponseWriter, r *http.Request, results []limitmethod.ExceededResult)
}

// Default renders a 429 with a Retry-After header set to the maximum
// RetryAfter across every exceeded result (spec.md §4.5: "the overall
// retry-after exposed to the caller is the maximum of their individual
// values, computed by consumers, not here") and a small JSON body
// listing which rules tripped.
type Default struct{}

type exceededBody struct {
	Error      string   `json:"error"`
	RetryAfter int64    `json:"retry_after_seconds"`
	Rules      []string `json:"rules,omitempty"`
}

func (Default) Write(w http.ResponseWriter, _ *http.Request, results []limitmethod.ExceededResult) {
	var maxRetry time.Duration
	var rules []string
	for _, res := range results {
		if !res.IsExceeded {
			continue
		}
		if res.RetryAfter > maxRetry {
			maxRetry = res.RetryAfter
		}
		if res.RuleID != "" {
			rules = append(rules, res.RuleID)
		}
	}

	seconds := int64(maxRetry / time.Second)
	if seconds < 0 {
		seconds = 0
	}
	w.Header().Set("Retry-After", strconv.FormatInt(seconds, 10))
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusTooManyRequests)
	_ = json.NewEncoder(w).Encode(exceededBody{
		Error:      "rate_limited",
		RetryAfter: seconds,
		Rules:      rules,
	})
}
