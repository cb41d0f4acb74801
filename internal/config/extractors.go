package config

import (
	"strconv"
	"strings"

	"github.com/AlexKimmel/throttlecore/internal/request"
	"github.com/AlexKimmel/throttlecore/internal/rule"
)

// buildIdentityExtractor parses the config schema's IdentityIdExtractor
// string (spec.md §6) into a rule.IdentityExtractor. Recognized forms:
// "header:<Name>", "claim:<Name>", "query:<Name>". An empty or
// unrecognized spec yields nil, which Rule.Evaluate reads as "fall back
// to the Config-wide extractor".
func buildIdentityExtractor(spec string) rule.IdentityExtractor {
	kind, name, ok := splitSpec(spec)
	if !ok {
		return nil
	}
	switch kind {
	case "header":
		return func(req request.Proxy) (string, bool) { return req.Header(name) }
	case "claim":
		return func(req request.Proxy) (string, bool) { return req.Claim(name) }
	case "query":
		return func(req request.Proxy) (string, bool) { return req.Query(name) }
	default:
		return nil
	}
}

// buildCostExtractor parses the config schema's CostExtractor string
// into a rule.CostExtractor. "header:<Name>" reads an integer cost from
// a header (defaulting to 1 if absent or unparsable); a bare integer is
// a constant cost. An empty spec yields nil ("fall back to the
// Config-wide extractor, then to 1").
func buildCostExtractor(spec string) rule.CostExtractor {
	if spec == "" {
		return nil
	}
	if n, err := strconv.ParseInt(spec, 10, 64); err == nil {
		return func(request.Proxy) int64 { return n }
	}
	kind, name, ok := splitSpec(spec)
	if !ok || kind != "header" {
		return nil
	}
	return func(req request.Proxy) int64 {
		v, ok := req.Header(name)
		if !ok {
			return 1
		}
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 0 {
			return 1
		}
		return n
	}
}

func splitSpec(spec string) (kind, name string, ok bool) {
	parts := strings.SplitN(spec, ":", 2)
	if len(parts) != 2 {
		return "", "", false
	}
	return parts[0], parts[1], true
}
