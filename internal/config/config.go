// Package config holds the host's YAML configuration, including the
// rate-limit Config snapshot (spec.md §3, §6): an ordered rule list, a
// whitelist of bare matchers, and a service-wide unique namespace
// string. Rate-limit snapshots are immutable; a new one atomically
// replaces the current one (see internal/configloader). The surrounding
// Server/Observability/Auth/Routes sections are the teacher's own
// ambient gateway configuration, kept as-is.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/AlexKimmel/throttlecore/internal/limitmethod"
	"github.com/AlexKimmel/throttlecore/internal/rule"
)

type Server struct {
	Addr           string `yaml:"addr"`
	ReadTimeoutMS  int    `yaml:"read_timeout_ms"`
	WriteTimeoutMS int    `yaml:"write_timeout_ms"`
	IdleTimeoutMS  int    `yaml:"idle_timeout_ms"`
	MaxBodyBytes   int64  `yaml:"max_body_bytes"`
}

type Observability struct {
	LogLevel       string `yaml:"log_level"`       // "debug","info","warn","error"
	PrometheusPath string `yaml:"prometheus_path"` // e.g. "/metrics"
}

type APIKey struct {
	ID       string            `yaml:"id"`
	Secret   string            `yaml:"secret"`
	Metadata map[string]string `yaml:"metadata"`
}

type Auth struct {
	Header string   `yaml:"header"`
	Keys   []APIKey `yaml:"keys"`
}

type Routes struct {
	ID    string `yaml:"id"`
	Match struct {
		PathPrefix string   `yaml:"path_prefix"`
		Methods    []string `yaml:"methods"`
	} `yaml:"match"`

	Upstream struct {
		URL       string `yaml:"url"`
		TimeoutMS int    `yaml:"timeout_ms"`
	} `yaml:"upstream"`
}

// Root is the whole YAML document: the ambient gateway sections plus the
// rate-limit RateLimit section this expansion adds.
type Root struct {
	Server        Server        `yaml:"server"`
	Observability Observability `yaml:"observability"`
	Auth          Auth          `yaml:"auth"`
	Routes        []Routes      `yaml:"routes"`
	RateLimit     rootYAML      `yaml:"rate_limit"`
}

func (s Server) ReadTimeout() time.Duration {
	if s.ReadTimeoutMS == 0 {
		return 5 * time.Second
	}
	return time.Duration(s.ReadTimeoutMS) * time.Millisecond
}

func (s Server) WriteTimeout() time.Duration {
	if s.WriteTimeoutMS == 0 {
		return 10 * time.Second
	}
	return time.Duration(s.WriteTimeoutMS) * time.Millisecond
}

func (s Server) IdleTimeout() time.Duration {
	if s.IdleTimeoutMS == 0 {
		return 60 * time.Second
	}
	return time.Duration(s.IdleTimeoutMS) * time.Millisecond
}

func (s Server) MaxBody() int64 {
	if s.MaxBodyBytes == 0 {
		return 10 << 20
	}
	return s.MaxBodyBytes
} // default 10MB

// Load reads and parses the whole host document at path.
func Load(path string) (*Root, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Root
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, err
	}
	for i := range cfg.Routes {
		if cfg.Routes[i].Upstream.TimeoutMS <= 0 {
			cfg.Routes[i].Upstream.TimeoutMS = 3000
		}
	}
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = ":8080"
	}
	if cfg.Observability.LogLevel == "" {
		cfg.Observability.LogLevel = "info"
	}
	if cfg.Auth.Header == "" {
		cfg.Auth.Header = "X-API-Key"
	}

	return &cfg, nil
}

// ResolveRateLimit builds a RateLimit snapshot from the rate_limit
// section embedded in this Root document, for hosts that keep
// everything in one YAML file instead of a standalone rate-limit file
// loaded via LoadRateLimitFile/configloader.FileLoad.
func (root *Root) ResolveRateLimit() (*RateLimit, error) {
	return fromRootYAML(root.RateLimit)
}

// --- rate-limit Config snapshot (spec.md §3) ---

// RateLimit is the immutable snapshot the engine evaluates: rules in
// declared evaluation order, a whitelist that short-circuits evaluation
// entirely, and the service-unique namespace folded into every counter
// key.
type RateLimit struct {
	Rules      []*rule.Rule
	Whitelist  []*rule.Matcher
	UniqueName string
}

// Empty is the snapshot used when no Config has ever loaded successfully
// (spec.md §7's ConfigLoad error handling).
func Empty() *RateLimit {
	return &RateLimit{}
}

// --- YAML schema (spec.md §6) ---

type rootYAML struct {
	UniqueName string        `yaml:"unique_name"`
	Rules      []ruleYAML    `yaml:"rules"`
	Whitelist  []matcherYAML `yaml:"whitelist"`
}

type matcherYAML struct {
	UriPattern  string   `yaml:"uri_pattern"`
	Method      string   `yaml:"method"`
	HeaderName  string   `yaml:"header_name"`
	HeaderValue string   `yaml:"header_value"`
	ClaimName   string   `yaml:"claim_name"`
	ClaimValues []string `yaml:"claim_values"`
}

type ruleYAML struct {
	matcherYAML         `yaml:",inline"`
	ID                  string    `yaml:"id"`
	LimitMethod         limitYAML `yaml:"limit_method"`
	MaxDelayInSeconds   int64     `yaml:"max_delay_in_seconds"`
	IdentityIDExtractor string    `yaml:"identity_id_extractor"`
	CostExtractor       string    `yaml:"cost_extractor"`
}

// limitYAML decodes any of the four tagged LimitMethod variants from a
// flat mapping discriminated by Type; fields unused by a given variant
// are simply left zero.
type limitYAML struct {
	Type                  string `yaml:"type"`
	PermitLimit           int64  `yaml:"permit_limit"`
	IntervalSeconds       int64  `yaml:"interval_seconds"`
	NumberOfBuckets       int64  `yaml:"number_of_buckets"`
	TimeoutSeconds        int64  `yaml:"timeout_seconds"`
	TrialIntervalSeconds  int64  `yaml:"trial_interval_seconds"`
	ShouldThrowOnFailures bool   `yaml:"should_throw_on_failures"`
}

func (l limitYAML) build(ruleID string) (limitmethod.Method, error) {
	switch l.Type {
	case "fixed_window":
		return limitmethod.NewFixedWindow(ruleID, l.PermitLimit, time.Duration(l.IntervalSeconds)*time.Second, l.ShouldThrowOnFailures), nil
	case "sliding_window":
		return limitmethod.NewSlidingWindow(ruleID, l.PermitLimit, time.Duration(l.IntervalSeconds)*time.Second, l.NumberOfBuckets, l.ShouldThrowOnFailures), nil
	case "semaphore":
		return limitmethod.NewSemaphore(ruleID, l.PermitLimit, time.Duration(l.TimeoutSeconds)*time.Second, l.ShouldThrowOnFailures), nil
	case "circuit_breaker":
		return limitmethod.NewCircuitBreaker(ruleID, l.PermitLimit, time.Duration(l.IntervalSeconds)*time.Second, time.Duration(l.TrialIntervalSeconds)*time.Second, l.ShouldThrowOnFailures), nil
	default:
		return nil, fmt.Errorf("config: unknown limit_method.type %q", l.Type)
	}
}

func (m matcherYAML) build() (*rule.Matcher, error) {
	return rule.NewMatcher(m.UriPattern, m.Method, m.HeaderName, m.HeaderValue, m.ClaimName, m.ClaimValues)
}

// FromYAML parses the rate_limit section of b into a RateLimit snapshot.
func FromYAML(b []byte) (*RateLimit, error) {
	var root rootYAML
	if err := yaml.Unmarshal(b, &root); err != nil {
		return nil, fmt.Errorf("config: parse yaml: %w", err)
	}
	return fromRootYAML(root)
}

func fromRootYAML(root rootYAML) (*RateLimit, error) {
	cfg := &RateLimit{UniqueName: root.UniqueName}

	for _, w := range root.Whitelist {
		m, err := w.build()
		if err != nil {
			return nil, fmt.Errorf("config: whitelist entry: %w", err)
		}
		cfg.Whitelist = append(cfg.Whitelist, m)
	}

	for _, r := range root.Rules {
		matcher, err := r.matcherYAML.build()
		if err != nil {
			return nil, fmt.Errorf("config: rule %q matcher: %w", r.ID, err)
		}
		limit, err := r.LimitMethod.build(r.ID)
		if err != nil {
			return nil, fmt.Errorf("config: rule %q: %w", r.ID, err)
		}
		cfg.Rules = append(cfg.Rules, &rule.Rule{
			ID:       r.ID,
			Matcher:  matcher,
			Limit:    limit,
			MaxDelay: time.Duration(r.MaxDelayInSeconds) * time.Second,
			Identity: buildIdentityExtractor(r.IdentityIDExtractor),
			Cost:     buildCostExtractor(r.CostExtractor),
		})
	}

	return cfg, nil
}

// LoadRateLimitFile reads and parses a standalone rate-limit YAML file
// (as opposed to the rate_limit section of the host's Root document).
func LoadRateLimitFile(path string) (*RateLimit, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return FromYAML(b)
}
