package main

import (
	"context"
	"log"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/AlexKimmel/throttlecore/internal/auth"
	"github.com/AlexKimmel/throttlecore/internal/config"
	"github.com/AlexKimmel/throttlecore/internal/configloader"
	"github.com/AlexKimmel/throttlecore/internal/counterstore"
	"github.com/AlexKimmel/throttlecore/internal/counterstore/memstore"
	"github.com/AlexKimmel/throttlecore/internal/counterstore/redisstore"
	"github.com/AlexKimmel/throttlecore/internal/engine"
	"github.com/AlexKimmel/throttlecore/internal/httpgate"
	"github.com/AlexKimmel/throttlecore/internal/limitmethod"
	"github.com/AlexKimmel/throttlecore/internal/obs"
	"github.com/AlexKimmel/throttlecore/internal/proxy"
	"github.com/AlexKimmel/throttlecore/internal/responsefabric"
	"github.com/AlexKimmel/throttlecore/internal/routing"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

func main() {
	cfg, err := config.Load("./config.yaml")
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	logger := obs.SetupLogger(cfg.Observability.LogLevel)
	logger.Info().Msg("throttlecore: logger ready")

	store := buildCounterStore(&logger)

	loader := configloader.New(func(ctx context.Context) (*config.RateLimit, error) {
		root, err := config.Load("./config.yaml")
		if err != nil {
			return nil, err
		}
		return root.ResolveRateLimit()
	}, &logger)
	if err := loader.Run(context.Background(), 30*time.Second); err != nil {
		logger.Warn().Err(err).Msg("throttlecore: starting with empty rate-limit config")
	}

	reg := prometheus.NewRegistry()
	metrics := obs.NewMetrics(reg)
	wireCircuitBreakerGauges(loader, metrics)

	eng := engine.New(loader, store,
		engine.WithLogger(&logger),
		engine.WithRulesEvaluatedHook(func(n int) { metrics.RulesEvaluated.Observe(float64(n)) }),
		engine.WithAdmissionDelayHook(func(d time.Duration) { metrics.AdmissionDelaySeconds.Observe(d.Seconds()) }),
	)
	defer eng.Dispose()

	router := buildRouter(cfg.Routes)

	pairs := map[string]string{} // secret -> keyID
	for _, k := range cfg.Auth.Keys {
		if k.Secret != "" && k.ID != "" {
			pairs[k.Secret] = k.ID
		}
	}
	authStore := auth.NewStatic(cfg.Auth.Header, pairs)

	skip := map[string]struct{}{
		"/health":               {},
		"/version":              {},
		cfg.Observability.PrometheusPath: {},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"ok":true}`))
	})
	mux.HandleFunc("/version", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("v0.1.0"))
	})
	promPath := cfg.Observability.PrometheusPath
	if promPath == "" {
		promPath = "/metrics"
	}
	mux.Handle(promPath, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.Handle("/", httpgate.Chain(
		proxy.Handler(proxy.NewHTTPTransport()),
		httpgate.RouteMatcher(router, skip),
		authStore.Middleware(skip),
		httpgate.RateLimit(eng, responsefabric.Default{}, skip),
	))

	handler := httpgate.Chain(
		mux,
		obs.Logger(logger),
		httpgate.BodyLimit(int(cfg.Server.MaxBody())),
		metrics.Middleware(skip),
	)

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      cfg.Server.WriteTimeout(),
		IdleTimeout:       cfg.Server.IdleTimeout(),
		ReadTimeout:       cfg.Server.ReadTimeout(),
	}

	go func() {
		log.Printf("listening on %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Printf("graceful shutdown failed: %v", err)
	}
	log.Printf("bye")
}

// buildCounterStore picks memstore or redisstore based on THROTTLECORE_REDIS_ADDR,
// so a single binary serves both the embedded and shared-state deployments
// spec.md §1 calls out as two different hosts of the same core.
func buildCounterStore(logger *zerolog.Logger) counterstore.Store {
	addr := os.Getenv("THROTTLECORE_REDIS_ADDR")
	if addr == "" {
		st := memstore.New()
		st.StartJanitor(context.Background())
		return st
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	return redisstore.New(client, redisstore.WithLogger(logger))
}

func buildRouter(routes []config.Routes) *routing.Router {
	r := routing.New()
	for _, rt := range routes {
		upURL, err := url.Parse(rt.Upstream.URL)
		if err != nil {
			log.Printf("throttlecore: skipping route %q, bad upstream url: %v", rt.ID, err)
			continue
		}
		methods := map[string]struct{}{}
		for _, m := range rt.Match.Methods {
			methods[m] = struct{}{}
		}
		r.Add(&routing.Route{
			ID:      rt.ID,
			Methods: methods,
			Prefix:  rt.Match.PathPrefix,
			UpUrl:   upURL,
			Timeout: time.Duration(rt.Upstream.TimeoutMS) * time.Millisecond,
		})
	}
	return r
}

// wireCircuitBreakerGauges attaches an OnStateChange hook to every
// CircuitBreaker rule in the current snapshot so its state shows up as
// a Prometheus gauge. It runs once, at startup, against whatever
// loader.Current() returns then; a reload swaps in new Rule values, so
// breakers from later reloads (every 30s in main) carry no hook.
func wireCircuitBreakerGauges(loader *configloader.Loader, metrics *obs.Metrics) {
	cfg := loader.Current()
	for _, r := range cfg.Rules {
		cb, ok := r.Limit.(*limitmethod.CircuitBreaker)
		if !ok {
			continue
		}
		ruleID := r.ID
		cb.OnStateChange = func(open bool) {
			v := 0.0
			if open {
				v = 1.0
			}
			metrics.CircuitBreakerState.WithLabelValues(ruleID).Set(v)
		}
	}
}
