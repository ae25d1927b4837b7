package main

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/aguerosoft/parksync/config"
	"github.com/aguerosoft/parksync/internal/engine"
)

type httpOpts struct {
	addr     string
	onListen func(addr string)

	engine *engine.Engine
	cfg    *config.Config
}

func runHTTPServer(ctx context.Context, opts httpOpts) error {
	if opts.addr == "" {
		opts.addr = ":8087"
	}

	lis, err := net.Listen("tcp", opts.addr)
	if err != nil {
		return err
	}
	if opts.onListen != nil {
		opts.onListen(lis.Addr().String())
	}

	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ready"}`))
	})

	r.Get("/status", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if opts.engine == nil {
			_, _ = w.Write([]byte(`{"error":"engine not wired"}`))
			return
		}
		_ = json.NewEncoder(w).Encode(opts.engine.Status(r.Context()))
	})

	r.Get("/config", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if opts.cfg == nil {
			_, _ = w.Write([]byte(`{"error":"config not wired"}`))
			return
		}
		// Operational settings only; connection strings stay out.
		out := map[string]any{
			"intervalSeconds":      opts.cfg.Sync.IntervalSeconds,
			"pingTimeoutSeconds":   opts.cfg.Sync.PingTimeoutSeconds,
			"pullBatchSize":        opts.cfg.Sync.PullBatchSize,
			"outboxBatchSize":      opts.cfg.Sync.OutboxBatchSize,
			"maxRetries":           opts.cfg.Sync.MaxRetries,
			"outboxRetentionHours": opts.cfg.Sync.OutboxRetentionHours,
			"pushDisabled":         opts.cfg.Sync.PushDisabled,
			"resources":            opts.cfg.Sync.Resources,
			"denyResources":        opts.cfg.Sync.DenyResources,
			"pricesTTLSeconds":     opts.cfg.Prices.TTLSeconds,
		}
		_ = json.NewEncoder(w).Encode(out)
	})

	r.Post("/trigger", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if opts.engine == nil {
			_, _ = w.Write([]byte(`{"error":"engine not wired"}`))
			return
		}
		opts.engine.Trigger()
		_, _ = w.Write([]byte(`{"triggered":true}`))
	})

	r.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{Handler: r}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		_ = lis.Close()
	}()

	return srv.Serve(lis)
}
