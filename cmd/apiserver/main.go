// Command apiserver runs the control-plane HTTP surface of spec.md §6:
// upload presigning, job creation/lookup, stats, health, and the
// job-complete webhook receiver.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/v0id-user/rwos/internal/admission"
	"github.com/v0id-user/rwos/internal/config"
	"github.com/v0id-user/rwos/internal/httpapi"
	"github.com/v0id-user/rwos/internal/jobmanager"
	"github.com/v0id-user/rwos/internal/logging"
	"github.com/v0id-user/rwos/internal/machinepool"
	"github.com/v0id-user/rwos/internal/metrics"
	"github.com/v0id-user/rwos/internal/objectstore"
	"github.com/v0id-user/rwos/internal/provider"
	"github.com/v0id-user/rwos/internal/schema"
	"github.com/v0id-user/rwos/internal/spawner"
	"github.com/v0id-user/rwos/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	logger := logging.New(cfg.LogLevel)

	pool := store.NewRedigoPool(cfg.StateStoreURL, 50, 10, 4*time.Minute)
	defer pool.Close()
	s := store.New(pool)
	keys := schema.NewKeys(cfg.Namespace)

	adm := admission.New(s, keys, cfg.Constants, admission.WithLogger(logger))
	jobs := jobmanager.New(s, keys, cfg.Constants, jobmanager.WithLogger(logger))

	prov := provider.New(provider.Config{
		BaseURL:  cfg.ProviderBaseURL,
		APIToken: cfg.ProviderAPIToken,
		AppName:  cfg.ProviderAppName,
		Region:   cfg.ProviderRegion,
	}, cfg.Constants.BackoffBaseMs, cfg.Constants.BackoffMaxMs, provider.WithLogger(logger))
	machines := machinepool.New(s, keys, prov, machinepool.WithLogger(logger))

	objects, err := objectstore.New(objectstore.Config{
		AccountID:       cfg.ObjectStoreAccountID,
		AccessKeyID:     cfg.ObjectStoreAccessKeyID,
		SecretAccessKey: cfg.ObjectStoreSecretAccessKey,
		Endpoint:        cfg.ObjectStoreEndpoint,
		Region:          cfg.ProviderRegion,
		ForcePathStyle:  true,
	})
	if err != nil {
		logger.Error("objectstore.new", logging.ErrAttr(err))
		os.Exit(1)
	}

	spawn := spawner.New(machines, adm, prov, cfg.Constants, spawner.WithLogger(logger))
	spawnCfg := spawner.Config{
		Image:           cfg.ProviderImage,
		Region:          cfg.ProviderRegion,
		StateStoreURL:   cfg.StateStoreURL,
		StateStoreToken: cfg.StateStoreToken,
		WebhookBaseURL:  cfg.WebhookBaseURL,
		DevMode:         cfg.DevMode(),
	}

	srv := httpapi.New(jobs, adm, spawn, spawnCfg, objects, s, keys, cfg.ObjectStoreInputBucket, cfg.PresignedURLExpiry(), httpapi.WithLogger(logger))

	reg := prometheus.NewRegistry()
	metricsReg := metrics.New(reg)
	go pollMetrics(metricsReg, jobs, adm, logger)

	mux := http.NewServeMux()
	mux.Handle("/", srv)
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	addr := os.Getenv("LISTEN_ADDR")
	if addr == "" {
		addr = ":8080"
	}
	httpSrv := &http.Server{Addr: addr, Handler: mux}

	go func() {
		logger.Info("apiserver.listening")
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("apiserver.listen_failed", logging.ErrAttr(err))
			os.Exit(1)
		}
	}()

	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	<-c

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(ctx); err != nil {
		logger.Error("apiserver.shutdown_failed", logging.ErrAttr(err))
	}
}

// pollMetrics keeps the pending-jobs and active-machines gauges fresh so
// /metrics reflects the same counters /stats reports, without either
// surface blocking on the other.
func pollMetrics(m *metrics.Registry, jobs *jobmanager.Manager, adm *admission.Controller, logger logging.StructuredLogger) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	ctx := context.Background()
	for range ticker.C {
		pending, err := jobs.GetPendingCount(ctx)
		if err != nil {
			logger.Warn("metrics.poll_pending_failed", logging.ErrAttr(err))
		} else {
			m.SetPendingJobs(pending)
		}

		stats, err := adm.GetAdmissionStats(ctx)
		if err != nil {
			logger.Warn("metrics.poll_machines_failed", logging.ErrAttr(err))
		} else {
			m.SetActiveMachines(stats.ActiveMachines)
		}
	}
}
