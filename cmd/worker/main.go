// Command worker runs the compute-plane loop of spec.md §4.8: pop a job,
// run it to completion, post a webhook, and repeat until stopped.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/v0id-user/rwos/internal/config"
	"github.com/v0id-user/rwos/internal/jobmanager"
	"github.com/v0id-user/rwos/internal/logging"
	"github.com/v0id-user/rwos/internal/machinepool"
	"github.com/v0id-user/rwos/internal/objectstore"
	"github.com/v0id-user/rwos/internal/provider"
	"github.com/v0id-user/rwos/internal/schema"
	"github.com/v0id-user/rwos/internal/spawner"
	"github.com/v0id-user/rwos/internal/store"
	"github.com/v0id-user/rwos/internal/transcoder"
	"github.com/v0id-user/rwos/internal/webhook"
	"github.com/v0id-user/rwos/internal/workerrt"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	logger := logging.New(cfg.LogLevel)

	machineID := os.Getenv("MACHINE_ID")
	if machineID == "" {
		logger.Error("worker.missing_machine_id")
		os.Exit(1)
	}

	pool := store.NewRedigoPool(cfg.StateStoreURL, 10, 5, 4*time.Minute)
	defer pool.Close()
	s := store.New(pool)
	keys := schema.NewKeys(cfg.Namespace)

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
		logger.Error("worker.objectstore_new_failed", logging.ErrAttr(err))
		os.Exit(1)
	}

	workDir := os.Getenv("WORKER_WORKDIR")
	if workDir == "" {
		workDir = os.TempDir()
	}
	runner := transcoder.New(objects, cfg.ObjectStoreOutputBucket, workDir, cfg.PresignedURLExpiry(), transcoder.WithLogger(logger))

	poster := webhook.New(webhook.WithLogger(logger))

	pollInterval := time.Duration(cfg.Constants.PollIntervalMs) * time.Millisecond
	runtime := workerrt.New(machineID, jobs, machines, runner, poster, pollInterval, workerrt.WithLogger(logger))

	if err := runtime.Start(context.Background()); err != nil {
		logger.Error("worker.start_failed", logging.ErrAttr(err))
		os.Exit(1)
	}
	logger.Info("worker.started")

	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	<-c

	runtime.Stop()
	logger.Info("worker.stopped")
}
