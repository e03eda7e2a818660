// Command reaper runs the periodic sweep of spec.md §4.6: stop idle
// machines and recover jobs stuck in uploading. It self-schedules a
// once-a-minute tick via robfig/cron's cron.New()/AddFunc, the same
// library the teacher's worker_pool.go uses for PeriodicallyEnqueue,
// and also supports a one-shot `--once` mode for deployments that prefer
// an external scheduler to trigger the sweep directly.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/v0id-user/rwos/internal/admission"
	"github.com/v0id-user/rwos/internal/config"
	"github.com/v0id-user/rwos/internal/jobmanager"
	"github.com/v0id-user/rwos/internal/logging"
	"github.com/v0id-user/rwos/internal/machinepool"
	"github.com/v0id-user/rwos/internal/objectstore"
	"github.com/v0id-user/rwos/internal/provider"
	"github.com/v0id-user/rwos/internal/reaper"
	"github.com/v0id-user/rwos/internal/schema"
	"github.com/v0id-user/rwos/internal/spawner"
	"github.com/v0id-user/rwos/internal/store"
)

func main() {
	once := flag.Bool("once", false, "run a single sweep and exit, instead of self-scheduling")
	cronSpec := flag.String("cron", "@every 1m", "cron spec for the self-scheduled sweep")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	logger := logging.New(cfg.LogLevel)

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
		logger.Error("reaper.objectstore_new_failed", logging.ErrAttr(err))
		os.Exit(1)
	}

	adm := admission.New(s, keys, cfg.Constants, admission.WithLogger(logger))
	spawn := spawner.New(machines, adm, prov, cfg.Constants, spawner.WithLogger(logger))
	spawnCfg := spawner.Config{
		Image:           cfg.ProviderImage,
		Region:          cfg.ProviderRegion,
		StateStoreURL:   cfg.StateStoreURL,
		StateStoreToken: cfg.StateStoreToken,
		WebhookBaseURL:  cfg.WebhookBaseURL,
		DevMode:         cfg.DevMode(),
	}

	r := reaper.New(s, keys, cfg.Constants, machines, jobs, objects, objects, cfg.ObjectStoreInputBucket,
		reaper.WithLogger(logger),
		reaper.WithDevMode(cfg.DevMode()),
		reaper.WithSpawner(spawn, spawnCfg),
	)

	runSweep := func() {
		if err := r.Run(context.Background()); err != nil {
			logger.Error("reaper.sweep_failed", logging.ErrAttr(err))
		}
	}

	if *once {
		runSweep()
		return
	}

	c := cron.New()
	if _, err := c.AddFunc(*cronSpec, runSweep); err != nil {
		logger.Error("reaper.bad_cron_spec", logging.ErrAttr(err))
		os.Exit(1)
	}
	c.Start()
	logger.Info("reaper.scheduled")

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig

	<-c.Stop().Done()
	logger.Info("reaper.stopped")
}
