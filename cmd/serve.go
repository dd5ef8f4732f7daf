package cmd

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/catalystcommunity/trainforge/orchestrator/internal/config"
	"github.com/catalystcommunity/trainforge/orchestrator/internal/handlers"
	"github.com/catalystcommunity/trainforge/orchestrator/internal/objects"
	"github.com/catalystcommunity/trainforge/orchestrator/internal/obslog"
	"github.com/catalystcommunity/trainforge/orchestrator/internal/resources"
	"github.com/catalystcommunity/trainforge/orchestrator/internal/scheduler"
	"github.com/catalystcommunity/trainforge/orchestrator/internal/store"
)

// ServeCommand runs the Control Plane API: the HTTP surface for job
// submission, worker registration, and log retrieval, backed by the
// in-memory store, Resource Manager, and Job Scheduler.
var ServeCommand = &cli.Command{
	Name:  "serve",
	Usage: "Run the Control Plane API server",
	Flags: []cli.Flag{
		&cli.IntFlag{
			Name:        "port",
			Aliases:     []string{"p"},
			Usage:       "Port to expose the Control Plane API on",
			EnvVars:     []string{"PORT"},
			Value:       config.Port,
			Destination: &config.Port,
		},
	},
	Action: func(ctx *cli.Context) error {
		return Serve(ctx)
	},
}

// Serve wires the Resource Manager, Job Scheduler, object store, and HTTP
// router together and runs until an OS signal requests shutdown.
func Serve(cliCtx *cli.Context) error {
	rm := resources.NewManager()

	objStore, err := objects.NewObjectStore(objects.ObjectStoreConfig{
		Type: config.ObjectStoreType,
		Config: map[string]string{
			"base_path": config.ObjectStoreBasePath,
			"bucket":    config.ObjectStoreBucket,
			"prefix":    config.ObjectStorePrefix,
		},
	})
	if err != nil {
		return fmt.Errorf("failed to initialize object store: %w", err)
	}

	st := store.NewMemoryStore()
	sched := scheduler.New(st, rm, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rm.Start(ctx)
	defer rm.Stop()
	go sched.Run(ctx)
	defer sched.Stop()

	router := handlers.NewRouter(st, sched, rm, objStore)
	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", config.Port),
		Handler: router,
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	errCh := make(chan error, 1)
	go func() {
		obslog.Log.WithField("port", config.Port).Info("control plane API listening")
		errCh <- server.ListenAndServe()
	}()

	select {
	case sig := <-sigCh:
		obslog.Log.WithField("signal", sig).Info("shutting down control plane API")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer shutdownCancel()
		return server.Shutdown(shutdownCtx)
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	}
}
