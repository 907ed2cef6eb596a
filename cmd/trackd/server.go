package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/dcrodman/trackd/internal"
	"github.com/dcrodman/trackd/internal/core"
	"github.com/dcrodman/trackd/internal/core/data"
	"github.com/dcrodman/trackd/internal/core/debug"
	"github.com/dcrodman/trackd/internal/core/metrics"
)

// ServerCommand runs every configured listener until the process is
// interrupted.
func ServerCommand(cmd *cobra.Command, args []string) {
	config, err := core.LoadConfig(ConfigFlag)
	if err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
	fmt.Println("using configuration file:", ConfigFlag)

	// Change to the same directory as the config file so that any relative
	// paths in the config file will resolve.
	if err := os.Chdir(ConfigFlag); err != nil {
		fmt.Println("error changing to config directory:", err)
		os.Exit(1)
	}

	logger, err := core.NewLogger(config)
	if err != nil {
		fmt.Println("error initializing logger:", err)
		os.Exit(1)
	}

	db, err := data.Initialize(config)
	if err != nil {
		logger.Fatalf("error initializing database: %v", err)
	}
	defer func() {
		if err := data.Shutdown(db); err != nil {
			logger.Warnf("error closing database: %v", err)
		}
	}()

	// Bind the Controller to one top-level server context so that we can shut down cleanly.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Register a SIGTERM handler so that Ctrl-C will shut the servers down gracefully.
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	go exitHandler(cancel, c)

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	serverMetrics := metrics.New(registry)
	if config.Metrics.Enabled {
		metrics.Serve(ctx, logger, config.Metrics.Port, registry)
	}

	// Start any debug utilities if we're configured to do so.
	if config.Debugging.PprofEnabled {
		debug.StartPprofServer(ctx, logger, config.Debugging.PprofPort)
	}

	controller, err := internal.Start(ctx, config, internal.Deps{
		Logger:  logger,
		Metrics: serverMetrics,
		Events:  data.EventStore{DB: db},
	})
	if controller == nil {
		logger.Fatalf("error starting server: %v", err)
	}
	if err != nil {
		logger.Errorf("some listeners were not started: %v", err)
	}

	<-controller.Done()
	fmt.Println("shut down")
}

func exitHandler(cancelFn func(), c chan os.Signal) {
	<-c
	fmt.Println("waiting to shut down gracefully...")
	cancelFn()

	// A second signal while the listeners are draining forces the exit.
	<-c
	fmt.Println("hard exiting (killed)")
	os.Exit(1)
}
