// Command bookkeeperd runs the per-node cache coordination daemon.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bookkeeperd/bookkeeperd/internal/bookkeeper"
	"github.com/bookkeeperd/bookkeeperd/internal/config"
	"github.com/bookkeeperd/bookkeeperd/internal/fetch"
	"github.com/bookkeeperd/bookkeeperd/internal/metrics"
	"github.com/bookkeeperd/bookkeeperd/pkg/api"
	"github.com/bookkeeperd/bookkeeperd/pkg/logging"
)

func main() {
	var (
		configPath = flag.String("config", "", "path to YAML configuration file")
		listen     = flag.String("listen", "", "listen address, overrides configuration")
		remoteBase = flag.String("remote", "", "base URL of the remote object store")
	)
	flag.Parse()

	if err := run(*configPath, *listen, *remoteBase); err != nil {
		fmt.Fprintf(os.Stderr, "bookkeeperd: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath, listen, remoteBase string) error {
	cfg := config.NewDefault()
	if configPath != "" {
		if err := cfg.LoadFromFile(configPath); err != nil {
			return fmt.Errorf("load configuration: %w", err)
		}
	}
	cfg.LoadFromEnv()
	if listen != "" {
		cfg.Server.ListenAddress = listen
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	log := logging.New(&logging.Config{
		Level:  logging.ParseLevel(cfg.Logging.Level),
		Format: logging.ParseFormat(cfg.Logging.Format),
		Output: os.Stderr,
	})

	collector := metrics.NewCollector(metrics.Config{Namespace: cfg.Metrics.Namespace})
	fetcher := fetch.NewHTTPFetcher(remoteBase, &http.Client{
		Transport: &http.Transport{MaxIdleConnsPerHost: 16},
	})
	svc := bookkeeper.NewService(cfg, fetcher, log, collector)

	if err := svc.Start(context.Background()); err != nil {
		return err
	}

	server := api.NewServer(cfg, svc, log)
	serveErr := make(chan error, 1)
	go func() {
		serveErr <- server.ListenAndServe()
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-stop:
		log.Info("shutting down", logging.F("signal", sig.String()))
	case err := <-serveErr:
		if err != nil {
			svc.Stop()
			return fmt.Errorf("http server: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn("http shutdown incomplete", logging.Err(err))
	}
	return svc.Stop()
}
