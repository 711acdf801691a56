// Command swarmflow runs the orchestrator with its HTTP surface.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"

	"github.com/warriorguo/swarmflow"
	"github.com/warriorguo/swarmflow/api"
	"github.com/warriorguo/swarmflow/config"
)

func main() {
	configPath := flag.String("config", "swarmflow.yaml", "configuration file path")
	flag.Parse()

	if err := run(*configPath); err != nil {
		log.Fatalf("swarmflow: %v", err)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	level, err := log.ParseLevel(cfg.LogLevel)
	if err != nil {
		return err
	}
	log.SetLevel(level)

	orch, err := swarmflow.New([]byte(cfg.TokenSecret), cfg.Options()...)
	if err != nil {
		return err
	}
	defer orch.Close(context.Background())

	// Replay the event log and reconcile in-flight tasks before
	// accepting new work.
	if err := orch.Recover(context.Background()); err != nil {
		return err
	}

	apiConfig := api.DefaultConfig()
	apiConfig.Address = cfg.Listen
	server := api.NewServer(orch, apiConfig)

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Listen()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Infof("received %s, shutting down", sig)
	case err := <-errCh:
		return err
	}

	return server.Shutdown()
}
