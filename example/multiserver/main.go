// Command multiserver connects to every auto-start server in a config file,
// prints the merged status, and keeps the registry hot-reloading until
// interrupted.
//
// Usage:
//
//	multiserver -config servers.yaml [-debug]
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/arkadyne/agentwire/config"
	"github.com/arkadyne/agentwire/logger"
	"github.com/arkadyne/agentwire/manager"
)

func main() {
	configPath := flag.String("config", "servers.yaml", "path to the server registry")
	debug := flag.Bool("debug", false, "enable debug logging")
	flag.Parse()

	logger.Init(os.Stderr)
	logger.SetDebug(*debug)
	log := logger.WithComponent("multiserver")

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Error("failed to load config", "err", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	m := manager.New(cfg, manager.WithLogger(logger.WithComponent("manager")))
	defer m.Close()

	if err := m.Start(ctx); err != nil {
		log.Warn("some servers failed to start", "err", err)
	}

	for _, s := range m.Status() {
		fmt.Printf("%-16s %-12s initialized=%-5t tools=%d resources=%d prompts=%d\n",
			s.Name, s.State, s.Initialized, s.Tools, s.Resources, s.Prompts)
	}

	go func() {
		err := config.Watch(ctx, *configPath, logger.WithComponent("config"), func(next *config.Config) {
			m.ApplyConfig(ctx, next)
		})
		if err != nil && ctx.Err() == nil {
			log.Warn("config watcher stopped", "err", err)
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")
}
