package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/fleetdeck/fleetdeck/internal/buildinfo"
	"github.com/fleetdeck/fleetdeck/internal/config"
	"github.com/fleetdeck/fleetdeck/internal/daemon"
)

func main() {
	var showVersion bool
	var configPath string

	flag.BoolVar(&showVersion, "version", false, "print version and exit")
	flag.StringVar(&configPath, "config", "", "path to config file")
	flag.Parse()

	if showVersion {
		fmt.Println(buildinfo.String())
		return
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		// A missing config file means run on defaults. Anything else is fatal.
		if configPath != "" || !errors.Is(err, os.ErrNotExist) {
			log.Fatalf("load config: %v", err)
		}
		cfg = config.DefaultConfig()
	}

	if warning, err := config.CheckConfigPermissions(cfg.ConfigPath); err == nil && warning != "" {
		log.Print(warning)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := daemon.Run(ctx, cfg); err != nil {
		log.Fatalf("fleetdeckd: %v", err)
	}
}
