// Command mobedge runs the mobile edge proxy: a reverse proxy that
// fronts a single upstream API with admission control, request
// filtering, response caching and WebSocket relaying.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/vyrodovalexey/mobedge/internal/config"
	"github.com/vyrodovalexey/mobedge/internal/observability"
)

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "", "path to the YAML configuration file")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "mobedge: %v\n", err)
		os.Exit(1)
	}

	logger, err := observability.NewLogger(cfg.Observability.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "mobedge: failed to build logger: %v\n", err)
		os.Exit(1)
	}

	a, err := newApp(cfg, configPath, logger)
	if err != nil {
		logger.Fatal("failed to start", observability.Error(err))
	}

	if err := a.run(); err != nil {
		logger.Fatal("server error", observability.Error(err))
	}
}
