package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/krakendeploy-com/kraken-agent/internal/agent"
	"github.com/krakendeploy-com/kraken-agent/internal/config"
	"github.com/krakendeploy-com/kraken-agent/internal/version"
)

func main() {
	overlay := ""
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "help", "-h", "--help":
			usage()
			return
		case "version", "--version":
			fmt.Println(version.Current())
			return
		default:
			overlay = os.Args[1]
		}
	}

	settings, err := config.Load(".", overlay)
	if err != nil {
		fmt.Fprintf(os.Stderr, "kraken-agent: %v\n", err)
		os.Exit(1)
	}

	logger, err := buildLogger(settings.Log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "kraken-agent: build logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := agent.New(settings, logger).Run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "kraken-agent: %v\n", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, `kraken-agent - Kraken deployment agent

Usage:
  kraken-agent [environment]

The optional environment argument layers agentsettings.<environment>.json
over agentsettings.json in the working directory.

Commands:
  version     Print the agent version
  help        Show this help
`)
}
