package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"

	"github.com/jadolg/temprepo"
)

func main() {
	configPath := flag.String("config", "", "Path to a YAML configuration file")
	port := flag.Int("port", 0, "Port to listen on, overrides the configuration")
	flag.Parse()

	config := temprepo.DefaultConfig()
	if *configPath != "" {
		loaded, err := temprepo.LoadConfig(*configPath)
		if err != nil {
			log.Fatalf("Failed to load configuration: %v", err)
		}
		config = loaded
	}
	if *port != 0 {
		config.Port = *port
		if err := config.Validate(); err != nil {
			log.Fatal(err)
		}
	}

	logger := config.NewLogger()
	logger.SetFormatter(&log.TextFormatter{FullTimestamp: true})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := NewServer(config, logger).Run(ctx); err != nil {
		logger.Fatal(err)
	}
}
