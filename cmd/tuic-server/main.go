// Package main implements the TUIC server binary.
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/buhuipao/tuic/pkg/config"
	"github.com/buhuipao/tuic/pkg/logger"
	"github.com/buhuipao/tuic/pkg/tuicserver"
)

var version = "dev"

func main() {
	configFile := flag.String("config", "configs/server.yaml", "Path to the configuration file")
	flag.StringVar(configFile, "c", "configs/server.yaml", "Path to the configuration file (shorthand)")
	showVersion := flag.Bool("version", false, "Print version and exit")
	flag.BoolVar(showVersion, "v", false, "Print version and exit (shorthand)")
	flag.Parse()

	if *showVersion {
		fmt.Println("tuic-server", version)
		return
	}

	cfg, err := config.LoadConfig(*configFile)
	if err != nil {
		logger.Error("Failed to load configuration", "err", err)
		os.Exit(1)
	}

	logger.Init(&cfg.Log)

	tlsConfig, err := tuicserver.LoadTLSConfig(&cfg.Server)
	if err != nil {
		logger.Error("Failed to load TLS certificate", "err", err)
		os.Exit(1)
	}

	srv, err := tuicserver.New(&cfg.Server)
	if err != nil {
		logger.Error("Failed to create server", "err", err)
		os.Exit(1)
	}

	if err := srv.Start(tlsConfig); err != nil {
		logger.Error("Failed to start server", "err", err)
		os.Exit(1)
	}
	logger.Info("tuic-server started", "listen_addr", cfg.Server.Listen)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	logger.Info("Shutting down...")

	if err := srv.Stop(); err != nil {
		logger.Error("Error shutting down server", "err", err)
	}
	logger.Info("tuic-server stopped")
}
