// Package main implements the TUIC client binary: it dials lazily on first
// use and exposes a local SOCKS5 front end for applications to connect
// through.
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/buhuipao/tuic/pkg/config"
	"github.com/buhuipao/tuic/pkg/logger"
	"github.com/buhuipao/tuic/pkg/socks5front"
	"github.com/buhuipao/tuic/pkg/tuicclient"
)

var version = "dev"

func main() {
	configFile := flag.String("config", "configs/client.yaml", "Path to the configuration file")
	flag.StringVar(configFile, "c", "configs/client.yaml", "Path to the configuration file (shorthand)")
	showVersion := flag.Bool("version", false, "Print version and exit")
	flag.BoolVar(showVersion, "v", false, "Print version and exit (shorthand)")
	flag.Parse()

	if *showVersion {
		fmt.Println("tuic-client", version)
		return
	}

	cfg, err := config.LoadConfig(*configFile)
	if err != nil {
		logger.Error("Failed to load configuration", "err", err)
		os.Exit(1)
	}

	logger.Init(&cfg.Log)

	tuicClient, err := tuicclient.New(&cfg.Client)
	if err != nil {
		logger.Error("Failed to create client", "err", err)
		os.Exit(1)
	}

	front := socks5front.New(&cfg.Client, tuicClient)
	if err := front.Start(); err != nil {
		logger.Error("Failed to start socks5 front end", "err", err)
		os.Exit(1)
	}
	logger.Info("tuic-client started", "local_addr", cfg.Client.Local, "server", cfg.Client.Server)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	logger.Info("Shutting down...")

	if err := front.Stop(); err != nil {
		logger.Error("Error shutting down socks5 front end", "err", err)
	}
	if err := tuicClient.Close(); err != nil {
		logger.Error("Error closing client", "err", err)
	}
	logger.Info("tuic-client stopped")
}
