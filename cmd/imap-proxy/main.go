package main

import (
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"

	"ro-imap-proxy/internal/config"
	"ro-imap-proxy/internal/proxy"
)

// version is overridable at build time via -ldflags "-X main.version=...".
var version = "dev"

func main() {
	configPath := flag.String("config", "config.toml", "path to config file")
	host := flag.String("host", "", "override the listen host from the config file")
	port := flag.String("port", "", "override the listen port from the config file")
	showVersion := flag.Bool("version", false, "print the version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println("imap-proxy " + version)
		return
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("failed to load config", "err", err)
		os.Exit(1)
	}

	if *host != "" || *port != "" {
		cfg.Server.Listen = overrideListen(cfg.Server.Listen, *host, *port)
	}

	logger.Info("starting imap-proxy", "listen", cfg.Server.Listen, "accounts", len(cfg.Accounts))

	srv := proxy.NewServer(cfg, logger)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("received signal, shutting down", "signal", sig)
		srv.Close()
	}()

	if err := srv.ListenAndServe(); err != nil {
		logger.Error("server error", "err", err)
		os.Exit(1)
	}
}

// overrideListen rewrites listen's host and/or port with whichever of host,
// port is non-empty, keeping the other half of listen unchanged.
func overrideListen(listen, host, port string) string {
	h, p, err := net.SplitHostPort(listen)
	if err != nil {
		h, p = listen, ""
	}
	if host != "" {
		h = host
	}
	if port != "" {
		p = port
	}
	return net.JoinHostPort(h, p)
}
