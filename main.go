package main

import (
	"context"
	"flag"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"time"

	"github.com/google/uuid"

	"pastepoint/internal/chatserver"
	"pastepoint/internal/config"
	"pastepoint/internal/httpapi"
	"pastepoint/internal/session"
)

func main() {
	configDir := flag.String("config-dir", ".", "directory containing the config/<env>.yaml tree")
	certValidity := flag.Duration("cert-validity", defaultCertValidity, "self-signed TLS certificate validity when no TLS file paths are configured")
	flag.Parse()

	cfg, err := config.Load(*configDir)
	if err != nil {
		slog.Error("load config", "error", err)
		os.Exit(1)
	}

	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: parseLogLevel(cfg.LogLevel),
	}))
	slog.SetDefault(log)

	tlsHostname := ""
	if host, _, err := net.SplitHostPort(cfg.BindAddress); err == nil && host != "" {
		tlsHostname = host
	}
	tlsConfig, fingerprint, err := loadTLSConfig(cfg, *certValidity, tlsHostname)
	if err != nil {
		log.Error("load tls config", "error", err)
		os.Exit(1)
	}
	log.Info("tls certificate loaded", "fingerprint", fingerprint)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	chat := chatserver.New(chatCleanupInterval, log)
	go chat.Run(ctx)

	store := session.New(sessionExpiration, func(id uuid.UUID) {
		chat.CleanupSession(context.Background(), id)
	}, log)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt)
	go func() {
		<-sigCh
		log.Info("shutting down")
		cancel()
	}()

	go RunMetrics(ctx, chat, log, 30*time.Second)

	api := httpapi.New(cfg, store, chat, log)
	api.SetTLSConfig(tlsConfig)

	log.Info("listening", "addr", cfg.BindAddress)
	if err := api.Run(ctx); err != nil {
		log.Error("server error", "error", err)
		os.Exit(1)
	}
}

func parseLogLevel(level string) slog.Level {
	var l slog.Level
	if err := l.UnmarshalText([]byte(level)); err != nil {
		return slog.LevelDebug
	}
	return l
}
