package main

import (
	"context"
	"log/slog"
	"time"

	"pastepoint/internal/chatserver"
)

// RunMetrics logs coordinator stats every interval until ctx is canceled.
// An interval with no sessions and no clients is not logged.
func RunMetrics(ctx context.Context, chat *chatserver.ChatServer, log *slog.Logger, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sessions, clients := chat.Stats(ctx)
			if sessions > 0 || clients > 0 {
				log.Info("metrics", "sessions", sessions, "clients", clients)
			}
		}
	}
}
