package main

import "time"

// Operational defaults used by main.go. Only defaultCertValidity is exposed
// as a flag (-cert-validity); none of these values come from
// internal/config.Config.
const (
	// defaultCertValidity is the self-signed fallback certificate's
	// validity window when no TLS file paths are configured.
	defaultCertValidity = 24 * time.Hour

	// defaultIdleTimeout is a connection idle timeout value. The HTTP
	// server built by internal/httpapi does not read it and sets no
	// IdleTimeout of its own.
	defaultIdleTimeout = 30 * time.Second

	// chatCleanupInterval is how often ChatServer sweeps for rooms/sessions
	// left empty by sinks that were evicted without a clean Leave.
	chatCleanupInterval = time.Hour

	// sessionExpiration is SESSION_EXPIRATION_TIME.
	sessionExpiration = 60 * time.Second
)
