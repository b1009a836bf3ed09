// Package logging provides structured logging for the bridge.
//
// It wraps log/slog so every component logs the same way: JSON for
// production, text for development, and service and version fields on
// every entry.
//
// # Configuration
//
//	logging:
//	  level: "info"      # debug, info, warn, error
//	  format: "json"     # json, text
//	  output: "stdout"   # stdout, stderr
//
// # Usage
//
//	logger := logging.New(cfg.Logging, "1.0.0")
//	syncLog := logger.Component("sync")
//	syncLog.Warn("device read failed", "device_id", id, "error", err)
//
// Never log the vendor access token or the JWT secret.
package logging
