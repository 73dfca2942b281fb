package config

import "time"

// Database connection pool settings
const (
	DBMaxOpenConns    = 25
	DBMaxIdleConns    = 5
	DBConnMaxLifetime = 5 * time.Minute
)

// HTTP server timeouts
const (
	ServerRequestTimeout  = 60 * time.Second
	ServerReadTimeout     = 15 * time.Second
	ServerIdleTimeout     = 120 * time.Second
	ServerShutdownTimeout = 30 * time.Second
)

// Database ping timeout for health checks
const DBPingTimeout = 5 * time.Second

// Background job intervals
const CleanupJobInterval = 5 * time.Minute

// Pairing codes
const (
	PairingCodeLength     = 6
	PairingCodeMaxRetries = 5
)

// Tunnel framing
const (
	TunnelWriteWait      = 10 * time.Second
	TunnelMaxMessageSize = 1 << 20
	// HeartbeatCheckDivisor sets how often the monitor samples activity
	// relative to the timeout window.
	HeartbeatCheckDivisor = 4
)
