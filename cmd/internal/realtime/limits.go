package realtime

import "time"

// Security/performance limits.
const (
	// Max bytes per websocket frame read (hard limit). Heartbeats are tiny;
	// subscribe lists are the largest legitimate frames.
	maxFrameBytes = 64 << 10 // 64 KiB

	// Max user ids accepted in one subscribe frame.
	maxSubscribeIDs = 500
)

const (
	// Connection health defaults (overridable through GatewayConfig).
	pingInterval = 30 * time.Second
	connTimeout  = 60 * time.Second
	pingTimeout  = 5 * time.Second

	// Per-connection rate limits (events per window).
	rateLimitEvents = 120
	rateLimitWindow = 10 * time.Second
)
