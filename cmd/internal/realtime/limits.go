package realtime

import "time"

// Connection limits.
const (
	// Max bytes per websocket frame read (hard limit).
	maxFrameBytes = 64 << 10 // 64 KiB

	wsDefaultSendQueueSize = 256
	wsMinSendQueueSize     = 32

	wsDefaultWriteTimeout = 5 * time.Second
	wsDefaultReadIdle     = 2 * time.Minute
	wsDefaultHelloTimeout = 10 * time.Second
	wsCloseGrace          = 1 * time.Second

	wsMaxPingFailures = 3
)

const (
	heartbeatInterval = 25 * time.Second
	heartbeatTimeout  = 5 * time.Second

	// Per-connection inbound frame budget (frames per window).
	rateLimitEvents = 120
	rateLimitWindow = 10 * time.Second
)
