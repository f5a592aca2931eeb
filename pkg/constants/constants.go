// Package constants defines the default timeouts, limits, and backoff
// schedule shared across the agent's components.
package constants

import "time"

// Connection timeouts and limits
const (
	DefaultIdleTimeout    = 90 * time.Second
	DefaultConnTimeout    = 10 * time.Second
	DefaultReadTimeout    = 30 * time.Second
	DefaultPingInterval   = 15 * time.Second
	MaxConnectionIdleTime = 5 * time.Minute
	HealthCheckInterval   = 30 * time.Second
	CleanupInterval       = 30 * time.Second
)

// HTTP/2 limits
const (
	MaxTotalStreams       = 10000
	SettingsAckTimeout    = 10 * time.Second
	DefaultHpackTableSize = 4096
)

// HTTP limits
const (
	MaxContentLength = 1024 * 1024 * 1024 * 1024 // 1TB
)

// Buffer limits
const (
	DefaultBodyMemLimit = 4 * 1024 * 1024   // 4MB before spilling to disk
	MaxRawBufferSize    = 100 * 1024 * 1024 // 100MB cap for raw buffer
)

// Agent defaults
const (
	DefaultRedirectCap   = 10
	DefaultRetryCap      = 2
	DefaultPoolMaxPerKey = 16
	DefaultPoolMaxTotal  = 256
)

// DefaultBackoffSchedule is the retry loop's default backoff sequence:
// 125ms, 250ms, 500ms, 1000ms. A retry attempt beyond the schedule's
// length reuses the final entry.
func DefaultBackoffSchedule() []time.Duration {
	return []time.Duration{
		125 * time.Millisecond,
		250 * time.Millisecond,
		500 * time.Millisecond,
		1000 * time.Millisecond,
	}
}
