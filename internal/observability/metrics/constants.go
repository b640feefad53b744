// Package metrics provides constants used across metric definitions.
package metrics

import "time"

// Label values shared by several collectors.
const (
	// CacheHit and CacheMiss label codec path cache lookups.
	CacheHit  = "hit"
	CacheMiss = "miss"

	// FailureConnect marks an input that could not be opened.
	FailureConnect = "connect"
	// FailureTranscode marks an input whose conversion pipeline could not be realized.
	FailureTranscode = "transcode"
	// FailureRead marks an input whose stream failed mid-read and was ended.
	FailureRead = "read"

	// DropQueueFull marks a tick frame discarded because the output queue was full.
	DropQueueFull = "queue_full"
)

// ShutdownTimeout bounds how long the metrics HTTP server may take to stop.
const ShutdownTimeout = 5 * time.Second
