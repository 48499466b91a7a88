// internal/util/common.go
package util

import "time"

// Common timeout durations shared across the server, transport, and
// diag packages.
const (
	DefaultConnectTimeout   = 3 * time.Second
	DefaultHandshakeTimeout = 5 * time.Second
	ShortTimeout            = 2 * time.Second
)
