package db

import "time"

// Advisory lock IDs for background jobs. Each job takes its own lock so a
// second instance skips the run instead of doing duplicate work.
const (
	LockIDTreeUpdate  int64 = 2001
	LockIDCanaryGuard int64 = 2002
	LockIDFreshIngest int64 = 2003
)

// Database connection constants
const (
	// ConnectionRetrySleep is the sleep duration between connection retries
	ConnectionRetrySleep = 2 * time.Second
	// maxConnectionRetries is the number of retries for initial connection
	maxConnectionRetries = 10
)

// Database pool default constants
const (
	defaultMaxConns          int32         = 25
	defaultMinConns          int32         = 5
	defaultMaxConnIdleTime   time.Duration = 30 * time.Minute
	defaultMaxConnLifetime   time.Duration = time.Hour
	defaultHealthCheckPeriod time.Duration = time.Minute
)
