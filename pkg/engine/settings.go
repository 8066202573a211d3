package engine

import "time"

// Settings configures an Instance at Open, mirroring spec.md §4.A's
// enumerated engine settings.
type Settings struct {
	MaxInstances    int
	MaxSessions     int
	MaxOpenTables   int
	MaxCursors      int
	MaxVersionPages int

	LogFileSizeKB int
	LogBuffersKB  int
	CacheMinPages int
	CacheMaxPages int
	PageSizeKB    int
	CircularLog   bool

	CompactionThresholdMB int
	AutoCompaction        bool
	BackgroundMaintenance bool

	// MaxAsyncCommitDelay bounds how long a lazily committed
	// transaction may wait before its completion is signaled to the
	// caller; see commitbatcher.go.
	MaxAsyncCommitDelay time.Duration

	ScanThrottle    bool
	ScanIntervalMin time.Duration
	ScanIntervalMax time.Duration

	AssertOnFatalError bool

	// Session pool tuning (§4.A "Session pool").
	PoolMinSize         int
	PoolAdjustmentSize  int
	PoolEvictionPeriod  time.Duration
}

// DefaultSettings returns conservative defaults suitable for a single
// embedded instance.
func DefaultSettings() Settings {
	return Settings{
		MaxInstances:          1,
		MaxSessions:           128,
		MaxOpenTables:         16,
		MaxCursors:            64,
		MaxVersionPages:       4096,
		LogFileSizeKB:         1024,
		LogBuffersKB:          256,
		CacheMinPages:         512,
		CacheMaxPages:         4096,
		PageSizeKB:            8,
		CircularLog:           true,
		CompactionThresholdMB: 512,
		AutoCompaction:        true,
		BackgroundMaintenance: true,
		MaxAsyncCommitDelay:   100 * time.Millisecond,
		ScanThrottle:          false,
		ScanIntervalMin:       time.Minute,
		ScanIntervalMax:       10 * time.Minute,
		AssertOnFatalError:    true,
		PoolMinSize:           4,
		PoolAdjustmentSize:    4,
		PoolEvictionPeriod:    5 * time.Minute,
	}
}
