package raids

import (
	"time"

	"go.uber.org/zap"
)

// Default protocol timings.
const (
	DefaultHeartbeatInterval     = 5 * time.Second
	DefaultInitialHeartbeatDelay = 3 * time.Second
	DefaultHeartbeatTimeout      = 20 * time.Second
	DefaultDiscoveryTimeout      = 5000 * time.Millisecond
	DefaultTransferTimeout       = 30000 * time.Millisecond
	DefaultStoreTimeout          = 10 * time.Second
)

type options struct {
	Log *zap.Logger

	Replicas         int
	DiscoveryRetries int
	Capacity         int64
	CacheSize        int

	HeartbeatInterval     time.Duration
	InitialHeartbeatDelay time.Duration
	HeartbeatTimeout      time.Duration
	DiscoveryTimeout      time.Duration
	TransferTimeout       time.Duration
	StoreTimeout          time.Duration
}

// An Option configures a Node.
type Option func(*options)

// WithLog sets the logger.
func WithLog(l *zap.Logger) Option {
	return func(o *options) {
		o.Log = l
	}
}

// WithReplicas sets the number of peers in each chunk's ring.
func WithReplicas(n int) Option {
	return func(o *options) {
		o.Replicas = n
	}
}

// WithDiscoveryRetries sets the number of times placement discovery is
// retried before an upload fails.
func WithDiscoveryRetries(n int) Option {
	return func(o *options) {
		o.DiscoveryRetries = n
	}
}

// WithCapacity limits the number of chunk bytes the node accepts. Zero
// means unlimited.
func WithCapacity(bytes int64) Option {
	return func(o *options) {
		o.Capacity = bytes
	}
}

// WithCacheSize sets the number of MasterLists cached for downloads.
func WithCacheSize(size int) Option {
	return func(o *options) {
		o.CacheSize = size
	}
}

// WithHeartbeat sets the heartbeat send interval, the delay before the first
// heartbeat, and the time without a heartbeat after which a predecessor is
// presumed dead.
func WithHeartbeat(interval, initialDelay, timeout time.Duration) Option {
	return func(o *options) {
		o.HeartbeatInterval = interval
		o.InitialHeartbeatDelay = initialDelay
		o.HeartbeatTimeout = timeout
	}
}

// WithDiscoveryTimeout sets how long a storage request waits for replies.
func WithDiscoveryTimeout(d time.Duration) Option {
	return func(o *options) {
		o.DiscoveryTimeout = d
	}
}

// WithTransferTimeout sets how long a download waits for a ring member to
// start streaming a chunk.
func WithTransferTimeout(d time.Duration) Option {
	return func(o *options) {
		o.TransferTimeout = d
	}
}

// WithStoreTimeout bounds every store lookup and insert.
func WithStoreTimeout(d time.Duration) Option {
	return func(o *options) {
		o.StoreTimeout = d
	}
}
