package client

import "time"

// defaultRetryInterval is the fixed sleep spec.md §4.7 recommends
// between a stale-routing retry and a refreshed one: long enough for a
// migration to complete locally without hammering the coordinator.
const defaultRetryInterval = 1000 * time.Millisecond

// Options configures one Cluster's retry and availability-reporting
// behavior, named and shaped after the teacher client library's
// ClientOptions/RetryPolicy split even though this cluster's retry
// loop is the coordinator-driven state machine from spec.md §4.7, not
// a generic gRPC backoff policy.
type Options struct {
	// DialTimeout bounds the initial coordinator connection.
	DialTimeout time.Duration
	// RetryInterval is the fixed sleep between an INVALID_ARGUMENT (or
	// "ping the stalled node") retry and resending the operation.
	RetryInterval time.Duration
	// WaitOnUnhealthy, when true, blocks on WaitUntilHealthy instead of
	// returning the original UNAVAILABLE status once the cluster is
	// observed unhealthy.
	WaitOnUnhealthy bool
	// InformOnUnavailable, when true, calls SetAvailable(id, false) on
	// the coordinator the first time this client notices a node has
	// crashed but the coordinator hasn't marked it unavailable yet.
	InformOnUnavailable bool
}

// DefaultOptions returns spec.md §4.7's recommended defaults: a
// 1-second retry interval, blocking on an unhealthy cluster, and no
// unsolicited availability reports.
func DefaultOptions() Options {
	return Options{
		DialTimeout:         5 * time.Second,
		RetryInterval:       defaultRetryInterval,
		WaitOnUnhealthy:     true,
		InformOnUnavailable: false,
	}
}

// fillDurations fills in any zero-valued duration field from
// DefaultOptions, leaving WaitOnUnhealthy/InformOnUnavailable exactly
// as the caller set them (New expects callers who want the
// recommended defaults to start from DefaultOptions() rather than a
// bare Options{}).
func fillDurations(opts Options) Options {
	if opts.DialTimeout == 0 {
		opts.DialTimeout = DefaultOptions().DialTimeout
	}
	if opts.RetryInterval == 0 {
		opts.RetryInterval = defaultRetryInterval
	}
	return opts
}
