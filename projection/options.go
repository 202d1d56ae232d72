package projection

import "github.com/foldrun/projector-go/projection/emit"

// Option configures a CoreProjection at construction time. Following
// the functional-options pattern, each Option mutates a shared config
// struct rather than requiring a long constructor argument list.
type Option func(*config) error

// PartitionResolver derives the partition key a given event belongs to.
// The default resolver returns "" for every event (a single, global,
// non-partitioned projection).
type PartitionResolver func(EventEnvelope) (string, error)

type config struct {
	checkpointUnhandledBytesThreshold int
	maxWriteBatchLength               int
	pendingEventsThreshold            int
	stopOnEof                         bool
	startOnLoad                       bool
	emitPartitionState                bool
	metrics                           *PrometheusMetrics
	emitter                           emit.Emitter
	naming                            NamingBuilder
	retry                             RetryPolicy
	partitionResolver                 PartitionResolver
}

func defaultConfig() config {
	return config{
		checkpointUnhandledBytesThreshold: 4096,
		maxWriteBatchLength:               500,
		pendingEventsThreshold:            1000,
		startOnLoad:                       true,
		naming:                            DefaultNamingBuilder{},
		retry:                             DefaultRetryPolicy(),
		emitter:                           emit.NewNullEmitter(),
		partitionResolver:                 func(EventEnvelope) (string, error) { return "", nil },
	}
}

// WithCheckpointUnhandledBytesThreshold sets the number of bytes of
// filtered-out (unhandled) event payload a Subscription accumulates
// before suggesting a checkpoint, so a projection that discards most
// of the stream still advances its checkpoint. Default 4096.
func WithCheckpointUnhandledBytesThreshold(n int) Option {
	return func(c *config) error {
		c.checkpointUnhandledBytesThreshold = n
		return nil
	}
}

// WithMaxWriteBatchLength caps how many pending emits an EmittedStream
// appends in a single WriteEvents call. Default 500.
func WithMaxWriteBatchLength(n int) Option {
	return func(c *config) error {
		c.maxWriteBatchLength = n
		return nil
	}
}

// WithPendingEventsThreshold sets the StagedQueue depth above which
// CoreProjection stops reading from the Subscription's message channel
// until the backlog drains. Since event and write-output processing is
// otherwise synchronous, this threshold protects against a future
// asynchronous stage backing up rather than anything observable today.
// Default 1000.
func WithPendingEventsThreshold(n int) Option {
	return func(c *config) error {
		c.pendingEventsThreshold = n
		return nil
	}
}

// WithStopOnEof makes the projection transition to Stopped once its
// Subscription reaches the end of the source with no further live
// events, instead of continuing to wait. Used by one-shot replays.
func WithStopOnEof(stop bool) Option {
	return func(c *config) error {
		c.stopOnEof = stop
		return nil
	}
}

// WithStartOnLoad controls whether Start immediately subscribes after
// loading the checkpoint (true, the default) or moves the projection
// to Stopped without subscribing (false).
func WithStartOnLoad(start bool) Option {
	return func(c *config) error {
		c.startOnLoad = start
		return nil
	}
}

// WithMetrics wires a PrometheusMetrics collector into the projection.
// Pass nil (or omit the option) to run without metrics.
func WithMetrics(m *PrometheusMetrics) Option {
	return func(c *config) error {
		c.metrics = m
		return nil
	}
}

// WithEmitter overrides the default no-op observability sink, for
// example to fan events into structured logs or OpenTelemetry spans.
func WithEmitter(e emit.Emitter) Option {
	return func(c *config) error {
		c.emitter = e
		return nil
	}
}

// WithPartitionResolver overrides the default resolver (every event
// maps to the root partition ""), enabling a partitioned projection.
func WithPartitionResolver(r PartitionResolver) Option {
	return func(c *config) error {
		c.partitionResolver = r
		return nil
	}
}

// WithNamingBuilder overrides the default `$projections-<name>-*`
// stream naming scheme.
func WithNamingBuilder(n NamingBuilder) Option {
	return func(c *config) error {
		c.naming = n
		return nil
	}
}

// WithEmitPartitionState enables PartitionedCheckpointManager writing
// each touched partition's state to its own state stream alongside the
// root checkpoint. Has no effect on a non-partitioned projection.
func WithEmitPartitionState(enabled bool) Option {
	return func(c *config) error {
		c.emitPartitionState = enabled
		return nil
	}
}

// WithRetryPolicy overrides the exponential-backoff parameters used for
// retrying transient store-write outcomes.
func WithRetryPolicy(p RetryPolicy) Option {
	return func(c *config) error {
		if p.BaseDelay <= 0 || p.MaxDelay <= 0 {
			return faultf(ZeroTag, "invalid_option", "retry policy requires positive BaseDelay and MaxDelay")
		}
		c.retry = p
		return nil
	}
}
