// Package projection implements the core projection runtime of an
// event-sourced database: the lifecycle state machine, staged work-item
// pipeline, per-partition state cache, emitted-stream writers, and
// checkpoint manager that together run a user-supplied ProjectionHandler
// against a committed-event source with crash-recovery guarantees.
package projection

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/foldrun/projector-go/projection/emit"
	"github.com/foldrun/projector-go/projection/store"
)

// CoreProjection is the lifecycle state machine described in spec §4.1.
// One instance runs a single named projection over one EventStore,
// single-threaded-cooperative: every state mutation happens on the
// goroutine started by Start, never concurrently with itself.
type CoreProjection struct {
	cfg config

	name        string
	es          store.EventStore
	handler     ProjectionHandler
	filter      EventFilter
	tagger      PositionTagger
	partitioned bool

	queue        *StagedQueue
	cache        *PartitionStateCache
	checkpoints  CheckpointManager

	mu sync.Mutex

	state               State
	lastTag             CheckpointTag
	expectedSeq         int64
	restarts            int64
	faultedReason       string
	tagsSinceCheckpoint int64

	emittedStreams map[string]*EmittedStream
	seenPartitions map[string]bool

	cancel context.CancelFunc
	done   chan struct{}
}

// New constructs a CoreProjection named name, over es, folding events
// through handler. filter and tagger determine which events are
// delivered and how they are tagged; partitioned selects the
// PartitionedCheckpointManager variant (per-partition state streaming).
func New(name string, es store.EventStore, handler ProjectionHandler, filter EventFilter, tagger PositionTagger, partitioned bool, opts ...Option) (*CoreProjection, error) {
	cfg := defaultConfig()
	for _, opt := range opts {
		if err := opt(&cfg); err != nil {
			return nil, fmt.Errorf("projection %s: option: %w", name, err)
		}
	}

	p := &CoreProjection{
		cfg:            cfg,
		name:           name,
		es:             es,
		handler:        handler,
		filter:         filter,
		tagger:         tagger,
		partitioned:    partitioned,
		queue:          NewStagedQueue(cfg.pendingEventsThreshold),
		cache:          NewPartitionStateCache(),
		emittedStreams: make(map[string]*EmittedStream),
		seenPartitions: make(map[string]bool),
		state:          Initial,
	}

	if partitioned {
		p.checkpoints = NewPartitionedCheckpointManager(es, p, name, cfg.naming, p, cfg.retry, p.cache, cfg.emitPartitionState)
	} else {
		p.checkpoints = NewDefaultCheckpointManager(es, p, name, cfg.naming, p, cfg.retry)
	}
	return p, nil
}

// emit implements emitSink, fanning CoreProjection and its owned
// components' observability events to the configured emit.Emitter.
func (p *CoreProjection) emit(component, msg string, tag CheckpointTag, meta map[string]interface{}) {
	p.cfg.emitter.Emit(emit.Event{Projection: p.name, Tag: tag.String(), Component: component, Msg: msg, Meta: meta})

	switch msg {
	case "restart_requested":
		p.cfg.metrics.restartRequested()
	case "events_written":
		stream, _ := meta["stream"].(string)
		count, _ := meta["count"].(int)
		p.cfg.metrics.writeFinished(stream, count)
	}
}

// anyEmitPendingBelow implements checkpointGate.
func (p *CoreProjection) anyEmitPendingBelow(tag CheckpointTag) bool {
	p.mu.Lock()
	streams := make([]*EmittedStream, 0, len(p.emittedStreams))
	for _, s := range p.emittedStreams {
		streams = append(streams, s)
	}
	p.mu.Unlock()

	if p.queue.PendingBelow(tag) {
		return true
	}
	for _, s := range streams {
		if s.PendingBelow(tag) {
			return true
		}
	}
	return false
}

// unlockCache implements checkpointGate.
func (p *CoreProjection) unlockCache(tag CheckpointTag) {
	p.cache.Unlock(tag)
}

func (p *CoreProjection) setState(s State) {
	p.mu.Lock()
	from := p.state
	p.state = s
	p.mu.Unlock()
	p.emit("lifecycle", "state_changed", p.lastTag, map[string]interface{}{"from": from.String(), "to": s.String()})
}

// State returns the current lifecycle state.
func (p *CoreProjection) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Start transitions Initial -> LoadStateRequested -> StateLoadedSubscribed
// and, if start_on_load is set, -> Running, launching the run loop. A
// second call on an already-started projection is an invariant
// violation and faults the projection per spec §8 scenario 5.
func (p *CoreProjection) Start(ctx context.Context) error {
	if p.State() != Initial {
		p.fault(ErrAlreadyStarted, "already_started", "Stream is already started")
		return ErrAlreadyStarted
	}

	runCtx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	p.done = make(chan struct{})

	if err := p.loadAndSubscribe(ctx); err != nil {
		cancel()
		return err
	}

	if p.cfg.startOnLoad {
		p.setState(Running)
		go p.runLoop(runCtx)
	} else {
		p.setState(Stopped)
		close(p.done)
	}
	return nil
}

// loadAndSubscribe performs Initial -> LoadStateRequested -> StateLoadedSubscribed.
func (p *CoreProjection) loadAndSubscribe(ctx context.Context) error {
	p.setState(LoadStateRequested)

	tag, state, err := p.checkpoints.BeginLoad(ctx)
	if err != nil {
		p.fault(err, "load_failed", "checkpoint load failed: %v", err)
		return err
	}

	if err := p.handler.Initialize(); err != nil {
		p.fault(err, "handler_exception", "handler Initialize failed: %v", err)
		return err
	}
	if err := p.handler.Load("", state); err != nil {
		p.fault(err, "handler_exception", "handler Load failed: %v", err)
		return err
	}

	p.mu.Lock()
	p.lastTag = tag
	p.expectedSeq = 0
	p.mu.Unlock()
	p.tagsSinceCheckpoint = 0
	p.cache.CacheAndLock("", state, tag, tag)

	p.setState(StateLoadedSubscribed)
	return nil
}

// runLoop is the single cooperative worker for this projection. It owns
// the Subscription, dispatches messages into the StagedQueue, drains
// completed work, and attempts checkpoints. On RestartRequested it tears
// down and re-enters the loadAndSubscribe sequence without returning.
func (p *CoreProjection) runLoop(ctx context.Context) {
	defer close(p.done)

	for {
		sub := NewSubscription(p.es, p.filter, p.tagger, p.lastTag, p.cfg.checkpointUnhandledBytesThreshold, p.cfg.stopOnEof)
		msgs, err := sub.Run(ctx)
		if err != nil {
			p.fault(err, "subscribe_failed", "subscribe failed: %v", err)
			return
		}

		restart, _ := p.drain(ctx, msgs)
		if !restart {
			return
		}

		p.teardownForRestart()
		p.setState(Initial)
		p.mu.Lock()
		p.restarts++
		p.mu.Unlock()
		if err := p.loadAndSubscribe(ctx); err != nil {
			return
		}
		p.setState(Running)
	}
}

// drain consumes subscription messages until ctx is canceled, the
// subscription closes, or a RestartRequested/stop condition occurs. It
// returns which of those terminated the loop.
func (p *CoreProjection) drain(ctx context.Context, msgs <-chan SubscriptionMessage) (restart, stop bool) {
	for {
		if p.queue.OverThreshold() {
			if canceled := p.waitForBackpressureRelief(ctx); canceled {
				return false, true
			}
		}
		select {
		case <-ctx.Done():
			return false, true
		case msg, ok := <-msgs:
			if !ok {
				return false, true
			}
			if msg.Seq != p.expectedSeq {
				p.fault(ErrInvariantViolation, "invariant_violation", "out-of-order subscription message: expected seq %d, got %d", p.expectedSeq, msg.Seq)
				return false, true
			}
			p.expectedSeq++

			switch msg.Kind {
			case EventReceived:
				if err := p.handleEvent(ctx, msg.Event); err != nil {
					if err == ErrRestartRequested {
						return true, false
					}
					if p.State() != Faulted && ctx.Err() == nil {
						p.fault(err, "emit_failed", "emit write failed: %v", err)
					}
					return false, true
				}
			case CheckpointSuggested:
				p.checkpoints.Suggest(msg.Suggested, p.rootStateSnapshot())
				wrote, err := p.checkpoints.TryWrite(ctx)
				if err != nil {
					if err == ErrRestartRequested {
						return true, false
					}
					p.fault(err, "checkpoint_failed", "checkpoint write failed: %v", err)
					return false, true
				}
				if wrote {
					p.tagsSinceCheckpoint = 0
				}
			case EofReached:
				if p.cfg.stopOnEof {
					p.finalCheckpoint(ctx)
					p.setState(Stopped)
					return false, true
				}
			case ProgressChanged:
				// informational only
			}

			p.cfg.metrics.setPendingEvents(p.queue.PendingCount())
			p.cfg.metrics.setWritesInProgress(p.writesInProgressCount())
			p.cfg.metrics.setCheckpointLag(p.tagsSinceCheckpoint)
		}
	}
}

// waitForBackpressureRelief blocks while the StagedQueue sits over its
// configured pending-events threshold, per spec.md §5: CoreProjection
// stops pulling further subscription messages until the backlog
// drains, applying backpressure to the upstream reader through the
// bounded subscription channel. Returns true if ctx was canceled while
// waiting.
func (p *CoreProjection) waitForBackpressureRelief(ctx context.Context) bool {
	ticker := time.NewTicker(time.Millisecond)
	defer ticker.Stop()
	for p.queue.OverThreshold() {
		select {
		case <-ctx.Done():
			return true
		case <-ticker.C:
		}
	}
	return false
}

// handleEvent pushes one event through all four StagedQueue stages.
// Because every EventStore call in this runtime is synchronous, stages
// execute back to back on the run-loop goroutine rather than suspending
// and resuming across separate messages; StagedQueue still enforces
// that no later item's stage N could ever run ahead of an earlier one.
func (p *CoreProjection) handleEvent(ctx context.Context, env EventEnvelope) error {
	item := p.queue.Enqueue(env)

	if err := p.resolvePartitionStage(ctx, item); err != nil {
		return err
	}
	p.queue.CompleteStage(item)

	if err := p.loadStateStage(item); err != nil {
		return err
	}
	p.queue.CompleteStage(item)

	if err := p.processEventStage(item); err != nil {
		return err
	}
	p.queue.CompleteStage(item)

	if err := p.writeOutputStage(ctx, item); err != nil {
		return err
	}
	p.queue.CompleteStage(item)

	p.queue.Drain()

	p.mu.Lock()
	p.lastTag = item.Envelope.Tag
	p.mu.Unlock()
	p.tagsSinceCheckpoint++
	return nil
}

func (p *CoreProjection) resolvePartitionStage(ctx context.Context, item *WorkItem) error {
	partition, err := p.cfg.partitionResolver(item.Envelope)
	if err != nil {
		p.fault(err, "handler_exception", "partition resolver failed: %v", err)
		return err
	}
	item.Partition = partition
	item.Envelope.Partition = partition

	if partition != "" && !p.seenPartitions[partition] {
		p.seenPartitions[partition] = true
		stream := p.cfg.naming.PartitionCatalogStream(p.name)
		_, werr := p.es.WriteEvents(ctx, stream, store.ExpectedVersionAny, []store.RawEvent{
			{EventType: "$partition", Data: []byte(partition), Metadata: encodeTagMetadata(item.Envelope.Tag)},
		})
		if werr != nil {
			p.fault(werr, "catalog_write_failed", "partition catalog write failed: %v", werr)
			return werr
		}
	}
	return nil
}

func (p *CoreProjection) loadStateStage(item *WorkItem) error {
	if _, locked := p.cache.GetLocked(item.Partition); locked {
		return nil
	}
	if err := p.handler.Load(item.Partition, nil); err != nil {
		p.fault(err, "handler_exception", "handler Load failed for partition %s: %v", item.Partition, err)
		return err
	}
	p.cache.CacheAndLock(item.Partition, nil, item.Envelope.Tag, item.Envelope.Tag)
	return nil
}

func (p *CoreProjection) processEventStage(item *WorkItem) error {
	newState, emitted, handled, err := p.handler.ProcessEvent(item.Envelope)
	if err != nil {
		p.faultedStop(item.Envelope.Tag)
		p.fault(err, "handler_exception", "handler ProcessEvent failed at %s: %v", item.Envelope.Tag, err)
		return err
	}
	item.Handled = handled
	item.Emitted = emitted
	if handled {
		p.cache.CacheAndLock(item.Partition, newState, item.Envelope.Tag, item.Envelope.Tag)
	}
	return nil
}

func (p *CoreProjection) writeOutputStage(ctx context.Context, item *WorkItem) error {
	for _, e := range item.Emitted {
		stream := p.emittedStream(e.TargetStream)
		err := stream.Submit(ctx, PendingEmit{
			TargetStream: e.TargetStream,
			EventType:    e.EventType,
			Data:         e.Data,
			CausedByTag:  item.Envelope.Tag,
			ExpectedTag:  e.ExpectedTag,
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// emittedStream returns the lazily-created EmittedStream for target,
// starting its recovery protocol on first creation.
func (p *CoreProjection) emittedStream(target string) *EmittedStream {
	p.mu.Lock()
	s, ok := p.emittedStreams[target]
	if !ok {
		s = NewEmittedStream(p.es, p, target, p.cfg.maxWriteBatchLength, p.cfg.retry)
		p.emittedStreams[target] = s
	}
	p.mu.Unlock()
	if !ok {
		_ = s.Start(context.Background())
	}
	return s
}

// writesInProgressCount counts EmittedStreams with an outstanding write.
func (p *CoreProjection) writesInProgressCount() int {
	p.mu.Lock()
	streams := make([]*EmittedStream, 0, len(p.emittedStreams))
	for _, s := range p.emittedStreams {
		streams = append(streams, s)
	}
	p.mu.Unlock()

	n := 0
	for _, s := range streams {
		if s.InFlight() {
			n++
		}
	}
	return n
}

// rootStateSnapshot returns the root partition's currently cached state,
// used as the body of a suggested checkpoint.
func (p *CoreProjection) rootStateSnapshot() []byte {
	state, _ := p.cache.GetLocked("")
	return state
}

func (p *CoreProjection) finalCheckpoint(ctx context.Context) {
	p.checkpoints.Suggest(p.lastTag, p.rootStateSnapshot())
	if wrote, _ := p.checkpoints.TryWrite(ctx); wrote {
		p.tagsSinceCheckpoint = 0
	}
}

// teardownForRestart disposes the handler and every EmittedStream, and
// resets restart-scoped bookkeeping, per spec §5's scoped-acquisition
// resource lifetimes.
func (p *CoreProjection) teardownForRestart() {
	_ = p.handler.Dispose()

	p.mu.Lock()
	streams := p.emittedStreams
	p.emittedStreams = make(map[string]*EmittedStream)
	p.seenPartitions = make(map[string]bool)
	p.queue = NewStagedQueue(p.cfg.pendingEventsThreshold)
	p.mu.Unlock()

	for _, s := range streams {
		s.Dispose()
	}
}

// faultedStop transitions through FaultedStopping ahead of a fault
// being recorded, attempting a best-effort checkpoint at tag.
func (p *CoreProjection) faultedStop(tag CheckpointTag) {
	p.setState(FaultedStopping)
	p.checkpoints.Suggest(tag, p.rootStateSnapshot())
	if wrote, _ := p.checkpoints.TryWrite(context.Background()); wrote {
		p.tagsSinceCheckpoint = 0
	}
}

// fault records reason and transitions to Faulted. It is safe to call
// from Start (before the run loop exists) or from within the run loop.
func (p *CoreProjection) fault(err error, code, format string, args ...interface{}) {
	p.mu.Lock()
	p.faultedReason = fmt.Sprintf(format, args...)
	p.mu.Unlock()
	p.setState(Faulted)
	p.cfg.metrics.faulted()
	p.emit("lifecycle", "faulted", p.lastTag, map[string]interface{}{"reason": p.faultedReason, "code": code})
}

// Stop requests a graceful shutdown: Running -> Stopping, a final
// checkpoint attempt, then -> Stopped once no writes remain pending.
// Stop blocks until the run loop has exited or ctx is canceled.
func (p *CoreProjection) Stop(ctx context.Context) error {
	if p.State() != Running {
		return nil
	}
	p.setState(Stopping)
	if p.cancel != nil {
		p.cancel()
	}
	select {
	case <-p.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	p.finalCheckpoint(context.Background())
	_ = p.handler.Dispose()
	if p.State() != Faulted {
		p.setState(Stopped)
	}
	return nil
}

// Statistics reports a synchronous snapshot of runtime health, per the
// management/debug surface described in SPEC_FULL.md.
func (p *CoreProjection) Statistics() StatisticsReport {
	writesInProgress := p.writesInProgressCount()

	p.mu.Lock()
	defer p.mu.Unlock()
	return StatisticsReport{
		Name:              p.name,
		State:             p.state,
		LastTag:           p.lastTag,
		PendingEvents:     p.queue.PendingCount(),
		WritesInProgress:  writesInProgress,
		Restarts:          p.restarts,
		CheckpointCount:   p.checkpoints.Stats(),
		LastFaultedReason: p.faultedReason,
		GeneratedAt:       time.Now(),
	}
}

// DebugState answers a point-in-time query for one partition's cached
// state, usable even while the projection is Faulted.
func (p *CoreProjection) DebugState(partition string) (StateReport, error) {
	state, locked := p.cache.GetLocked(partition)
	if !locked {
		return StateReport{}, ErrStoreNotFound
	}
	causedBy, _ := p.cache.CausedBy(partition)
	return StateReport{Partition: partition, State: state, CausedBy: causedBy}, nil
}
