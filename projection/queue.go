package projection

import "sync"

// Stage identifies one of the four ordered pipeline stages a WorkItem
// passes through, per spec.md §4.2.
type Stage int

const (
	ResolvePartition Stage = iota
	LoadState
	ProcessEventStage
	WriteOutput
	numStages
)

func (s Stage) String() string {
	switch s {
	case ResolvePartition:
		return "resolve-partition"
	case LoadState:
		return "load-state"
	case ProcessEventStage:
		return "process-event"
	case WriteOutput:
		return "write-output"
	default:
		return "done"
	}
}

// WorkItem is one unit of work flowing through the StagedQueue: one
// event to fold through every stage.
type WorkItem struct {
	Seq      int64 // position within the ordered queue, assigned at enqueue
	Envelope EventEnvelope
	Stage    Stage

	Partition string
	State     []byte
	Emitted   []Emit
	Handled   bool

	Err error
}

// IsComplete reports whether the item has finished WriteOutput.
func (w *WorkItem) IsComplete() bool { return w.Stage >= numStages }

// StagedQueue is an ordered, multi-stage pipeline. It guarantees:
//   - items dequeue in enqueue (checkpoint-tag) order;
//   - stage N of item I+1 never begins before stage N of item I
//     completes, preserving causal ordering of handler state;
//   - stage advancement is cooperative: CompleteStage is called by
//     whatever async operation backs that stage (a store read, the
//     handler fold, a store write) once it finishes, and a stage may
//     suspend arbitrarily in between.
//
// Out-of-order traffic (management GetState queries) never touches
// this structure; callers serve those directly against
// PartitionStateCache, which is why CoreProjection keeps both.
type StagedQueue struct {
	mu sync.Mutex

	items       []*WorkItem
	nextSeq     int64
	stageCursor [numStages]int64 // count of items that have completed each stage

	pendingThreshold int
}

// NewStagedQueue creates an empty queue with the given backpressure
// threshold (0 disables backpressure reporting).
func NewStagedQueue(pendingThreshold int) *StagedQueue {
	return &StagedQueue{pendingThreshold: pendingThreshold}
}

// Enqueue appends a new item at the tail, assigning it the next
// sequence number, and returns it.
func (q *StagedQueue) Enqueue(env EventEnvelope) *WorkItem {
	q.mu.Lock()
	defer q.mu.Unlock()

	item := &WorkItem{Seq: q.nextSeq, Envelope: env, Stage: ResolvePartition}
	q.nextSeq++
	q.items = append(q.items, item)
	return item
}

// CanBeginStage reports whether item is allowed to begin the stage it
// currently sits at: true only once every earlier-enqueued item has
// already completed that same stage.
func (q *StagedQueue) CanBeginStage(item *WorkItem) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.stageCursor[item.Stage] == item.Seq
}

// CompleteStage advances item to its next stage and bumps that stage's
// completion cursor, unblocking the next item waiting on the same
// stage.
func (q *StagedQueue) CompleteStage(item *WorkItem) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.stageCursor[item.Stage]++
	item.Stage++
}

// Ready returns every item currently eligible to begin its stage, in
// enqueue order, skipping items already complete. Callers drive each
// returned item's stage work and call CompleteStage when it finishes.
func (q *StagedQueue) Ready() []*WorkItem {
	q.mu.Lock()
	defer q.mu.Unlock()

	var ready []*WorkItem
	for _, item := range q.items {
		if item.IsComplete() {
			continue
		}
		if q.stageCursor[item.Stage] == item.Seq {
			ready = append(ready, item)
		}
	}
	return ready
}

// Drain removes completed items from the front of the queue and
// returns them, in order. Only front items are ever removed: an item
// in the middle cannot be complete while an earlier one is not, given
// the stage-ordering guarantee.
func (q *StagedQueue) Drain() []*WorkItem {
	q.mu.Lock()
	defer q.mu.Unlock()

	var drained []*WorkItem
	i := 0
	for i < len(q.items) && q.items[i].IsComplete() {
		drained = append(drained, q.items[i])
		i++
	}
	q.items = q.items[i:]
	return drained
}

// PendingCount returns the number of items still held by the queue,
// including completed items that Drain has not yet removed.
func (q *StagedQueue) PendingCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// OverThreshold reports whether pending count exceeds the configured
// backpressure threshold. A zero threshold disables backpressure.
func (q *StagedQueue) OverThreshold() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.pendingThreshold > 0 && len(q.items) > q.pendingThreshold
}

// PendingBelow reports whether any item not yet past WriteOutput has a
// tag <= tag, used by the CheckpointManager to decide whether a
// suggested checkpoint at tag T may proceed: it may not if any pending
// item's tag is <= T and that item has not reached WriteOutput's
// completion.
func (q *StagedQueue) PendingBelow(tag CheckpointTag) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, item := range q.items {
		if item.IsComplete() {
			continue
		}
		if item.Envelope.Tag.LessOrEqual(tag) {
			return true
		}
	}
	return false
}
