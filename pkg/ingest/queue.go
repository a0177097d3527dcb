// Package ingest buffers posed frames between the robot transport and
// the optimizer loop. The queue is bounded, FIFO, and suppresses frames
// whose viewpoint nearly duplicates a recently accepted one, so compute
// is not wasted re-observing the same wall.
package ingest

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/semafield/semafield/pkg/core"
	"github.com/semafield/semafield/pkg/events"
)

var (
	// ErrQueueFull rejects an enqueue when the buffer is at capacity.
	// The producer may retry later.
	ErrQueueFull = errors.New("ingest: queue at capacity")
	// ErrRedundantPose rejects a frame whose pose is within both the
	// translation and rotation thresholds of a recent accepted frame.
	ErrRedundantPose = errors.New("ingest: viewpoint redundant with a recent frame")
	// ErrQueueClosed is returned by Enqueue after Close, and by
	// DequeueBatch once the queue is closed and drained.
	ErrQueueClosed = errors.New("ingest: queue closed")
)

// Options configures a Queue.
type Options struct {
	// Capacity bounds the number of buffered frames.
	Capacity int
	// MinTranslation and MinRotation define redundancy: a frame is
	// rejected when its pose is closer than MinTranslation meters AND
	// MinRotation radians to some pose in the recent history.
	MinTranslation float64
	MinRotation    float64
	// HistoryAge is how long an accepted pose stays in the redundancy
	// history before it is pruned.
	HistoryAge time.Duration
	// Recorder receives RejectedFrame events. Optional.
	Recorder events.Recorder
}

// DefaultOptions returns the queue tuning used by the daemon unless
// configured otherwise.
func DefaultOptions() Options {
	return Options{
		Capacity:       64,
		MinTranslation: 0.05,
		MinRotation:    0.05,
		HistoryAge:     10 * time.Second,
	}
}

// maxHistory caps the redundancy history independently of HistoryAge so
// a high-rate producer cannot grow it without bound inside the window.
const maxHistory = 256

type poseStamp struct {
	pose core.Pose
	at   time.Time
}

// Stats is a point-in-time snapshot of queue counters.
type Stats struct {
	Accepted          uint64
	RejectedFull      uint64
	RejectedRedundant uint64
	Dequeued          uint64
	Depth             int
}

// Queue is a bounded FIFO of posed frames with redundancy suppression.
// Many producers, one consumer (the optimizer loop).
type Queue struct {
	mu     sync.Mutex
	cond   *sync.Cond
	opts   Options
	frames []*core.PosedFrame
	recent []poseStamp
	closed bool
	stats  Stats
	now    func() time.Time
}

// New returns an open queue.
func New(opts Options) *Queue {
	def := DefaultOptions()
	if opts.Capacity <= 0 {
		opts.Capacity = def.Capacity
	}
	if opts.HistoryAge <= 0 {
		opts.HistoryAge = def.HistoryAge
	}
	q := &Queue{opts: opts, now: time.Now}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Enqueue accepts a frame or rejects it with ErrQueueFull or
// ErrRedundantPose. Accepting mutates the recent-pose history, which is
// pruned by age on every call.
func (q *Queue) Enqueue(f *core.PosedFrame) error {
	if f == nil {
		return errors.New("ingest: nil frame")
	}
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrQueueClosed
	}
	now := q.now()
	q.pruneHistoryLocked(now)

	if len(q.frames) >= q.opts.Capacity {
		q.stats.RejectedFull++
		q.mu.Unlock()
		events.Emit(q.opts.Recorder, events.RejectedFrame, ErrQueueFull,
			"frame_id", f.ID.String(), "reason", "capacity")
		return ErrQueueFull
	}
	if q.redundantLocked(f.Pose) {
		q.stats.RejectedRedundant++
		q.mu.Unlock()
		events.Emit(q.opts.Recorder, events.RejectedFrame, ErrRedundantPose,
			"frame_id", f.ID.String(), "reason", "redundant")
		return ErrRedundantPose
	}

	q.frames = append(q.frames, f)
	q.recent = append(q.recent, poseStamp{pose: f.Pose, at: now})
	if len(q.recent) > maxHistory {
		q.recent = q.recent[len(q.recent)-maxHistory:]
	}
	q.stats.Accepted++
	q.stats.Depth = len(q.frames)
	q.mu.Unlock()
	q.cond.Signal()
	return nil
}

// redundantLocked reports whether pose nearly duplicates a history entry.
// Both thresholds must be undershot: a pure rotation at the same spot or
// a translation with the same heading are still informative views.
func (q *Queue) redundantLocked(pose core.Pose) bool {
	if q.opts.MinTranslation <= 0 && q.opts.MinRotation <= 0 {
		return false
	}
	for _, h := range q.recent {
		if pose.Distance(h.pose) < q.opts.MinTranslation &&
			pose.AngularDistance(h.pose) < q.opts.MinRotation {
			return true
		}
	}
	return false
}

func (q *Queue) pruneHistoryLocked(now time.Time) {
	cutoff := now.Add(-q.opts.HistoryAge)
	i := 0
	for i < len(q.recent) && q.recent[i].at.Before(cutoff) {
		i++
	}
	if i > 0 {
		q.recent = append(q.recent[:0], q.recent[i:]...)
	}
}

// DequeueBatch returns between 1 and maxSize frames in arrival order. It
// blocks while the queue is empty until a frame arrives, the context is
// canceled, or the queue is closed. A closed queue drains its remaining
// frames first and only then reports ErrQueueClosed.
func (q *Queue) DequeueBatch(ctx context.Context, maxSize int) ([]*core.PosedFrame, error) {
	if maxSize <= 0 {
		maxSize = 1
	}
	stop := context.AfterFunc(ctx, func() { q.cond.Broadcast() })
	defer stop()

	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.frames) == 0 {
		if q.closed {
			return nil, ErrQueueClosed
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		q.cond.Wait()
	}

	n := maxSize
	if n > len(q.frames) {
		n = len(q.frames)
	}
	batch := make([]*core.PosedFrame, n)
	copy(batch, q.frames[:n])
	rest := copy(q.frames, q.frames[n:])
	for i := rest; i < len(q.frames); i++ {
		q.frames[i] = nil
	}
	q.frames = q.frames[:rest]
	q.stats.Dequeued += uint64(n)
	q.stats.Depth = len(q.frames)
	return batch, nil
}

// Close marks the queue terminal and wakes all waiters. Idempotent.
// Buffered frames remain dequeueable so the consumer can drain.
func (q *Queue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.cond.Broadcast()
}

// Len returns the current depth.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.frames)
}

// Stats returns a snapshot of the counters.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	s := q.stats
	s.Depth = len(q.frames)
	return s
}
