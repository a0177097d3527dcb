// Package events defines the structured event taxonomy for recoverable
// failures and notable state transitions, and the recorders that deliver
// them to logging and metrics backends. Per-frame failures are reported
// here instead of aborting the optimizer loop.
package events

import (
	"log/slog"
	"sync"
	"time"
)

// Kind identifies an event category.
type Kind string

const (
	// RejectedFrame: the ingestion queue refused a frame (capacity or
	// redundant viewpoint). Recoverable, the producer may retry later.
	RejectedFrame Kind = "rejected_frame"
	// EncoderUnavailable: a remote encoder could not process a request.
	// Recoverable, the affected frame is skipped.
	EncoderUnavailable Kind = "encoder_unavailable"
	// FrameSkipped: a single frame was dropped from a batch (malformed,
	// or feature extraction failed). Informational, the loop continues.
	FrameSkipped Kind = "frame_skipped"
	// StepDiverged: a non-finite loss rolled back the last parameter
	// update. Recoverable, the loop continues with the next batch.
	StepDiverged Kind = "step_diverged"
	// CorruptCheckpoint: a checkpoint failed validation on load. Fatal
	// for that load operation only.
	CorruptCheckpoint Kind = "corrupt_checkpoint"
)

// Event is one structured occurrence: a kind, a timestamp, an optional
// cause and free-form context fields.
type Event struct {
	Kind   Kind
	At     time.Time
	Err    error
	Fields map[string]any
}

// Recorder receives events. Implementations must be safe for concurrent
// use; the loop, the queue and the server all emit.
type Recorder interface {
	Record(e Event)
}

// Emit builds an Event from alternating key/value pairs and hands it to r.
// A nil recorder is a no-op, so callers never need to guard.
func Emit(r Recorder, kind Kind, err error, kv ...any) {
	if r == nil {
		return
	}
	e := Event{Kind: kind, At: time.Now(), Err: err}
	if len(kv) > 0 {
		e.Fields = make(map[string]any, len(kv)/2)
		for i := 0; i+1 < len(kv); i += 2 {
			key, ok := kv[i].(string)
			if !ok {
				continue
			}
			e.Fields[key] = kv[i+1]
		}
	}
	r.Record(e)
}

// Nop discards all events.
type Nop struct{}

func (Nop) Record(Event) {}

// SlogRecorder forwards events to a structured logger. Divergence and
// corruption are logged at Warn/Error, the rest at Info.
type SlogRecorder struct {
	Logger *slog.Logger
}

func (r SlogRecorder) Record(e Event) {
	logger := r.Logger
	if logger == nil {
		logger = slog.Default()
	}
	attrs := make([]any, 0, 2+2*len(e.Fields))
	attrs = append(attrs, "kind", string(e.Kind))
	if e.Err != nil {
		attrs = append(attrs, "error", e.Err.Error())
	}
	for k, v := range e.Fields {
		attrs = append(attrs, k, v)
	}
	switch e.Kind {
	case StepDiverged:
		logger.Warn("optimizer event", attrs...)
	case CorruptCheckpoint:
		logger.Error("checkpoint event", attrs...)
	default:
		logger.Info("scene event", attrs...)
	}
}

// Multi fans an event out to every recorder in order.
type Multi []Recorder

func (m Multi) Record(e Event) {
	for _, r := range m {
		r.Record(e)
	}
}

// Counter tallies events by kind. Used by engine stats and by tests.
type Counter struct {
	mu     sync.Mutex
	counts map[Kind]uint64
}

func NewCounter() *Counter {
	return &Counter{counts: make(map[Kind]uint64)}
}

func (c *Counter) Record(e Event) {
	c.mu.Lock()
	c.counts[e.Kind]++
	c.mu.Unlock()
}

// Count returns how many events of kind have been recorded.
func (c *Counter) Count(kind Kind) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counts[kind]
}
