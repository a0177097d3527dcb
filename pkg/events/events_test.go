package events

import (
	"bytes"
	"errors"
	"log/slog"
	"strings"
	"testing"
)

func TestEmitBuildsFields(t *testing.T) {
	c := NewCounter()
	Emit(c, FrameSkipped, errors.New("bad pose"), "frame_id", "abc", "step", 12)
	if got := c.Count(FrameSkipped); got != 1 {
		t.Errorf("Count(FrameSkipped) = %d, want 1", got)
	}
}

func TestEmitNilRecorder(t *testing.T) {
	// Must not panic.
	Emit(nil, StepDiverged, nil)
}

func TestMultiFanOut(t *testing.T) {
	a, b := NewCounter(), NewCounter()
	m := Multi{a, b}
	Emit(m, RejectedFrame, nil, "reason", "full")
	if a.Count(RejectedFrame) != 1 || b.Count(RejectedFrame) != 1 {
		t.Errorf("fan-out counts = %d, %d, want 1, 1", a.Count(RejectedFrame), b.Count(RejectedFrame))
	}
}

func TestCounterByKind(t *testing.T) {
	c := NewCounter()
	for i := 0; i < 3; i++ {
		Emit(c, EncoderUnavailable, errors.New("connection refused"))
	}
	Emit(c, RejectedFrame, nil, "reason", "redundant")
	if got := c.Count(EncoderUnavailable); got != 3 {
		t.Errorf("Count(EncoderUnavailable) = %d, want 3", got)
	}
	if got := c.Count(RejectedFrame); got != 1 {
		t.Errorf("Count(RejectedFrame) = %d, want 1", got)
	}
	if got := c.Count(StepDiverged); got != 0 {
		t.Errorf("Count(StepDiverged) = %d, want 0", got)
	}
}

func TestSlogRecorderLevels(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelInfo}))
	r := SlogRecorder{Logger: logger}

	Emit(r, StepDiverged, nil, "step", 5)
	if !strings.Contains(buf.String(), "level=WARN") {
		t.Errorf("StepDiverged logged without WARN level: %q", buf.String())
	}

	buf.Reset()
	Emit(r, CorruptCheckpoint, errors.New("crc mismatch"))
	if !strings.Contains(buf.String(), "level=ERROR") {
		t.Errorf("CorruptCheckpoint logged without ERROR level: %q", buf.String())
	}
}
