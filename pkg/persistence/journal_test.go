package persistence

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"gonum.org/v1/gonum/num/quat"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/semafield/semafield/pkg/core"
)

func journalFrame(t *testing.T, x float64) *core.PosedFrame {
	t.Helper()
	img := core.NewImage(8, 6)
	for i := range img.Pix {
		img.Pix[i] = float32(i%255) / 255
	}
	pose := core.Pose{
		Position:    r3.Vec{X: x, Y: 0.5, Z: -2},
		Orientation: quat.Number{Real: 1},
	}
	intr := core.Intrinsics{Fx: 8, Fy: 8, Cx: 4, Cy: 3, Width: 8, Height: 6}
	f, err := core.NewPosedFrame(img, pose, intr, time.Unix(0, 1724500000000000000))
	if err != nil {
		t.Fatal(err)
	}
	return f
}

func collectJournal(t *testing.T, path string) ([]*core.PosedFrame, int, error) {
	t.Helper()
	var frames []*core.PosedFrame
	n, err := ReplayJournal(path, func(f *core.PosedFrame) error {
		frames = append(frames, f)
		return nil
	})
	return frames, n, err
}

func TestJournalRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session.sfj")
	j, err := OpenJournal(path, 0)
	if err != nil {
		t.Fatalf("OpenJournal: %v", err)
	}
	for i := 0; i < 3; i++ {
		if err := j.Append(journalFrame(t, float64(i))); err != nil {
			t.Fatalf("Append %d: %v", i, err)
		}
	}
	if got := j.Frames(); got != 3 {
		t.Errorf("Frames() = %d, want 3", got)
	}
	if err := j.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	frames, n, err := collectJournal(t, path)
	if err != nil {
		t.Fatalf("ReplayJournal: %v", err)
	}
	if n != 3 || len(frames) != 3 {
		t.Fatalf("replayed %d frames, want 3", n)
	}
	for i, f := range frames {
		if f.Pose.Position.X != float64(i) {
			t.Errorf("frame %d position X = %v, want %d (recorded order)", i, f.Pose.Position.X, i)
		}
	}
}

func TestJournalAppendAfterReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session.sfj")
	j, err := OpenJournal(path, 0)
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 2; i++ {
		if err := j.Append(journalFrame(t, float64(i))); err != nil {
			t.Fatal(err)
		}
	}
	j.Close()

	j, err = OpenJournal(path, 0)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if err := j.Append(journalFrame(t, 2)); err != nil {
		t.Fatal(err)
	}
	j.Close()

	_, n, err := collectJournal(t, path)
	if err != nil {
		t.Fatalf("ReplayJournal: %v", err)
	}
	if n != 3 {
		t.Fatalf("replayed %d frames after reopen, want 3", n)
	}
}

func TestJournalTornTailStopsCleanly(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session.sfj")
	j, err := OpenJournal(path, 0)
	if err != nil {
		t.Fatal(err)
	}
	j.Append(journalFrame(t, 0))
	j.Append(journalFrame(t, 1))
	j.Close()

	// Cut into the last record the way a crash mid-write would.
	fi, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.Truncate(path, fi.Size()-5); err != nil {
		t.Fatal(err)
	}

	frames, n, err := collectJournal(t, path)
	if err != nil {
		t.Fatalf("torn tail must not error, got %v", err)
	}
	if n != 1 {
		t.Fatalf("replayed %d frames, want 1 before the tear", n)
	}
	if frames[0].Pose.Position.X != 0 {
		t.Errorf("surviving frame is the wrong one: %+v", frames[0].Pose.Position)
	}
}

func TestJournalDetectsMidFileCorruption(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session.sfj")
	j, err := OpenJournal(path, 0)
	if err != nil {
		t.Fatal(err)
	}
	j.Append(journalFrame(t, 0))
	j.Append(journalFrame(t, 1))
	j.Close()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}

	t.Run("payload bit flip", func(t *testing.T) {
		bad := append([]byte(nil), data...)
		bad[recordHeaderSize+20] ^= 0x40
		badPath := filepath.Join(t.TempDir(), "flip.sfj")
		if err := os.WriteFile(badPath, bad, 0o644); err != nil {
			t.Fatal(err)
		}
		n, err := ReplayJournal(badPath, func(*core.PosedFrame) error { return nil })
		if !errors.Is(err, ErrCorruptJournal) {
			t.Fatalf("error = %v, want ErrCorruptJournal", err)
		}
		if n != 0 {
			t.Errorf("delivered %d frames from a corrupt first record, want 0", n)
		}
	})

	t.Run("bad magic", func(t *testing.T) {
		bad := append([]byte(nil), data...)
		bad[0] = 0x00
		badPath := filepath.Join(t.TempDir(), "magic.sfj")
		if err := os.WriteFile(badPath, bad, 0o644); err != nil {
			t.Fatal(err)
		}
		if _, err := ReplayJournal(badPath, func(*core.PosedFrame) error { return nil }); !errors.Is(err, ErrCorruptJournal) {
			t.Fatalf("error = %v, want ErrCorruptJournal", err)
		}
	})
}

func TestJournalIntervalSync(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session.sfj")
	j, err := OpenJournal(path, 10*time.Millisecond)
	if err != nil {
		t.Fatal(err)
	}
	defer j.Close()
	if err := j.Append(journalFrame(t, 0)); err != nil {
		t.Fatal(err)
	}

	// The background sync makes the frame visible without a Close.
	deadline := time.Now().Add(2 * time.Second)
	for {
		_, n, err := collectJournal(t, path)
		if err == nil && n == 1 {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("frame not synced before deadline: n=%d err=%v", n, err)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestJournalClosedRejectsAppend(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session.sfj")
	j, err := OpenJournal(path, 0)
	if err != nil {
		t.Fatal(err)
	}
	j.Close()
	if err := j.Append(journalFrame(t, 0)); !errors.Is(err, ErrJournalClosed) {
		t.Fatalf("Append after Close = %v, want ErrJournalClosed", err)
	}
	if err := j.Close(); err != nil {
		t.Errorf("second Close = %v, want nil", err)
	}
}

func TestJournalReplayCallbackError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session.sfj")
	j, err := OpenJournal(path, 0)
	if err != nil {
		t.Fatal(err)
	}
	j.Append(journalFrame(t, 0))
	j.Append(journalFrame(t, 1))
	j.Close()

	sentinel := errors.New("sink refused")
	n, err := ReplayJournal(path, func(*core.PosedFrame) error { return sentinel })
	if !errors.Is(err, sentinel) {
		t.Fatalf("error = %v, want the callback error", err)
	}
	if n != 0 {
		t.Errorf("delivered count = %d, want 0 when the first delivery fails", n)
	}
}
