// Package persistence stores scene checkpoints on disk. A checkpoint is
// a single self-describing file: a fixed header carrying the step and
// storage precision plus a CRC32 over a gob-encoded scene snapshot.
// Writes go to a temp file first and land with an atomic rename, so a
// crash never leaves a half-written checkpoint under a valid name.
package persistence

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/semafield/semafield/pkg/core"
	"github.com/semafield/semafield/pkg/vecmath"
)

// File format: [Magic(4)][Version(2)][Precision(1)][Pad(1)][Step(8)][Length(8)][CRC32(4)][Payload(N)]
// All integers little endian. The CRC covers the payload only.
const (
	// checkpointMagic identifies a checkpoint file.
	checkpointMagic uint32 = 0x53464C44

	// FormatVersion is bumped on any incompatible header or payload change.
	FormatVersion uint16 = 1

	// HeaderSize is the fixed size of the checkpoint header in bytes.
	HeaderSize = 28
)

var (
	// ErrCorruptCheckpoint indicates a checkpoint file that cannot be
	// trusted: bad magic, unknown version, truncation or a CRC mismatch.
	// It is fatal for that load only; older checkpoints stay usable.
	ErrCorruptCheckpoint = errors.New("corrupt checkpoint")

	// ErrNoCheckpoints indicates an empty catalog.
	ErrNoCheckpoints = errors.New("no checkpoints")
)

// Info describes one checkpoint file.
type Info struct {
	Path      string
	Step      uint64
	Precision vecmath.Precision
	Size      int64
	SavedAt   time.Time
}

// fileName builds the canonical name for a step. Zero padding keeps
// lexical directory order equal to step order.
func fileName(step uint64) string {
	return fmt.Sprintf("checkpoint-%012d.ckpt", step)
}

// stepFromName parses the step out of a canonical checkpoint name.
func stepFromName(name string) (uint64, bool) {
	rest, ok := strings.CutPrefix(name, "checkpoint-")
	if !ok {
		return 0, false
	}
	rest, ok = strings.CutSuffix(rest, ".ckpt")
	if !ok {
		return 0, false
	}
	step, err := strconv.ParseUint(rest, 10, 64)
	if err != nil {
		return 0, false
	}
	return step, true
}

func precisionByte(p vecmath.Precision) (byte, error) {
	switch p {
	case vecmath.Float32, "":
		return 0, nil
	case vecmath.Float16:
		return 1, nil
	case vecmath.Int8:
		return 2, nil
	}
	return 0, fmt.Errorf("unknown checkpoint precision %q", p)
}

func precisionFromByte(b byte) (vecmath.Precision, error) {
	switch b {
	case 0:
		return vecmath.Float32, nil
	case 1:
		return vecmath.Float16, nil
	case 2:
		return vecmath.Int8, nil
	}
	return "", fmt.Errorf("unknown checkpoint precision byte %d", b)
}

// Save writes a checkpoint of the scene into dir and returns its Info.
// The scene is captured under a read lock, encoded off to the side and
// renamed into place, so a concurrent optimizer step never observes a
// partial file.
func Save(dir string, scene *core.Scene, precision vecmath.Precision) (Info, error) {
	if precision == "" {
		precision = vecmath.Float32
	}
	pb, err := precisionByte(precision)
	if err != nil {
		return Info{}, err
	}

	snap, err := scene.BuildSnapshot(precision)
	if err != nil {
		return Info{}, fmt.Errorf("failed to capture scene snapshot: %w", err)
	}
	var payload bytes.Buffer
	if err := gob.NewEncoder(&payload).Encode(snap); err != nil {
		return Info{}, fmt.Errorf("failed to encode scene snapshot: %w", err)
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return Info{}, fmt.Errorf("failed to create checkpoint dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, "checkpoint-*.tmp")
	if err != nil {
		return Info{}, fmt.Errorf("failed to create temp checkpoint: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	header := make([]byte, HeaderSize)
	binary.LittleEndian.PutUint32(header[0:4], checkpointMagic)
	binary.LittleEndian.PutUint16(header[4:6], FormatVersion)
	header[6] = pb
	binary.LittleEndian.PutUint64(header[8:16], snap.Step)
	binary.LittleEndian.PutUint64(header[16:24], uint64(payload.Len()))
	binary.LittleEndian.PutUint32(header[24:28], crc32.ChecksumIEEE(payload.Bytes()))

	buf := bufio.NewWriter(tmp)
	if _, err := buf.Write(header); err != nil {
		tmp.Close()
		return Info{}, fmt.Errorf("failed to write checkpoint header: %w", err)
	}
	if _, err := buf.Write(payload.Bytes()); err != nil {
		tmp.Close()
		return Info{}, fmt.Errorf("failed to write checkpoint payload: %w", err)
	}
	if err := buf.Flush(); err != nil {
		tmp.Close()
		return Info{}, fmt.Errorf("failed to flush checkpoint: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return Info{}, fmt.Errorf("failed to sync checkpoint: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return Info{}, fmt.Errorf("failed to close checkpoint: %w", err)
	}

	final := filepath.Join(dir, fileName(snap.Step))
	if err := os.Rename(tmpPath, final); err != nil {
		return Info{}, fmt.Errorf("failed to publish checkpoint: %w", err)
	}
	return Info{
		Path:      final,
		Step:      snap.Step,
		Precision: precision,
		Size:      int64(HeaderSize + payload.Len()),
		SavedAt:   time.Now(),
	}, nil
}

// parsedHeader is the decoded fixed header of a checkpoint file.
type parsedHeader struct {
	step      uint64
	precision vecmath.Precision
	length    uint64
}

func parseHeader(header []byte) (parsedHeader, error) {
	if magic := binary.LittleEndian.Uint32(header[0:4]); magic != checkpointMagic {
		return parsedHeader{}, fmt.Errorf("%w: bad magic %#x", ErrCorruptCheckpoint, magic)
	}
	if v := binary.LittleEndian.Uint16(header[4:6]); v != FormatVersion {
		return parsedHeader{}, fmt.Errorf("%w: unsupported format version %d", ErrCorruptCheckpoint, v)
	}
	precision, err := precisionFromByte(header[6])
	if err != nil {
		return parsedHeader{}, fmt.Errorf("%w: %v", ErrCorruptCheckpoint, err)
	}
	return parsedHeader{
		step:      binary.LittleEndian.Uint64(header[8:16]),
		precision: precision,
		length:    binary.LittleEndian.Uint64(header[16:24]),
	}, nil
}

// ReadInfo reads checkpoint metadata from the header alone. It validates
// magic, version and the declared payload length against the file size
// but does not touch the payload; Load performs the CRC check.
func ReadInfo(path string) (Info, error) {
	f, err := os.Open(path)
	if err != nil {
		return Info{}, fmt.Errorf("failed to open checkpoint: %w", err)
	}
	defer f.Close()

	st, err := f.Stat()
	if err != nil {
		return Info{}, fmt.Errorf("failed to stat checkpoint: %w", err)
	}
	header := make([]byte, HeaderSize)
	if _, err := io.ReadFull(f, header); err != nil {
		return Info{}, fmt.Errorf("%w: truncated header", ErrCorruptCheckpoint)
	}
	h, err := parseHeader(header)
	if err != nil {
		return Info{}, err
	}
	if want := int64(HeaderSize) + int64(h.length); st.Size() != want {
		return Info{}, fmt.Errorf("%w: file size %d does not match declared %d", ErrCorruptCheckpoint, st.Size(), want)
	}
	return Info{
		Path:      path,
		Step:      h.step,
		Precision: h.precision,
		Size:      st.Size(),
		SavedAt:   st.ModTime(),
	}, nil
}

// Load verifies a checkpoint file end to end and restores it into the
// scene. Corruption of any kind yields ErrCorruptCheckpoint; a snapshot
// that is intact but belongs to a differently configured scene fails
// with a plain error instead.
func Load(path string, scene *core.Scene) (Info, error) {
	info, err := ReadInfo(path)
	if err != nil {
		return Info{}, err
	}
	f, err := os.Open(path)
	if err != nil {
		return Info{}, fmt.Errorf("failed to open checkpoint: %w", err)
	}
	defer f.Close()

	header := make([]byte, HeaderSize)
	if _, err := io.ReadFull(f, header); err != nil {
		return Info{}, fmt.Errorf("%w: truncated header", ErrCorruptCheckpoint)
	}
	wantCRC := binary.LittleEndian.Uint32(header[24:28])

	// ReadInfo already checked that the declared length matches the file
	// size, so this allocation is bounded by the real file.
	payload := make([]byte, info.Size-int64(HeaderSize))
	if _, err := io.ReadFull(f, payload); err != nil {
		return Info{}, fmt.Errorf("%w: truncated payload", ErrCorruptCheckpoint)
	}
	if got := crc32.ChecksumIEEE(payload); got != wantCRC {
		return Info{}, fmt.Errorf("%w: crc32 checksum mismatch", ErrCorruptCheckpoint)
	}

	var snap core.SceneSnapshot
	if err := gob.NewDecoder(bytes.NewReader(payload)).Decode(&snap); err != nil {
		return Info{}, fmt.Errorf("%w: failed to decode payload: %v", ErrCorruptCheckpoint, err)
	}
	if err := scene.RestoreSnapshot(&snap); err != nil {
		return Info{}, fmt.Errorf("failed to restore checkpoint %s: %w", path, err)
	}
	return info, nil
}
