package persistence

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"sync"
	"time"

	"github.com/semafield/semafield/pkg/core"
)

// Record framing for the session journal, an append-only file of the
// posed frames a daemon accepted:
//
//	[Magic(1)][Kind(1)][Length(4)][CRC32(4)][Payload(N)]
//
// integers little endian, CRC over the payload only. The payload of a
// frame record is core.EncodeFrame output. A crash can tear the last
// record; replay treats a torn tail as the end of the session.
const (
	journalMagic byte = 0xA7

	// recordFrame is the only record kind today. The byte leaves room
	// for markers without a format bump.
	recordFrame byte = 0x01

	recordHeaderSize = 10

	// maxJournalPayload rejects lengths no writer of ours can produce,
	// so a corrupt header cannot demand an absurd allocation.
	maxJournalPayload = 256 << 20
)

var (
	// ErrCorruptJournal indicates damage before the journal's tail:
	// bad record magic, an unknown kind, or a CRC mismatch. Frames read
	// before the damage are still good.
	ErrCorruptJournal = errors.New("corrupt journal")

	// ErrJournalClosed rejects appends after Close.
	ErrJournalClosed = errors.New("journal closed")
)

// Journal appends accepted frames to a session recording that Replay
// can feed back later. Appends are buffered; durability follows the
// sync interval, with zero meaning an fsync on every append.
type Journal struct {
	mu     sync.Mutex
	file   *os.File
	buf    *bufio.Writer
	path   string
	frames uint64
	closed bool

	syncEvery time.Duration
	stopCh    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// OpenJournal opens or creates the journal at path for appending. With
// syncEvery zero every append is flushed and fsynced before returning;
// with a positive interval a background goroutine syncs on that cadence
// and a crash can lose at most the last interval of frames.
func OpenJournal(path string, syncEvery time.Duration) (*Journal, error) {
	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	j := &Journal{
		file:      file,
		buf:       bufio.NewWriterSize(file, 256<<10),
		path:      path,
		syncEvery: syncEvery,
		stopCh:    make(chan struct{}),
	}
	if syncEvery > 0 {
		j.wg.Add(1)
		go j.syncLoop()
	}
	return j, nil
}

func (j *Journal) syncLoop() {
	defer j.wg.Done()
	ticker := time.NewTicker(j.syncEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			j.Sync()
		case <-j.stopCh:
			return
		}
	}
}

// Append records one frame.
func (j *Journal) Append(f *core.PosedFrame) error {
	payload, err := core.EncodeFrame(f)
	if err != nil {
		return fmt.Errorf("journal append: %w", err)
	}

	header := make([]byte, recordHeaderSize)
	header[0] = journalMagic
	header[1] = recordFrame
	binary.LittleEndian.PutUint32(header[2:6], uint32(len(payload)))
	binary.LittleEndian.PutUint32(header[6:10], crc32.ChecksumIEEE(payload))

	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return ErrJournalClosed
	}
	if _, err := j.buf.Write(header); err != nil {
		return fmt.Errorf("journal append: %w", err)
	}
	if _, err := j.buf.Write(payload); err != nil {
		return fmt.Errorf("journal append: %w", err)
	}
	j.frames++

	if j.syncEvery == 0 {
		if err := j.buf.Flush(); err != nil {
			return fmt.Errorf("journal flush: %w", err)
		}
		if err := j.file.Sync(); err != nil {
			return fmt.Errorf("journal sync: %w", err)
		}
	}
	return nil
}

// Sync flushes buffered records and forces them to disk.
func (j *Journal) Sync() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return ErrJournalClosed
	}
	if err := j.buf.Flush(); err != nil {
		return fmt.Errorf("journal flush: %w", err)
	}
	if err := j.file.Sync(); err != nil {
		return fmt.Errorf("journal sync: %w", err)
	}
	return nil
}

// Frames returns how many frames this handle has appended.
func (j *Journal) Frames() uint64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.frames
}

// Path returns the journal file path.
func (j *Journal) Path() string { return j.path }

// Close flushes, syncs and closes the journal. Idempotent.
func (j *Journal) Close() error {
	var err error
	j.closeOnce.Do(func() {
		close(j.stopCh)
		j.wg.Wait()

		j.mu.Lock()
		defer j.mu.Unlock()
		j.closed = true
		if ferr := j.buf.Flush(); ferr != nil {
			err = ferr
			j.file.Close()
			return
		}
		if serr := j.file.Sync(); serr != nil {
			err = serr
			j.file.Close()
			return
		}
		err = j.file.Close()
	})
	return err
}

// ReplayJournal reads a session recording and hands each frame to fn in
// recorded order. It returns the number of frames delivered. A torn
// final record ends the replay without error, matching what a crash
// leaves behind; damage earlier in the file returns ErrCorruptJournal.
// An error from fn aborts the replay and is returned as-is.
func ReplayJournal(path string, fn func(*core.PosedFrame) error) (int, error) {
	file, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("open journal: %w", err)
	}
	defer file.Close()

	r := bufio.NewReaderSize(file, 256<<10)
	count := 0
	offset := int64(0)
	for {
		header := make([]byte, recordHeaderSize)
		if _, err := io.ReadFull(r, header); err != nil {
			// Clean EOF ends the journal; a partial header is a torn
			// tail from a crashed writer.
			if err == io.EOF || errors.Is(err, io.ErrUnexpectedEOF) {
				return count, nil
			}
			return count, fmt.Errorf("read journal: %w", err)
		}
		if header[0] != journalMagic {
			return count, fmt.Errorf("%w: bad record magic %#x at offset %d", ErrCorruptJournal, header[0], offset)
		}
		if header[1] != recordFrame {
			return count, fmt.Errorf("%w: unknown record kind %#x at offset %d", ErrCorruptJournal, header[1], offset)
		}
		length := binary.LittleEndian.Uint32(header[2:6])
		if length > maxJournalPayload {
			return count, fmt.Errorf("%w: record of %d bytes at offset %d", ErrCorruptJournal, length, offset)
		}
		wantCRC := binary.LittleEndian.Uint32(header[6:10])

		payload := make([]byte, length)
		if _, err := io.ReadFull(r, payload); err != nil {
			// Torn tail.
			if err == io.EOF || errors.Is(err, io.ErrUnexpectedEOF) {
				return count, nil
			}
			return count, fmt.Errorf("read journal: %w", err)
		}
		if got := crc32.ChecksumIEEE(payload); got != wantCRC {
			return count, fmt.Errorf("%w: crc mismatch at offset %d", ErrCorruptJournal, offset)
		}

		frame, err := core.DecodeFrame(payload)
		if err != nil {
			return count, fmt.Errorf("%w: undecodable frame at offset %d: %v", ErrCorruptJournal, offset, err)
		}
		if err := fn(frame); err != nil {
			return count, err
		}
		count++
		offset += int64(recordHeaderSize) + int64(length)
	}
}
