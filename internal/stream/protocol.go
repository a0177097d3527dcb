// Package stream implements the TCP transport robots push posed frames
// over. Each frame travels as one length-prefixed binary envelope with a
// CRC32 checksum wrapping the payload produced by core.EncodeFrame; the
// receiver answers every frame with a one-byte status so the sender
// knows whether to retry, drop, or fix its output.
package stream

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
)

// Wire constants. All integers are little-endian.
const (
	// streamMagic reads as ASCII "SFM1" on the wire.
	streamMagic   uint32 = 0x314D4653
	streamVersion uint16 = 1

	// envelopeSize is the fixed prefix of every frame:
	// [Magic(4)][Version(2)][Length(4)][CRC32(4)] = 14 bytes.
	// The checksum covers the payload only.
	envelopeSize = 14

	// maxReasonLen truncates response reasons so a response always fits
	// in a few packets.
	maxReasonLen = 1024
)

var (
	// ErrInvalidMagic indicates the stream lost synchronization or the
	// peer is not speaking this protocol.
	ErrInvalidMagic = errors.New("stream: invalid envelope magic")
	// ErrUnsupportedVersion indicates a protocol version this build does
	// not understand.
	ErrUnsupportedVersion = errors.New("stream: unsupported protocol version")
	// ErrFrameTooLarge rejects a declared payload above the configured limit.
	ErrFrameTooLarge = errors.New("stream: frame exceeds size limit")
	// ErrChecksumMismatch indicates the payload was damaged in transit.
	ErrChecksumMismatch = errors.New("stream: crc32 checksum mismatch")
	// ErrIncompleteFrame indicates the connection ended mid-frame.
	ErrIncompleteFrame = errors.New("stream: incomplete frame")
)

// Status is the receiver's verdict on one frame.
type Status uint8

const (
	// StatusAccepted means the frame entered the ingestion queue.
	StatusAccepted Status = 0x00
	// StatusRejected means a well-formed frame was turned away, for
	// example because the queue is full or the viewpoint is redundant.
	// The sender may retry a full-queue rejection later.
	StatusRejected Status = 0x01
	// StatusInvalid means the frame could not be decoded or validated.
	// Retrying the same bytes will fail again.
	StatusInvalid Status = 0x02
)

func (s Status) String() string {
	switch s {
	case StatusAccepted:
		return "accepted"
	case StatusRejected:
		return "rejected"
	case StatusInvalid:
		return "invalid"
	default:
		return fmt.Sprintf("status(%d)", uint8(s))
	}
}

// writeEnvelope frames the payload and writes it to w.
func writeEnvelope(w io.Writer, payload []byte) error {
	header := make([]byte, envelopeSize)
	binary.LittleEndian.PutUint32(header[0:4], streamMagic)
	binary.LittleEndian.PutUint16(header[4:6], streamVersion)
	binary.LittleEndian.PutUint32(header[6:10], uint32(len(payload)))
	binary.LittleEndian.PutUint32(header[10:14], crc32.ChecksumIEEE(payload))
	if _, err := w.Write(header); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}

// readEnvelope reads one frame envelope and returns the verified payload.
// A clean EOF before the first header byte is returned as io.EOF so the
// caller can tell an orderly disconnect from a truncated frame.
func readEnvelope(r io.Reader, maxPayload int) ([]byte, error) {
	header := make([]byte, envelopeSize)
	if _, err := io.ReadFull(r, header); err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, ErrIncompleteFrame
	}
	if magic := binary.LittleEndian.Uint32(header[0:4]); magic != streamMagic {
		return nil, fmt.Errorf("%w: %#x", ErrInvalidMagic, magic)
	}
	if v := binary.LittleEndian.Uint16(header[4:6]); v != streamVersion {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedVersion, v)
	}
	length := binary.LittleEndian.Uint32(header[6:10])
	if int64(length) > int64(maxPayload) {
		return nil, fmt.Errorf("%w: %d bytes (limit %d)", ErrFrameTooLarge, length, maxPayload)
	}
	wantCRC := binary.LittleEndian.Uint32(header[10:14])

	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, ErrIncompleteFrame
	}
	if got := crc32.ChecksumIEEE(payload); got != wantCRC {
		return nil, fmt.Errorf("%w: got %#x want %#x", ErrChecksumMismatch, got, wantCRC)
	}
	return payload, nil
}

// writeResponse writes the per-frame verdict: [Status(1)][ReasonLen(2)][Reason].
func writeResponse(w io.Writer, st Status, reason string) error {
	if len(reason) > maxReasonLen {
		reason = reason[:maxReasonLen]
	}
	buf := make([]byte, 3+len(reason))
	buf[0] = byte(st)
	binary.LittleEndian.PutUint16(buf[1:3], uint16(len(reason)))
	copy(buf[3:], reason)
	_, err := w.Write(buf)
	return err
}

// readResponse reads the verdict for one previously sent frame.
func readResponse(r io.Reader) (Status, string, error) {
	header := make([]byte, 3)
	if _, err := io.ReadFull(r, header); err != nil {
		return 0, "", fmt.Errorf("stream: read response: %w", err)
	}
	n := binary.LittleEndian.Uint16(header[1:3])
	reason := make([]byte, n)
	if _, err := io.ReadFull(r, reason); err != nil {
		return 0, "", fmt.Errorf("stream: read response reason: %w", err)
	}
	return Status(header[0]), string(reason), nil
}
