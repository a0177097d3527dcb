package stream

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/semafield/semafield/pkg/core"
)

// FrameSink receives decoded frames. A non-nil error turns into a
// rejected response on the wire; the engine's ingestion queue is the
// production sink.
type FrameSink interface {
	EnqueueFrame(*core.PosedFrame) error
}

// Options configures a Receiver.
type Options struct {
	// Addr is the TCP listen address, e.g. ":9090".
	Addr string
	// MaxPayloadBytes bounds a single frame payload. Larger declared
	// lengths are rejected before any allocation.
	MaxPayloadBytes int
	// ReadTimeout, when positive, is the per-frame read deadline. Zero
	// means connections may idle between frames indefinitely.
	ReadTimeout time.Duration
	// Logger defaults to slog.Default.
	Logger *slog.Logger
}

// DefaultOptions returns the receiver tuning used by the daemon unless
// configured otherwise. 32 MiB comfortably fits a 2000x1500 RGB frame.
func DefaultOptions() Options {
	return Options{
		Addr:            ":9090",
		MaxPayloadBytes: 32 << 20,
	}
}

// Receiver accepts robot connections and feeds decoded posed frames into
// a FrameSink. Each connection is served by its own goroutine; frames on
// one connection are processed strictly in order so the per-frame
// responses line up with the frames that produced them.
type Receiver struct {
	opts Options
	sink FrameSink
	log  *slog.Logger

	mu sync.Mutex
	ln net.Listener

	shutdownCh chan struct{}
	closeOnce  sync.Once
	wg         sync.WaitGroup
}

// NewReceiver creates a receiver. Call ListenAndServe (or Serve) to
// start accepting connections.
func NewReceiver(sink FrameSink, opts Options) (*Receiver, error) {
	if sink == nil {
		return nil, errors.New("stream: nil frame sink")
	}
	def := DefaultOptions()
	if opts.Addr == "" {
		opts.Addr = def.Addr
	}
	if opts.MaxPayloadBytes <= 0 {
		opts.MaxPayloadBytes = def.MaxPayloadBytes
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Receiver{
		opts:       opts,
		sink:       sink,
		log:        logger,
		shutdownCh: make(chan struct{}),
	}, nil
}

// ListenAndServe binds the configured address and serves until Close.
func (r *Receiver) ListenAndServe() error {
	ln, err := net.Listen("tcp", r.opts.Addr)
	if err != nil {
		return fmt.Errorf("bind frame stream on %s: %w", r.opts.Addr, err)
	}
	return r.Serve(ln)
}

// Serve runs the accept loop on ln. It returns nil after Close and an
// error for any other listener failure.
func (r *Receiver) Serve(ln net.Listener) error {
	r.mu.Lock()
	r.ln = ln
	r.mu.Unlock()

	r.log.Info("frame stream listening", "addr", ln.Addr().String())
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-r.shutdownCh:
				return nil
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("frame stream accept: %w", err)
		}
		r.wg.Add(1)
		go r.handleConn(conn)
	}
}

// Addr returns the bound listen address, or nil before Serve.
func (r *Receiver) Addr() net.Addr {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.ln == nil {
		return nil
	}
	return r.ln.Addr()
}

// Close stops the listener and waits for in-flight connection handlers
// to finish. Idempotent.
func (r *Receiver) Close() error {
	r.closeOnce.Do(func() {
		close(r.shutdownCh)
		r.mu.Lock()
		if r.ln != nil {
			r.ln.Close()
		}
		r.mu.Unlock()
	})
	r.wg.Wait()
	return nil
}

// handleConn reads frames until the peer disconnects or the stream
// desynchronizes. Envelope-level failures close the connection since
// frame boundaries can no longer be trusted; payload-level failures only
// fail the one frame.
func (r *Receiver) handleConn(conn net.Conn) {
	defer r.wg.Done()
	defer conn.Close()

	remote := conn.RemoteAddr().String()
	br := bufio.NewReaderSize(conn, 64<<10)
	bw := bufio.NewWriter(conn)
	frames := 0

	for {
		select {
		case <-r.shutdownCh:
			return
		default:
		}
		if r.opts.ReadTimeout > 0 {
			conn.SetReadDeadline(time.Now().Add(r.opts.ReadTimeout))
		}

		payload, err := readEnvelope(br, r.opts.MaxPayloadBytes)
		if err != nil {
			if errors.Is(err, io.EOF) {
				r.log.Debug("frame stream disconnected", "remote", remote, "frames", frames)
			} else {
				// Best-effort verdict; the peer may already be gone.
				writeResponse(bw, StatusInvalid, err.Error())
				bw.Flush()
				r.log.Warn("frame stream closing on bad envelope", "remote", remote, "error", err)
			}
			return
		}

		status, reason := StatusAccepted, ""
		frame, err := core.DecodeFrame(payload)
		if err != nil {
			status, reason = StatusInvalid, err.Error()
		} else if err := r.sink.EnqueueFrame(frame); err != nil {
			status, reason = StatusRejected, err.Error()
		}

		if err := writeResponse(bw, status, reason); err != nil {
			r.log.Warn("frame stream response write failed", "remote", remote, "error", err)
			return
		}
		if err := bw.Flush(); err != nil {
			r.log.Warn("frame stream response flush failed", "remote", remote, "error", err)
			return
		}
		frames++
	}
}
