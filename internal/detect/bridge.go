package detect

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vmihailenco/msgpack/v5"
)

// ErrBridgeClosed is returned for calls made after the detector process
// exited or the bridge was closed.
var ErrBridgeClosed = errors.New("detection bridge is closed")

// maxMessageSize bounds a single length-prefixed message.
const maxMessageSize = 32 << 20

// BridgeConfig describes the external detection process.
type BridgeConfig struct {
	// Command and Args start the detector, e.g. a Python tracker script.
	Command string
	Args    []string
	// Confidence is the minimum detection confidence forwarded to the process.
	Confidence float64
	// RequestTimeout bounds one Detect call. Zero selects 5s.
	RequestTimeout time.Duration
}

type bridgeRequest struct {
	ID         uint64  `msgpack:"id"`
	StreamID   string  `msgpack:"stream_id"`
	Frame      []byte  `msgpack:"frame"`
	Confidence float64 `msgpack:"confidence"`
}

type bridgeResponse struct {
	ID        uint64     `msgpack:"id"`
	Trackings []Tracking `msgpack:"trackings"`
	Error     string     `msgpack:"error"`
}

// Bridge talks to a detection and tracking process over its stdin and stdout.
// Each message is a 4-byte big-endian length followed by a msgpack body.
// Requests carry an id so several processing workers can have calls in
// flight at once; the process may answer in any order.
type Bridge struct {
	w       io.WriteCloser
	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[uint64]chan bridgeResponse
	closed  bool
	lastErr error

	nextID     atomic.Uint64
	confidence float64
	timeout    time.Duration
	logger     *slog.Logger

	cmd       *exec.Cmd
	exited    chan struct{}
	closeOnce sync.Once
}

// StartBridge launches the detector process and returns a Bridge connected to it.
func StartBridge(cfg BridgeConfig, logger *slog.Logger) (*Bridge, error) {
	if cfg.Command == "" {
		return nil, fmt.Errorf("detector command is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	cmd := exec.Command(cfg.Command, cfg.Args...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open detector stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open detector stdout: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open detector stderr: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start detector %q: %w", cfg.Command, err)
	}

	b := newBridge(stdin, stdout, cfg, logger)
	b.cmd = cmd

	go b.logStderr(stderr)
	go func() {
		err := cmd.Wait()
		b.fail(fmt.Errorf("%w: detector process exited: %v", ErrBridgeClosed, err))
		close(b.exited)
		if err != nil {
			b.logger.Error("Detector process exited", "error", err)
		} else {
			b.logger.Info("Detector process exited")
		}
	}()

	logger.Info("Detector process started", "command", cfg.Command, "pid", cmd.Process.Pid)
	return b, nil
}

func newBridge(w io.WriteCloser, r io.Reader, cfg BridgeConfig, logger *slog.Logger) *Bridge {
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	b := &Bridge{
		w:          w,
		pending:    make(map[uint64]chan bridgeResponse),
		confidence: cfg.Confidence,
		timeout:    timeout,
		logger:     logger,
		exited:     make(chan struct{}),
	}
	go b.readLoop(r)
	return b
}

// Detect sends the frame to the process and waits for its trackings.
func (b *Bridge) Detect(ctx context.Context, streamID string, frame []byte) ([]Tracking, error) {
	id := b.nextID.Add(1)
	reply := make(chan bridgeResponse, 1)

	b.mu.Lock()
	if b.closed {
		err := b.lastErr
		b.mu.Unlock()
		return nil, err
	}
	b.pending[id] = reply
	b.mu.Unlock()

	payload, err := msgpack.Marshal(bridgeRequest{
		ID:         id,
		StreamID:   streamID,
		Frame:      frame,
		Confidence: b.confidence,
	})
	if err != nil {
		b.forget(id)
		return nil, fmt.Errorf("failed to encode detection request: %w", err)
	}

	b.writeMu.Lock()
	err = writeMessage(b.w, payload)
	b.writeMu.Unlock()
	if err != nil {
		b.forget(id)
		return nil, fmt.Errorf("failed to send frame to detector: %w", err)
	}

	timer := time.NewTimer(b.timeout)
	defer timer.Stop()

	select {
	case resp, ok := <-reply:
		if !ok {
			return nil, b.err()
		}
		if resp.Error != "" {
			return nil, fmt.Errorf("detector: %s", resp.Error)
		}
		return resp.Trackings, nil
	case <-timer.C:
		b.forget(id)
		return nil, fmt.Errorf("detection request %d timed out after %v", id, b.timeout)
	case <-ctx.Done():
		b.forget(id)
		return nil, ctx.Err()
	}
}

// Close stops the detector. Closing stdin asks the process to exit; it is
// killed if it is still running after two seconds.
func (b *Bridge) Close() error {
	var err error
	b.closeOnce.Do(func() {
		err = b.w.Close()
		b.fail(ErrBridgeClosed)
		if b.cmd == nil {
			return
		}
		select {
		case <-b.exited:
		case <-time.After(2 * time.Second):
			b.logger.Warn("Detector process did not exit, killing it", "pid", b.cmd.Process.Pid)
			if kerr := b.cmd.Process.Kill(); kerr != nil {
				err = errors.Join(err, kerr)
			}
		}
	})
	return err
}

// InFlight returns the number of requests awaiting a reply.
func (b *Bridge) InFlight() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

func (b *Bridge) readLoop(r io.Reader) {
	br := bufio.NewReader(r)
	for {
		payload, err := readMessage(br)
		if err != nil {
			if errors.Is(err, io.EOF) {
				err = ErrBridgeClosed
			} else {
				err = fmt.Errorf("%w: %v", ErrBridgeClosed, err)
			}
			b.fail(err)
			return
		}

		var resp bridgeResponse
		if err := msgpack.Unmarshal(payload, &resp); err != nil {
			b.logger.Error("Failed to decode detector response", "error", err, "size", len(payload))
			continue
		}

		b.mu.Lock()
		reply, ok := b.pending[resp.ID]
		delete(b.pending, resp.ID)
		b.mu.Unlock()

		if !ok {
			b.logger.Debug("Dropping detector response for unknown request", "request_id", resp.ID)
			continue
		}
		reply <- resp
	}
}

func (b *Bridge) logStderr(r io.Reader) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.Contains(line, "ERROR"), strings.Contains(line, "CRITICAL"):
			b.logger.Error("Detector", "output", line)
		case strings.Contains(line, "WARN"):
			b.logger.Warn("Detector", "output", line)
		default:
			b.logger.Debug("Detector", "output", line)
		}
	}
}

// fail closes the bridge for new calls and releases every waiting caller.
func (b *Bridge) fail(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	b.lastErr = err
	for id, reply := range b.pending {
		close(reply)
		delete(b.pending, id)
	}
}

func (b *Bridge) forget(id uint64) {
	b.mu.Lock()
	delete(b.pending, id)
	b.mu.Unlock()
}

func (b *Bridge) err() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.lastErr != nil {
		return b.lastErr
	}
	return ErrBridgeClosed
}

func writeMessage(w io.Writer, payload []byte) error {
	var header [4]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(payload)))
	if _, err := w.Write(header[:]); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}

func readMessage(r io.Reader) ([]byte, error) {
	var header [4]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}
	size := binary.BigEndian.Uint32(header[:])
	if size > maxMessageSize {
		return nil, fmt.Errorf("message of %d bytes exceeds limit of %d", size, maxMessageSize)
	}
	payload := make([]byte, size)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, err
	}
	return payload, nil
}
