package receiver

import (
	"context"
	"errors"
	"io"
	"net"
	"os"
	"path/filepath"
	"sync/atomic"

	"github.com/google/uuid"
	pkgerrors "github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/scenecast/scenecast/internal/broadcast"
	"github.com/scenecast/scenecast/internal/observability"
	"github.com/scenecast/scenecast/internal/scene"
	"github.com/scenecast/scenecast/internal/status"
	"github.com/scenecast/scenecast/internal/wire"
)

// session owns one accepted producer connection from accept to close. It
// reassembles frames, stages each payload, drives the decoder, and publishes
// successful decodes. A decode failure is local to its frame; a frame or I/O
// failure ends the session.
type session struct {
	id   string
	conn *net.TCPConn

	frames    *wire.FrameReader
	opts      options
	logger    observability.Logger
	status    *status.Aggregator
	snapshots *broadcast.Broadcaster[scene.Handle]

	closed atomic.Bool
}

func newSession(conn *net.TCPConn, opts options, logger observability.Logger,
	agg *status.Aggregator, snapshots *broadcast.Broadcaster[scene.Handle]) *session {

	return &session{
		id:        uuid.NewString(),
		conn:      conn,
		frames:    wire.NewFrameReader(conn, opts.maxFrameBytes),
		opts:      opts,
		logger:    logger,
		status:    agg,
		snapshots: snapshots,
	}
}

// run drives the session until the peer closes, an unrecoverable frame error
// occurs, or ctx is canceled. Frame reassembly and decoding run as separate
// tasks so decoding frame N overlaps reading frame N+1; the unbuffered
// handoff keeps decodes in strict arrival order.
func (s *session) run(ctx context.Context) error {
	addr := s.conn.RemoteAddr()
	s.logger.Info("producer connected", "session", s.id, "addr", addr)
	s.status.Infof("Connected: %s", addr)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		// Unblock the pending read when the session is canceled.
		<-ctx.Done()
		s.closeConn()
	}()

	payloads := make(chan []byte)
	group, child := errgroup.WithContext(ctx)

	group.Go(func() error {
		return s.readLoop(child, payloads)
	})

	group.Go(func() error {
		return s.decodeLoop(child, payloads)
	})

	err := group.Wait()
	s.closeConn()

	switch {
	case err == nil:
		s.status.Infof("Producer disconnected: %s", addr)
		s.logger.Info("session closed", "session", s.id)
	case errors.Is(err, context.Canceled):
		s.logger.Info("session canceled", "session", s.id)
	default:
		s.logger.Info("session closed with error", "session", s.id, "error", err)
	}
	return err
}

// readLoop reassembles frames and hands payloads to the decode loop.
func (s *session) readLoop(ctx context.Context, payloads chan<- []byte) error {
	defer close(payloads)

	for {
		payload, err := s.frames.Next()
		switch {
		case err == nil:
		case err == io.EOF:
			// Peer closed cleanly between frames.
			return nil
		case errors.Is(err, wire.ErrInvalidLength) || errors.Is(err, wire.ErrTruncatedFrame):
			s.status.Errorf("Receive failed: %v", err)
			return err
		default:
			if ctx.Err() != nil || s.closed.Load() {
				// The socket was closed under us by cancellation.
				return ctx.Err()
			}
			s.status.Errorf("Receive failed: %v", err)
			return err
		}

		observability.FramesTotal.Inc()
		observability.FrameBytes.Add(float64(len(payload)))
		s.status.Progressf("Streaming: %d KB", kb(len(payload)))

		select {
		case payloads <- payload:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// decodeLoop decodes payloads in arrival order until the read loop finishes.
func (s *session) decodeLoop(ctx context.Context, payloads <-chan []byte) error {
	for {
		select {
		case payload, ok := <-payloads:
			if !ok {
				return nil
			}
			s.decodeOne(ctx, payload)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// decodeOne stages and decodes one payload. Failures are reported and
// swallowed; a bad frame never ends the session.
func (s *session) decodeOne(ctx context.Context, payload []byte) {
	handle, err := s.decode(ctx, payload)
	if err != nil {
		observability.DecodeErrorsTotal.Inc()
		s.logger.Error("decode failed", "session", s.id, "bytes", len(payload), "error", err)
		s.status.Errorf("Decode failed: %v", err)
		return
	}
	if ctx.Err() != nil {
		// Decode finished after cancellation; the result must not be
		// published.
		return
	}

	s.snapshots.Publish(handle)
	observability.SnapshotsPublishedTotal.Inc()
	s.logger.Info("snapshot published", "session", s.id, "name", handle.Name(), "bytes", len(payload))
	s.status.Infof("Loaded: %s (%d KB)", handle.Name(), kb(len(payload)))
}

// decode writes the payload to a fresh staging directory, invokes the
// decoder, and removes the staging directory on every path.
func (s *session) decode(ctx context.Context, payload []byte) (scene.Handle, error) {
	dir, err := os.MkdirTemp(s.opts.stagingDir, "scenecast-*")
	if err != nil {
		return nil, pkgerrors.Wrap(err, "stage snapshot")
	}
	defer func() {
		if err := os.RemoveAll(dir); err != nil {
			s.logger.Warn("staging cleanup failed", "session", s.id, "dir", dir, "error", err)
		}
	}()

	staged := filepath.Join(dir, "snapshot.usdz")
	if err := os.WriteFile(staged, payload, 0o600); err != nil {
		return nil, pkgerrors.Wrap(err, "stage snapshot")
	}

	return s.opts.decoder.Decode(ctx, staged)
}

// closeConn closes the underlying connection once.
func (s *session) closeConn() {
	if s.closed.Swap(true) {
		return
	}
	_ = s.conn.Close()
}

// kb reports n in whole kilobytes, rounding up so a non-empty payload is
// never reported as 0 KB.
func kb(n int) int {
	return (n + 1023) / 1024
}
