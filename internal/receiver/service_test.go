package receiver

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/scenecast/scenecast/internal/broadcast"
	"github.com/scenecast/scenecast/internal/scene"
	"github.com/scenecast/scenecast/internal/wire"
)

// stubHandle implements scene.Handle for testing.
type stubHandle struct {
	name string
}

func (h stubHandle) Name() string { return h.name }

func (h stubHandle) Ready() bool { return true }

// stubDecoder implements scene.Decoder, failing on configured call numbers
// and recording the staging paths it was handed.
type stubDecoder struct {
	mu     sync.Mutex
	calls  int
	failOn map[int]bool
	staged []string
}

func (d *stubDecoder) Decode(ctx context.Context, path string) (scene.Handle, error) {
	d.mu.Lock()
	d.calls++
	n := d.calls
	d.staged = append(d.staged, path)
	fail := d.failOn[n]
	d.mu.Unlock()

	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("staged payload missing: %w", err)
	}
	if fail {
		return nil, errors.New("malformed payload")
	}
	return stubHandle{name: fmt.Sprintf("snapshot-%d", n)}, nil
}

func (d *stubDecoder) stagedPaths() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.staged...)
}

func startService(t *testing.T, opt ...Option) (*Service, string) {
	t.Helper()

	opts := append([]Option{WithDecoder(&stubDecoder{})}, opt...)
	svc, err := New(opts...)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if err := svc.Start("127.0.0.1:0"); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	t.Cleanup(svc.Close)

	return svc, svc.Addr().String()
}

func dialProducer(t *testing.T, addr string) net.Conn {
	t.Helper()

	conn, err := net.DialTimeout("tcp", addr, 2*time.Second)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func sendFrame(t *testing.T, conn net.Conn, payload []byte) {
	t.Helper()

	if err := wire.WriteFrame(conn, payload); err != nil {
		t.Fatalf("send frame: %v", err)
	}
}

func nextHandle(t *testing.T, sub *broadcast.Subscription[scene.Handle]) scene.Handle {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	h, err := sub.Next(ctx)
	if err != nil {
		t.Fatalf("awaiting snapshot: %v", err)
	}
	return h
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func waitForState(t *testing.T, svc *Service, want State) {
	t.Helper()
	waitFor(t, fmt.Sprintf("state %s", want), func() bool {
		return svc.State() == want
	})
}

func waitForStatus(t *testing.T, svc *Service, substr string) {
	t.Helper()
	waitFor(t, fmt.Sprintf("status containing %q", substr), func() bool {
		text, _ := svc.Status()
		return strings.Contains(text, substr)
	})
}

// expectClosed asserts the peer closed conn: reads drain to EOF.
func expectClosed(t *testing.T, conn net.Conn) {
	t.Helper()

	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	buf := make([]byte, 64)
	for {
		if _, err := conn.Read(buf); err != nil {
			return
		}
	}
}

func TestNew_RequiresDecoder(t *testing.T) {
	if _, err := New(); err != ErrInvalidDecoder {
		t.Errorf("expected ErrInvalidDecoder, got %v", err)
	}
}

func TestStartStopRestart(t *testing.T) {
	svc, _ := startService(t)

	if err := svc.Start("127.0.0.1:0"); err != ErrAlreadyStarted {
		t.Errorf("second Start: expected ErrAlreadyStarted, got %v", err)
	}

	svc.Stop()
	if got := svc.State(); got != StateIdle {
		t.Errorf("state after Stop = %s, want idle", got)
	}
	svc.Stop() // no-op

	if err := svc.Start("127.0.0.1:0"); err != nil {
		t.Errorf("restart failed: %v", err)
	}
}

func TestEndToEndStream(t *testing.T) {
	svc, addr := startService(t)
	sub := svc.Subscribe()
	defer sub.Cancel()

	conn := dialProducer(t, addr)
	payload := bytes.Repeat([]byte{0x42}, 1024)
	sendFrame(t, conn, payload)

	h := nextHandle(t, sub)
	if h.Name() != "snapshot-1" {
		t.Errorf("handle name = %q", h.Name())
	}
	if !h.Ready() {
		t.Error("handle should be ready")
	}

	waitForStatus(t, svc, "Loaded: snapshot-1 (1 KB)")
}

func TestDecodeIsolation(t *testing.T) {
	decoder := &stubDecoder{failOn: map[int]bool{1: true}}
	svc, addr := startService(t, WithDecoder(decoder))
	sub := svc.Subscribe()
	defer sub.Cancel()

	conn := dialProducer(t, addr)
	sendFrame(t, conn, []byte("malformed"))
	sendFrame(t, conn, []byte("wellformed"))

	// The bad frame must not end the session or publish anything; the
	// good frame right behind it is the first published snapshot.
	h := nextHandle(t, sub)
	if h.Name() != "snapshot-2" {
		t.Errorf("handle name = %q, want snapshot-2", h.Name())
	}
	if got := svc.State(); got != StateConnected {
		t.Errorf("state = %s, want connected", got)
	}
}

func TestInvalidLengthClosesSessionAndReaccepts(t *testing.T) {
	svc, addr := startService(t)
	sub := svc.Subscribe()
	defer sub.Cancel()

	conn := dialProducer(t, addr)
	// A zero length prefix is invalid; the session must close.
	if _, err := conn.Write(make([]byte, wire.HeaderSize)); err != nil {
		t.Fatalf("write: %v", err)
	}

	expectClosed(t, conn)

	// Nothing was published.
	short, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	if _, err := sub.Next(short); err != context.DeadlineExceeded {
		t.Errorf("no snapshot should be published, got %v", err)
	}

	// The listener re-enters accepting without a restart.
	waitForState(t, svc, StateAccepting)
	retry := dialProducer(t, addr)
	sendFrame(t, retry, []byte("recovered"))
	if h := nextHandle(t, sub); h.Name() != "snapshot-1" {
		t.Errorf("handle name = %q", h.Name())
	}
}

func TestOversizedFrameRejected(t *testing.T) {
	svc, addr := startService(t, WithMaxFrameBytes(64))

	conn := dialProducer(t, addr)
	sendFrame(t, conn, bytes.Repeat([]byte{1}, 65))

	expectClosed(t, conn)
	waitForState(t, svc, StateAccepting)
	waitForStatus(t, svc, "Waiting for connection")
}

func TestSingleProducerExclusivity(t *testing.T) {
	svc, addr := startService(t)
	sub := svc.Subscribe()
	defer sub.Cancel()

	first := dialProducer(t, addr)
	sendFrame(t, first, []byte("one"))
	nextHandle(t, sub)
	waitForState(t, svc, StateConnected)

	// A second producer is refused at the transport level.
	second := dialProducer(t, addr)
	expectClosed(t, second)

	// The first session is untouched.
	sendFrame(t, first, []byte("two"))
	if h := nextHandle(t, sub); h.Name() != "snapshot-2" {
		t.Errorf("handle name = %q", h.Name())
	}
}

func TestReconnectAfterPeerClose(t *testing.T) {
	svc, addr := startService(t)
	sub := svc.Subscribe()
	defer sub.Cancel()

	first := dialProducer(t, addr)
	sendFrame(t, first, []byte("one"))
	nextHandle(t, sub)

	first.Close()
	waitForState(t, svc, StateAccepting)

	second := dialProducer(t, addr)
	sendFrame(t, second, []byte("two"))
	if h := nextHandle(t, sub); h.Name() != "snapshot-2" {
		t.Errorf("handle name = %q", h.Name())
	}
}

func TestStopCancelsActiveSession(t *testing.T) {
	svc, addr := startService(t)

	conn := dialProducer(t, addr)
	waitForState(t, svc, StateConnected)

	done := make(chan struct{})
	go func() {
		svc.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("Stop did not return with an active session")
	}

	expectClosed(t, conn)
	if got := svc.State(); got != StateIdle {
		t.Errorf("state = %s, want idle", got)
	}
}

func TestBindFailure(t *testing.T) {
	// Occupy a port so the bind fails.
	occupied, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer occupied.Close()

	svc, err := New(WithDecoder(&stubDecoder{}))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer svc.Close()

	if err := svc.Start(occupied.Addr().String()); err == nil {
		t.Fatal("expected bind error")
	}
	if got := svc.State(); got != StateIdle {
		t.Errorf("state = %s, want idle", got)
	}
	if text, _ := svc.Status(); !strings.Contains(text, "Bind failed") {
		t.Errorf("status = %q", text)
	}

	// No retry is implied; a fresh Start is the recovery.
	if err := svc.Start("127.0.0.1:0"); err != nil {
		t.Errorf("fresh Start failed: %v", err)
	}
}

func TestCloseEndsSubscriptions(t *testing.T) {
	svc, _ := startService(t)
	sub := svc.Subscribe()

	svc.Close()

	if _, err := sub.Next(context.Background()); err != broadcast.ErrClosed {
		t.Errorf("expected ErrClosed, got %v", err)
	}
	if err := svc.Start("127.0.0.1:0"); err != ErrServiceClosed {
		t.Errorf("expected ErrServiceClosed, got %v", err)
	}
}

func TestStagingCleanup(t *testing.T) {
	decoder := &stubDecoder{failOn: map[int]bool{2: true}}
	svc, addr := startService(t, WithDecoder(decoder))
	sub := svc.Subscribe()
	defer sub.Cancel()

	conn := dialProducer(t, addr)
	sendFrame(t, conn, []byte("good"))
	nextHandle(t, sub)
	sendFrame(t, conn, []byte("bad"))
	waitForStatus(t, svc, "Decode failed")

	// Staged inputs are removed on success and on decode failure.
	waitFor(t, "staging cleanup", func() bool {
		for _, path := range decoder.stagedPaths() {
			if _, err := os.Stat(path); !os.IsNotExist(err) {
				return false
			}
		}
		return len(decoder.stagedPaths()) == 2
	})
}

func TestWatchStatusEvents(t *testing.T) {
	svc, addr := startService(t)
	watch := svc.Watch()
	defer watch.Cancel()

	dialProducer(t, addr)
	waitForState(t, svc, StateConnected)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	// The watch stream is latest-wins; whatever we observe must be a real
	// applied event with a timestamp.
	ev, err := watch.Next(ctx)
	if err != nil {
		t.Fatalf("Next failed: %v", err)
	}
	if ev.Message == "" || ev.Time.IsZero() {
		t.Errorf("unexpected event %+v", ev)
	}
}
