package selector

import (
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/momentics/hioload-io/api"
	"github.com/momentics/hioload-io/buffer"
	"github.com/momentics/hioload-io/codec"
	"github.com/momentics/hioload-io/control"
	"github.com/momentics/hioload-io/filter"
	"github.com/momentics/hioload-io/session"
)

type fakeService struct {
	mu      sync.Mutex
	removed []uint64
}

func (s *fakeService) Handler() session.IoHandler { return nil }
func (s *fakeService) RemoveSession(id uint64) {
	s.mu.Lock()
	s.removed = append(s.removed, id)
	s.mu.Unlock()
}

type recordingHandler struct {
	gotMsg       chan []byte
	gotIdle      chan api.IdleKind
	gotClosed    chan struct{}
	gotException chan error
	echo         bool

	closeOnException bool
}

func newRecordingHandler() *recordingHandler {
	return &recordingHandler{
		gotMsg:       make(chan []byte, 8),
		gotIdle:      make(chan api.IdleKind, 8),
		gotClosed:    make(chan struct{}, 4),
		gotException: make(chan error, 4),
	}
}

func (h *recordingHandler) SessionCreated(s *session.Session) {}
func (h *recordingHandler) SessionOpened(s *session.Session)  {}
func (h *recordingHandler) SessionClosed(s *session.Session) {
	h.gotClosed <- struct{}{}
}
func (h *recordingHandler) SessionIdle(s *session.Session, kind api.IdleKind) {
	h.gotIdle <- kind
}
func (h *recordingHandler) MessageReceived(s *session.Session, msg any) {
	b, _ := msg.([]byte)
	if h.echo {
		s.Write(append([]byte(nil), b...))
	}
	h.gotMsg <- b
}
func (h *recordingHandler) MessageSent(s *session.Session, msg any) {}
func (h *recordingHandler) ExceptionCaught(s *session.Session, cause error) {
	h.gotException <- cause
	if h.closeOnException {
		s.Close(true)
	}
}

func newTestProcessor(t *testing.T) *SelectorProcessor {
	t.Helper()
	p, err := NewSelectorProcessor(0, zap.NewNop())
	if err != nil {
		t.Fatalf("NewSelectorProcessor: %v", err)
	}
	t.Cleanup(p.Stop)
	return p
}

func TestEchoOverRealSocket(t *testing.T) {
	p := newTestProcessor(t)
	svc := &fakeService{}
	handler := newRecordingHandler()
	handler.echo = true

	ln, err := net.ListenTCP("tcp", &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	newSession := func(conn net.Conn) *session.Session {
		chain := filter.New(handler, zap.NewNop())
		return session.New(conn, svc, p, chain)
	}
	p.Bind(&ServerBinding{Listener: ln, Addr: ln.Addr().String(), NewSession: newSession})

	conn, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	if _, err := conn.Write([]byte("hello")); err != nil {
		t.Fatalf("write: %v", err)
	}

	select {
	case got := <-handler.gotMsg:
		if string(got) != "hello" {
			t.Fatalf("got %q, want hello", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for MessageReceived")
	}

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 5)
	n, err := conn.Read(buf)
	if err != nil {
		t.Fatalf("read echo: %v", err)
	}
	if string(buf[:n]) != "hello" {
		t.Fatalf("echoed %q, want hello", buf[:n])
	}
}

// alwaysFailState is a DecodingState that rejects any input as
// malformed, used to drive the decode-error -> ExceptionCaught path
// deterministically.
type alwaysFailState struct{}

var errMalformed = errors.New("malformed frame")

func (alwaysFailState) Decode(in *buffer.Buffer, out *codec.Output) (codec.DecodingState, error) {
	return nil, errMalformed
}

func (alwaysFailState) FinishDecode(out *codec.Output) (codec.DecodingState, error) {
	return nil, errMalformed
}

func TestExceptionCaughtClosesSessionExactlyOnce(t *testing.T) {
	p := newTestProcessor(t)
	svc := &fakeService{}
	handler := newRecordingHandler()
	handler.closeOnException = true

	ln, err := net.ListenTCP("tcp", &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	newSession := func(conn net.Conn) *session.Session {
		chain := filter.New(handler, zap.NewNop())
		s := session.New(conn, svc, p, chain)
		s.SetDecoder(codec.New(func() (codec.DecodingState, error) {
			return alwaysFailState{}, nil
		}, nil, nil))
		return s
	}
	p.Bind(&ServerBinding{Listener: ln, Addr: ln.Addr().String(), NewSession: newSession})

	conn, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	if _, err := conn.Write([]byte("x")); err != nil {
		t.Fatalf("write: %v", err)
	}

	select {
	case cause := <-handler.gotException:
		if cause == nil {
			t.Fatal("ExceptionCaught called with nil cause")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for ExceptionCaught")
	}

	select {
	case <-handler.gotClosed:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for SessionClosed")
	}

	select {
	case <-handler.gotClosed:
		t.Fatal("SessionClosed fired more than once")
	case <-time.After(200 * time.Millisecond):
	}
}

func TestBackpressureWritesCompleteInFIFOOrder(t *testing.T) {
	p := newTestProcessor(t)
	svc := &fakeService{}
	handler := newRecordingHandler()

	ln, err := net.ListenTCP("tcp", &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	sessCh := make(chan *session.Session, 1)
	newSession := func(conn net.Conn) *session.Session {
		chain := filter.New(handler, zap.NewNop())
		s := session.New(conn, svc, p, chain)
		sessCh <- s
		return s
	}
	p.Bind(&ServerBinding{Listener: ln, Addr: ln.Addr().String(), NewSession: newSession})

	conn, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	var s *session.Session
	select {
	case s = <-sessCh:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for server-side session")
	}

	big := make([]byte, 4<<20)
	for i := range big {
		big[i] = byte(i)
	}
	small := []byte("tail")

	f1 := s.Write(big)
	f2 := s.Write(small)

	// With the client not reading yet, a single non-blocking probe can't
	// push 4MiB through a loopback socket buffer in one shot, so f1
	// should still be pending — this is what exercises the partial-write
	// / EPOLLOUT-rearm path rather than a one-shot full write.
	time.Sleep(50 * time.Millisecond)
	if f1.IsDone() {
		t.Skip("large write completed before the client read anything; socket buffers on this host are larger than the test payload")
	}
	if f2.IsDone() {
		t.Fatal("second write future completed before the first — FIFO order violated")
	}

	got := make([]byte, 0, len(big)+len(small))
	done := make(chan struct{})
	go func() {
		defer close(done)
		buf := make([]byte, 64*1024)
		for len(got) < len(big)+len(small) {
			_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
			n, err := conn.Read(buf)
			if n > 0 {
				got = append(got, buf[:n]...)
			}
			if err != nil {
				return
			}
		}
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out draining client side")
	}

	if !f1.AwaitTimeout(2*time.Second) || !f1.IsSuccess() {
		t.Fatalf("large write future: success=%v cause=%v", f1.IsSuccess(), f1.Cause())
	}
	if !f2.AwaitTimeout(2*time.Second) || !f2.IsSuccess() {
		t.Fatalf("small write future: success=%v cause=%v", f2.IsSuccess(), f2.Cause())
	}
	if len(got) != len(big)+len(small) {
		t.Fatalf("client received %d bytes, want %d", len(got), len(big)+len(small))
	}
	if string(got[len(big):]) != "tail" {
		t.Fatal("writes were not delivered in FIFO order")
	}
}

func TestIdleFiresAfterThreshold(t *testing.T) {
	p := newTestProcessor(t)
	svc := &fakeService{}
	handler := newRecordingHandler()

	ln, err := net.ListenTCP("tcp", &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	newSession := func(conn net.Conn) *session.Session {
		chain := filter.New(handler, zap.NewNop())
		s := session.New(conn, svc, p, chain)
		s.SetIdleThreshold(api.IdleReader, 200*time.Millisecond)
		return s
	}
	p.Bind(&ServerBinding{Listener: ln, Addr: ln.Addr().String(), NewSession: newSession})

	conn, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	select {
	case kind := <-handler.gotIdle:
		if kind != api.IdleReader {
			t.Fatalf("got idle kind %v, want reader", kind)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for SessionIdle")
	}
}

func TestUseConfigStoreAppliesAndHotReloadsSelectTimeoutAndReadBuffer(t *testing.T) {
	p, err := NewSelectorProcessor(0, zap.NewNop())
	if err != nil {
		t.Fatalf("new processor: %v", err)
	}
	defer p.Stop()

	cs := control.NewConfigStore()
	cs.SetConfig(map[string]any{
		"selector.select_timeout_ms": int64(50),
		"selector.read_buffer_bytes": int64(4096),
	})
	p.UseConfigStore(cs)

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if p.idleEvery == 50*time.Millisecond && p.readBuf.Capacity() == 4096 {
			break
		}
		time.Sleep(time.Millisecond)
	}
	if p.idleEvery != 50*time.Millisecond {
		t.Fatalf("select timeout after initial apply = %v, want 50ms", p.idleEvery)
	}
	if p.readBuf.Capacity() != 4096 {
		t.Fatalf("read buffer capacity after initial apply = %d, want 4096", p.readBuf.Capacity())
	}

	cs.SetConfig(map[string]any{
		"selector.select_timeout_ms": int64(250),
		"selector.read_buffer_bytes": int64(8192),
	})

	deadline = time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if p.idleEvery == 250*time.Millisecond && p.readBuf.Capacity() == 8192 {
			break
		}
		time.Sleep(time.Millisecond)
	}
	if p.idleEvery != 250*time.Millisecond {
		t.Fatalf("select timeout after reload = %v, want 250ms", p.idleEvery)
	}
	if p.readBuf.Capacity() != 8192 {
		t.Fatalf("read buffer capacity after reload = %d, want 8192", p.readBuf.Capacity())
	}
}
