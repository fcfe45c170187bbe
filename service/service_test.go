package service

import (
	"net"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/momentics/hioload-io/api"
	"github.com/momentics/hioload-io/control"
	"github.com/momentics/hioload-io/selector"
	"github.com/momentics/hioload-io/session"
)

type nopHandler struct{}

func (nopHandler) SessionCreated(s *session.Session)              {}
func (nopHandler) SessionOpened(s *session.Session)               {}
func (nopHandler) SessionClosed(s *session.Session)                {}
func (nopHandler) SessionIdle(s *session.Session, k api.IdleKind)  {}
func (nopHandler) MessageReceived(s *session.Session, msg any)     {}
func (nopHandler) MessageSent(s *session.Session, msg any)         {}
func (nopHandler) ExceptionCaught(s *session.Session, cause error) {}

type recordingListener struct {
	BaseListener
	bound   chan string
	added   chan uint64
	removed chan uint64
}

func newRecordingListener() *recordingListener {
	return &recordingListener{
		bound:   make(chan string, 4),
		added:   make(chan uint64, 4),
		removed: make(chan uint64, 4),
	}
}

func (l *recordingListener) ServiceBound(addr string)        { l.bound <- addr }
func (l *recordingListener) SessionAdded(s *session.Session) { l.added <- s.ID() }
func (l *recordingListener) SessionRemoved(s *session.Session) {
	l.removed <- s.ID()
}

func newTestPool(t *testing.T, n int) *selector.Strategy {
	t.Helper()
	procs := make([]*selector.SelectorProcessor, n)
	for i := range procs {
		p, err := selector.NewSelectorProcessor(i, zap.NewNop())
		if err != nil {
			t.Fatalf("NewSelectorProcessor: %v", err)
		}
		t.Cleanup(p.Stop)
		procs[i] = p
	}
	return selector.NewStrategy(selector.RoundRobin, procs...)
}

func TestBindNotifiesListenersAndTracksSessions(t *testing.T) {
	pool := newTestPool(t, 2)
	srv := NewIoServer(nopHandler{}, pool, zap.NewNop())
	l := newRecordingListener()
	srv.AddListener(l)

	if err := srv.Bind("127.0.0.1:0"); err != nil {
		t.Fatalf("Bind: %v", err)
	}

	var addr string
	select {
	case addr = <-l.bound:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for ServiceBound")
	}

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	select {
	case <-l.added:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for SessionAdded")
	}

	if got := len(srv.Sessions()); got != 1 {
		t.Fatalf("Sessions() len = %d, want 1", got)
	}

	conn.Close()

	select {
	case <-l.removed:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for SessionRemoved")
	}
}

func TestBindSameAddressTwiceFails(t *testing.T) {
	pool := newTestPool(t, 1)
	srv := NewIoServer(nopHandler{}, pool, zap.NewNop())
	if err := srv.Bind("127.0.0.1:0"); err != nil {
		t.Fatalf("first Bind: %v", err)
	}
	if err := srv.Bind("127.0.0.1:0"); err != api.ErrAlreadyBound {
		t.Fatalf("second Bind with the same address string: got %v, want ErrAlreadyBound", err)
	}
}

func TestBindRollsBackEarlierAddressesWhenALaterOneFails(t *testing.T) {
	pool := newTestPool(t, 1)
	srv := NewIoServer(nopHandler{}, pool, zap.NewNop())

	err := srv.Bind("127.0.0.1:0", "127.0.0.1:0")
	if err != api.ErrAlreadyBound {
		t.Fatalf("Bind with a repeated address: got %v, want ErrAlreadyBound", err)
	}

	srv.mu.RLock()
	got := len(srv.bound)
	srv.mu.RUnlock()
	if got != 0 {
		t.Fatalf("bound addresses after rollback = %d, want 0", got)
	}

	// A fresh Bind for the same literal address must now succeed, proving
	// the rollback removed the address from the server's bound set.
	if err := srv.Bind("127.0.0.1:0"); err != nil {
		t.Fatalf("Bind after rollback: %v", err)
	}
}

func TestUseConfigStoreAppliesAndHotReloadsIdleThresholds(t *testing.T) {
	pool := newTestPool(t, 1)
	srv := NewIoServer(nopHandler{}, pool, zap.NewNop())

	cs := control.NewConfigStore()
	cs.SetConfig(map[string]any{"idle.reader_ms": int64(50)})
	srv.UseConfigStore(cs)

	srv.mu.RLock()
	got := srv.idle[api.IdleReader]
	srv.mu.RUnlock()
	if got != 50*time.Millisecond {
		t.Fatalf("idle.reader threshold after initial apply = %v, want 50ms", got)
	}

	cs.SetConfig(map[string]any{"idle.reader_ms": int64(250)})

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		srv.mu.RLock()
		got = srv.idle[api.IdleReader]
		srv.mu.RUnlock()
		if got == 250*time.Millisecond {
			break
		}
		time.Sleep(time.Millisecond)
	}
	if got != 250*time.Millisecond {
		t.Fatalf("idle.reader threshold after reload = %v, want 250ms", got)
	}
}

func TestClientConnectSucceeds(t *testing.T) {
	pool := newTestPool(t, 1)
	srv := NewIoServer(nopHandler{}, pool, zap.NewNop())
	l := newRecordingListener()
	srv.AddListener(l)
	if err := srv.Bind("127.0.0.1:0"); err != nil {
		t.Fatalf("Bind: %v", err)
	}
	var addr string
	select {
	case addr = <-l.bound:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for bind")
	}

	clientProc, err := selector.NewSelectorProcessor(0, zap.NewNop())
	if err != nil {
		t.Fatalf("NewSelectorProcessor: %v", err)
	}
	t.Cleanup(clientProc.Stop)

	client := NewIoClient(nopHandler{}, clientProc, zap.NewNop())
	cf := client.Connect(addr)
	if !cf.AwaitTimeout(2 * time.Second) {
		t.Fatal("connect future did not complete in time")
	}
	if !cf.IsSuccess() {
		t.Fatalf("connect failed: %v", cf.Cause())
	}
}
