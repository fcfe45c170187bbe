package selector

import (
	"io"
	"net"
	"strconv"
	"sync/atomic"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/momentics/hioload-io/api"
	"github.com/momentics/hioload-io/buffer"
	"github.com/momentics/hioload-io/codec"
	"github.com/momentics/hioload-io/control"
	"github.com/momentics/hioload-io/internal/logging"
	"github.com/momentics/hioload-io/queue"
	"github.com/momentics/hioload-io/session"
)

// ServerBinding is a listening socket registered with a processor
// (directly, or via a Strategy fanning accepted connections out across
// a pool). NewSession builds the Session for a freshly accepted
// connection; the caller (typically a Service) closes over its
// IoHandler, filter chain template, and idle configuration.
type ServerBinding struct {
	Listener   *net.TCPListener
	Addr       string
	Strategy   *Strategy
	NewSession func(conn net.Conn) *session.Session
}

type serverEntry struct {
	binding *ServerBinding
	fd      int
}

// SelectorProcessor owns one readiness Backend and one worker
// goroutine. All socket I/O and all mutation of servers/sessions/
// writeInterest happens exclusively on that worker goroutine; every
// other method below only ever appends to an intake queue and wakes
// the backend, so callers never race with the worker.
type SelectorProcessor struct {
	id      int
	backend Backend
	log     *zap.Logger
	readBuf *buffer.Buffer

	serverAdd      *queue.Queue[*ServerBinding]
	serverRemove   *queue.Queue[string]
	sessionConnect *queue.Queue[*session.Session]
	sessionClose   *queue.Queue[*session.Session]
	flush          *queue.Queue[*session.Session]

	servers       map[int]*serverEntry
	sessions      map[int]*session.Session
	writeInterest map[int]bool

	load atomic.Int64

	metrics *control.MetricsRegistry

	reconfig *queue.Queue[ProcessorConfig]

	idleEvery time.Duration
	stopCh    chan struct{}
	doneCh    chan struct{}
}

// ProcessorConfig holds the knobs a ConfigStore can drive at runtime.
// Zero fields mean "leave as-is" so a partial snapshot never clobbers
// settings it doesn't mention.
type ProcessorConfig struct {
	ReadBufferBytes int
	SelectTimeout   time.Duration
}

const (
	defaultReadBufferBytes = 64 * 1024
	defaultSelectTimeout   = time.Second
)

// NewSelectorProcessor opens a fresh epoll-backed processor and starts
// its worker goroutine immediately.
func NewSelectorProcessor(id int, log *zap.Logger) (*SelectorProcessor, error) {
	backend, err := NewEpollBackend(256)
	if err != nil {
		return nil, err
	}
	if log == nil {
		log = logging.New("selector")
	} else {
		log = log.Named("selector")
	}
	p := &SelectorProcessor{
		id:             id,
		backend:        backend,
		log:            log.With(zap.Int("processor", id)),
		readBuf:        buffer.New(defaultReadBufferBytes),
		serverAdd:      queue.NewQueue[*ServerBinding](),
		serverRemove:   queue.NewQueue[string](),
		sessionConnect: queue.NewQueue[*session.Session](),
		sessionClose:   queue.NewQueue[*session.Session](),
		flush:          queue.NewQueue[*session.Session](),
		reconfig:       queue.NewQueue[ProcessorConfig](),
		servers:        make(map[int]*serverEntry),
		sessions:       make(map[int]*session.Session),
		writeInterest:  make(map[int]bool),
		idleEvery:      defaultSelectTimeout,
		stopCh:         make(chan struct{}),
		doneCh:         make(chan struct{}),
	}
	go p.run()
	return p, nil
}

// ID reports the processor's shard index within its pool.
func (p *SelectorProcessor) ID() int { return p.id }

// Load reports the number of sessions currently owned by this
// processor, used by the least-loaded SelectorStrategy.
func (p *SelectorProcessor) Load() int64 { return p.load.Load() }

// SetMetrics attaches a registry this processor records accept/read/
// write/close counters into, under keys namespaced by its shard index.
// Optional: a nil or never-set registry means metrics are skipped.
func (p *SelectorProcessor) SetMetrics(m *control.MetricsRegistry) { p.metrics = m }

func (p *SelectorProcessor) bump(suffix string, delta int64) {
	if p.metrics == nil {
		return
	}
	p.metrics.IncBy(p.metricKey(suffix), delta)
}

func (p *SelectorProcessor) metricKey(suffix string) string {
	return "selector.proc." + strconv.Itoa(p.id) + "." + suffix
}

// Bind registers a listening socket; accepted connections are handed
// to b.NewSession and then routed through b.Strategy (or kept on this
// processor if Strategy is nil).
func (p *SelectorProcessor) Bind(b *ServerBinding) {
	p.serverAdd.Offer(b)
	_ = p.backend.Wake()
}

// Unbind stops accepting on addr and closes the listening socket.
func (p *SelectorProcessor) Unbind(addr string) {
	p.serverRemove.Offer(addr)
	_ = p.backend.Wake()
}

// CreateSession registers an already-connected session — whether
// freshly accepted or the result of an outbound connect — for
// readiness-driven I/O on this processor.
func (p *SelectorProcessor) CreateSession(s *session.Session) {
	p.sessionConnect.Offer(s)
	_ = p.backend.Wake()
}

// Flush asks the worker to attempt a write for s and, if bytes remain
// queued afterward, to enable write-readiness notifications.
func (p *SelectorProcessor) Flush(s *session.Session) {
	p.flush.Offer(s)
	_ = p.backend.Wake()
}

// EnqueueClose asks the worker to tear s's socket down. Session
// guarantees this runs at most once per session via TryEnqueueClose.
func (p *SelectorProcessor) EnqueueClose(s *session.Session) {
	p.sessionClose.Offer(s)
	_ = p.backend.Wake()
}

// Reconfigure asks the worker to apply cfg. Only non-zero fields take
// effect; the read buffer is reallocated on the worker goroutine, never
// concurrently with an in-flight readOnce.
func (p *SelectorProcessor) Reconfigure(cfg ProcessorConfig) {
	p.reconfig.Offer(cfg)
	_ = p.backend.Wake()
}

// processorConfigKeys maps the ConfigStore keys UseConfigStore watches
// to how each is interpreted.
const (
	configKeyReadBufferBytes = "selector.read_buffer_bytes"
	configKeySelectTimeoutMs = "selector.select_timeout_ms"
)

// UseConfigStore subscribes p's read-buffer size and select/idle-wait
// timeout to cs: an initial read applies whatever is already set, and
// every later SetConfig call that touches selector.read_buffer_bytes or
// selector.select_timeout_ms re-applies the change on the worker
// goroutine. Sessions already registered are unaffected by a buffer
// size change; it only changes the scratch buffer used for the next
// readOnce.
func (p *SelectorProcessor) UseConfigStore(cs *control.ConfigStore) {
	apply := func() {
		snap := cs.GetSnapshot()
		var cfg ProcessorConfig
		if v, ok := snap[configKeyReadBufferBytes].(int64); ok && v > 0 {
			cfg.ReadBufferBytes = int(v)
		}
		if v, ok := snap[configKeySelectTimeoutMs].(int64); ok && v > 0 {
			cfg.SelectTimeout = time.Duration(v) * time.Millisecond
		}
		if cfg.ReadBufferBytes != 0 || cfg.SelectTimeout != 0 {
			p.Reconfigure(cfg)
		}
	}
	apply()
	cs.OnReload(apply)
}

func (p *SelectorProcessor) drainReconfig() {
	for _, cfg := range p.reconfig.Drain() {
		if cfg.ReadBufferBytes > 0 {
			p.readBuf = buffer.New(cfg.ReadBufferBytes)
		}
		if cfg.SelectTimeout > 0 {
			p.idleEvery = cfg.SelectTimeout
		}
	}
}

// Stop closes every managed session and listener and waits for the
// worker goroutine to exit.
func (p *SelectorProcessor) Stop() {
	close(p.stopCh)
	_ = p.backend.Wake()
	<-p.doneCh
}

func (p *SelectorProcessor) run() {
	defer close(p.doneCh)
	for {
		select {
		case <-p.stopCh:
			p.shutdown()
			return
		default:
		}

		p.drainServerAdds()
		p.drainServerRemoves()
		p.drainSessionConnects()
		p.drainSessionCloses()
		p.drainFlushes()
		p.drainReconfig()

		events, err := p.backend.Wait(p.idleEvery)
		if err != nil {
			p.log.Error("selector wait failed", zap.Error(err))
			continue
		}
		for _, ev := range events {
			p.handleEvent(ev)
		}
		p.checkIdle()
	}
}

func (p *SelectorProcessor) drainServerAdds() {
	for _, b := range p.serverAdd.Drain() {
		fd, err := socketFd(b.Listener)
		if err != nil {
			p.log.Error("resolve listener fd failed", zap.String("addr", b.Addr), zap.Error(err))
			continue
		}
		if err := p.backend.Add(fd, true, false); err != nil {
			p.log.Error("register listener failed", zap.String("addr", b.Addr), zap.Error(err))
			continue
		}
		p.servers[fd] = &serverEntry{binding: b, fd: fd}
	}
}

func (p *SelectorProcessor) drainServerRemoves() {
	for _, addr := range p.serverRemove.Drain() {
		found := false
		for fd, se := range p.servers {
			if se.binding.Addr != addr {
				continue
			}
			found = true
			_ = p.backend.Remove(fd)
			_ = se.binding.Listener.Close()
			delete(p.servers, fd)
		}
		if !found {
			p.log.Warn("unbind requested for an address with no registered listener", zap.String("addr", addr))
		}
	}
}

func (p *SelectorProcessor) drainSessionConnects() {
	for _, s := range p.sessionConnect.Drain() {
		fd, err := socketFd(s.Conn().(syscall.Conn))
		if err != nil {
			s.Pipeline().FireExceptionCaught(s, api.WrapIO(err, "selector: resolve session fd"))
			continue
		}
		if err := p.backend.Add(fd, true, false); err != nil {
			s.Pipeline().FireExceptionCaught(s, api.WrapIO(err, "selector: register session"))
			continue
		}
		p.sessions[fd] = s
		p.load.Add(1)
		s.MarkConnected()
		if cf := s.ConnectFuture(); cf != nil {
			cf.Succeed()
		}
		s.Pipeline().FireSessionCreated(s)
		s.Pipeline().FireSessionOpened(s)
	}
}

func (p *SelectorProcessor) drainSessionCloses() {
	for _, s := range p.sessionClose.Drain() {
		p.closeSession(s, nil)
	}
}

func (p *SelectorProcessor) drainFlushes() {
	for _, s := range p.flush.Drain() {
		if s.IsClosing() && s.WriteQueue().IsEmpty() {
			s.TryEnqueueClose()
			continue
		}
		p.attemptWrite(s)
	}
}

func (p *SelectorProcessor) handleEvent(ev ReadyEvent) {
	if se, ok := p.servers[ev.Fd]; ok {
		if ev.Readable {
			p.acceptOnce(se)
		}
		return
	}
	s, ok := p.sessions[ev.Fd]
	if !ok {
		return
	}
	if ev.Error {
		p.closeSession(s, api.WrapIO(nil, "selector: socket error event"))
		return
	}
	if ev.Writable {
		p.attemptWrite(s)
	}
	if ev.Readable && !s.IsTornDown() {
		p.readOnce(s, ev.Fd)
	}
}

func (p *SelectorProcessor) acceptOnce(se *serverEntry) {
	_ = se.binding.Listener.SetDeadline(time.Now().Add(time.Millisecond))
	conn, err := se.binding.Listener.Accept()
	if err != nil {
		if !isTimeout(err) {
			p.log.Warn("accept failed", zap.String("addr", se.binding.Addr), zap.Error(err))
		}
		return
	}
	p.bump("accepted", 1)
	s := se.binding.NewSession(conn)
	target := p
	if se.binding.Strategy != nil {
		target = se.binding.Strategy.Select(p)
	}
	target.CreateSession(s)
}

func (p *SelectorProcessor) readOnce(s *session.Session, fd int) {
	conn := s.Conn()
	_ = conn.SetReadDeadline(time.Now().Add(time.Millisecond))
	p.readBuf.Clear()
	n, err := conn.Read(p.readBuf.RawSlice())
	if err != nil {
		if isTimeout(err) {
			return
		}
		if err == io.EOF {
			p.closeSession(s, nil)
			return
		}
		p.closeSession(s, api.WrapIO(err, "selector: read"))
		return
	}
	if n == 0 {
		return
	}
	p.bump("bytes_read", int64(n))
	s.MarkRead(time.Now())
	p.readBuf.SetLimit(n)
	p.feedInbound(s, p.readBuf)
}

func (p *SelectorProcessor) feedInbound(s *session.Session, in *buffer.Buffer) {
	if dm, ok := s.Decoder().(*codec.DecodingStateMachine); ok {
		out := &codec.Output{}
		if err := dm.Decode(in, out); err != nil {
			s.Pipeline().FireExceptionCaught(s, api.WrapDecode(err, "selector: decode"))
			return
		}
		for _, msg := range out.Messages() {
			s.Pipeline().FireMessageReceived(s, msg)
		}
		return
	}
	raw := make([]byte, in.Remaining())
	in.GetBytes(raw)
	s.Pipeline().FireMessageReceived(s, raw)
}

// attemptWrite drains as much of the head of s's write queue as the
// socket accepts right now: a write deadline one millisecond out bounds
// how long a Write into a full socket buffer can hold up the worker.
func (p *SelectorProcessor) attemptWrite(s *session.Session) {
	fd, err := socketFd(s.Conn().(syscall.Conn))
	if err != nil {
		return
	}
	conn := s.Conn()
	wq := s.WriteQueue()
	for {
		req := wq.Peek()
		if req == nil {
			break
		}
		_ = conn.SetWriteDeadline(time.Now().Add(time.Millisecond))
		n, werr := conn.Write(req.Payload.Bytes())
		if n > 0 {
			_ = req.Payload.Skip(n)
			s.MarkWrite(time.Now())
			p.bump("bytes_written", int64(n))
		}
		if werr != nil {
			if isTimeout(werr) {
				break
			}
			wq.Remove()
			req.Future.Fail(api.WrapIO(werr, "selector: write"))
			s.Pipeline().FireExceptionCaught(s, werr)
			p.closeSession(s, werr)
			return
		}
		if req.Payload.HasRemaining() {
			break
		}
		wq.Remove()
		req.Future.Succeed()
		s.Pipeline().FireMessageSent(s, req.Message)
	}

	hasMore := !wq.IsEmpty()
	interested := p.writeInterest[fd]
	switch {
	case hasMore && !interested:
		_ = p.backend.Modify(fd, true, true)
		p.writeInterest[fd] = true
	case !hasMore && interested:
		_ = p.backend.Modify(fd, true, false)
		p.writeInterest[fd] = false
	}
	if !hasMore && s.IsClosing() {
		s.TryEnqueueClose()
	}
}

// closeSession tears s's socket down and fires SessionClosed exactly
// once. It is reachable twice for the same session (a failed read or
// write tears the session down while a Close from the handler has
// already put it on the close queue), so TryMarkTornDown makes every
// call after the first a no-op.
func (p *SelectorProcessor) closeSession(s *session.Session, cause error) {
	if !s.TryMarkTornDown() {
		return
	}
	p.bump("closed", 1)
	if fd, err := socketFd(s.Conn().(syscall.Conn)); err == nil {
		_ = p.backend.Remove(fd)
		if _, existed := p.sessions[fd]; existed {
			p.load.Add(-1)
		}
		delete(p.sessions, fd)
		delete(p.writeInterest, fd)
	}
	_ = s.Conn().Close()
	s.WriteQueue().Drain(api.ErrSessionClosed)
	s.CompleteClose(cause)
	s.Pipeline().FireSessionClosed(s)
	s.Service().RemoveSession(s.ID())
}

func (p *SelectorProcessor) checkIdle() {
	now := time.Now()
	for _, s := range p.sessions {
		for _, kind := range s.CheckIdle(now) {
			p.bump("idle_events", 1)
			s.Pipeline().FireSessionIdle(s, kind)
		}
	}
}

func (p *SelectorProcessor) shutdown() {
	for _, se := range p.servers {
		_ = se.binding.Listener.Close()
	}
	for _, s := range p.sessions {
		p.closeSession(s, api.ErrSessionClosed)
	}
	_ = p.backend.Close()
}

func isTimeout(err error) bool {
	ne, ok := err.(net.Error)
	return ok && ne.Timeout()
}
