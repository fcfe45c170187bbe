package service

import (
	"context"
	"net"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/momentics/hioload-io/api"
	"github.com/momentics/hioload-io/future"
	"github.com/momentics/hioload-io/selector"
	"github.com/momentics/hioload-io/session"
)

// IoClient dials out to a remote endpoint and, optionally, keeps
// retrying with exponential backoff if the connection is later lost.
type IoClient struct {
	*Service
	proc *selector.SelectorProcessor
}

// NewIoClient builds a client whose sessions are all owned by proc.
// Unlike IoServer, a client has no accept-time fan-out decision to
// make, so it binds directly to one processor rather than a pool.
func NewIoClient(handler session.IoHandler, proc *selector.SelectorProcessor, log *zap.Logger) *IoClient {
	return &IoClient{Service: newService(handler, log), proc: proc}
}

// Connect dials addr and returns a ConnectFuture that resolves once
// the session is registered with the selector (or fails if the dial
// itself fails).
func (c *IoClient) Connect(addr string) *future.ConnectFuture {
	cf := future.NewConnectFuture()
	tcpAddr, err := net.ResolveTCPAddr("tcp", addr)
	if err != nil {
		cf.Fail(api.WrapIO(err, "service: resolve dial address"))
		return cf
	}
	conn, err := net.DialTCP("tcp", nil, tcpAddr)
	if err != nil {
		cf.Fail(api.WrapIO(err, "service: dial"))
		return cf
	}
	s := c.newSessionFor(c.proc)(conn)
	s.SetConnectFuture(cf)
	c.proc.CreateSession(s)
	return cf
}

// ReconnectPolicy configures IoClient.ConnectWithReconnect's retry
// behavior.
type ReconnectPolicy struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	MaxElapsedTime  time.Duration // 0 means retry forever
}

// DefaultReconnectPolicy mirrors the interval bounds commonly used for
// keepalive-style reconnect loops elsewhere in this codebase: a fast
// first retry, an interval that backs off but stays bounded, and no
// overall deadline.
func DefaultReconnectPolicy() ReconnectPolicy {
	return ReconnectPolicy{
		InitialInterval: 10 * time.Millisecond,
		MaxInterval:     30 * time.Second,
		MaxElapsedTime:  0,
	}
}

// ConnectWithReconnect dials addr and, whenever the resulting session
// closes for any reason other than ctx being done, waits out an
// exponential backoff and dials again. It returns at once; the returned
// future succeeds after the first successful connect, or fails if ctx is
// done or the backoff gives up before one. The reconnect loop continues
// in the background.
func (c *IoClient) ConnectWithReconnect(ctx context.Context, addr string, policy ReconnectPolicy) *future.ConnectFuture {
	first := future.NewConnectFuture()
	go c.reconnectLoop(ctx, addr, policy, first)
	return first
}

func (c *IoClient) reconnectLoop(ctx context.Context, addr string, policy ReconnectPolicy, first *future.ConnectFuture) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = policy.InitialInterval
	b.MaxInterval = policy.MaxInterval
	b.MaxElapsedTime = policy.MaxElapsedTime
	b.Reset()

	reportedFirst := false
	var lastCause error
	for {
		if ctx.Err() != nil {
			if !reportedFirst {
				first.Fail(ctx.Err())
			}
			return
		}
		cf := c.Connect(addr)
		if cf.AwaitTimeout(10*time.Second) && cf.IsSuccess() {
			b.Reset()
			if !reportedFirst {
				first.Succeed()
				reportedFirst = true
			}
			// Block here until the session this Connect produced closes,
			// then fall through to the backoff wait before redialing.
			c.awaitCurrentSessionClose(addr)
		} else {
			lastCause = cf.Cause()
		}

		wait := b.NextBackOff()
		if wait == backoff.Stop {
			if !reportedFirst {
				first.Fail(api.WrapIO(lastCause, "service: reconnect gave up"))
			}
			return
		}
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			if !reportedFirst {
				first.Fail(ctx.Err())
			}
			return
		}
	}
}

// awaitCurrentSessionClose blocks until a still-tracked session whose
// remote address is addr (resolved the way Connect resolves it)
// finishes closing; if several match, which one it waits on is not
// defined. It uses the managed-session snapshot rather than a direct
// reference so it has nothing to hold onto once the session is removed.
func (c *IoClient) awaitCurrentSessionClose(addr string) {
	want := addr
	if tcpAddr, err := net.ResolveTCPAddr("tcp", addr); err == nil {
		want = tcpAddr.String()
	}
	c.mu.RLock()
	var target *session.Session
	for _, s := range c.sessions {
		if s.RemoteAddr != nil && s.RemoteAddr.String() == want {
			target = s
		}
	}
	c.mu.RUnlock()
	if target == nil {
		return
	}
	target.CloseFuture().Await()
}
