//go:build linux

package selector

import (
	"time"

	"github.com/cockroachdb/errors"
	"golang.org/x/sys/unix"
)

// epollBackend is a level-triggered Backend built on epoll
// (EpollCreate1/EpollCtl/EpollWait). Level-triggered rather than
// edge-triggered so a partially drained socket keeps reporting ready
// without the caller having to track per-fd "more data might be
// waiting" state. Cross-goroutine wakeups go through an eventfd
// registered alongside the data descriptors rather than a ring buffer
// of decoded application events.
type epollBackend struct {
	epfd    int
	wakeFd  int
	events  []unix.EpollEvent
}

// NewEpollBackend opens a fresh epoll instance with room for maxEvents
// ready descriptors per Wait call.
func NewEpollBackend(maxEvents int) (Backend, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, errors.Wrap(err, "epoll_create1")
	}
	wakeFd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		unix.Close(epfd)
		return nil, errors.Wrap(err, "eventfd")
	}
	b := &epollBackend{epfd: epfd, wakeFd: wakeFd, events: make([]unix.EpollEvent, maxEvents)}
	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, wakeFd, &unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(wakeFd)}); err != nil {
		b.Close()
		return nil, errors.Wrap(err, "epoll_ctl(wakeFd)")
	}
	return b, nil
}

func interestMask(readable, writable bool) uint32 {
	var m uint32
	if readable {
		m |= unix.EPOLLIN
	}
	if writable {
		m |= unix.EPOLLOUT
	}
	return m
}

func (b *epollBackend) Add(fd int, readable, writable bool) error {
	ev := unix.EpollEvent{Events: interestMask(readable, writable), Fd: int32(fd)}
	if err := unix.EpollCtl(b.epfd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		return errors.Wrap(err, "epoll_ctl(add)")
	}
	return nil
}

func (b *epollBackend) Modify(fd int, readable, writable bool) error {
	ev := unix.EpollEvent{Events: interestMask(readable, writable), Fd: int32(fd)}
	if err := unix.EpollCtl(b.epfd, unix.EPOLL_CTL_MOD, fd, &ev); err != nil {
		return errors.Wrap(err, "epoll_ctl(mod)")
	}
	return nil
}

func (b *epollBackend) Remove(fd int) error {
	err := unix.EpollCtl(b.epfd, unix.EPOLL_CTL_DEL, fd, nil)
	if err != nil && err != unix.ENOENT {
		return errors.Wrap(err, "epoll_ctl(del)")
	}
	return nil
}

func (b *epollBackend) Wait(timeout time.Duration) ([]ReadyEvent, error) {
	ms := int(timeout / time.Millisecond)
	if timeout < 0 {
		ms = -1
	}
	n, err := unix.EpollWait(b.epfd, b.events, ms)
	if err != nil {
		if err == unix.EINTR {
			return nil, nil
		}
		return nil, errors.Wrap(err, "epoll_wait")
	}
	out := make([]ReadyEvent, 0, n)
	for i := 0; i < n; i++ {
		ev := b.events[i]
		fd := int(ev.Fd)
		if fd == b.wakeFd {
			b.drainWake()
			continue
		}
		out = append(out, ReadyEvent{
			Fd:       fd,
			Readable: ev.Events&(unix.EPOLLIN|unix.EPOLLHUP|unix.EPOLLRDHUP) != 0,
			Writable: ev.Events&unix.EPOLLOUT != 0,
			Error:    ev.Events&unix.EPOLLERR != 0,
		})
	}
	return out, nil
}

func (b *epollBackend) drainWake() {
	var buf [8]byte
	for {
		_, err := unix.Read(b.wakeFd, buf[:])
		if err != nil {
			return
		}
	}
}

func (b *epollBackend) Wake() error {
	one := [8]byte{1, 0, 0, 0, 0, 0, 0, 0}
	_, err := unix.Write(b.wakeFd, one[:])
	if err != nil && err != unix.EAGAIN {
		return errors.Wrap(err, "eventfd write")
	}
	return nil
}

func (b *epollBackend) Close() error {
	unix.Close(b.wakeFd)
	return unix.Close(b.epfd)
}
