//go:build !linux

package selector

import "github.com/cockroachdb/errors"

// NewEpollBackend is only implemented for Linux; this reactor targets
// epoll-class readiness multiplexing exclusively, so other platforms
// get an explicit error rather than a silently degraded poller.
func NewEpollBackend(maxEvents int) (Backend, error) {
	return nil, errors.New("selector: epoll backend unavailable on this platform")
}
