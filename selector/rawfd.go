//go:build unix

package selector

import "syscall"

// socketFd resolves the kernel file descriptor backing c without
// duplicating it, for epoll registration only — actual reads and
// writes continue to go through c's own Read/Write so the standard
// library keeps handling partial I/O and deadline bookkeeping; only
// the readiness decision is ours.
func socketFd(c syscall.Conn) (int, error) {
	raw, err := c.SyscallConn()
	if err != nil {
		return 0, err
	}
	var fd int
	ctrlErr := raw.Control(func(p uintptr) { fd = int(p) })
	if ctrlErr != nil {
		return 0, ctrlErr
	}
	return fd, nil
}
