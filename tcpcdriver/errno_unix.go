//go:build unix

package tcpcdriver

import (
	"errors"

	"golang.org/x/sys/unix"
)

var (
	transientErrnos  = []unix.Errno{unix.EAGAIN, unix.EBUSY, unix.ETIMEDOUT, unix.EINTR}
	permissionErrnos = []unix.Errno{unix.EACCES, unix.EPERM}
)

func classifyErrno(err error) (error, bool) {
	var errno unix.Errno
	if !errors.As(err, &errno) {
		return nil, false
	}
	for _, groups := range errnoGroups() {
		for _, e := range groups.errnos {
			if e == errno {
				return groups.kind, true
			}
		}
	}
	return nil, false
}

type errnoGroup struct {
	errnos []unix.Errno
	kind   error
}

func errnoGroups() []errnoGroup {
	return []errnoGroup{
		{transientErrnos, ErrTransient},
		{permissionErrnos, ErrPermission},
		{noDeviceErrnos, ErrNoDevice},
	}
}

func errnoMessages() []errnoMessage {
	var msgs []errnoMessage
	for _, g := range errnoGroups() {
		for _, e := range g.errnos {
			msgs = append(msgs, errnoMessage{msg: e.Error(), kind: g.kind})
		}
	}
	return msgs
}
