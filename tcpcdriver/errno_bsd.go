//go:build unix && !linux

package tcpcdriver

import "golang.org/x/sys/unix"

var noDeviceErrnos = []unix.Errno{unix.ENXIO, unix.ENODEV, unix.ENOENT, unix.EIO}
