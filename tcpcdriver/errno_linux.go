//go:build linux

package tcpcdriver

import "golang.org/x/sys/unix"

// Linux i2c adapters report a missing address ACK as ENXIO or EREMOTEIO.
var noDeviceErrnos = []unix.Errno{unix.ENXIO, unix.EREMOTEIO, unix.ENODEV, unix.ENOENT, unix.EIO}
