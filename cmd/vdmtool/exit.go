package main

import (
	"errors"

	"github.com/oxplot/vdmtool"
	"github.com/oxplot/vdmtool/config"
	"github.com/oxplot/vdmtool/tcpcdriver"
	"github.com/oxplot/vdmtool/tcpcdriver/cd321x"
)

// Exit codes.
const (
	exitOK         = 0
	exitInternal   = 1
	exitUsage      = 2 // Bad flags or configuration
	exitNoDevice   = 3 // Wrong device path, nothing at the address, no cable
	exitPermission = 4
	exitTransient  = 5 // Bus kept failing after retries
	exitRejected   = 6 // Nak, or controller in the wrong mode
	exitTimeout    = 7
	exitWindow     = 8 // Reboot-then-serial missed its window, retry it
)

// exitCode maps the error of a run to the process exit code.
func exitCode(err error) int {
	var ce *config.Error
	switch {
	case err == nil:
		return exitOK
	case errors.Is(err, vdmtool.ErrWindowMissed):
		return exitWindow
	case errors.As(err, &ce):
		return exitUsage
	case errors.Is(err, tcpcdriver.ErrPermission):
		return exitPermission
	case errors.Is(err, tcpcdriver.ErrTransient):
		return exitTransient
	case errors.Is(err, tcpcdriver.ErrNoDevice),
		errors.Is(err, cd321x.ErrNoCable),
		errors.Is(err, cd321x.ErrHostKey):
		return exitNoDevice
	case errors.Is(err, vdmtool.ErrTimeout):
		return exitTimeout
	case errors.Is(err, vdmtool.ErrRejected),
		errors.Is(err, cd321x.ErrMode),
		errors.Is(err, cd321x.ErrControllerBusy):
		return exitRejected
	default:
		return exitInternal
	}
}
