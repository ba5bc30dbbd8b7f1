// Command vdmtool drives an Apple silicon target machine through the USB-C
// port controller of the machine it runs on: it reboots the target, puts it
// into DFU mode, or routes its serial console to the debug port.
package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/google/uuid"

	"github.com/oxplot/vdmtool"
	"github.com/oxplot/vdmtool/config"
	"github.com/oxplot/vdmtool/tcpcdriver"
	"github.com/oxplot/vdmtool/tcpcdriver/cd321x"
	"github.com/oxplot/vdmtool/tcpcdriver/sysfs"
	"github.com/oxplot/vdmtool/tcseq"
	"github.com/oxplot/vdmtool/trace"
)

// compatiblePath holds the machine model used to derive the unlock key.
const compatiblePath = "/proc/device-tree/compatible"

type busCloser interface {
	tcpcdriver.I2C
	io.Closer
}

// env is what a run needs from the outside world.
type env struct {
	stdout io.Writer
	stderr io.Writer
	clock  vdmtool.Clock

	// open opens the bus at path and returns the controller address on it.
	open func(path string, addr uint16) (busCloser, uint16, error)

	// hostKey returns the unlock key of this machine.
	hostKey func() ([]byte, error)
}

func systemEnv() env {
	return env{
		stdout: os.Stdout,
		stderr: os.Stderr,
		clock:  vdmtool.SystemClock{},
		open: func(path string, addr uint16) (busCloser, uint16, error) {
			b, err := sysfs.Open(path, addr)
			if err != nil {
				return nil, 0, err
			}
			return b, b.Addr, nil
		},
		hostKey: func() ([]byte, error) {
			c, err := os.ReadFile(compatiblePath)
			if err != nil {
				return nil, fmt.Errorf("%w: %w", cd321x.ErrHostKey, err)
			}
			return cd321x.HostKey(c)
		},
	}
}

func main() {
	os.Exit(run(os.Args[1:], systemEnv()))
}

func run(args []string, e env) int {
	o, err := parseFlags(args, e.stderr)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return exitOK
		}
		return exitUsage
	}
	cfg, err := loadConfig(o)
	if err != nil {
		fmt.Fprintf(e.stderr, "vdmtool: %v\n", err)
		return exitUsage
	}

	runID := uuid.NewString()
	logger, closeLog := initLogger(o.logfile, o.verbose, e.stderr, runID)
	defer func() {
		if err := closeLog(); err != nil {
			fmt.Fprintf(e.stderr, "vdmtool: closing log: %v\n", err)
		}
	}()

	if o.command == cmdNop {
		data, err := cfg.Marshal()
		if err != nil {
			fmt.Fprintf(e.stderr, "vdmtool: %v\n", err)
			return exitInternal
		}
		_, _ = e.stdout.Write(data)
		return exitOK
	}
	op := commands[o.command]

	var recs trace.Multi
	if o.verbose {
		recs = append(recs, trace.NewSlogRecorder(logger))
	}
	if o.trace != "" {
		tw, err := trace.Create(o.trace, runID)
		if err != nil {
			fmt.Fprintf(e.stderr, "vdmtool: trace: %v\n", err)
			return exitUsage
		}
		defer tw.Close()
		recs = append(recs, tw)
	}

	err = execute(op, cfg, recs, logger, e)
	if err != nil {
		logger.Error("operation failed", "op", op.String(), "err", err)
		fmt.Fprintf(e.stderr, "vdmtool: %v\n", err)
		return exitCode(err)
	}
	if op == vdmtool.OpEnterSerial || op == vdmtool.OpRebootThenSerial {
		fmt.Fprintf(e.stdout, "Target console is up, connect a terminal to %s\n", cfg.TTY)
	}
	return exitOK
}

// execute opens the controller, runs op and closes everything again.
func execute(op vdmtool.Operation, cfg *config.Config, recs trace.Multi, logger *slog.Logger, e env) error {
	bus, addr, err := e.open(cfg.Device, cfg.Address)
	if err != nil {
		return err
	}
	defer func() {
		if err := bus.Close(); err != nil {
			logger.Warn("failed to close bus", "err", err)
		}
	}()
	logger.Info("bus opened", "device", cfg.Device, "addr", fmt.Sprintf("0x%02x", addr))

	key := []byte(cfg.Key)
	if len(key) == 0 {
		if key, err = e.hostKey(); err != nil {
			return err
		}
	}

	topts := append(cfg.Bus.Transport(),
		tcpcdriver.WithClock(e.clock),
		tcpcdriver.WithLogger(logger),
	)
	if len(recs) > 0 {
		topts = append(topts, tcpcdriver.WithRecorder(recs))
	}
	t := tcpcdriver.NewTransport(bus, addr, topts...)

	copts := append(cfg.Timing.Controller(),
		cd321x.WithClock(e.clock),
		cd321x.WithLogger(logger),
	)
	ctl := cd321x.New(t, copts...)
	if err := ctl.Init(key); err != nil {
		return err
	}
	defer func() {
		if err := ctl.Close(); err != nil {
			logger.Warn("failed to leave debug mode", "err", err)
		}
	}()

	seq := tcseq.New(ctl,
		tcseq.WithTiming(cfg.Timing.Sequencer()),
		tcseq.WithClock(e.clock),
		tcseq.WithLogger(logger),
		tcseq.WithEventHandler(tcseq.EventHandlerFunc(func(ev tcseq.Event, s tcseq.StepInfo) {
			if ev == tcseq.EventStepStarted {
				fmt.Fprintf(e.stdout, "[%d/%d] %s...\n", s.Index, s.Count, s.Desc)
			}
		})),
	)
	return seq.Run(op)
}
