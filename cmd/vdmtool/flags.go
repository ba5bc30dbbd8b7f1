package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/oxplot/vdmtool"
	"github.com/oxplot/vdmtool/config"
)

// addrFlag is an I2C address given in hex or decimal, e.g. 0x38.
type addrFlag struct {
	v   uint16
	set bool
}

func (a *addrFlag) String() string {
	if !a.set {
		return ""
	}
	return fmt.Sprintf("0x%02x", a.v)
}

func (a *addrFlag) Set(value string) error {
	v, err := strconv.ParseUint(value, 0, 7)
	if err != nil {
		return errors.New("not a 7-bit address")
	}
	a.v, a.set = uint16(v), true
	return nil
}

type initOptions struct {
	device  string
	addr    addrFlag
	tty     string
	key     string
	config  string
	logfile string
	trace   string
	verbose bool
	command string
}

// commands maps command lines to operations. nop is handled separately.
var commands = map[string]vdmtool.Operation{
	"dfu":           vdmtool.OpEnterDFU,
	"reboot":        vdmtool.OpReboot,
	"serial":        vdmtool.OpEnterSerial,
	"serial off":    vdmtool.OpExitSerial,
	"reboot serial": vdmtool.OpRebootThenSerial,
}

const cmdNop = "nop"

const usage = `Usage: vdmtool [flags] <command>

Commands:
  dfu            reboot the target into DFU mode
  reboot         reboot the target
  reboot serial  reboot the target and enable its serial console
  serial         enable the target's serial console
  serial off     disable the target's serial console
  nop            print the configuration and exit

Flags:
`

var errUsage = errors.New("usage")

func parseFlags(args []string, stderr io.Writer) (initOptions, error) {
	var options initOptions
	fs := flag.NewFlagSet("vdmtool", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.Usage = func() {
		fmt.Fprint(stderr, usage)
		fs.PrintDefaults()
	}

	deviceHelp := "Port controller device path or I2C bus name (default " + config.Default().Device + ")"
	fs.StringVar(&(options.device), "d", "", deviceHelp)
	fs.StringVar(&(options.device), "device", "", deviceHelp)
	fs.Var(&(options.addr), "addr", "Port controller I2C address when not part of the device path (default 0x38)")
	fs.StringVar(&(options.tty), "tty", "", "Serial device of the target console (default "+config.DefaultTTY+")")
	fs.StringVar(&(options.key), "key", "", "Controller unlock key, instead of deriving it from the device tree")
	fs.StringVar(&(options.config), "config", "", "YAML configuration file")
	fs.StringVar(&(options.logfile), "l", "", "Log into a file, rotating after 5MB")
	fs.StringVar(&(options.trace), "trace", "", "Append a CBOR trace of all I2C transactions to a file")
	fs.BoolVar(&(options.verbose), "v", false, "Write verbose logs")

	if err := fs.Parse(args); err != nil {
		return options, err
	}
	options.command = strings.ToLower(strings.Join(fs.Args(), " "))
	if _, ok := commands[options.command]; !ok && options.command != cmdNop {
		if options.command == "" {
			fmt.Fprintln(stderr, "vdmtool: missing command")
		} else {
			fmt.Fprintf(stderr, "vdmtool: unknown command %q\n", options.command)
		}
		fs.Usage()
		return options, errUsage
	}
	return options, nil
}

// loadConfig reads the configuration file, if any, and applies flag
// overrides.
func loadConfig(o initOptions) (*config.Config, error) {
	cfg := config.Default()
	if o.config != "" {
		var err error
		if cfg, err = config.Load(o.config); err != nil {
			return nil, err
		}
	}
	if o.device != "" {
		cfg.Device = o.device
	}
	if o.addr.set {
		cfg.Address = o.addr.v
	}
	if o.tty != "" {
		cfg.TTY = o.tty
	}
	if o.key != "" {
		cfg.Key = o.key
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
