package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/mattn/go-isatty"
	"github.com/pkg/errors"

	"github.com/k4ch0w/instrace/host/unicorn"
	"github.com/k4ch0w/instrace/lua"
	"github.com/k4ch0w/instrace/models"
	"github.com/k4ch0w/instrace/tracer"
)

type strslice []string

func (s *strslice) String() string {
	return fmt.Sprintf("%v", *s)
}

func (s *strslice) Set(value string) error {
	*s = append(*s, value)
	return nil
}

type stackTracer interface {
	StackTrace() errors.StackTrace
}

func printError(err error) {
	fmt.Fprintf(os.Stderr, "%s\n", strings.Repeat("-", 40))
	fmt.Fprintf(os.Stderr, "Error: %s\n", err)
	if err, ok := err.(stackTracer); ok {
		for _, f := range err.StackTrace() {
			fmt.Fprintf(os.Stderr, "  %s:%d %n()\n", f, f, f)
		}
	}
}

// parseOffset parses an image:offset start condition.
func parseOffset(s string) (models.ImageOffset, error) {
	split := strings.SplitN(s, ":", 2)
	if len(split) != 2 {
		return models.ImageOffset{}, errors.Errorf("invalid image:offset '%s'", s)
	}
	off, err := strconv.ParseUint(split[1], 0, 64)
	if err != nil {
		return models.ImageOffset{}, errors.Wrapf(err, "invalid offset in '%s'", s)
	}
	return models.ImageOffset{Image: split[0], Offset: off}, nil
}

func run(argv []string) error {
	fs := flag.NewFlagSet("cli", flag.ExitOnError)

	script := fs.String("script", "", "analysis script to run (required)")
	tracefile := fs.String("to", "", "binary trace output file")
	rtrace := fs.Bool("rtrace", false, "trace register modification")
	color := fs.Bool("color", isatty.IsTerminal(os.Stderr.Fd()), "colorize register trace")
	verbose := fs.Bool("v", false, "verbose output")

	var blacklist, whitelist strslice
	fs.Var(&blacklist, "blacklist", "skip images whose name contains this substring")
	fs.Var(&whitelist, "whitelist", "instrument only images whose name contains this substring")

	startEntry := fs.Bool("start-entry", false, "open the analysis gate at the program entry point")
	startSymbol := fs.String("start-symbol", "", "open the analysis gate at this symbol")
	var startAddrs, startOffsets strslice
	fs.Var(&startAddrs, "start-addr", "open the analysis gate at this address")
	fs.Var(&startOffsets, "start-offset", "open the analysis gate at image:offset")

	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [options] <exe>\n\nOptions:\n", argv[0])
		fs.PrintDefaults()
	}
	fs.Parse(argv[1:])

	args := fs.Args()
	if len(args) < 1 {
		fs.Usage()
		os.Exit(1)
	}
	if *script == "" {
		return &models.StartupError{Err: errors.New("no analysis script (-script) given")}
	}

	config := &models.Config{
		Script:    *script,
		Tracefile: *tracefile,
		Color:     *color,
		Verbose:   *verbose,
		TraceReg:  *rtrace,
		Filter: models.FilterConfig{
			Blacklist:      blacklist,
			Whitelist:      whitelist,
			StartFromEntry: *startEntry,
			StartSymbol:    *startSymbol,
			StartAddrs:     make(map[uint64]bool),
		},
	}
	for _, s := range startAddrs {
		addr, err := strconv.ParseUint(s, 0, 64)
		if err != nil {
			return &models.StartupError{Err: errors.Wrapf(err, "invalid start address '%s'", s)}
		}
		config.Filter.StartAddrs[addr] = true
	}
	for _, s := range startOffsets {
		off, err := parseOffset(s)
		if err != nil {
			return &models.StartupError{Err: err}
		}
		config.Filter.StartOffsets = append(config.Filter.StartOffsets, off)
	}

	h, err := unicorn.NewHost(*verbose)
	if err != nil {
		return err
	}
	if err := h.LoadELF(args[0]); err != nil {
		return err
	}
	t, err := tracer.New(h, config)
	if err != nil {
		return err
	}
	s, err := lua.NewScript(t, os.Stdout)
	if err != nil {
		return err
	}
	defer s.Close()
	if err := s.LoadFile(config.Script); err != nil {
		return &models.StartupError{Err: err}
	}
	if err := h.Attach(t); err != nil {
		return err
	}

	// forward interrupt-style signals into the engine so a script can
	// roll back instead of dying
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs,
		syscall.SIGHUP, syscall.SIGINT, syscall.SIGQUIT, syscall.SIGILL,
		syscall.SIGABRT, syscall.SIGFPE, syscall.SIGSEGV, syscall.SIGPIPE,
		syscall.SIGALRM, syscall.SIGTERM)
	go func() {
		for sig := range sigs {
			t.OnSignal(0, int(sig.(syscall.Signal)), h.Context())
		}
	}()

	if err := h.Run(); err != nil {
		return err
	}
	os.Exit(h.ExitStatus())
	return nil
}

func main() {
	if err := run(os.Args); err != nil {
		if models.IsStartup(err) {
			fmt.Fprintf(os.Stderr, "%s\n", err)
		} else {
			printError(err)
		}
		os.Exit(1)
	}
}
