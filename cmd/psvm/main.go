// psvm runs PostScript programs on the psvm virtual machine.
package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/tliron/commonlog"
	_ "github.com/tliron/commonlog/simple"
	"golang.org/x/term"

	"github.com/chazu/psvm/config"
	"github.com/chazu/psvm/server"
	"github.com/chazu/psvm/vm"
)

var log = commonlog.GetLogger("psvm.cmd")

func main() {
	verbose := flag.Int("v", 0, "Increase log verbosity by this much")
	configPath := flag.String("config", "", "Configuration file (default: nearest psvm.toml)")
	source := flag.String("c", "", "Run this PostScript source and exit")
	interactive := flag.Bool("i", false, "Start the interactive executive after running files")
	level := flag.Int("level", 0, "Language level (1 or 2), overriding the configuration")
	dumpPath := flag.String("dump", "", "Write a CBOR heap snapshot to this file on exit")
	stats := flag.Bool("stats", false, "Print VM statistics on exit")
	serveMode := flag.Bool("serve", false, "Start the evaluation server (Connect HTTP/JSON + gRPC)")
	addr := flag.String("addr", "", "Server listen address (used with -serve)")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: psvm [options] [files...]\n\n")
		fmt.Fprintf(os.Stderr, "Runs PostScript files in order, then exits. With no files, starts\n")
		fmt.Fprintf(os.Stderr, "the interactive executive.\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  psvm                        # Interactive executive\n")
		fmt.Fprintf(os.Stderr, "  psvm prolog.ps job.ps       # Run files\n")
		fmt.Fprintf(os.Stderr, "  psvm -c '3 4 add ='         # Run source\n")
		fmt.Fprintf(os.Stderr, "  psvm -dump heap.cbor job.ps # Run, then snapshot the heap\n")
		fmt.Fprintf(os.Stderr, "  psvm -serve -addr :7341     # Evaluation server\n")
	}
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	cfg.Logging.Verbosity += *verbose
	cfg.ConfigureLogging()
	if *level != 0 {
		cfg.Interp.LanguageLevel = *level
		if err := cfg.Validate(); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	}

	if *serveMode {
		if *addr != "" {
			cfg.Server.Addr = *addr
		}
		srv, err := server.New(vmOptions(cfg, nil))
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer srv.Stop()
		if err := srv.ListenAndServe(cfg.Server.Addr); err != nil {
			fmt.Fprintf(os.Stderr, "Server error: %v\n", err)
			os.Exit(1)
		}
		return
	}

	paths := flag.Args()
	repl := *interactive || (len(paths) == 0 && *source == "")

	// %stdin is the terminal only when the executive is not reading it.
	var stdin io.Reader
	if !repl {
		stdin = os.Stdin
	}
	s, err := newSession(vmOptions(cfg, stdin), os.Stdout, os.Stderr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	code, quit := s.run(paths, *source)
	if code == exitOK && !quit && repl {
		fd := int(os.Stdin.Fd())
		if term.IsTerminal(fd) {
			fmt.Fprintf(os.Stdout, "%s %s (language level %d)\n", vm.Product, vm.Version, cfg.Interp.LanguageLevel)
			if w, _, err := term.GetSize(int(os.Stdout.Fd())); err == nil && w > 0 {
				s.width = w
			}
		}
		if err := s.repl(os.Stdin, term.IsTerminal(fd)); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			code = exitError
		}
	}

	if *stats {
		s.printStats()
	}
	if *dumpPath != "" {
		if err := s.dump(*dumpPath); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			code = exitError
		}
	}
	os.Exit(code)
}

// loadConfig reads path, or the nearest psvm.toml above the working
// directory, or the defaults.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadFile(path)
	}
	cfg, err := config.FindAndLoad(".")
	if err != nil {
		return nil, err
	}
	if cfg.Path != "" {
		log.Infof("using %s", cfg.Path)
	}
	return cfg, nil
}

// vmOptions builds the VM options: files open from the host file
// system, %stdout is the process's standard output.
func vmOptions(cfg *config.Config, stdin io.Reader) vm.Options {
	opts := cfg.VMOptions()
	opts.Stdout = os.Stdout
	opts.Stdin = stdin
	opts.Open = func(name string) (io.ReadCloser, error) {
		f, err := os.Open(name)
		if err != nil {
			return nil, err
		}
		return f, nil
	}
	return opts
}

const (
	exitOK    = 0
	exitError = 1
)

// run runs the files, then source. It stops at the first error, and
// reports whether the program executed quit.
func (s *session) run(paths []string, source string) (int, bool) {
	for _, path := range paths {
		if err := s.runFile(path); err != nil {
			return s.exitCode(err)
		}
	}
	if source != "" {
		if err := s.runSource(source); err != nil {
			return s.exitCode(err)
		}
	}
	return exitOK, false
}

func (s *session) exitCode(err error) (int, bool) {
	if errors.Is(err, vm.ErrQuit) {
		return exitOK, true
	}
	s.report(err)
	return exitError, false
}
