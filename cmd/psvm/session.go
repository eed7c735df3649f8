package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/chazu/psvm/vm"
	"github.com/chazu/psvm/vm/snapshot"
)

// session is the command-line executive: one VM and its context.
type session struct {
	vm    *vm.VM
	ctx   *vm.Context
	out   io.Writer
	errw  io.Writer
	width int
}

func newSession(opts vm.Options, out, errw io.Writer) (*session, error) {
	opts.Stdout = out
	v, err := vm.New(opts)
	if err != nil {
		return nil, err
	}
	return &session{vm: v, ctx: v.NewContext(), out: out, errw: errw}, nil
}

func (s *session) runFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	log.Debugf("running %s", path)
	return s.ctx.ExecuteStream(vm.NewReaderStream(path, f))
}

func (s *session) runSource(source string) error {
	return s.ctx.ExecuteString(source)
}

// report prints an uncaught error and the operand stack, top first.
func (s *session) report(err error) {
	var re *vm.RunError
	if errors.As(err, &re) {
		fmt.Fprintf(s.errw, "Error: /%s in %s\n", re.Code.Name(), re.Command)
	} else {
		fmt.Fprintf(s.errw, "Error: %v\n", err)
		return
	}
	ops := s.ctx.Operands()
	if len(ops) == 0 {
		return
	}
	fmt.Fprintf(s.errw, "Operand stack:\n")
	for i := len(ops) - 1; i >= 0; i-- {
		fmt.Fprintf(s.errw, "    %s\n", s.clip(s.vm.Format(ops[i])))
	}
}

// clip shortens text to the terminal width.
func (s *session) clip(text string) string {
	if s.width <= 8 || len(text) <= s.width-4 {
		return text
	}
	return text[:s.width-7] + "..."
}

func (s *session) prompt() string {
	if n := len(s.ctx.Operands()); n > 0 {
		return fmt.Sprintf("PS<%d>", n)
	}
	return "PS>"
}

// repl is the interactive executive. Lines are fed to one input stream
// as they arrive, so a procedure or string may span lines. An error
// discards the rest of the statement; quit ends the loop.
func (s *session) repl(in io.Reader, showPrompt bool) error {
	sc := bufio.NewScanner(in)
	var stream *vm.Stream
	for {
		if showPrompt {
			fmt.Fprint(s.out, s.prompt())
		}
		if !sc.Scan() {
			break
		}
		line := []byte(sc.Text() + "\n")

		var err error
		if stream == nil || !s.ctx.Running() {
			stream = vm.NewInputStream("%statementedit")
			stream.Feed(line)
			err = s.ctx.ExecuteStream(stream)
		} else {
			stream.Feed(line)
			err = s.ctx.Resume()
		}
		switch {
		case err == nil, errors.Is(err, vm.ErrNeedInput):
		case errors.Is(err, vm.ErrQuit):
			return nil
		default:
			s.report(err)
		}
	}
	if showPrompt {
		fmt.Fprintln(s.out)
	}
	if stream != nil && s.ctx.Running() {
		stream.CloseInput()
		if err := s.ctx.Resume(); err != nil && !errors.Is(err, vm.ErrQuit) {
			s.report(err)
		}
	}
	return sc.Err()
}

func (s *session) printStats() {
	for _, st := range s.vm.Stats() {
		fmt.Fprintf(s.errw, "%-7s used %9d  allocated %9d  chunks %4d  free %8d  collections %d\n",
			st.Space, st.Used, st.Allocated, st.Chunks, st.FreeBytes, st.GCCount)
	}
	fmt.Fprintf(s.errw, "save level %d, %d names\n", s.vm.Memory().SaveLevel(), s.vm.Memory().Names().Len())
}

// dump writes a CBOR heap snapshot.
func (s *session) dump(path string) error {
	snap := snapshot.Take(s.vm, snapshot.Options{Blocks: true, Names: true})
	data, err := snapshot.Marshal(snap)
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("cannot write %s: %w", path, err)
	}
	digest, err := snapshot.Digest(snap)
	if err != nil {
		return err
	}
	log.Infof("wrote %s (%d bytes, sha256 %x)", path, len(data), digest[:8])
	return nil
}

