package server

import (
	"bytes"
	"fmt"

	"github.com/chazu/psvm/vm"
)

// vmRequest represents a unit of work to be executed on the VM goroutine.
type vmRequest struct {
	fn   func(*vm.VM) any
	done chan vmResult
}

// vmResult holds the return value from a VM operation.
type vmResult struct {
	value any
	err   error
}

// VMWorker serializes all VM access through a single goroutine.
// A VM and its contexts are single-threaded; every handler must go
// through the worker.
type VMWorker struct {
	vm       *vm.VM
	out      *bytes.Buffer
	requests chan vmRequest
	quit     chan struct{}
}

// NewVMWorker creates a VM from opts, capturing its %stdout, and starts
// the processing goroutine.
func NewVMWorker(opts vm.Options) (*VMWorker, error) {
	out := &bytes.Buffer{}
	opts.Stdout = out
	v, err := vm.New(opts)
	if err != nil {
		return nil, err
	}
	w := &VMWorker{
		vm:       v,
		out:      out,
		requests: make(chan vmRequest, 64),
		quit:     make(chan struct{}),
	}
	go w.loop()
	return w, nil
}

// loop processes VM requests sequentially on a dedicated goroutine.
func (w *VMWorker) loop() {
	for {
		select {
		case req := <-w.requests:
			req.done <- w.execute(req.fn)
		case <-w.quit:
			return
		}
	}
}

// execute runs a function on the VM, recovering from panics.
func (w *VMWorker) execute(fn func(*vm.VM) any) vmResult {
	var result vmResult
	func() {
		defer func() {
			if r := recover(); r != nil {
				result.err = fmt.Errorf("%v", r)
			}
		}()
		result.value = fn(w.vm)
	}()
	return result
}

// Do submits a function for execution on the VM goroutine and blocks
// until it completes. Returns the result and any error (including panics).
func (w *VMWorker) Do(fn func(*vm.VM) any) (any, error) {
	req := vmRequest{
		fn:   fn,
		done: make(chan vmResult, 1),
	}
	select {
	case w.requests <- req:
	case <-w.quit:
		return nil, errWorkerStopped
	}
	select {
	case result := <-req.done:
		return result.value, result.err
	case <-w.quit:
		return nil, errWorkerStopped
	}
}

// takeOutput returns and clears what the VM has written to %stdout.
// Must be called on the VM worker goroutine.
func (w *VMWorker) takeOutput() string {
	s := w.out.String()
	w.out.Reset()
	return s
}

// Stop shuts down the worker goroutine.
func (w *VMWorker) Stop() {
	close(w.quit)
}

var errWorkerStopped = fmt.Errorf("vm worker stopped")
