package server

import (
	"context"
	"errors"
	"fmt"

	"connectrpc.com/connect"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/chazu/psvm/vm"
)

// EvalService runs PostScript in sessions and manages pinned handles.
//
// Evaluate takes {session, source} and answers {success, output,
// operands, error, command, message}. Pin pops the top operand of
// {session} into a handle; Push pushes {handle} onto {session}.
type EvalService struct {
	worker   *VMWorker
	handles  *HandleStore
	sessions *SessionStore
}

// NewEvalService creates an EvalService.
func NewEvalService(worker *VMWorker, handles *HandleStore, sessions *SessionStore) *EvalService {
	return &EvalService{
		worker:   worker,
		handles:  handles,
		sessions: sessions,
	}
}

// Evaluate executes source in a session. PostScript errors are reported
// in the response, not as RPC errors. Cancelling the request interrupts
// the running program.
func (s *EvalService) Evaluate(
	ctx context.Context,
	req *connect.Request[structpb.Struct],
) (*connect.Response[structpb.Struct], error) {
	session, err := s.session(req.Msg)
	if err != nil {
		return nil, err
	}
	source := stringField(req.Msg, "source")
	if source == "" {
		return nil, connect.NewError(connect.CodeInvalidArgument, fmt.Errorf("source is required"))
	}

	stop := context.AfterFunc(ctx, session.ctx.Interrupt)
	defer stop()

	result, err := s.worker.Do(func(v *vm.VM) any {
		runErr := session.ctx.ExecuteString(source)
		return evalResult(v, session.ctx, runErr, s.worker.takeOutput())
	})
	if err != nil {
		return nil, connect.NewError(connect.CodeInternal, err)
	}
	msg, err := structpb.NewStruct(result.(map[string]any))
	if err != nil {
		return nil, connect.NewError(connect.CodeInternal, err)
	}
	return connect.NewResponse(msg), nil
}

// Pin pops the top operand of a session and pins it under a new handle.
func (s *EvalService) Pin(
	ctx context.Context,
	req *connect.Request[structpb.Struct],
) (*connect.Response[structpb.Struct], error) {
	session, err := s.session(req.Msg)
	if err != nil {
		return nil, err
	}

	result, err := s.worker.Do(func(v *vm.VM) any {
		r, err := session.ctx.Pop()
		if err != nil {
			return err
		}
		display := v.Format(r)
		id := s.handles.Create(r, display, session.ID)
		return map[string]any{
			"id":      id,
			"type":    r.BType().String(),
			"display": display,
		}
	})
	if err != nil {
		return nil, connect.NewError(connect.CodeInternal, err)
	}
	if perr, ok := result.(error); ok {
		return nil, connect.NewError(connect.CodeFailedPrecondition, fmt.Errorf("pin: %w", perr))
	}
	msg, err := structpb.NewStruct(result.(map[string]any))
	if err != nil {
		return nil, connect.NewError(connect.CodeInternal, err)
	}
	return connect.NewResponse(msg), nil
}

// Push pushes a pinned object onto a session's operand stack.
func (s *EvalService) Push(
	ctx context.Context,
	req *connect.Request[structpb.Struct],
) (*connect.Response[emptypb.Empty], error) {
	session, err := s.session(req.Msg)
	if err != nil {
		return nil, err
	}
	id := stringField(req.Msg, "handle")
	if id == "" {
		return nil, connect.NewError(connect.CodeInvalidArgument, fmt.Errorf("handle is required"))
	}

	result, err := s.worker.Do(func(v *vm.VM) any {
		r, ok := s.handles.Lookup(id)
		if !ok {
			return connect.NewError(connect.CodeNotFound, fmt.Errorf("handle %q not found", id))
		}
		if err := session.ctx.Push(r); err != nil {
			return connect.NewError(connect.CodeFailedPrecondition, fmt.Errorf("push: %w", err))
		}
		return nil
	})
	if err != nil {
		return nil, connect.NewError(connect.CodeInternal, err)
	}
	if cerr, ok := result.(*connect.Error); ok {
		return nil, cerr
	}
	return connect.NewResponse(&emptypb.Empty{}), nil
}

// Release unpins a handle.
func (s *EvalService) Release(
	ctx context.Context,
	req *connect.Request[wrapperspb.StringValue],
) (*connect.Response[emptypb.Empty], error) {
	if !s.handles.Release(req.Msg.GetValue()) {
		return nil, connect.NewError(connect.CodeNotFound, fmt.Errorf("handle %q not found", req.Msg.GetValue()))
	}
	return connect.NewResponse(&emptypb.Empty{}), nil
}

func (s *EvalService) session(msg *structpb.Struct) (*Session, error) {
	id := stringField(msg, "session")
	if id == "" {
		return nil, connect.NewError(connect.CodeInvalidArgument, fmt.Errorf("session is required"))
	}
	session, ok := s.sessions.Get(id)
	if !ok {
		return nil, connect.NewError(connect.CodeNotFound, fmt.Errorf("session %q not found", id))
	}
	return session, nil
}

// evalResult describes the outcome of an evaluation.
// Must be called on the VM worker goroutine.
func evalResult(v *vm.VM, c *vm.Context, runErr error, output string) map[string]any {
	operands := []any{}
	for _, r := range c.Operands() {
		operands = append(operands, v.Format(r))
	}
	res := map[string]any{
		"success":  runErr == nil,
		"output":   output,
		"operands": operands,
	}
	if runErr != nil {
		res["message"] = runErr.Error()
		var re *vm.RunError
		var code vm.ErrorCode
		switch {
		case errors.As(runErr, &re):
			res["error"] = re.Code.Name()
			res["command"] = re.Command
		case errors.As(runErr, &code):
			res["error"] = code.Name()
		}
	}
	return res
}

func stringField(msg *structpb.Struct, key string) string {
	return msg.GetFields()[key].GetStringValue()
}
