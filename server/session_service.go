package server

import (
	"context"
	"fmt"
	"time"

	"connectrpc.com/connect"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// SessionService creates, lists, interrupts and destroys sessions.
type SessionService struct {
	sessions *SessionStore
}

// NewSessionService creates a SessionService.
func NewSessionService(sessions *SessionStore) *SessionService {
	return &SessionService{sessions: sessions}
}

// CreateSession takes an optional name and answers {id, name, context}.
func (s *SessionService) CreateSession(
	ctx context.Context,
	req *connect.Request[wrapperspb.StringValue],
) (*connect.Response[structpb.Struct], error) {
	session, err := s.sessions.Create(req.Msg.GetValue())
	if err != nil {
		return nil, connect.NewError(connect.CodeInternal, err)
	}
	msg, err := structpb.NewStruct(sessionInfo(session))
	if err != nil {
		return nil, connect.NewError(connect.CodeInternal, err)
	}
	return connect.NewResponse(msg), nil
}

// DestroySession closes a session and releases its handles.
func (s *SessionService) DestroySession(
	ctx context.Context,
	req *connect.Request[wrapperspb.StringValue],
) (*connect.Response[emptypb.Empty], error) {
	if !s.sessions.Destroy(req.Msg.GetValue()) {
		return nil, connect.NewError(connect.CodeNotFound, fmt.Errorf("session %q not found", req.Msg.GetValue()))
	}
	return connect.NewResponse(&emptypb.Empty{}), nil
}

// ListSessions answers {sessions: [{id, name, context, created}]}.
func (s *SessionService) ListSessions(
	ctx context.Context,
	req *connect.Request[emptypb.Empty],
) (*connect.Response[structpb.Struct], error) {
	list := []any{}
	for _, session := range s.sessions.List() {
		list = append(list, sessionInfo(session))
	}
	msg, err := structpb.NewStruct(map[string]any{"sessions": list})
	if err != nil {
		return nil, connect.NewError(connect.CodeInternal, err)
	}
	return connect.NewResponse(msg), nil
}

// Interrupt raises an interrupt error in a session at the end of its
// current time slice. It does not wait for the VM worker, so it reaches a
// program that is already running.
func (s *SessionService) Interrupt(
	ctx context.Context,
	req *connect.Request[wrapperspb.StringValue],
) (*connect.Response[emptypb.Empty], error) {
	session, ok := s.sessions.Get(req.Msg.GetValue())
	if !ok {
		return nil, connect.NewError(connect.CodeNotFound, fmt.Errorf("session %q not found", req.Msg.GetValue()))
	}
	session.ctx.Interrupt()
	return connect.NewResponse(&emptypb.Empty{}), nil
}

func sessionInfo(s *Session) map[string]any {
	return map[string]any{
		"id":      s.ID,
		"name":    s.Name,
		"context": s.ctx.ID(),
		"created": s.Created.Format(time.RFC3339),
	}
}
