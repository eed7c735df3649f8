package server

import (
	"context"
	"errors"
	"net/http/httptest"
	"testing"
	"time"

	"connectrpc.com/connect"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/chazu/psvm/vm"
	"github.com/chazu/psvm/vm/snapshot"
)

// ---------------------------------------------------------------------------
// Test infrastructure
// ---------------------------------------------------------------------------

type testEnv struct {
	srv  *Server
	http *httptest.Server
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	srv, err := New(vm.Options{LanguageLevel: 2, TimeSliceTicks: 100})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	hs := httptest.NewServer(srv)
	t.Cleanup(func() {
		hs.Close()
		srv.Stop()
	})
	return &testEnv{srv: srv, http: hs}
}

func call[Req, Res any](t *testing.T, env *testEnv, procedure string, msg *Req) (*Res, error) {
	t.Helper()
	client := connect.NewClient[Req, Res](env.http.Client(), env.http.URL+procedure)
	resp, err := client.CallUnary(context.Background(), connect.NewRequest(msg))
	if err != nil {
		return nil, err
	}
	return resp.Msg, nil
}

func mustStruct(t *testing.T, m map[string]any) *structpb.Struct {
	t.Helper()
	s, err := structpb.NewStruct(m)
	if err != nil {
		t.Fatalf("NewStruct: %v", err)
	}
	return s
}

func (env *testEnv) createSession(t *testing.T, name string) string {
	t.Helper()
	res, err := call[wrapperspb.StringValue, structpb.Struct](t, env, CreateSessionProcedure, wrapperspb.String(name))
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	id := res.GetFields()["id"].GetStringValue()
	if id == "" {
		t.Fatal("CreateSession returned an empty id")
	}
	return id
}

func (env *testEnv) eval(t *testing.T, session, source string) map[string]any {
	t.Helper()
	res, err := call[structpb.Struct, structpb.Struct](t, env, EvaluateProcedure,
		mustStruct(t, map[string]any{"session": session, "source": source}))
	if err != nil {
		t.Fatalf("Evaluate(%q): %v", source, err)
	}
	return res.AsMap()
}

func operands(res map[string]any) []string {
	var out []string
	list, _ := res["operands"].([]any)
	for _, o := range list {
		s, _ := o.(string)
		out = append(out, s)
	}
	return out
}

func connectCode(err error) connect.Code {
	var cerr *connect.Error
	if errors.As(err, &cerr) {
		return cerr.Code()
	}
	return connect.CodeUnknown
}

// ---------------------------------------------------------------------------
// Evaluate
// ---------------------------------------------------------------------------

func TestEvaluate(t *testing.T) {
	env := newTestEnv(t)
	id := env.createSession(t, "calc")

	res := env.eval(t, id, "1 2 add (hi) print")
	if res["success"] != true {
		t.Fatalf("success = %v, response %v", res["success"], res)
	}
	if res["output"] != "hi" {
		t.Errorf("output = %q, want hi", res["output"])
	}
	if ops := operands(res); len(ops) != 1 || ops[0] != "3" {
		t.Errorf("operands = %v, want [3]", ops)
	}

	// The operand stack belongs to the session and persists.
	res = env.eval(t, id, "10 mul")
	if ops := operands(res); len(ops) != 1 || ops[0] != "30" {
		t.Errorf("operands = %v, want [30]", ops)
	}
}

func TestEvaluateReportsPostScriptErrors(t *testing.T) {
	env := newTestEnv(t)
	id := env.createSession(t, "")

	res := env.eval(t, id, "(a) 1 add")
	if res["success"] != false {
		t.Fatalf("success = %v, want false", res["success"])
	}
	if res["error"] != "typecheck" || res["command"] != "add" {
		t.Errorf("error = %v in %v, want typecheck in add", res["error"], res["command"])
	}

	res = env.eval(t, id, "clear 5")
	if res["success"] != true {
		t.Errorf("session unusable after error: %v", res)
	}
}

func TestEvaluateValidation(t *testing.T) {
	env := newTestEnv(t)
	id := env.createSession(t, "")

	tests := []struct {
		name string
		msg  map[string]any
		code connect.Code
	}{
		{"no session", map[string]any{"source": "1"}, connect.CodeInvalidArgument},
		{"unknown session", map[string]any{"session": "nope", "source": "1"}, connect.CodeNotFound},
		{"no source", map[string]any{"session": id}, connect.CodeInvalidArgument},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := call[structpb.Struct, structpb.Struct](t, env, EvaluateProcedure, mustStruct(t, tt.msg))
			if code := connectCode(err); code != tt.code {
				t.Errorf("code = %v, want %v (err %v)", code, tt.code, err)
			}
		})
	}
}

func TestSessionsShareVM(t *testing.T) {
	env := newTestEnv(t)
	a := env.createSession(t, "a")
	b := env.createSession(t, "b")

	env.eval(t, a, "userdict /shared 42 put")
	res := env.eval(t, b, "shared")
	if ops := operands(res); len(ops) != 1 || ops[0] != "42" {
		t.Errorf("operands in b = %v, want [42]", ops)
	}
	res = env.eval(t, a, "count")
	if ops := operands(res); len(ops) != 1 || ops[0] != "0" {
		t.Errorf("operands in a = %v, want [0]", ops)
	}
}

func TestInterruptSession(t *testing.T) {
	env := newTestEnv(t)
	id := env.createSession(t, "")

	done := make(chan map[string]any, 1)
	go func() {
		res, err := call[structpb.Struct, structpb.Struct](t, env, EvaluateProcedure,
			mustStruct(t, map[string]any{"session": id, "source": "{} loop"}))
		if err != nil {
			done <- map[string]any{"rpc": err.Error()}
			return
		}
		done <- res.AsMap()
	}()

	deadline := time.After(10 * time.Second)
	for {
		if _, err := call[wrapperspb.StringValue, emptypb.Empty](t, env, InterruptProcedure, wrapperspb.String(id)); err != nil {
			t.Fatalf("Interrupt: %v", err)
		}
		select {
		case res := <-done:
			if res["error"] != "interrupt" {
				t.Errorf("result = %v, want interrupt error", res)
			}
			return
		case <-deadline:
			t.Fatal("loop was not interrupted")
		case <-time.After(20 * time.Millisecond):
		}
	}
}

// ---------------------------------------------------------------------------
// Sessions
// ---------------------------------------------------------------------------

func TestSessionLifecycle(t *testing.T) {
	env := newTestEnv(t)
	id := env.createSession(t, "work")

	session, ok := env.srv.Sessions().Get(id)
	if !ok || session.Name != "work" {
		t.Fatalf("session = %+v, %v", session, ok)
	}

	list, err := call[emptypb.Empty, structpb.Struct](t, env, ListSessionsProcedure, &emptypb.Empty{})
	if err != nil {
		t.Fatalf("ListSessions: %v", err)
	}
	if n := len(list.GetFields()["sessions"].GetListValue().GetValues()); n != 1 {
		t.Errorf("sessions = %d, want 1", n)
	}

	if _, err := call[wrapperspb.StringValue, emptypb.Empty](t, env, DestroySessionProcedure, wrapperspb.String(id)); err != nil {
		t.Fatalf("DestroySession: %v", err)
	}
	if _, ok := env.srv.Sessions().Get(id); ok {
		t.Error("session still present after destroy")
	}
	_, err = call[wrapperspb.StringValue, emptypb.Empty](t, env, DestroySessionProcedure, wrapperspb.String(id))
	if code := connectCode(err); code != connect.CodeNotFound {
		t.Errorf("second destroy code = %v, want not_found", code)
	}
}

func TestSessionIDsAreUnique(t *testing.T) {
	env := newTestEnv(t)
	a := env.createSession(t, "")
	b := env.createSession(t, "")
	if a == b {
		t.Errorf("duplicate session id %s", a)
	}
}

// ---------------------------------------------------------------------------
// Handles
// ---------------------------------------------------------------------------

func (env *testEnv) pin(t *testing.T, session string) map[string]any {
	t.Helper()
	res, err := call[structpb.Struct, structpb.Struct](t, env, PinProcedure, mustStruct(t, map[string]any{"session": session}))
	if err != nil {
		t.Fatalf("Pin: %v", err)
	}
	return res.AsMap()
}

func TestPinSurvivesCollection(t *testing.T) {
	env := newTestEnv(t)
	id := env.createSession(t, "")

	env.eval(t, id, "(pinned) 1 1 300 {pop 100 array pop} for")
	h := env.pin(t, id)
	if h["type"] != "stringtype" || h["display"] != "(pinned)" {
		t.Fatalf("pin = %v", h)
	}
	handle, _ := h["id"].(string)

	if _, err := call[emptypb.Empty, structpb.Struct](t, env, CollectProcedure, &emptypb.Empty{}); err != nil {
		t.Fatalf("Collect: %v", err)
	}

	desc, err := call[wrapperspb.StringValue, structpb.Struct](t, env, DescribeProcedure, wrapperspb.String(handle))
	if err != nil {
		t.Fatalf("Describe: %v", err)
	}
	d := desc.AsMap()
	if d["display"] != "(pinned)" || d["space"] != "local" || d["length"] != float64(6) || d["access"] != "unlimited" {
		t.Errorf("describe = %v", d)
	}

	other := env.createSession(t, "")
	if _, err := call[structpb.Struct, emptypb.Empty](t, env, PushProcedure,
		mustStruct(t, map[string]any{"session": other, "handle": handle})); err != nil {
		t.Fatalf("Push: %v", err)
	}
	res := env.eval(t, other, "length")
	if ops := operands(res); len(ops) != 1 || ops[0] != "6" {
		t.Errorf("operands = %v, want [6]", ops)
	}
}

func TestPinnedObjectBlocksRestore(t *testing.T) {
	env := newTestEnv(t)
	id := env.createSession(t, "")

	env.eval(t, id, "/sv save def (newer)")
	env.pin(t, id)
	res := env.eval(t, id, "sv restore")
	if res["error"] != "invalidrestore" {
		t.Errorf("restore with a pinned newer object = %v, want invalidrestore", res)
	}
}

func TestHandlesRelocatedWhileLookedUp(t *testing.T) {
	worker, err := NewVMWorker(vm.Options{LanguageLevel: 2})
	if err != nil {
		t.Fatalf("NewVMWorker: %v", err)
	}
	defer worker.Stop()
	store := NewHandleStore(worker)

	res, _ := worker.Do(func(v *vm.VM) any {
		for i := 0; i < 200; i++ {
			v.Memory().AllocArray(vm.SpaceLocal, 50)
		}
		s, _ := v.Memory().NewString("moved")
		return store.Create(s, "(moved)", "s1")
	})
	id := res.(string)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 500; i++ {
			store.Lookup(id)
			store.Sweep(time.Hour)
		}
	}()
	for i := 0; i < 20; i++ {
		worker.Do(func(v *vm.VM) any { return v.GC() })
	}
	<-done

	got, _ := worker.Do(func(v *vm.VM) any {
		r, ok := store.Lookup(id)
		if !ok {
			return ""
		}
		return string(v.Memory().StringBytes(r))
	})
	if got != "moved" {
		t.Errorf("pinned string = %q after collections, want moved", got)
	}
}

func TestReleaseAndDestroyUnpin(t *testing.T) {
	env := newTestEnv(t)
	id := env.createSession(t, "")

	env.eval(t, id, "1 2")
	a, _ := env.pin(t, id)["id"].(string)
	env.pin(t, id)
	if n := env.srv.Handles().Len(); n != 2 {
		t.Fatalf("handles = %d, want 2", n)
	}

	if _, err := call[wrapperspb.StringValue, emptypb.Empty](t, env, ReleaseProcedure, wrapperspb.String(a)); err != nil {
		t.Fatalf("Release: %v", err)
	}
	_, err := call[wrapperspb.StringValue, emptypb.Empty](t, env, ReleaseProcedure, wrapperspb.String(a))
	if code := connectCode(err); code != connect.CodeNotFound {
		t.Errorf("second release code = %v, want not_found", code)
	}

	env.srv.Sessions().Destroy(id)
	if n := env.srv.Handles().Len(); n != 0 {
		t.Errorf("handles after destroy = %d, want 0", n)
	}
}

func TestPinEmptyStack(t *testing.T) {
	env := newTestEnv(t)
	id := env.createSession(t, "")
	_, err := call[structpb.Struct, structpb.Struct](t, env, PinProcedure, mustStruct(t, map[string]any{"session": id}))
	if code := connectCode(err); code != connect.CodeFailedPrecondition {
		t.Errorf("code = %v, want failed_precondition", code)
	}
}

func TestHandleSweep(t *testing.T) {
	env := newTestEnv(t)
	id := env.createSession(t, "")
	env.eval(t, id, "7")
	env.pin(t, id)
	if n := env.srv.Handles().Sweep(time.Hour); n != 0 {
		t.Errorf("swept %d fresh handles", n)
	}
	if n := env.srv.Handles().Sweep(-time.Second); n != 1 {
		t.Errorf("swept %d handles, want 1", n)
	}
}

// ---------------------------------------------------------------------------
// Inspection
// ---------------------------------------------------------------------------

func TestStats(t *testing.T) {
	env := newTestEnv(t)
	id := env.createSession(t, "")
	env.eval(t, id, "save pop")

	res, err := call[emptypb.Empty, structpb.Struct](t, env, StatsProcedure, &emptypb.Empty{})
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	m := res.AsMap()
	if m["save_level"] != float64(1) {
		t.Errorf("save_level = %v, want 1", m["save_level"])
	}
	spaces, _ := m["spaces"].([]any)
	if len(spaces) != 3 {
		t.Fatalf("spaces = %v", m["spaces"])
	}
	local, _ := spaces[2].(map[string]any)
	if local["space"] != "local" {
		t.Errorf("third space = %v, want local", local["space"])
	}
	if used, _ := local["used"].(float64); used <= 0 {
		t.Errorf("local used = %v", local["used"])
	}
}

func TestSnapshot(t *testing.T) {
	env := newTestEnv(t)
	id := env.createSession(t, "")
	env.eval(t, id, "/remotekey 3 array def 99")

	res, err := call[emptypb.Empty, wrapperspb.BytesValue](t, env, SnapshotProcedure, &emptypb.Empty{})
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	snap, err := snapshot.Unmarshal(res.GetValue())
	if err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	found := false
	for _, n := range snap.Names {
		if n.Text == "remotekey" {
			found = true
		}
	}
	if !found {
		t.Error("remotekey missing from the snapshot name table")
	}
	if len(snap.Contexts) != 1 || len(snap.Contexts[0].Operands) != 1 || snap.Contexts[0].Operands[0] != "99" {
		t.Errorf("contexts = %+v", snap.Contexts)
	}
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t)
	for _, name := range append([]string{""}, serviceNames...) {
		resp, err := env.srv.Health().Check(context.Background(), &healthpb.HealthCheckRequest{Service: name})
		if err != nil {
			t.Fatalf("Check(%q): %v", name, err)
		}
		if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
			t.Errorf("Check(%q) = %v, want SERVING", name, resp.GetStatus())
		}
	}
}
