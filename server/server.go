// Package server exposes a psvm VM over Connect. Every procedure is a
// unary call whose messages are protobuf well-known types, so clients
// need no generated stubs: Connect JSON, Connect binary and gRPC all work
// on the same port. A gRPC health service is served alongside.
package server

import (
	"net/http"
	"strings"
	"time"

	"connectrpc.com/connect"
	"github.com/tliron/commonlog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/chazu/psvm/vm"
)

var serverLog = commonlog.GetLogger("psvm.server")

// Procedure paths.
const (
	EvaluateProcedure       = "/psvm.v1.EvalService/Evaluate"
	PinProcedure            = "/psvm.v1.EvalService/Pin"
	PushProcedure           = "/psvm.v1.EvalService/Push"
	ReleaseProcedure        = "/psvm.v1.EvalService/Release"
	CreateSessionProcedure  = "/psvm.v1.SessionService/CreateSession"
	DestroySessionProcedure = "/psvm.v1.SessionService/DestroySession"
	ListSessionsProcedure   = "/psvm.v1.SessionService/ListSessions"
	InterruptProcedure      = "/psvm.v1.SessionService/Interrupt"
	DescribeProcedure       = "/psvm.v1.InspectService/Describe"
	StatsProcedure          = "/psvm.v1.InspectService/Stats"
	CollectProcedure        = "/psvm.v1.InspectService/Collect"
	SnapshotProcedure       = "/psvm.v1.InspectService/Snapshot"
)

// Service names reported by the health service.
var serviceNames = []string{"psvm.v1.EvalService", "psvm.v1.SessionService", "psvm.v1.InspectService"}

// Server wraps a VM running on its own worker goroutine.
type Server struct {
	worker   *VMWorker
	handles  *HandleStore
	sessions *SessionStore
	health   *health.Server
	grpc     *grpc.Server
	mux      *http.ServeMux

	stopSweeper func()
}

// Option configures a Server.
type Option func(*serverConfig)

type serverConfig struct {
	sweepInterval time.Duration
	handleTTL     time.Duration
}

// WithHandleTTL sets how long an unused handle stays pinned, and how
// often idle handles are swept.
func WithHandleTTL(interval, ttl time.Duration) Option {
	return func(c *serverConfig) {
		c.sweepInterval = interval
		c.handleTTL = ttl
	}
}

// New creates a Server around a fresh VM built from opts. The VM's
// %stdout is captured and returned with each evaluation.
func New(opts vm.Options, options ...Option) (*Server, error) {
	cfg := &serverConfig{
		sweepInterval: 5 * time.Minute,
		handleTTL:     30 * time.Minute,
	}
	for _, opt := range options {
		opt(cfg)
	}

	worker, err := NewVMWorker(opts)
	if err != nil {
		return nil, err
	}
	handles := NewHandleStore(worker)
	sessions := NewSessionStore(worker, handles)

	s := &Server{
		worker:   worker,
		handles:  handles,
		sessions: sessions,
		health:   health.NewServer(),
		grpc:     grpc.NewServer(),
		mux:      http.NewServeMux(),
	}
	healthpb.RegisterHealthServer(s.grpc, s.health)

	evalSvc := NewEvalService(worker, handles, sessions)
	sessionSvc := NewSessionService(sessions)
	inspectSvc := NewInspectService(worker, handles)

	s.mux.Handle(EvaluateProcedure, connect.NewUnaryHandler(EvaluateProcedure, evalSvc.Evaluate))
	s.mux.Handle(PinProcedure, connect.NewUnaryHandler(PinProcedure, evalSvc.Pin))
	s.mux.Handle(PushProcedure, connect.NewUnaryHandler(PushProcedure, evalSvc.Push))
	s.mux.Handle(ReleaseProcedure, connect.NewUnaryHandler(ReleaseProcedure, evalSvc.Release))
	s.mux.Handle(CreateSessionProcedure, connect.NewUnaryHandler(CreateSessionProcedure, sessionSvc.CreateSession))
	s.mux.Handle(DestroySessionProcedure, connect.NewUnaryHandler(DestroySessionProcedure, sessionSvc.DestroySession))
	s.mux.Handle(ListSessionsProcedure, connect.NewUnaryHandler(ListSessionsProcedure, sessionSvc.ListSessions))
	s.mux.Handle(InterruptProcedure, connect.NewUnaryHandler(InterruptProcedure, sessionSvc.Interrupt))
	s.mux.Handle(DescribeProcedure, connect.NewUnaryHandler(DescribeProcedure, inspectSvc.Describe))
	s.mux.Handle(StatsProcedure, connect.NewUnaryHandler(StatsProcedure, inspectSvc.Stats))
	s.mux.Handle(CollectProcedure, connect.NewUnaryHandler(CollectProcedure, inspectSvc.Collect))
	s.mux.Handle(SnapshotProcedure, connect.NewUnaryHandler(SnapshotProcedure, inspectSvc.Snapshot))

	s.health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	for _, name := range serviceNames {
		s.health.SetServingStatus(name, healthpb.HealthCheckResponse_SERVING)
	}

	s.stopSweeper = handles.StartSweeper(cfg.sweepInterval, cfg.handleTTL)
	return s, nil
}

// Sessions returns the session store.
func (s *Server) Sessions() *SessionStore { return s.sessions }

// Handles returns the handle store.
func (s *Server) Handles() *HandleStore { return s.handles }

// Health returns the gRPC health service.
func (s *Server) Health() healthpb.HealthServer { return s.health }

// ServeHTTP routes gRPC health checks to the gRPC server and everything
// else to the Connect handlers.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.ProtoMajor == 2 &&
		strings.HasPrefix(r.Header.Get("Content-Type"), "application/grpc") &&
		strings.HasPrefix(r.URL.Path, "/"+healthpb.Health_ServiceDesc.ServiceName+"/") {
		s.grpc.ServeHTTP(w, r)
		return
	}
	s.mux.ServeHTTP(w, r)
}

// ListenAndServe starts the HTTP server on the given address. Cleartext
// HTTP/2 is enabled so gRPC clients can connect without TLS.
func (s *Server) ListenAndServe(addr string) error {
	var protocols http.Protocols
	protocols.SetHTTP1(true)
	protocols.SetUnencryptedHTTP2(true)
	srv := &http.Server{
		Addr:      addr,
		Handler:   s,
		Protocols: &protocols,
	}
	serverLog.Noticef("psvm server listening on %s", addr)
	serverLog.Noticef("  Connect (HTTP/JSON): http://%s%s", addr, EvaluateProcedure)
	return srv.ListenAndServe()
}

// Stop marks the services as not serving and shuts down the worker.
func (s *Server) Stop() {
	s.health.Shutdown()
	if s.stopSweeper != nil {
		s.stopSweeper()
	}
	s.grpc.Stop()
	s.worker.Stop()
}
