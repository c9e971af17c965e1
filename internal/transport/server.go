package transport

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/raftd/raftd/internal/logging"
	"github.com/raftd/raftd/internal/raft"
)

// StatusSource exposes the node state served on /status.
type StatusSource interface {
	Status() raft.Status
}

// Server is the inbound RPC surface of a node: the three Raft RPC routes
// plus a status endpoint. Additional application routes can be mounted on
// the returned router.
type Server struct {
	handler Handler
	status  StatusSource
	logger  *zap.Logger
}

func NewServer(handler Handler, status StatusSource) *Server {
	return &Server{
		handler: handler,
		status:  status,
		logger:  logging.GetLoggerOrPanic("rpc server"),
	}
}

func (s *Server) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Post(voteRoute, s.handleVote)
	r.Post(appendRoute, s.handleAppend)
	r.Post(snapshotRoute, s.handleSnapshot)
	r.Get("/status", s.handleStatus)
	return r
}

func (s *Server) handleVote(w http.ResponseWriter, r *http.Request) {
	var req raft.VoteRequest
	if !decodeRequest(w, r, &req) {
		return
	}
	reply, err := s.handler.HandleRequestVote(r.Context(), req)
	s.respond(w, r, reply, err)
}

func (s *Server) handleAppend(w http.ResponseWriter, r *http.Request) {
	var req raft.AppendEntriesRequest
	if !decodeRequest(w, r, &req) {
		return
	}
	reply, err := s.handler.HandleAppendEntries(r.Context(), req)
	s.respond(w, r, reply, err)
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	var req raft.InstallSnapshotRequest
	if !decodeRequest(w, r, &req) {
		return
	}
	reply, err := s.handler.HandleInstallSnapshot(r.Context(), req)
	s.respond(w, r, reply, err)
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(s.status.Status())
}

func (s *Server) respond(w http.ResponseWriter, r *http.Request, reply interface{}, err error) {
	if err != nil {
		// A handler error means the node could not make the change
		// durable; the peer sees a transport failure and retries.
		s.logger.Error("rpc handler failed",
			zap.String("route", r.URL.Path),
			zap.String("request id", r.Header.Get(requestIDHeader)),
			zap.Error(err),
		)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(reply)
}

func decodeRequest(w http.ResponseWriter, r *http.Request, into interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(into); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return false
	}
	return true
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
