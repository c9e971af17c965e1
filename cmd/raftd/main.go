package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/raftd/raftd/internal/config"
	"github.com/raftd/raftd/internal/fsm"
	"github.com/raftd/raftd/internal/logging"
	"github.com/raftd/raftd/internal/raft"
	"github.com/raftd/raftd/internal/raftstore"
	"github.com/raftd/raftd/internal/transport"
)

func main() {
	configPath := flag.String("config", "raftd.json", "path to the node config file")
	flag.Parse()

	logger := logging.GetLoggerOrPanic("raftd")

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatal("load config", zap.Error(err))
	}

	if err := run(cfg, logger); err != nil {
		logger.Fatal("raftd exited", zap.Error(err))
	}
}

func run(cfg config.Config, logger *zap.Logger) error {
	store, err := raftstore.Open(cfg.DataDir)
	if err != nil {
		return err
	}

	peers := make(map[raft.NodeID]string, len(cfg.Peers))
	for id, addr := range cfg.Peers {
		peers[raft.NodeID(id)] = addr
	}

	kv := fsm.NewKV()
	node, err := raft.New(raft.Options{
		ID:                   raft.NodeID(cfg.NodeID),
		Addr:                 cfg.ListenAddr,
		Peers:                peers,
		ElectionTimeout:      cfg.ElectionTimeout(),
		HeartbeatInterval:    cfg.HeartbeatInterval(),
		MaxEntriesPerRequest: cfg.MaxEntriesPerRequest,
	}, store, transport.NewHTTPTransport(transport.NewPeerResolver(peers)), kv)
	if err != nil {
		return multierr.Append(err, store.Close())
	}
	node.Start()

	router := transport.NewServer(node, node).Router()
	router.Route("/kv", func(r chi.Router) {
		r.Get("/{key}", handleGet(kv))
		r.Put("/{key}", handlePut(node))
		r.Delete("/{key}", handleDelete(node))
	})

	srv := &http.Server{Addr: cfg.ListenAddr, Handler: router}
	serveErr := make(chan error, 1)
	go func() {
		logger.Info("listening", zap.String("addr", cfg.ListenAddr))
		serveErr <- srv.ListenAndServe()
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-stop:
		logger.Info("shutting down", zap.String("signal", sig.String()))
	case err := <-serveErr:
		node.Stop()
		return multierr.Append(err, store.Close())
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err = srv.Shutdown(shutdownCtx)
	node.Stop()
	return multierr.Append(err, store.Close())
}

func handleGet(kv *fsm.KV) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key := chi.URLParam(r, "key")
		value, ok := kv.Get(key)
		if !ok {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "key not found"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"key": key, "value": value})
	}
}

func handlePut(node *raft.Node) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		value, err := io.ReadAll(r.Body)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "unreadable body"})
			return
		}
		propose(w, node, fsm.Command{
			Op:    fsm.OpSet,
			Key:   chi.URLParam(r, "key"),
			Value: string(value),
		})
	}
}

func handleDelete(node *raft.Node) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		propose(w, node, fsm.Command{
			Op:  fsm.OpDelete,
			Key: chi.URLParam(r, "key"),
		})
	}
}

func propose(w http.ResponseWriter, node *raft.Node, cmd fsm.Command) {
	index, term, err := node.Propose(fsm.EncodeCommand(cmd))
	if errors.Is(err, raft.ErrNotLeader) {
		leaderID, leaderAddr := node.LeaderHint()
		writeJSON(w, http.StatusMisdirectedRequest, map[string]string{
			"error":       "not leader",
			"leader_id":   string(leaderID),
			"leader_addr": leaderAddr,
		})
		return
	}
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]uint64{"index": index, "term": term})
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
