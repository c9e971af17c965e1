// Package transport carries Raft RPCs between cluster members: a JSON/HTTP
// client and server for real deployments and an in-process network for
// multi-node tests.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/raftd/raftd/internal/logging"
	"github.com/raftd/raftd/internal/raft"
)

const (
	voteRoute     = "/raft/vote"
	appendRoute   = "/raft/append"
	snapshotRoute = "/raft/snapshot"

	requestIDHeader = "X-Request-Id"
)

// Handler is the RPC surface a node exposes to its peers.
type Handler interface {
	HandleRequestVote(ctx context.Context, req raft.VoteRequest) (raft.VoteReply, error)
	HandleAppendEntries(ctx context.Context, req raft.AppendEntriesRequest) (raft.AppendEntriesReply, error)
	HandleInstallSnapshot(ctx context.Context, req raft.InstallSnapshotRequest) (raft.InstallSnapshotReply, error)
}

// PeerResolver maps a member id to the base URL its RPC server listens on.
type PeerResolver struct {
	peers map[raft.NodeID]string
}

func NewPeerResolver(peers map[raft.NodeID]string) *PeerResolver {
	copied := make(map[raft.NodeID]string, len(peers))
	for id, addr := range peers {
		copied[id] = addr
	}
	return &PeerResolver{peers: copied}
}

func (r *PeerResolver) Resolve(id raft.NodeID) (string, error) {
	addr, ok := r.peers[id]
	if !ok {
		return "", fmt.Errorf("unknown peer %q", id)
	}
	return addr, nil
}

// HTTPTransport implements raft.Transport over JSON POST requests. Every
// request carries a fresh UUID so one RPC can be correlated across both
// nodes' logs.
type HTTPTransport struct {
	resolver *PeerResolver
	client   *http.Client
	logger   *zap.Logger
}

func NewHTTPTransport(resolver *PeerResolver) *HTTPTransport {
	return &HTTPTransport{
		resolver: resolver,
		client:   &http.Client{Timeout: 5 * time.Second},
		logger:   logging.GetLoggerOrPanic("transport"),
	}
}

func (t *HTTPTransport) RequestVote(ctx context.Context, to raft.NodeID, req raft.VoteRequest) (raft.VoteReply, error) {
	var reply raft.VoteReply
	err := t.post(ctx, to, voteRoute, req, &reply)
	return reply, err
}

func (t *HTTPTransport) AppendEntries(ctx context.Context, to raft.NodeID, req raft.AppendEntriesRequest) (raft.AppendEntriesReply, error) {
	var reply raft.AppendEntriesReply
	err := t.post(ctx, to, appendRoute, req, &reply)
	return reply, err
}

func (t *HTTPTransport) InstallSnapshot(ctx context.Context, to raft.NodeID, req raft.InstallSnapshotRequest) (raft.InstallSnapshotReply, error) {
	var reply raft.InstallSnapshotReply
	err := t.post(ctx, to, snapshotRoute, req, &reply)
	return reply, err
}

func (t *HTTPTransport) post(ctx context.Context, to raft.NodeID, route string, req, reply interface{}) error {
	addr, err := t.resolver.Resolve(to)
	if err != nil {
		return err
	}
	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("encode %s request: %w", route, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, addr+route, bytes.NewReader(body))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	requestID := uuid.NewString()
	httpReq.Header.Set(requestIDHeader, requestID)

	resp, err := t.client.Do(httpReq)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.logger.Debug("rpc rejected by peer",
			zap.String(logging.Peer, string(to)),
			zap.String("route", route),
			zap.String("request id", requestID),
			zap.Int("status", resp.StatusCode),
		)
		return fmt.Errorf("%s to %s returned %d", route, to, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(reply); err != nil {
		return fmt.Errorf("decode %s reply: %w", route, err)
	}
	return nil
}
