package transport

import (
	"context"
	"errors"
	"sync"

	"github.com/raftd/raftd/internal/raft"
)

var errUnreachable = errors.New("peer unreachable")

// InprocNetwork connects several nodes inside one process. Any member can be
// disconnected to simulate a partition; RPCs to or from a disconnected
// member fail like a dropped packet.
type InprocNetwork struct {
	mu           sync.RWMutex
	handlers     map[raft.NodeID]Handler
	disconnected map[raft.NodeID]bool
}

func NewInprocNetwork() *InprocNetwork {
	return &InprocNetwork{
		handlers:     make(map[raft.NodeID]Handler),
		disconnected: make(map[raft.NodeID]bool),
	}
}

func (n *InprocNetwork) Register(id raft.NodeID, handler Handler) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.handlers[id] = handler
}

func (n *InprocNetwork) Disconnect(id raft.NodeID) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.disconnected[id] = true
}

func (n *InprocNetwork) Reconnect(id raft.NodeID) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.disconnected, id)
}

// Transport returns the raft.Transport a given member uses to reach the rest
// of the network.
func (n *InprocNetwork) Transport(from raft.NodeID) raft.Transport {
	return &inprocTransport{net: n, from: from}
}

func (n *InprocNetwork) route(from, to raft.NodeID) (Handler, error) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.disconnected[from] || n.disconnected[to] {
		return nil, errUnreachable
	}
	handler, ok := n.handlers[to]
	if !ok {
		return nil, errUnreachable
	}
	return handler, nil
}

type inprocTransport struct {
	net  *InprocNetwork
	from raft.NodeID
}

func (t *inprocTransport) RequestVote(ctx context.Context, to raft.NodeID, req raft.VoteRequest) (raft.VoteReply, error) {
	handler, err := t.net.route(t.from, to)
	if err != nil {
		return raft.VoteReply{}, err
	}
	return handler.HandleRequestVote(ctx, req)
}

func (t *inprocTransport) AppendEntries(ctx context.Context, to raft.NodeID, req raft.AppendEntriesRequest) (raft.AppendEntriesReply, error) {
	handler, err := t.net.route(t.from, to)
	if err != nil {
		return raft.AppendEntriesReply{}, err
	}
	return handler.HandleAppendEntries(ctx, req)
}

func (t *inprocTransport) InstallSnapshot(ctx context.Context, to raft.NodeID, req raft.InstallSnapshotRequest) (raft.InstallSnapshotReply, error) {
	handler, err := t.net.route(t.from, to)
	if err != nil {
		return raft.InstallSnapshotReply{}, err
	}
	return handler.HandleInstallSnapshot(ctx, req)
}
