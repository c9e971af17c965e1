package raft

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/raftd/raftd/internal/logging"
)

// replicateLoop drives AppendEntries rounds for one peer, heartbeat-paced,
// for the lifetime of one leadership. stopCh is the leaderStopCh of the term
// this replicator was started in.
func (n *Node) replicateLoop(peerID NodeID, term uint64, stopCh <-chan struct{}) {
	logger := n.logger.
		With(zap.String(logging.Peer, string(peerID))).
		With(zap.Uint64(logging.Term, term))
	logger.Debug("replicator started")

	ticker := time.NewTicker(n.heartbeatInterval)
	defer ticker.Stop()

	n.replicateOnce(peerID, term, logger)
	for {
		select {
		case <-stopCh:
			logger.Debug("replicator retired")
			return
		case <-n.stopCh:
			return
		case <-ticker.C:
			n.replicateOnce(peerID, term, logger)
		}
	}
}

func (n *Node) replicateOnce(peerID NodeID, term uint64, logger *zap.Logger) {
	n.mu.Lock()
	if n.role != RoleLeader || n.currentTerm != term {
		n.mu.Unlock()
		return
	}
	p, ok := n.peers[peerID]
	if !ok {
		n.mu.Unlock()
		return
	}
	req, ok := n.buildAppendRequestLocked(p)
	n.mu.Unlock()

	if !ok {
		// The entries this peer needs were compacted away; ship the
		// snapshot instead of a normal round.
		n.installSnapshotOnPeer(peerID, term, logger)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), n.electionTimeoutBase)
	reply, err := n.trans.AppendEntries(ctx, peerID, req)
	cancel()
	if err != nil {
		// Soft failure; the next heartbeat round retries.
		logger.Debug("append entries failed", zap.Error(err))
		return
	}

	n.handleAppendReply(peerID, term, req, reply, logger)
}

// buildAppendRequestLocked assembles the next AppendEntries round for a
// peer. It reports false when the peer has fallen behind the retained log
// and needs a snapshot.
func (n *Node) buildAppendRequestLocked(p *Peer) (AppendEntriesRequest, bool) {
	first := n.log.FirstIndex()
	last := n.log.LastIndex()
	if p.nextIndex < first {
		return AppendEntriesRequest{}, false
	}

	prevLogIndex := p.nextIndex - 1
	var prevLogTerm uint64
	sb := n.log.SnapshotBoundary()
	switch {
	case prevLogIndex == 0:
		prevLogTerm = 0
	case prevLogIndex >= first:
		t, err := n.log.Term(prevLogIndex)
		if err != nil {
			return AppendEntriesRequest{}, false
		}
		prevLogTerm = t
	case prevLogIndex == sb.Index:
		prevLogTerm = sb.Term
	default:
		return AppendEntriesRequest{}, false
	}

	var entries []LogEntry
	batchEnd := last
	if limit := p.nextIndex + uint64(n.maxEntries) - 1; batchEnd > limit {
		batchEnd = limit
	}
	for index := p.nextIndex; index <= batchEnd; index++ {
		entry, err := n.log.Entry(index)
		if err != nil {
			return AppendEntriesRequest{}, false
		}
		entries = append(entries, entry)
	}

	leaderCommit := n.commitIndex
	if sent := prevLogIndex + uint64(len(entries)); leaderCommit > sent {
		leaderCommit = sent
	}
	return AppendEntriesRequest{
		LeaderID:     n.id,
		Term:         n.currentTerm,
		PrevLogIndex: prevLogIndex,
		PrevLogTerm:  prevLogTerm,
		Entries:      entries,
		LeaderCommit: leaderCommit,
	}, true
}

func (n *Node) handleAppendReply(peerID NodeID, term uint64, req AppendEntriesRequest, reply AppendEntriesReply, logger *zap.Logger) {
	n.mu.Lock()
	defer n.mu.Unlock()

	// The node may have stepped down while this round was in flight.
	if n.role != RoleLeader || n.currentTerm != term {
		return
	}
	if reply.Term > n.currentTerm {
		if err := n.stepDownLocked(reply.Term); err != nil {
			n.logger.Error("step down failed", zap.Error(err))
		}
		return
	}
	p, ok := n.peers[peerID]
	if !ok {
		return
	}

	if reply.Success {
		p.setMatchIndex(req.PrevLogIndex + uint64(len(req.Entries)))
		p.nextIndex = p.matchIndex + 1
		n.advanceCommitIndexLocked()
		return
	}

	p.backoff(reply.LastLogIndex)
	logger.Debug("log mismatch, backing off",
		zap.Uint64("next index", p.nextIndex),
		zap.Uint64("responder last log index", reply.LastLogIndex),
	)
}

func (n *Node) installSnapshotOnPeer(peerID NodeID, term uint64, logger *zap.Logger) {
	n.mu.Lock()
	if n.role != RoleLeader || n.currentTerm != term {
		n.mu.Unlock()
		return
	}
	meta, data, err := n.log.Snapshot()
	if err != nil || meta.Index == 0 {
		n.mu.Unlock()
		logger.Warn("peer needs snapshot but none is available", zap.Error(err))
		return
	}
	req := InstallSnapshotRequest{
		LeaderID:          n.id,
		Term:              term,
		LastIncludedIndex: meta.Index,
		LastIncludedTerm:  meta.Term,
		Data:              data,
	}
	n.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), n.electionTimeoutBase)
	reply, err := n.trans.InstallSnapshot(ctx, peerID, req)
	cancel()
	if err != nil {
		logger.Debug("install snapshot failed", zap.Error(err))
		return
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	if n.role != RoleLeader || n.currentTerm != term {
		return
	}
	if reply.Term > n.currentTerm {
		if err := n.stepDownLocked(reply.Term); err != nil {
			n.logger.Error("step down failed", zap.Error(err))
		}
		return
	}
	if p, ok := n.peers[peerID]; ok {
		p.setMatchIndex(meta.Index)
		p.nextIndex = meta.Index + 1
		n.advanceCommitIndexLocked()
		logger.Info("snapshot installed on peer",
			zap.Uint64(logging.Index, meta.Index),
		)
	}
}

// advanceCommitIndexLocked recomputes the commit index from the quorum of
// match positions: every peer's matchIndex plus the leader's own synced
// index. An index from an earlier term is never committed by counting alone.
func (n *Node) advanceCommitIndexLocked() {
	matches := make([]uint64, 0, len(n.peers)+1)
	for _, p := range n.peers {
		matches = append(matches, p.matchIndex)
	}
	matches = append(matches, n.lastSynced)

	next := QuorumMatchIndex(matches)
	if next <= n.commitIndex {
		return
	}
	term, err := n.termAtLocked(next)
	if err != nil {
		n.logger.Warn("quorum index unavailable in log",
			zap.Uint64(logging.Index, next),
			zap.Error(err),
		)
		return
	}
	if term != n.currentTerm {
		n.logger.Debug("quorum index from earlier term, holding commit",
			zap.Uint64(logging.Index, next),
			zap.Uint64("entry term", term),
			zap.Uint64(logging.Term, n.currentTerm),
		)
		return
	}

	n.commitIndex = next
	n.logger.Info("commit index advanced", zap.Uint64(logging.Index, next))
	n.notifyApplyLocked()
}
