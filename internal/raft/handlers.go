package raft

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/raftd/raftd/internal/logging"
)

// HandleRequestVote is the server side of the vote RPC. The vote is granted
// only when the candidate's term is current, this node has not voted for a
// different candidate in that term, and the candidate's log is at least as
// up-to-date as ours. The grant is durable before the reply leaves.
func (n *Node) HandleRequestVote(_ context.Context, req VoteRequest) (VoteReply, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	logger := n.logger.With(
		zap.String(logging.Peer, string(req.CandidateID)),
		zap.Uint64(logging.PeerTerm, req.Term),
		zap.Uint64(logging.Term, n.currentTerm),
	)

	if req.Term > n.currentTerm {
		if err := n.stepDownLocked(req.Term); err != nil {
			return VoteReply{Term: n.currentTerm}, err
		}
	}

	reply := VoteReply{Term: n.currentTerm}
	if req.Term < n.currentTerm {
		logger.Debug("vote rejected, stale term")
		return reply, nil
	}
	if n.votedFor != "" && n.votedFor != req.CandidateID {
		logger.Debug("vote rejected, already voted",
			zap.String("voted for", string(n.votedFor)),
		)
		return reply, nil
	}

	lastIndex, lastTerm := n.lastLogLocked()
	upToDate := req.LastLogTerm > lastTerm ||
		(req.LastLogTerm == lastTerm && req.LastLogIndex >= lastIndex)
	if !upToDate {
		logger.Debug("vote rejected, candidate log behind",
			zap.Uint64("last log index", lastIndex),
			zap.Uint64("last log term", lastTerm),
		)
		return reply, nil
	}

	prevVote := n.votedFor
	n.votedFor = req.CandidateID
	if err := n.log.WriteMetadata(Metadata{CurrentTerm: n.currentTerm, VotedFor: n.votedFor}); err != nil {
		n.votedFor = prevVote
		return reply, err
	}
	n.resetElectionTimerLocked()
	reply.Granted = true
	logger.Info("vote granted")
	return reply, nil
}

// HandleAppendEntries is the server side of the replication RPC: leadership
// confirmation, log matching, conflict truncation, entry append and commit
// propagation.
func (n *Node) HandleAppendEntries(_ context.Context, req AppendEntriesRequest) (AppendEntriesReply, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	logger := n.logger.With(
		zap.String(logging.Peer, string(req.LeaderID)),
		zap.Uint64(logging.PeerTerm, req.Term),
		zap.Uint64(logging.Term, n.currentTerm),
	)

	if req.Term > n.currentTerm {
		if err := n.stepDownLocked(req.Term); err != nil {
			return AppendEntriesReply{Term: n.currentTerm, LastLogIndex: n.log.LastIndex()}, err
		}
	}

	reply := AppendEntriesReply{Term: n.currentTerm, LastLogIndex: n.log.LastIndex()}
	if req.Term < n.currentTerm {
		logger.Debug("append entries rejected, stale term")
		return reply, nil
	}

	switch n.role {
	case RoleLeader:
		panic("two leaders in one term")
	case RoleCandidate:
		// Someone else won this term's election.
		logger.Info("found leader for current term, step down")
		n.role = RoleFollower
	}
	n.leaderID = req.LeaderID
	n.resetElectionTimerLocked()

	if req.PrevLogIndex > 0 {
		if req.PrevLogIndex > n.log.LastIndex() {
			// Our log is too short; report its end so the leader can
			// jump nextIndex instead of probing backwards.
			logger.Debug("append entries rejected, log too short",
				zap.Uint64("prev log index", req.PrevLogIndex),
				zap.Uint64("last log index", reply.LastLogIndex),
			)
			return reply, nil
		}
		prevTerm, err := n.termAtLocked(req.PrevLogIndex)
		if err != nil || prevTerm != req.PrevLogTerm {
			if err == nil {
				if terr := n.log.TruncateSuffix(req.PrevLogIndex); terr != nil {
					return reply, terr
				}
			}
			reply.LastLogIndex = n.log.LastIndex()
			logger.Debug("append entries rejected, prev term mismatch",
				zap.Uint64("prev log index", req.PrevLogIndex),
			)
			return reply, nil
		}
	}

	for i, entry := range req.Entries {
		if entry.Index <= n.log.LastIndex() {
			existing, err := n.termAtLocked(entry.Index)
			if err == nil && existing == entry.Term {
				continue // already replicated
			}
			if errors.Is(err, ErrCompacted) {
				continue // folded into our snapshot, necessarily committed
			}
			if terr := n.log.TruncateSuffix(entry.Index); terr != nil {
				return reply, terr
			}
		}
		if err := n.log.Append(req.Entries[i:]); err != nil {
			return reply, err
		}
		break
	}
	reply.Success = true
	reply.LastLogIndex = n.log.LastIndex()

	if req.LeaderCommit > n.commitIndex {
		commit := req.LeaderCommit
		if last := n.log.LastIndex(); commit > last {
			commit = last
		}
		if commit > n.commitIndex {
			n.commitIndex = commit
			n.notifyApplyLocked()
		}
	}
	return reply, nil
}

// HandleInstallSnapshot accepts a snapshot covering log state this node is
// missing, compacts the local log below the boundary and schedules the
// applier restore.
func (n *Node) HandleInstallSnapshot(_ context.Context, req InstallSnapshotRequest) (InstallSnapshotReply, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	logger := n.logger.With(
		zap.String(logging.Peer, string(req.LeaderID)),
		zap.Uint64(logging.PeerTerm, req.Term),
		zap.Uint64(logging.Term, n.currentTerm),
	)

	if req.Term > n.currentTerm {
		if err := n.stepDownLocked(req.Term); err != nil {
			return InstallSnapshotReply{Term: n.currentTerm}, err
		}
	}
	reply := InstallSnapshotReply{Term: n.currentTerm}
	if req.Term < n.currentTerm {
		logger.Debug("install snapshot rejected, stale term")
		return reply, nil
	}

	if n.role == RoleCandidate {
		n.role = RoleFollower
	}
	n.leaderID = req.LeaderID
	n.resetElectionTimerLocked()

	if req.LastIncludedIndex <= n.commitIndex {
		// Everything in the snapshot is already committed locally.
		logger.Debug("install snapshot skipped, already covered",
			zap.Uint64(logging.Index, req.LastIncludedIndex),
		)
		return reply, nil
	}

	meta := SnapshotMeta{Index: req.LastIncludedIndex, Term: req.LastIncludedTerm}
	if err := n.log.SaveSnapshot(meta, req.Data); err != nil {
		return reply, err
	}
	n.commitIndex = req.LastIncludedIndex
	n.lastApplied = req.LastIncludedIndex
	n.restorePending = true
	n.notifyApplyLocked()
	logger.Info("snapshot installed",
		zap.Uint64(logging.Index, req.LastIncludedIndex),
	)
	return reply, nil
}
