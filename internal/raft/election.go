package raft

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/raftd/raftd/internal/logging"
)

func (n *Node) electionLoop() {
	for {
		select {
		case <-n.stopCh:
			return
		case <-n.electionTimer.C:
			n.onElectionTimeout()
		}
	}
}

func (n *Node) onElectionTimeout() {
	n.mu.Lock()
	defer n.mu.Unlock()

	// Leaders do not run an election timer; a late tick after promotion is
	// dropped here.
	if n.role == RoleLeader {
		return
	}
	// A reset raced with this tick; honor the fresher deadline.
	if remaining := time.Until(n.electionDeadline); remaining > 0 {
		n.electionTimer.Stop()
		n.electionTimer.Reset(remaining)
		return
	}
	n.startElectionLocked()
}

// startElectionLocked begins a new election round: bump the term, vote for
// ourselves, persist both, then fan vote requests out to every peer. The
// metadata write happens before the first request leaves the node, so a crash
// in between resumes safely.
func (n *Node) startElectionLocked() {
	prevTerm, prevVote, prevRole := n.currentTerm, n.votedFor, n.role

	n.currentTerm++
	n.role = RoleCandidate
	n.votedFor = n.id
	n.leaderID = ""
	if err := n.log.WriteMetadata(Metadata{CurrentTerm: n.currentTerm, VotedFor: n.id}); err != nil {
		// Without durable term+vote no request may be sent; retry on the
		// next timeout.
		n.logger.Error("election aborted, metadata not durable", zap.Error(err))
		n.currentTerm, n.votedFor, n.role = prevTerm, prevVote, prevRole
		n.resetElectionTimerLocked()
		return
	}

	for _, p := range n.peers {
		p.voteGranted = false
	}
	n.resetElectionTimerLocked()

	lastIndex, lastTerm := n.lastLogLocked()
	req := VoteRequest{
		CandidateID:  n.id,
		Term:         n.currentTerm,
		LastLogIndex: lastIndex,
		LastLogTerm:  lastTerm,
	}
	n.logger.Info("election started",
		zap.Uint64(logging.Term, n.currentTerm),
		zap.Uint64("last log index", lastIndex),
		zap.Uint64("last log term", lastTerm),
	)

	if len(n.peers) == 0 { // single-member cluster
		n.becomeLeaderLocked()
		return
	}
	for id := range n.peers {
		go n.sendVoteRequest(id, req)
	}
}

func (n *Node) sendVoteRequest(to NodeID, req VoteRequest) {
	ctx, cancel := context.WithTimeout(context.Background(), n.electionTimeoutBase)
	defer cancel()

	reply, err := n.trans.RequestVote(ctx, to, req)
	if err != nil {
		// Unreachable peer counts as a denial; the next timeout retries.
		n.logger.Warn("request vote failed",
			zap.String(logging.Peer, string(to)),
			zap.Error(err),
		)
		return
	}
	n.handleVoteReply(to, req.Term, reply)
}

// handleVoteReply tallies one vote response. electionTerm is the term the
// request was sent in; any response arriving after a step-down or after the
// promotion of a later term is stale and discarded.
func (n *Node) handleVoteReply(from NodeID, electionTerm uint64, reply VoteReply) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if reply.Term > n.currentTerm {
		if err := n.stepDownLocked(reply.Term); err != nil {
			n.logger.Error("step down failed", zap.Error(err))
		}
		return
	}
	if n.role != RoleCandidate || n.currentTerm != electionTerm {
		n.logger.Debug("discard stale vote reply",
			zap.String(logging.Peer, string(from)),
			zap.Uint64("election term", electionTerm),
			zap.Uint64(logging.Term, n.currentTerm),
		)
		return
	}
	if !reply.Granted {
		n.logger.Info("vote denied",
			zap.String(logging.Peer, string(from)),
			zap.Uint64(logging.Term, n.currentTerm),
		)
		return
	}

	p, ok := n.peers[from]
	if !ok {
		return
	}
	p.voteGranted = true

	granted := 1 // self
	for _, peer := range n.peers {
		if peer.voteGranted {
			granted++
		}
	}
	n.logger.Debug("vote granted",
		zap.String(logging.Peer, string(from)),
		zap.Int("granted", granted),
		zap.Int("cluster", len(n.peers)+1),
	)
	if granted >= Majority(len(n.peers)+1) {
		n.becomeLeaderLocked()
	}
}

// becomeLeaderLocked promotes a candidate that reached quorum. Late grants
// from the same term never reach this point again: the role check in
// handleVoteReply filters them once the node is no longer candidate.
func (n *Node) becomeLeaderLocked() {
	if n.role != RoleCandidate {
		panic("become leader from role " + string(n.role))
	}

	n.role = RoleLeader
	n.leaderID = n.id

	last := n.log.LastIndex()
	n.lastSynced = last
	for _, p := range n.peers {
		p.nextIndex = last + 1
		p.matchIndex = 0
	}

	n.electionTimer.Stop()

	n.leaderStopCh = make(chan struct{})
	for id := range n.peers {
		go n.replicateLoop(id, n.currentTerm, n.leaderStopCh)
	}

	n.logger.Info("became leader",
		zap.Uint64(logging.Term, n.currentTerm),
		zap.Uint64("last log index", last),
	)
}
