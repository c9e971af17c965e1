// Package raft implements the decision core of the Raft consensus protocol
// for a single cluster member: leader election, log replication and
// commit-index advancement. Durable log storage, the RPC transport and the
// state machine consuming committed entries are collaborators passed in at
// construction time.
//
// All role/term/vote/commit state and every peer cursor live behind one
// mutex. RPCs are never issued while holding it; responses re-validate role
// and term before mutating anything.
package raft

import (
	"fmt"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/raftd/raftd/internal/logging"
)

type RoleType string

const (
	RoleFollower  RoleType = "follower"
	RoleCandidate RoleType = "candidate"
	RoleLeader    RoleType = "leader"
)

type Options struct {
	ID    NodeID
	Addr  string
	Peers map[NodeID]string // remote members only, id -> address

	// ElectionTimeout is the base b; each countdown is drawn from [b, 2b).
	ElectionTimeout      time.Duration
	HeartbeatInterval    time.Duration
	MaxEntriesPerRequest int
}

func (o Options) withDefaults() Options {
	if o.ElectionTimeout <= 0 {
		o.ElectionTimeout = 150 * time.Millisecond
	}
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = 50 * time.Millisecond
	}
	if o.MaxEntriesPerRequest <= 0 {
		o.MaxEntriesPerRequest = 64
	}
	return o
}

// Node is the consensus state machine of one cluster member.
type Node struct {
	mu sync.Mutex

	id   NodeID
	addr string

	role        RoleType
	currentTerm uint64
	votedFor    NodeID
	leaderID    NodeID

	commitIndex uint64
	lastApplied uint64
	// lastSynced is the highest index durably appended locally; it stands
	// in for the leader's own vote in the commit quorum.
	lastSynced uint64

	peers map[NodeID]*Peer

	log     LogStore
	trans   Transport
	applier Applier

	electionTimeoutBase time.Duration
	heartbeatInterval   time.Duration
	maxEntries          int

	electionTimer    *time.Timer
	electionDeadline time.Time
	// leaderStopCh is closed on step-down to retire the replicators of the
	// current leadership; nil while not leader.
	leaderStopCh chan struct{}

	applyCh        chan struct{}
	restorePending bool

	stopCh   chan struct{}
	stopOnce sync.Once

	rng    *rand.Rand
	logger *zap.Logger
}

type nopApplier struct{}

func (nopApplier) Apply(LogEntry) {}

func New(opts Options, store LogStore, trans Transport, applier Applier) (*Node, error) {
	opts = opts.withDefaults()
	if opts.ID == "" {
		return nil, fmt.Errorf("raft: node id is required")
	}
	if applier == nil {
		applier = nopApplier{}
	}

	meta, err := store.ReadMetadata()
	if err != nil {
		return nil, fmt.Errorf("raft: read metadata: %w", err)
	}

	n := &Node{
		id:   opts.ID,
		addr: opts.Addr,
		role: RoleFollower,

		currentTerm: meta.CurrentTerm,
		votedFor:    meta.VotedFor,

		peers: make(map[NodeID]*Peer, len(opts.Peers)),

		log:     store,
		trans:   trans,
		applier: applier,

		electionTimeoutBase: opts.ElectionTimeout,
		heartbeatInterval:   opts.HeartbeatInterval,
		maxEntries:          opts.MaxEntriesPerRequest,

		applyCh: make(chan struct{}, 1),
		stopCh:  make(chan struct{}),

		rng: rand.New(rand.NewSource(time.Now().UnixNano())),
		logger: logging.GetLoggerOrPanic("raft").
			With(zap.String(logging.Node, string(opts.ID))),
	}
	for id, addr := range opts.Peers {
		n.peers[id] = newPeer(id, addr)
	}
	n.electionTimer = time.NewTimer(time.Hour)
	n.electionTimer.Stop()

	if sb := store.SnapshotBoundary(); sb.Index > 0 {
		// Entries up to the boundary were committed before the snapshot
		// was taken; the applier is rebuilt from it on startup.
		n.commitIndex = sb.Index
		n.lastApplied = sb.Index
		n.restorePending = true
	}

	n.logger.Info("node created",
		zap.Uint64(logging.Term, n.currentTerm),
		zap.Int("peers", len(n.peers)),
	)
	return n, nil
}

// Start launches the election timer and the applier goroutine.
func (n *Node) Start() {
	n.mu.Lock()
	n.resetElectionTimerLocked()
	n.mu.Unlock()

	go n.electionLoop()
	go n.applyLoop()
}

func (n *Node) Stop() {
	n.stopOnce.Do(func() {
		close(n.stopCh)
		n.mu.Lock()
		n.stopLeadingLocked()
		n.electionTimer.Stop()
		n.mu.Unlock()
		n.logger.Info("node stopped")
	})
}

// Propose appends a client payload to the local log. Only the leader accepts
// it; followers answer ErrNotLeader and callers retry against the leader
// hint. Returns the index and term assigned to the entry.
func (n *Node) Propose(payload []byte) (uint64, uint64, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	select {
	case <-n.stopCh:
		return 0, 0, ErrStopped
	default:
	}
	if n.role != RoleLeader {
		return 0, 0, ErrNotLeader
	}

	entry := LogEntry{
		Index:   n.log.LastIndex() + 1,
		Term:    n.currentTerm,
		Payload: payload,
	}
	if err := n.log.Append([]LogEntry{entry}); err != nil {
		return 0, 0, fmt.Errorf("raft: append entry %d: %w", entry.Index, err)
	}
	n.lastSynced = entry.Index
	n.logger.Debug("proposal accepted",
		zap.Uint64(logging.Index, entry.Index),
		zap.Uint64(logging.Term, entry.Term),
	)
	// A single-member cluster reaches quorum on its own vote.
	n.advanceCommitIndexLocked()
	return entry.Index, entry.Term, nil
}

// Status is a point-in-time snapshot of the node's visible state.
type Status struct {
	ID           NodeID   `json:"id"`
	Role         RoleType `json:"role"`
	Term         uint64   `json:"term"`
	VotedFor     NodeID   `json:"voted_for,omitempty"`
	LeaderID     NodeID   `json:"leader_id,omitempty"`
	CommitIndex  uint64   `json:"commit_index"`
	LastApplied  uint64   `json:"last_applied"`
	LastLogIndex uint64   `json:"last_log_index"`
}

func (n *Node) Status() Status {
	n.mu.Lock()
	defer n.mu.Unlock()
	return Status{
		ID:           n.id,
		Role:         n.role,
		Term:         n.currentTerm,
		VotedFor:     n.votedFor,
		LeaderID:     n.leaderID,
		CommitIndex:  n.commitIndex,
		LastApplied:  n.lastApplied,
		LastLogIndex: n.log.LastIndex(),
	}
}

// GetState reports the current term and whether this node believes it is the
// leader.
func (n *Node) GetState() (uint64, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.currentTerm, n.role == RoleLeader
}

// LeaderHint returns the best-known leader and its address, if any.
func (n *Node) LeaderHint() (NodeID, string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.leaderID == "" {
		return "", ""
	}
	if n.leaderID == n.id {
		return n.id, n.addr
	}
	if p, ok := n.peers[n.leaderID]; ok {
		return p.ID, p.Addr
	}
	return n.leaderID, ""
}

// stepDownLocked adopts newTerm and normalizes the role to follower. Calling
// it with a term behind the current one is a logic bug, not a runtime
// condition, and panics rather than risking term regression.
func (n *Node) stepDownLocked(newTerm uint64) error {
	if newTerm < n.currentTerm {
		panic(fmt.Sprintf("step down to term %d behind current term %d", newTerm, n.currentTerm))
	}

	if newTerm > n.currentTerm {
		prevTerm, prevVote := n.currentTerm, n.votedFor
		n.currentTerm = newTerm
		n.votedFor = ""
		n.leaderID = ""
		if err := n.log.WriteMetadata(Metadata{CurrentTerm: newTerm}); err != nil {
			n.currentTerm, n.votedFor = prevTerm, prevVote
			return fmt.Errorf("raft: persist term %d: %w", newTerm, err)
		}
	}

	if n.role != RoleFollower {
		n.logger.Info("step down to follower",
			zap.String(logging.Role, string(n.role)),
			zap.Uint64(logging.Term, n.currentTerm),
		)
		n.stopLeadingLocked()
		n.role = RoleFollower
	}
	n.resetElectionTimerLocked()
	return nil
}

func (n *Node) stopLeadingLocked() {
	if n.leaderStopCh != nil {
		close(n.leaderStopCh)
		n.leaderStopCh = nil
	}
}

func (n *Node) resetElectionTimerLocked() {
	d := n.electionTimeoutBase +
		time.Duration(n.rng.Int63n(int64(n.electionTimeoutBase)))
	n.electionDeadline = time.Now().Add(d)
	n.electionTimer.Stop()
	n.electionTimer.Reset(d)
}

// lastLogLocked returns the index and term of the last log position, falling
// back to the snapshot boundary when the retained log is empty.
func (n *Node) lastLogLocked() (uint64, uint64) {
	last := n.log.LastIndex()
	if last == 0 {
		return 0, 0
	}
	term, err := n.termAtLocked(last)
	if err != nil {
		panic(fmt.Sprintf("term of last log index %d unavailable: %v", last, err))
	}
	return last, term
}

// termAtLocked resolves the term of a log position: zero for the empty
// prefix, the snapshot's recorded term at the boundary, otherwise the log.
func (n *Node) termAtLocked(index uint64) (uint64, error) {
	if index == 0 {
		return 0, nil
	}
	if sb := n.log.SnapshotBoundary(); index == sb.Index {
		return sb.Term, nil
	}
	return n.log.Term(index)
}

func (n *Node) notifyApplyLocked() {
	select {
	case n.applyCh <- struct{}{}:
	default:
	}
}

func (n *Node) applyLoop() {
	n.drainCommitted()
	for {
		select {
		case <-n.stopCh:
			return
		case <-n.applyCh:
			n.drainCommitted()
		}
	}
}

// drainCommitted hands committed entries to the applier in index order with
// no gaps. The lock is dropped around each Apply call.
func (n *Node) drainCommitted() {
	for {
		n.mu.Lock()

		if n.restorePending {
			n.restorePending = false
			meta, data, err := n.log.Snapshot()
			n.mu.Unlock()
			if err != nil {
				n.logger.Warn("snapshot unavailable for restore", zap.Error(err))
				continue
			}
			if r, ok := n.applier.(SnapshotRestorer); ok && meta.Index > 0 {
				r.Restore(meta, data)
			}
			continue
		}

		if n.lastApplied >= n.commitIndex {
			n.mu.Unlock()
			return
		}
		index := n.lastApplied + 1
		entry, err := n.log.Entry(index)
		if err != nil {
			n.mu.Unlock()
			n.logger.Warn("committed entry missing from log",
				zap.Uint64(logging.Index, index),
				zap.Error(err),
			)
			return
		}
		n.lastApplied = index
		n.mu.Unlock()

		n.applier.Apply(entry)
	}
}
