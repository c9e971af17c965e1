package raft

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func leaderWithLog(t *testing.T, term uint64, peerIDs []NodeID, trans Transport, entries ...LogEntry) (*Node, *memStore) {
	t.Helper()
	store := newMemStore()
	require.NoError(t, store.Append(entries))
	n := newTestNode(t, "a", peerIDs, store, trans, nil)
	promoteToLeader(n, term)
	return n, store
}

func peerCursor(n *Node, id NodeID) (uint64, uint64) {
	n.mu.Lock()
	defer n.mu.Unlock()
	p := n.peers[id]
	return p.nextIndex, p.matchIndex
}

func TestBuildAppendRequest_BatchesFromNextIndex(t *testing.T) {
	rq := require.New(t)
	n, _ := leaderWithLog(t, 2, []NodeID{"b", "c"}, &fakeTransport{},
		LogEntry{Index: 1, Term: 1, Payload: []byte("a")},
		LogEntry{Index: 2, Term: 1, Payload: []byte("b")},
		LogEntry{Index: 3, Term: 2, Payload: []byte("c")},
	)

	n.mu.Lock()
	defer n.mu.Unlock()
	p := n.peers["b"]
	p.nextIndex = 2

	req, ok := n.buildAppendRequestLocked(p)
	rq.True(ok)
	rq.Equal(NodeID("a"), req.LeaderID)
	rq.Equal(uint64(2), req.Term)
	rq.Equal(uint64(1), req.PrevLogIndex)
	rq.Equal(uint64(1), req.PrevLogTerm)
	rq.Len(req.Entries, 2)
	rq.Equal(uint64(2), req.Entries[0].Index)
}

func TestBuildAppendRequest_RespectsBatchLimit(t *testing.T) {
	rq := require.New(t)
	store := newMemStore()
	entries := make([]LogEntry, 10)
	for i := range entries {
		entries[i] = LogEntry{Index: uint64(i + 1), Term: 1, Payload: []byte("x")}
	}
	rq.NoError(store.Append(entries))

	n, err := New(Options{
		ID:                   "a",
		Peers:                map[NodeID]string{"b": "http://b"},
		ElectionTimeout:      time.Minute,
		HeartbeatInterval:    time.Minute,
		MaxEntriesPerRequest: 3,
	}, store, &fakeTransport{}, nil)
	rq.NoError(err)
	t.Cleanup(n.Stop)
	promoteToLeader(n, 1)

	n.mu.Lock()
	defer n.mu.Unlock()
	p := n.peers["b"]
	p.nextIndex = 1

	req, ok := n.buildAppendRequestLocked(p)
	rq.True(ok)
	rq.Len(req.Entries, 3)
	rq.Equal(uint64(0), req.PrevLogIndex)
	// LeaderCommit never runs past what this round carries.
	rq.LessOrEqual(req.LeaderCommit, uint64(3))
}

func TestBuildAppendRequest_CompactedNextIndexWantsSnapshot(t *testing.T) {
	rq := require.New(t)
	store := newMemStore()
	entries := make([]LogEntry, 5)
	for i := range entries {
		entries[i] = LogEntry{Index: uint64(i + 1), Term: 1, Payload: []byte("x")}
	}
	rq.NoError(store.Append(entries))
	rq.NoError(store.SaveSnapshot(SnapshotMeta{Index: 3, Term: 1}, []byte("state")))

	n := newTestNode(t, "a", []NodeID{"b"}, store, &fakeTransport{}, nil)
	promoteToLeader(n, 2)

	n.mu.Lock()
	defer n.mu.Unlock()
	p := n.peers["b"]

	// Cursor right at the boundary is still serviceable with the boundary term.
	p.nextIndex = 4
	req, ok := n.buildAppendRequestLocked(p)
	rq.True(ok)
	rq.Equal(uint64(3), req.PrevLogIndex)
	rq.Equal(uint64(1), req.PrevLogTerm)

	// Cursor below the retained log cannot be served from entries.
	p.nextIndex = 2
	_, ok = n.buildAppendRequestLocked(p)
	rq.False(ok)
}

func TestHandleAppendReply_SuccessAdvancesCursorsAndCommit(t *testing.T) {
	rq := require.New(t)
	n, _ := leaderWithLog(t, 1, []NodeID{"b", "c"}, &fakeTransport{})

	// Propose against our own leadership so entries carry the current term.
	index, _, err := n.Propose([]byte("x"))
	rq.NoError(err)
	rq.Equal(uint64(1), index)

	req := AppendEntriesRequest{
		LeaderID:     "a",
		Term:         1,
		PrevLogIndex: 0,
		Entries:      []LogEntry{{Index: 1, Term: 1, Payload: []byte("x")}},
	}
	n.handleAppendReply("b", 1, req, AppendEntriesReply{Term: 1, Success: true, LastLogIndex: 1}, n.logger)

	next, match := peerCursor(n, "b")
	rq.Equal(uint64(2), next)
	rq.Equal(uint64(1), match)

	// One acked peer plus the leader's own synced index is quorum of three.
	st := n.Status()
	rq.Equal(uint64(1), st.CommitIndex)
}

func TestHandleAppendReply_FastBackoff(t *testing.T) {
	rq := require.New(t)
	entries := make([]LogEntry, 5)
	for i := range entries {
		entries[i] = LogEntry{Index: uint64(i + 1), Term: 1, Payload: []byte("x")}
	}
	n, _ := leaderWithLog(t, 2, []NodeID{"b", "c"}, &fakeTransport{}, entries...)

	// Fresh leader cursor sits at 6; the responder's log ends at 3. One
	// rejection must land the cursor at 4, not walk back one step at a time.
	req := AppendEntriesRequest{LeaderID: "a", Term: 2, PrevLogIndex: 5, PrevLogTerm: 1}
	n.handleAppendReply("b", 2, req, AppendEntriesReply{Term: 2, LastLogIndex: 3}, n.logger)

	next, match := peerCursor(n, "b")
	rq.Equal(uint64(4), next)
	rq.Equal(uint64(0), match)
}

func TestHandleAppendReply_BackoffWithoutHintDecrements(t *testing.T) {
	rq := require.New(t)
	entries := make([]LogEntry, 3)
	for i := range entries {
		entries[i] = LogEntry{Index: uint64(i + 1), Term: 1, Payload: []byte("x")}
	}
	n, _ := leaderWithLog(t, 2, []NodeID{"b", "c"}, &fakeTransport{}, entries...)

	// Responder log is longer than the probe point; only the decrement
	// applies.
	req := AppendEntriesRequest{LeaderID: "a", Term: 2, PrevLogIndex: 3, PrevLogTerm: 1}
	n.handleAppendReply("b", 2, req, AppendEntriesReply{Term: 2, LastLogIndex: 9}, n.logger)

	next, _ := peerCursor(n, "b")
	rq.Equal(uint64(3), next)
}

func TestHandleAppendReply_GreaterTermStepsDown(t *testing.T) {
	rq := require.New(t)
	n, _ := leaderWithLog(t, 2, []NodeID{"b", "c"}, &fakeTransport{})

	req := AppendEntriesRequest{LeaderID: "a", Term: 2}
	n.handleAppendReply("b", 2, req, AppendEntriesReply{Term: 7}, n.logger)

	role, term, _ := nodeState(n)
	rq.Equal(RoleFollower, role)
	rq.Equal(uint64(7), term)
}

func TestHandleAppendReply_StaleTermReplyIgnored(t *testing.T) {
	rq := require.New(t)
	n, _ := leaderWithLog(t, 3, []NodeID{"b", "c"}, &fakeTransport{})

	// A reply from a round sent in an earlier leadership must not move
	// cursors.
	req := AppendEntriesRequest{LeaderID: "a", Term: 2, Entries: []LogEntry{{Index: 1, Term: 2}}}
	n.handleAppendReply("b", 2, req, AppendEntriesReply{Term: 2, Success: true}, n.logger)

	next, match := peerCursor(n, "b")
	rq.Equal(uint64(1), next)
	rq.Equal(uint64(0), match)
}

func TestAdvanceCommit_RequiresQuorum(t *testing.T) {
	rq := require.New(t)
	n, _ := leaderWithLog(t, 1, []NodeID{"b", "c", "d", "e"}, &fakeTransport{})

	_, _, err := n.Propose([]byte("x"))
	rq.NoError(err)

	// Leader plus one ack is two of five.
	n.mu.Lock()
	n.peers["b"].setMatchIndex(1)
	n.advanceCommitIndexLocked()
	commit := n.commitIndex
	n.mu.Unlock()
	rq.Equal(uint64(0), commit)

	// A third match reaches quorum.
	n.mu.Lock()
	n.peers["c"].setMatchIndex(1)
	n.advanceCommitIndexLocked()
	commit = n.commitIndex
	n.mu.Unlock()
	rq.Equal(uint64(1), commit)
}

func TestAdvanceCommit_HoldsEarlierTermEntries(t *testing.T) {
	rq := require.New(t)
	// Index 1 was written in term 1; this node now leads term 2.
	n, _ := leaderWithLog(t, 2, []NodeID{"b", "c"}, &fakeTransport{},
		LogEntry{Index: 1, Term: 1, Payload: []byte("old")},
	)

	// A quorum matches index 1, but counting alone never commits an entry
	// from an earlier term.
	n.mu.Lock()
	n.peers["b"].setMatchIndex(1)
	n.advanceCommitIndexLocked()
	commit := n.commitIndex
	n.mu.Unlock()
	rq.Equal(uint64(0), commit)

	// Committing a current-term entry commits the earlier one with it.
	_, _, err := n.Propose([]byte("new"))
	rq.NoError(err)
	n.mu.Lock()
	n.peers["b"].setMatchIndex(2)
	n.advanceCommitIndexLocked()
	commit = n.commitIndex
	n.mu.Unlock()
	rq.Equal(uint64(2), commit)
}

func TestAdvanceCommit_NeverRegresses(t *testing.T) {
	rq := require.New(t)
	n, _ := leaderWithLog(t, 1, []NodeID{"b", "c"}, &fakeTransport{})

	_, _, err := n.Propose([]byte("x"))
	rq.NoError(err)
	n.mu.Lock()
	n.peers["b"].setMatchIndex(1)
	n.advanceCommitIndexLocked()
	rq.Equal(uint64(1), n.commitIndex)

	// A cursor reset after a reconnect cannot pull the commit index back.
	n.peers["b"].matchIndex = 0
	n.advanceCommitIndexLocked()
	rq.Equal(uint64(1), n.commitIndex)
	n.mu.Unlock()
}
