package raft

// Peer is the replication cursor for one remote member. Every field below is
// owned by the Node and only touched while holding the node lock.
type Peer struct {
	ID   NodeID
	Addr string

	// nextIndex is the optimistic guess of the next entry to send.
	// Invariant: nextIndex >= 1 and matchIndex <= nextIndex-1.
	nextIndex  uint64
	matchIndex uint64

	// voteGranted is meaningful only during the election of the current
	// term; startElection clears it for every peer.
	voteGranted bool
}

func newPeer(id NodeID, addr string) *Peer {
	return &Peer{ID: id, Addr: addr, nextIndex: 1}
}

func (p *Peer) setMatchIndex(index uint64) {
	if index > p.matchIndex {
		p.matchIndex = index
	}
}

func (p *Peer) backoff(responderLastLogIndex uint64) {
	if p.nextIndex > 1 {
		p.nextIndex--
	}
	// The responder's log ends earlier than our guess: jump straight past
	// its last entry instead of probing one index per round.
	if p.nextIndex > responderLastLogIndex+1 {
		p.nextIndex = responderLastLogIndex + 1
	}
}
