package raft

// NodeID identifies a cluster member. The empty string means "none", e.g. an
// unset votedFor.
type NodeID string

// LogEntry is a single replicated log record. Entries are owned by the log
// store; the core never mutates one after it has been appended.
type LogEntry struct {
	Index   uint64 `json:"index"`
	Term    uint64 `json:"term"`
	Payload []byte `json:"payload"`
}

type VoteRequest struct {
	CandidateID  NodeID `json:"candidate_id"`
	Term         uint64 `json:"term"`
	LastLogIndex uint64 `json:"last_log_index"`
	LastLogTerm  uint64 `json:"last_log_term"`
}

type VoteReply struct {
	Term    uint64 `json:"term"`
	Granted bool   `json:"granted"`
}

type AppendEntriesRequest struct {
	LeaderID     NodeID     `json:"leader_id"`
	Term         uint64     `json:"term"`
	PrevLogIndex uint64     `json:"prev_log_index"`
	PrevLogTerm  uint64     `json:"prev_log_term"`
	Entries      []LogEntry `json:"entries"`
	LeaderCommit uint64     `json:"leader_commit"`
}

type AppendEntriesReply struct {
	Term    uint64 `json:"term"`
	Success bool   `json:"success"`
	// LastLogIndex is the responder's last log index. On rejection the
	// leader uses it to jump nextIndex instead of walking back one entry
	// per round.
	LastLogIndex uint64 `json:"last_log_index"`
}

type InstallSnapshotRequest struct {
	LeaderID          NodeID `json:"leader_id"`
	Term              uint64 `json:"term"`
	LastIncludedIndex uint64 `json:"last_included_index"`
	LastIncludedTerm  uint64 `json:"last_included_term"`
	Data              []byte `json:"data"`
}

type InstallSnapshotReply struct {
	Term uint64 `json:"term"`
}
