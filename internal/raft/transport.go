package raft

import "context"

// Transport issues RPCs to remote members. A returned error is a transport
// failure: the caller treats it as an implicit denial or a soft retry, never
// as a reason to change term or role.
type Transport interface {
	RequestVote(ctx context.Context, to NodeID, req VoteRequest) (VoteReply, error)
	AppendEntries(ctx context.Context, to NodeID, req AppendEntriesRequest) (AppendEntriesReply, error)
	InstallSnapshot(ctx context.Context, to NodeID, req InstallSnapshotRequest) (InstallSnapshotReply, error)
}

// Applier consumes committed entries, strictly in index order, at most once
// per index under normal operation. It is invoked from a dedicated goroutine,
// never while the node lock is held.
type Applier interface {
	Apply(entry LogEntry)
}

// SnapshotRestorer is optionally implemented by an Applier that can reset
// itself from a snapshot received from the leader.
type SnapshotRestorer interface {
	Restore(meta SnapshotMeta, data []byte)
}
