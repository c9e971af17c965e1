package raft

import "errors"

var (
	// ErrNotLeader is returned by Propose on a non-leader node.
	ErrNotLeader = errors.New("not leader")
	// ErrNotFound marks a log index beyond the last appended entry.
	ErrNotFound = errors.New("log entry not found")
	// ErrCompacted marks a log index already folded into a snapshot.
	ErrCompacted = errors.New("log entry compacted into snapshot")
	// ErrStaleSnapshot marks a snapshot that does not advance the boundary.
	ErrStaleSnapshot = errors.New("snapshot older than current boundary")
	// ErrStopped is returned once the node has been shut down.
	ErrStopped = errors.New("node stopped")
)

// Metadata is the durable term/vote pair. WriteMetadata must not return
// before the pair is durable; crash-before-send safety depends on it.
type Metadata struct {
	CurrentTerm uint64
	VotedFor    NodeID
}

// SnapshotMeta records the last log position folded into a snapshot.
// A zero value means no snapshot has been taken.
type SnapshotMeta struct {
	Index uint64
	Term  uint64
}

// LogStore is the durable log collaborator. The core instructs it; it never
// mutates core state. Index arguments are 1-based.
type LogStore interface {
	// Append adds contiguous entries after the current last index.
	Append(entries []LogEntry) error
	// Entry returns the entry at index, ErrNotFound past the end,
	// ErrCompacted at or below the snapshot boundary.
	Entry(index uint64) (LogEntry, error)
	// Term returns the term of the entry at index with the same error
	// contract as Entry.
	Term(index uint64) (uint64, error)
	// FirstIndex is the earliest retained index (boundary index + 1).
	FirstIndex() uint64
	// LastIndex is the index of the last entry, or the snapshot boundary
	// index when the retained log is empty, or 0 for an empty store.
	LastIndex() uint64
	// TruncateSuffix drops every entry at index >= from.
	TruncateSuffix(from uint64) error

	ReadMetadata() (Metadata, error)
	WriteMetadata(meta Metadata) error

	SnapshotBoundary() SnapshotMeta
	// SaveSnapshot records a snapshot and compacts entries at or below
	// its boundary index.
	SaveSnapshot(meta SnapshotMeta, data []byte) error
	// Snapshot returns the latest snapshot blob and its boundary.
	Snapshot() (SnapshotMeta, []byte, error)
}
