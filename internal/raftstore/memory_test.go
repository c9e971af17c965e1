package raftstore

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/raftd/raftd/internal/raft"
)

func entries(from, to, term uint64) []raft.LogEntry {
	out := make([]raft.LogEntry, 0, to-from+1)
	for i := from; i <= to; i++ {
		out = append(out, raft.LogEntry{Index: i, Term: term, Payload: []byte{byte(i)}})
	}
	return out
}

func TestMemoryStore_EmptyBounds(t *testing.T) {
	rq := require.New(t)
	s := NewMemoryStore()

	rq.Equal(uint64(1), s.FirstIndex())
	rq.Equal(uint64(0), s.LastIndex())

	_, err := s.Entry(1)
	rq.ErrorIs(err, raft.ErrNotFound)
}

func TestMemoryStore_AppendAndRead(t *testing.T) {
	rq := require.New(t)
	s := NewMemoryStore()

	rq.NoError(s.Append(entries(1, 3, 1)))
	rq.Equal(uint64(3), s.LastIndex())

	entry, err := s.Entry(2)
	rq.NoError(err)
	rq.Equal(uint64(2), entry.Index)
	rq.Equal([]byte{2}, entry.Payload)

	term, err := s.Term(3)
	rq.NoError(err)
	rq.Equal(uint64(1), term)

	_, err = s.Entry(4)
	rq.ErrorIs(err, raft.ErrNotFound)
}

func TestMemoryStore_AppendRejectsGap(t *testing.T) {
	rq := require.New(t)
	s := NewMemoryStore()

	rq.NoError(s.Append(entries(1, 2, 1)))
	rq.Error(s.Append(entries(5, 6, 1)))
	rq.Equal(uint64(2), s.LastIndex())
}

func TestMemoryStore_TruncateSuffix(t *testing.T) {
	rq := require.New(t)
	s := NewMemoryStore()
	rq.NoError(s.Append(entries(1, 5, 1)))

	rq.NoError(s.TruncateSuffix(3))
	rq.Equal(uint64(2), s.LastIndex())
	_, err := s.Entry(3)
	rq.ErrorIs(err, raft.ErrNotFound)

	// Truncating past the end is a no-op.
	rq.NoError(s.TruncateSuffix(10))
	rq.Equal(uint64(2), s.LastIndex())

	// The log accepts fresh entries at the cut point.
	rq.NoError(s.Append(entries(3, 3, 2)))
	term, err := s.Term(3)
	rq.NoError(err)
	rq.Equal(uint64(2), term)
}

func TestMemoryStore_Metadata(t *testing.T) {
	rq := require.New(t)
	s := NewMemoryStore()

	meta, err := s.ReadMetadata()
	rq.NoError(err)
	rq.Equal(raft.Metadata{}, meta)

	rq.NoError(s.WriteMetadata(raft.Metadata{CurrentTerm: 3, VotedFor: "b"}))
	meta, err = s.ReadMetadata()
	rq.NoError(err)
	rq.Equal(raft.Metadata{CurrentTerm: 3, VotedFor: "b"}, meta)
}

func TestMemoryStore_SnapshotCompacts(t *testing.T) {
	rq := require.New(t)
	s := NewMemoryStore()
	rq.NoError(s.Append(entries(1, 5, 1)))

	rq.NoError(s.SaveSnapshot(raft.SnapshotMeta{Index: 3, Term: 1}, []byte("state")))

	// Entries past the boundary survive compaction.
	rq.Equal(uint64(4), s.FirstIndex())
	rq.Equal(uint64(5), s.LastIndex())
	_, err := s.Entry(3)
	rq.ErrorIs(err, raft.ErrCompacted)
	entry, err := s.Entry(4)
	rq.NoError(err)
	rq.Equal([]byte{4}, entry.Payload)

	meta, data, err := s.Snapshot()
	rq.NoError(err)
	rq.Equal(raft.SnapshotMeta{Index: 3, Term: 1}, meta)
	rq.Equal([]byte("state"), data)

	// Truncating into the compacted prefix is refused.
	rq.ErrorIs(s.TruncateSuffix(2), raft.ErrCompacted)
}

func TestMemoryStore_SnapshotCoveringWholeLog(t *testing.T) {
	rq := require.New(t)
	s := NewMemoryStore()
	rq.NoError(s.Append(entries(1, 3, 1)))

	rq.NoError(s.SaveSnapshot(raft.SnapshotMeta{Index: 5, Term: 2}, nil))
	rq.Equal(uint64(6), s.FirstIndex())
	rq.Equal(uint64(5), s.LastIndex())

	// The log continues right after the boundary.
	rq.NoError(s.Append(entries(6, 6, 2)))
	rq.Equal(uint64(6), s.LastIndex())
}

func TestMemoryStore_StaleSnapshotRejected(t *testing.T) {
	rq := require.New(t)
	s := NewMemoryStore()
	rq.NoError(s.Append(entries(1, 5, 1)))
	rq.NoError(s.SaveSnapshot(raft.SnapshotMeta{Index: 4, Term: 1}, nil))

	rq.ErrorIs(s.SaveSnapshot(raft.SnapshotMeta{Index: 3, Term: 1}, nil), raft.ErrStaleSnapshot)
	rq.ErrorIs(s.SaveSnapshot(raft.SnapshotMeta{Index: 4, Term: 1}, nil), raft.ErrStaleSnapshot)
}
