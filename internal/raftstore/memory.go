// Package raftstore provides log store implementations backing the consensus
// core: an in-memory store for tests and simulation, and a file-backed store
// for real deployments.
package raftstore

import (
	"fmt"
	"sync"

	"github.com/raftd/raftd/internal/raft"
)

// memLog is the index arithmetic shared by both stores: a contiguous run of
// entries starting right after the snapshot boundary.
type memLog struct {
	entries []raft.LogEntry
	snap    raft.SnapshotMeta
}

func (l *memLog) firstIndex() uint64 {
	return l.snap.Index + 1
}

func (l *memLog) lastIndex() uint64 {
	if len(l.entries) > 0 {
		return l.entries[len(l.entries)-1].Index
	}
	return l.snap.Index
}

func (l *memLog) entry(index uint64) (raft.LogEntry, error) {
	if index <= l.snap.Index {
		return raft.LogEntry{}, raft.ErrCompacted
	}
	if index > l.lastIndex() {
		return raft.LogEntry{}, raft.ErrNotFound
	}
	return l.entries[index-l.firstIndex()], nil
}

func (l *memLog) append(entries []raft.LogEntry) error {
	if len(entries) == 0 {
		return nil
	}
	want := l.lastIndex() + 1
	for i, e := range entries {
		if e.Index != want+uint64(i) {
			return fmt.Errorf("raftstore: append index %d, expected %d", e.Index, want+uint64(i))
		}
	}
	l.entries = append(l.entries, entries...)
	return nil
}

func (l *memLog) truncateSuffix(from uint64) error {
	if from <= l.snap.Index {
		return raft.ErrCompacted
	}
	if from > l.lastIndex() {
		return nil
	}
	l.entries = l.entries[:from-l.firstIndex()]
	return nil
}

// compactTo drops entries at or below the new boundary, keeping any suffix
// that extends past it.
func (l *memLog) compactTo(meta raft.SnapshotMeta) {
	if meta.Index >= l.lastIndex() {
		l.entries = l.entries[:0]
	} else {
		l.entries = append([]raft.LogEntry(nil), l.entries[meta.Index-l.firstIndex()+1:]...)
	}
	l.snap = meta
}

// MemoryStore is a raft.LogStore held entirely in memory. Metadata writes
// are trivially "durable" for its lifetime, which is what simulation and
// package tests need.
type MemoryStore struct {
	mu       sync.Mutex
	log      memLog
	meta     raft.Metadata
	snapData []byte
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Append(entries []raft.LogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.log.append(entries)
}

func (s *MemoryStore) Entry(index uint64) (raft.LogEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.log.entry(index)
}

func (s *MemoryStore) Term(index uint64) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, err := s.log.entry(index)
	if err != nil {
		return 0, err
	}
	return entry.Term, nil
}

func (s *MemoryStore) FirstIndex() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.log.firstIndex()
}

func (s *MemoryStore) LastIndex() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.log.lastIndex()
}

func (s *MemoryStore) TruncateSuffix(from uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.log.truncateSuffix(from)
}

func (s *MemoryStore) ReadMetadata() (raft.Metadata, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.meta, nil
}

func (s *MemoryStore) WriteMetadata(meta raft.Metadata) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.meta = meta
	return nil
}

func (s *MemoryStore) SnapshotBoundary() raft.SnapshotMeta {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.log.snap
}

func (s *MemoryStore) SaveSnapshot(meta raft.SnapshotMeta, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if meta.Index <= s.log.snap.Index {
		return raft.ErrStaleSnapshot
	}
	s.log.compactTo(meta)
	s.snapData = append([]byte(nil), data...)
	return nil
}

func (s *MemoryStore) Snapshot() (raft.SnapshotMeta, []byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.log.snap, append([]byte(nil), s.snapData...), nil
}
