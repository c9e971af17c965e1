package raftstore

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/raftd/raftd/internal/logging"
	"github.com/raftd/raftd/internal/raft"
)

const (
	metaFileName = "meta"
	walFileName  = "wal"
	snapFileName = "snapshot"
)

// snapshotFile is the on-disk snapshot record: boundary plus blob.
type snapshotFile struct {
	Meta raft.SnapshotMeta
	Data []byte
}

// FileStore is a raft.LogStore backed by three files under one directory: a
// gob metadata file, a length-framed gob WAL for log entries, and a snapshot
// file. Metadata and entry writes are fsynced before they return.
type FileStore struct {
	mu  sync.Mutex
	dir string

	log      memLog
	meta     raft.Metadata
	snapData []byte

	wal    *os.File
	logger *zap.Logger
}

func Open(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("raftstore: create %s: %w", dir, err)
	}
	s := &FileStore{
		dir:    dir,
		logger: logging.GetLoggerOrPanic("raftstore").With(zap.String("dir", dir)),
	}

	if err := s.loadMetadata(); err != nil {
		return nil, err
	}
	if err := s.loadSnapshot(); err != nil {
		return nil, err
	}
	if err := s.loadWAL(); err != nil {
		return nil, err
	}

	wal, err := os.OpenFile(s.path(walFileName), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("raftstore: open wal: %w", err)
	}
	s.wal = wal

	s.logger.Info("store opened",
		zap.Uint64("first index", s.log.firstIndex()),
		zap.Uint64("last index", s.log.lastIndex()),
		zap.Uint64(logging.Term, s.meta.CurrentTerm),
	)
	return s, nil
}

func (s *FileStore) path(name string) string {
	return filepath.Join(s.dir, name)
}

func (s *FileStore) loadMetadata() error {
	data, err := os.ReadFile(s.path(metaFileName))
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("raftstore: read metadata: %w", err)
	}
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&s.meta); err != nil {
		return fmt.Errorf("raftstore: decode metadata: %w", err)
	}
	return nil
}

func (s *FileStore) loadSnapshot() error {
	data, err := os.ReadFile(s.path(snapFileName))
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("raftstore: read snapshot: %w", err)
	}
	var snap snapshotFile
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&snap); err != nil {
		return fmt.Errorf("raftstore: decode snapshot: %w", err)
	}
	s.log.snap = snap.Meta
	s.snapData = snap.Data
	return nil
}

// loadWAL replays the framed entry log. A torn final frame from a crashed
// write is dropped; entries at or below the snapshot boundary are skipped.
func (s *FileStore) loadWAL() error {
	f, err := os.Open(s.path(walFileName))
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("raftstore: open wal: %w", err)
	}
	defer f.Close()

	for {
		entry, err := readFrame(f)
		if err == io.EOF {
			return nil
		}
		if err != nil {
			s.logger.Warn("wal tail unreadable, truncating", zap.Error(err))
			return s.rewriteWAL()
		}
		if entry.Index <= s.log.snap.Index {
			continue
		}
		if entry.Index <= s.log.lastIndex() {
			// An entry rewritten after a conflict truncation that did
			// not finish; the later copy wins.
			if terr := s.log.truncateSuffix(entry.Index); terr != nil {
				return terr
			}
		}
		if err := s.log.append([]raft.LogEntry{entry}); err != nil {
			s.logger.Warn("wal entry out of order, truncating", zap.Error(err))
			return s.rewriteWAL()
		}
	}
}

func readFrame(r io.Reader) (raft.LogEntry, error) {
	var size uint32
	if err := binary.Read(r, binary.BigEndian, &size); err != nil {
		if err == io.EOF {
			return raft.LogEntry{}, io.EOF
		}
		return raft.LogEntry{}, fmt.Errorf("read frame header: %w", err)
	}
	buf := make([]byte, size)
	if _, err := io.ReadFull(r, buf); err != nil {
		return raft.LogEntry{}, fmt.Errorf("read frame body: %w", err)
	}
	var entry raft.LogEntry
	if err := gob.NewDecoder(bytes.NewReader(buf)).Decode(&entry); err != nil {
		return raft.LogEntry{}, fmt.Errorf("decode frame: %w", err)
	}
	return entry, nil
}

func writeFrame(w io.Writer, entry raft.LogEntry) error {
	var body bytes.Buffer
	if err := gob.NewEncoder(&body).Encode(entry); err != nil {
		return err
	}
	if err := binary.Write(w, binary.BigEndian, uint32(body.Len())); err != nil {
		return err
	}
	_, err := w.Write(body.Bytes())
	return err
}

// rewriteWAL replaces the entry log file with the in-memory state.
func (s *FileStore) rewriteWAL() error {
	tmp := s.path(walFileName + ".tmp")
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("raftstore: rewrite wal: %w", err)
	}
	for _, entry := range s.log.entries {
		if err := writeFrame(f, entry); err != nil {
			f.Close()
			return fmt.Errorf("raftstore: rewrite wal: %w", err)
		}
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("raftstore: sync wal: %w", err)
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.path(walFileName)); err != nil {
		return fmt.Errorf("raftstore: replace wal: %w", err)
	}

	if s.wal != nil {
		old := s.wal
		s.wal, err = os.OpenFile(s.path(walFileName), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if cerr := old.Close(); cerr != nil {
			err = multierr.Append(err, cerr)
		}
		if err != nil {
			return fmt.Errorf("raftstore: reopen wal: %w", err)
		}
	}
	return nil
}

func (s *FileStore) Append(entries []raft.LogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Validate contiguity before any byte hits disk.
	want := s.log.lastIndex() + 1
	for i, e := range entries {
		if e.Index != want+uint64(i) {
			return fmt.Errorf("raftstore: append index %d, expected %d", e.Index, want+uint64(i))
		}
	}

	for _, entry := range entries {
		if err := writeFrame(s.wal, entry); err != nil {
			return fmt.Errorf("raftstore: append wal: %w", err)
		}
	}
	if err := s.wal.Sync(); err != nil {
		return fmt.Errorf("raftstore: sync wal: %w", err)
	}
	return s.log.append(entries)
}

func (s *FileStore) Entry(index uint64) (raft.LogEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.log.entry(index)
}

func (s *FileStore) Term(index uint64) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, err := s.log.entry(index)
	if err != nil {
		return 0, err
	}
	return entry.Term, nil
}

func (s *FileStore) FirstIndex() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.log.firstIndex()
}

func (s *FileStore) LastIndex() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.log.lastIndex()
}

func (s *FileStore) TruncateSuffix(from uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.log.truncateSuffix(from); err != nil {
		return err
	}
	return s.rewriteWAL()
}

func (s *FileStore) ReadMetadata() (raft.Metadata, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.meta, nil
}

// WriteMetadata persists term and vote with write-to-temp, fsync, rename so
// the pair is durable and never half-written when the call returns.
func (s *FileStore) WriteMetadata(meta raft.Metadata) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(meta); err != nil {
		return fmt.Errorf("raftstore: encode metadata: %w", err)
	}
	if err := writeFileSync(s.path(metaFileName), buf.Bytes()); err != nil {
		return fmt.Errorf("raftstore: write metadata: %w", err)
	}
	s.meta = meta
	return nil
}

func (s *FileStore) SnapshotBoundary() raft.SnapshotMeta {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.log.snap
}

func (s *FileStore) SaveSnapshot(meta raft.SnapshotMeta, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if meta.Index <= s.log.snap.Index {
		return raft.ErrStaleSnapshot
	}

	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(snapshotFile{Meta: meta, Data: data}); err != nil {
		return fmt.Errorf("raftstore: encode snapshot: %w", err)
	}
	if err := writeFileSync(s.path(snapFileName), buf.Bytes()); err != nil {
		return fmt.Errorf("raftstore: write snapshot: %w", err)
	}

	s.log.compactTo(meta)
	s.snapData = append([]byte(nil), data...)
	return s.rewriteWAL()
}

func (s *FileStore) Snapshot() (raft.SnapshotMeta, []byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.log.snap, append([]byte(nil), s.snapData...), nil
}

func (s *FileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.wal == nil {
		return nil
	}
	err := s.wal.Close()
	s.wal = nil
	return err
}

func writeFileSync(path string, data []byte) error {
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
