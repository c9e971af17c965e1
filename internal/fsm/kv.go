// Package fsm holds the state machine consuming committed log entries: a
// small key/value map driven by JSON-encoded commands.
package fsm

import (
	"encoding/json"
	"sync"

	"go.uber.org/zap"

	"github.com/raftd/raftd/internal/logging"
	"github.com/raftd/raftd/internal/raft"
)

const (
	OpSet    = "set"
	OpDelete = "delete"
)

// Command is the payload format of one log entry.
type Command struct {
	Op    string `json:"op"`
	Key   string `json:"key"`
	Value string `json:"value,omitempty"`
}

func EncodeCommand(cmd Command) []byte {
	data, err := json.Marshal(cmd)
	if err != nil {
		panic(err) // Command has no unmarshalable fields
	}
	return data
}

// KV applies committed entries to an in-memory map. Reads go through Get;
// writes only ever arrive from the raft applier goroutine.
type KV struct {
	mu      sync.RWMutex
	data    map[string]string
	applied uint64

	logger *zap.Logger
}

func NewKV() *KV {
	return &KV{
		data:   make(map[string]string),
		logger: logging.GetLoggerOrPanic("kv"),
	}
}

func (kv *KV) Apply(entry raft.LogEntry) {
	var cmd Command
	if err := json.Unmarshal(entry.Payload, &cmd); err != nil {
		// A malformed payload was still committed; skipping it
		// deterministically keeps replicas identical.
		kv.logger.Warn("skip malformed command",
			zap.Uint64(logging.Index, entry.Index),
			zap.Error(err),
		)
		return
	}

	kv.mu.Lock()
	defer kv.mu.Unlock()

	switch cmd.Op {
	case OpSet:
		kv.data[cmd.Key] = cmd.Value
	case OpDelete:
		delete(kv.data, cmd.Key)
	default:
		kv.logger.Warn("skip unknown op",
			zap.String("op", cmd.Op),
			zap.Uint64(logging.Index, entry.Index),
		)
	}
	kv.applied = entry.Index
}

func (kv *KV) Get(key string) (string, bool) {
	kv.mu.RLock()
	defer kv.mu.RUnlock()
	value, ok := kv.data[key]
	return value, ok
}

func (kv *KV) Len() int {
	kv.mu.RLock()
	defer kv.mu.RUnlock()
	return len(kv.data)
}

// Snapshot serializes the current map for transfer to a lagging peer.
func (kv *KV) Snapshot() ([]byte, error) {
	kv.mu.RLock()
	defer kv.mu.RUnlock()
	return json.Marshal(kv.data)
}

// Restore resets the map from a snapshot received from the leader.
func (kv *KV) Restore(meta raft.SnapshotMeta, data []byte) {
	fresh := make(map[string]string)
	if err := json.Unmarshal(data, &fresh); err != nil {
		kv.logger.Error("snapshot unreadable, keeping current state", zap.Error(err))
		return
	}

	kv.mu.Lock()
	defer kv.mu.Unlock()
	kv.data = fresh
	kv.applied = meta.Index
	kv.logger.Info("restored from snapshot",
		zap.Uint64(logging.Index, meta.Index),
		zap.Int("keys", len(fresh)),
	)
}
