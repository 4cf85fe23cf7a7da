// Package availability publishes and reads the per-worker busy flags the
// router uses to pick a target.
//
// The flags are advisory: a snapshot is not atomic with a worker's next
// publish, so two concurrent routes can both observe the same idle worker and
// forward to it. The worker then serializes the second request behind the
// first. No lock is taken across the read-then-forward sequence.
package availability

import (
	"context"
	"sort"
	"sync"
)

// Record is the externally visible state of one worker, keyed by the port
// it listens on.
type Record struct {
	WorkerID int  `json:"worker_id"`
	Busy     bool `json:"busy"`
}

// Store defines how availability records are shared between workers and the
// router. Implementations may keep them in memory, on disk, or in an
// external service such as Redis. Each record has a single writer, the
// worker that owns it; last write wins.
type Store interface {
	// Publish sets the busy flag of a worker. Publishing the same value
	// twice is a no-op.
	Publish(ctx context.Context, workerID int, busy bool) error
	// Snapshot returns every known record in ascending worker id order.
	Snapshot(ctx context.Context) ([]Record, error)
	// Withdraw removes a worker's record on graceful shutdown.
	Withdraw(ctx context.Context, workerID int) error
}

// FirstIdle returns the first record with Busy=false.
func FirstIdle(records []Record) (Record, bool) {
	for _, r := range records {
		if !r.Busy {
			return r, true
		}
	}
	return Record{}, false
}

func sortRecords(records []Record) []Record {
	sort.Slice(records, func(i, j int) bool { return records[i].WorkerID < records[j].WorkerID })
	return records
}

// MemoryStore keeps records in a mutex-guarded map. It is suitable when the
// router and the workers share one process, and for tests.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[int]bool
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[int]bool)}
}

func (m *MemoryStore) Publish(_ context.Context, workerID int, busy bool) error {
	m.mu.Lock()
	m.records[workerID] = busy
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) Snapshot(_ context.Context) ([]Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Record, 0, len(m.records))
	for id, busy := range m.records {
		out = append(out, Record{WorkerID: id, Busy: busy})
	}
	return sortRecords(out), nil
}

func (m *MemoryStore) Withdraw(_ context.Context, workerID int) error {
	m.mu.Lock()
	delete(m.records, workerID)
	m.mu.Unlock()
	return nil
}

// Open selects the store backing a deployment: Redis when redisAddr is set,
// then Consul when consulAddr is set, otherwise one file per worker under dir.
func Open(redisAddr, consulAddr, dir string) (Store, error) {
	switch {
	case redisAddr != "":
		return NewRedisStore(redisAddr)
	case consulAddr != "":
		return NewConsulStore(consulAddr)
	default:
		return NewFileStore(dir)
	}
}
