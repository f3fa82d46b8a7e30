// Package runstate persists the append-only RunState aggregate the
// engine mutates on every start/next/submit call. A Store holds one
// snapshot per run, content-hashed so a tampered or truncated read is
// caught on Load rather than silently trusted, and offers a pluggable
// retention policy for pruning terminal runs.
//
// Grounded on internal/controlplane/audit/store.go's split between a
// fast in-memory cache and a durable SQLite-backed store, generalized
// from an append-only event log to a whole-aggregate snapshot store
// since RunState, unlike an audit event, is mutated (appended to) as a
// single unit per operation rather than inserted row-by-row.
package runstate

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/marcus-qen/decisiongate/internal/canon"
	"github.com/marcus-qen/decisiongate/internal/dgerr"
	"github.com/marcus-qen/decisiongate/internal/dgmodel"
)

// Store is the run-state persistence contract the engine's callers
// (the security pipeline's dispatch step, in practice) hold onto.
type Store interface {
	// Create persists a brand new run. It fails with a Conflict error
	// if a run already exists under the same key — this is the
	// duplicate-run-creation check the engine itself does not perform.
	Create(ctx context.Context, rs dgmodel.RunState) error

	// Save overwrites the snapshot for a run that must already exist.
	Save(ctx context.Context, rs dgmodel.RunState) error

	// Load returns the current snapshot for a run. Returns a NotFound
	// dgerr.Error if the key is unknown, or a ControlPlane dgerr.Error
	// if the stored content hash does not match the stored snapshot.
	Load(ctx context.Context, key dgmodel.RunKey) (dgmodel.RunState, error)

	// List returns one page of run keys, ordered by run id, for operator
	// tooling and retention sweeps. tenantID and namespaceID of "" match
	// any value for that field; cursor of "" starts from the beginning;
	// limit <= 0 uses DefaultListLimit.
	List(ctx context.Context, tenantID, namespaceID, cursor string, limit int) (ListPage, error)

	// Purge deletes terminal (completed/failed) runs whose last write
	// is older than olderThan, returning the count removed.
	Purge(ctx context.Context, olderThan time.Duration) (int, error)

	Close() error
}

func runKeyOf(rs dgmodel.RunState) dgmodel.RunKey { return rs.Key }

// DefaultListLimit bounds a List page when the caller passes limit <= 0.
const DefaultListLimit = 100

// ListPage is one page of a cursor-paginated List call. NextCursor is
// empty once the final page has been returned.
type ListPage struct {
	Keys       []dgmodel.RunKey
	NextCursor string
}

// snapshot is what a Store actually keeps: the run state plus the
// content hash it was stored under and the time it was last written,
// the latter driving retention sweeps.
type snapshot struct {
	state       dgmodel.RunState
	contentHash string
	updatedAt   time.Time
}

func newSnapshot(rs dgmodel.RunState, at time.Time) (snapshot, error) {
	digest, err := canon.Hash(rs)
	if err != nil {
		return snapshot{}, dgerr.Wrap(dgerr.Internal, "hash run state", err)
	}
	return snapshot{state: rs, contentHash: digest.String(), updatedAt: at}, nil
}

// verify recomputes the snapshot's content hash and compares it
// against the one it was stored with, surfacing any mismatch as a
// ControlPlane error rather than returning silently-corrupted state.
func (s snapshot) verify() (dgmodel.RunState, error) {
	digest, err := canon.Hash(s.state)
	if err != nil {
		return dgmodel.RunState{}, dgerr.Wrap(dgerr.Internal, "hash run state", err)
	}
	if digest.String() != s.contentHash {
		return dgmodel.RunState{}, dgerr.NewControlPlane("run state content hash mismatch: store is corrupted")
	}
	return s.state, nil
}

// MemoryStore is a thread-safe, process-local Store implementation. It
// is the reference implementation other Store implementations are
// tested against, and it is what precheck-only / single-process
// deployments use directly.
type MemoryStore struct {
	mu   sync.RWMutex
	runs map[dgmodel.RunKey]snapshot
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{runs: make(map[dgmodel.RunKey]snapshot)}
}

func (m *MemoryStore) Create(ctx context.Context, rs dgmodel.RunState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := runKeyOf(rs)
	if _, exists := m.runs[key]; exists {
		return dgerr.NewConflict("run " + key.NamespaceID + "/" + key.RunID + " already exists")
	}
	snap, err := newSnapshot(rs, time.Now().UTC())
	if err != nil {
		return err
	}
	m.runs[key] = snap
	return nil
}

func (m *MemoryStore) Save(ctx context.Context, rs dgmodel.RunState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := runKeyOf(rs)
	if _, exists := m.runs[key]; !exists {
		return dgerr.NewNotFound("run " + key.NamespaceID + "/" + key.RunID + " does not exist")
	}
	snap, err := newSnapshot(rs, time.Now().UTC())
	if err != nil {
		return err
	}
	m.runs[key] = snap
	return nil
}

func (m *MemoryStore) Load(ctx context.Context, key dgmodel.RunKey) (dgmodel.RunState, error) {
	m.mu.RLock()
	snap, ok := m.runs[key]
	m.mu.RUnlock()
	if !ok {
		return dgmodel.RunState{}, dgerr.NewNotFound("run " + key.NamespaceID + "/" + key.RunID + " does not exist")
	}
	return snap.verify()
}

func (m *MemoryStore) List(ctx context.Context, tenantID, namespaceID, cursor string, limit int) (ListPage, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	m.mu.RLock()
	matching := make([]dgmodel.RunKey, 0, len(m.runs))
	for key := range m.runs {
		if (tenantID == "" || key.TenantID == tenantID) && (namespaceID == "" || key.NamespaceID == namespaceID) {
			matching = append(matching, key)
		}
	}
	m.mu.RUnlock()

	sort.Slice(matching, func(i, j int) bool { return matching[i].RunID < matching[j].RunID })

	start := 0
	if cursor != "" {
		start = sort.Search(len(matching), func(i int) bool { return matching[i].RunID > cursor })
	}
	if start > len(matching) {
		start = len(matching)
	}
	end := start + limit
	if end > len(matching) {
		end = len(matching)
	}

	page := ListPage{Keys: append([]dgmodel.RunKey(nil), matching[start:end]...)}
	if end < len(matching) {
		page.NextCursor = matching[end-1].RunID
	}
	return page, nil
}

func (m *MemoryStore) Purge(ctx context.Context, olderThan time.Duration) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cutoff := time.Now().UTC().Add(-olderThan)
	removed := 0
	for key, snap := range m.runs {
		if !isTerminal(snap.state.Status) {
			continue
		}
		if snap.updatedAt.Before(cutoff) {
			delete(m.runs, key)
			removed++
		}
	}
	return removed, nil
}

func (m *MemoryStore) Close() error { return nil }

func isTerminal(status dgmodel.RunStatus) bool {
	return status == dgmodel.StatusCompleted || status == dgmodel.StatusFailed
}
