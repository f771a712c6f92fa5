package scorecard

import (
	"context"
	"sort"
	"sync"

	"github.com/ehr/qualitystars/pkg/pagination"
)

// MemoryStore keeps runs in process. It backs the CLI and the server when
// no database is configured.
type MemoryStore struct {
	mu   sync.RWMutex
	runs map[string]*Run
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{runs: make(map[string]*Run)}
}

func (m *MemoryStore) Save(ctx context.Context, run *Run) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runs[run.Snapshot.RunID] = run
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, runID string) (*Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	run, ok := m.runs[runID]
	if !ok {
		return nil, ErrNotFound
	}
	return run, nil
}

// List returns snapshots newest first, run id breaking ties.
func (m *MemoryStore) List(ctx context.Context, f ListFilter, p pagination.Params) ([]Snapshot, int, error) {
	m.mu.RLock()
	all := make([]Snapshot, 0, len(m.runs))
	for _, r := range m.runs {
		if f.Matches(&r.Snapshot) {
			all = append(all, r.Snapshot)
		}
	}
	m.mu.RUnlock()

	sort.Slice(all, func(i, j int) bool {
		if !all[i].CreatedAt.Equal(all[j].CreatedAt) {
			return all[i].CreatedAt.After(all[j].CreatedAt)
		}
		return all[i].RunID < all[j].RunID
	})
	start, end := p.Bounds(len(all))
	return all[start:end], len(all), nil
}
