package scorecard

import (
	"context"
	"errors"

	"github.com/ehr/qualitystars/pkg/pagination"
)

// ErrNotFound is returned when a run id is unknown.
var ErrNotFound = errors.New("run not found")

// RunStore persists runs. Saving a run whose id already exists replaces it,
// so a rerun over identical input leaves one copy.
type RunStore interface {
	Save(ctx context.Context, run *Run) error
	Get(ctx context.Context, runID string) (*Run, error)
	List(ctx context.Context, f ListFilter, p pagination.Params) ([]Snapshot, int, error)
}
