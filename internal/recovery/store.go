package recovery

import (
	"context"

	"github.com/memoright/memoright-ops/model"
)

// PlanStore persists whole plans keyed by plan ID.
type PlanStore interface {
	// Save writes the full plan, replacing any previous version with the same
	// ID. Concurrent saves of the same ID are last-write-wins.
	Save(ctx context.Context, plan model.Plan) error

	// LoadAll returns every persisted plan. Entries that cannot be decoded
	// are reported in the second return value and skipped; the third return
	// value is reserved for failures that prevent loading anything at all.
	LoadAll(ctx context.Context) ([]model.Plan, []error, error)

	// Delete removes a persisted plan. Deleting an unknown ID is not an
	// error.
	Delete(ctx context.Context, id string) error
}
