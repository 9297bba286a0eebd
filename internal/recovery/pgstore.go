package recovery

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/memoright/memoright-ops/model"
)

const pgSchema = `
CREATE TABLE IF NOT EXISTS recovery_plans (
	id         TEXT PRIMARY KEY,
	kind       TEXT NOT NULL DEFAULT '',
	status     TEXT NOT NULL,
	document   JSONB NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
)`

// PgStore is a PostgreSQL-backed PlanStore using pgx/v5. Each plan is one
// row holding the full JSON document; status and kind are denormalized for
// operators querying the table directly.
type PgStore struct {
	pool *pgxpool.Pool
}

// NewPgStore creates a PostgreSQL plan store.
func NewPgStore(pool *pgxpool.Pool) *PgStore {
	return &PgStore{pool: pool}
}

// Migrate creates the plans table if it does not exist.
func (s *PgStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, pgSchema); err != nil {
		return fmt.Errorf("create recovery_plans: %w", err)
	}
	return nil
}

// Save upserts the plan document.
func (s *PgStore) Save(ctx context.Context, plan model.Plan) error {
	doc, err := json.Marshal(plan)
	if err != nil {
		return model.NewPersistenceError("save plan "+plan.ID, fmt.Errorf("marshal: %w", err))
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO recovery_plans (id, kind, status, document, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE SET
			kind = EXCLUDED.kind,
			status = EXCLUDED.status,
			document = EXCLUDED.document,
			updated_at = EXCLUDED.updated_at`,
		plan.ID, plan.Kind, string(plan.Status), doc, time.Now().UTC(),
	)
	if err != nil {
		return model.NewPersistenceError("save plan "+plan.ID, err)
	}
	return nil
}

// LoadAll reads every stored plan ordered by ID.
func (s *PgStore) LoadAll(ctx context.Context) ([]model.Plan, []error, error) {
	rows, err := s.pool.Query(ctx, `SELECT id, document FROM recovery_plans ORDER BY id`)
	if err != nil {
		return nil, nil, model.NewPersistenceError("query recovery_plans", err)
	}
	defer rows.Close()

	var (
		plans   []model.Plan
		entErrs []error
	)
	for rows.Next() {
		var (
			id  string
			doc []byte
		)
		if err := rows.Scan(&id, &doc); err != nil {
			return nil, nil, model.NewPersistenceError("scan recovery_plans", err)
		}
		var p model.Plan
		if err := json.Unmarshal(doc, &p); err != nil {
			entErrs = append(entErrs, fmt.Errorf("decode plan %s: %w", id, err))
			continue
		}
		plans = append(plans, p)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, model.NewPersistenceError("iterate recovery_plans", err)
	}
	return plans, entErrs, nil
}

// Delete removes a plan row.
func (s *PgStore) Delete(ctx context.Context, id string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM recovery_plans WHERE id = $1`, id); err != nil {
		return model.NewPersistenceError("delete plan "+id, err)
	}
	return nil
}

// HealthCheck pings the database.
func (s *PgStore) HealthCheck(ctx context.Context) error {
	return s.pool.Ping(ctx)
}
