package recovery

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/memoright/memoright-ops/model"

	_ "modernc.org/sqlite"
)

// SQLiteStore is a PlanStore backed by SQLite through modernc.org/sqlite. It
// keeps the same row shape as PgStore with the document as JSON text.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLiteStore opens (or creates) the database at path and migrates it.
func OpenSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	// SQLite allows a single writer; serialize through one connection.
	db.SetMaxOpenConns(1)
	s, err := NewSQLiteStore(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// NewSQLiteStore wraps an open database and creates the plans table.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate sqlite plan store: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS recovery_plans (
		id         TEXT PRIMARY KEY,
		kind       TEXT NOT NULL DEFAULT '',
		status     TEXT NOT NULL,
		document   JSON NOT NULL,
		updated_at DATETIME NOT NULL
	);`
	_, err := s.db.ExecContext(context.Background(), query)
	return err
}

// Save upserts the plan document.
func (s *SQLiteStore) Save(ctx context.Context, plan model.Plan) error {
	doc, err := json.Marshal(plan)
	if err != nil {
		return model.NewPersistenceError("save plan "+plan.ID, fmt.Errorf("marshal: %w", err))
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO recovery_plans (id, kind, status, document, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			kind = excluded.kind,
			status = excluded.status,
			document = excluded.document,
			updated_at = excluded.updated_at`,
		plan.ID, plan.Kind, string(plan.Status), string(doc), time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return model.NewPersistenceError("save plan "+plan.ID, err)
	}
	return nil
}

// LoadAll reads every stored plan ordered by ID.
func (s *SQLiteStore) LoadAll(ctx context.Context) ([]model.Plan, []error, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, document FROM recovery_plans ORDER BY id`)
	if err != nil {
		return nil, nil, model.NewPersistenceError("query recovery_plans", err)
	}
	defer func() { _ = rows.Close() }()

	var (
		plans   []model.Plan
		entErrs []error
	)
	for rows.Next() {
		var id, doc string
		if err := rows.Scan(&id, &doc); err != nil {
			return nil, nil, model.NewPersistenceError("scan recovery_plans", err)
		}
		var p model.Plan
		if err := json.Unmarshal([]byte(doc), &p); err != nil {
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
func (s *SQLiteStore) Delete(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM recovery_plans WHERE id = ?`, id); err != nil {
		return model.NewPersistenceError("delete plan "+id, err)
	}
	return nil
}

// HealthCheck pings the database.
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
