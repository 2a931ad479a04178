// Package ledger records the payment intent and debit history rows of
// completed steps in SQLite.
package ledger

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/openjobspec/ojs-campaigns-nats/internal/core"
	"github.com/openjobspec/ojs-campaigns-nats/internal/metrics"
)

//go:embed schema.sql
var schema string

const (
	intentStatusCreated = "created"
	operationDebit      = "debit"
	debitComment        = "step completed"
)

// Store is the SQLite-backed ledger.
type Store struct {
	db *sql.DB
}

// Open opens the ledger database at path and applies the schema.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("ledger path is required")
	}
	dsn := filepath.Clean(path) + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the database.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// RecordStep writes the payment intent and the debit row of one step in a
// single transaction. Rows are keyed by (campaign, step): recording the same
// step again is a no-op, so a drained event may be replayed safely.
func (s *Store) RecordStep(ctx context.Context, ev core.StepEvent) error {
	if err := s.recordStep(ctx, ev); err != nil {
		metrics.LedgerWritesTotal.WithLabelValues("error").Inc()
		return fmt.Errorf("%w: %v", core.ErrLedgerWrite, err)
	}
	metrics.LedgerWritesTotal.WithLabelValues("ok").Inc()
	return nil
}

func (s *Store) recordStep(ctx context.Context, ev core.StepEvent) error {
	if ev.CampaignID == "" || ev.OwnerID == "" {
		return fmt.Errorf("campaign and owner are required")
	}
	if ev.Step <= 0 {
		return fmt.Errorf("step must be positive, got %d", ev.Step)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	at := ev.At.UTC().UnixMilli()
	if _, err := tx.ExecContext(ctx, `
INSERT INTO payment_intents (id, owner_id, status, class, campaign_id, step, sum, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (campaign_id, step) DO NOTHING
`,
		core.NewUUIDv7(),
		ev.OwnerID,
		intentStatusCreated,
		ev.Class,
		ev.CampaignID,
		ev.Step,
		ev.Price,
		at,
	); err != nil {
		return fmt.Errorf("insert payment intent: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
INSERT INTO debit_history (id, owner_id, sum, operation, basis, comment, class, campaign_id, step, operated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (campaign_id, step) DO NOTHING
`,
		core.NewUUIDv7(),
		ev.OwnerID,
		ev.Price,
		operationDebit,
		ev.Class+" "+ev.CampaignID,
		debitComment,
		ev.Class,
		ev.CampaignID,
		ev.Step,
		at,
	); err != nil {
		return fmt.Errorf("insert debit: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}
