// Package archive persists run reports to PostgreSQL so past builds stay
// queryable after the process exits.
package archive

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/relgrid/relgrid/internal/orchestrator"
)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS relgrid_runs (
    run_id            TEXT PRIMARY KEY,
    product           TEXT NOT NULL,
    version           TEXT NOT NULL,
    graph_fingerprint TEXT NOT NULL,
    pins_fingerprint  TEXT NOT NULL DEFAULT '',
    started           TIMESTAMPTZ NOT NULL,
    finished          TIMESTAMPTZ,
    report            JSONB NOT NULL,
    created_at        TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS idx_relgrid_runs_product_version ON relgrid_runs(product, version);
`

// Archive stores run reports in PostgreSQL via pgx.
type Archive struct {
	db *pgxpool.Pool
}

// New connects to the database and ensures the schema exists.
func New(ctx context.Context, dsn string) (*Archive, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect to run archive: %w", err)
	}
	a := &Archive{db: pool}
	if err := a.createSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return a, nil
}

func (a *Archive) createSchema(ctx context.Context) error {
	if _, err := a.db.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("create run archive schema: %w", err)
	}
	return nil
}

// SaveReport upserts one run's report. Saving the same run ID again, for
// example after a status poll persisted a mid-run snapshot, replaces the row.
func (a *Archive) SaveReport(ctx context.Context, rep *orchestrator.Report) error {
	payload, err := json.Marshal(rep)
	if err != nil {
		return fmt.Errorf("encode run report: %w", err)
	}

	_, err = a.db.Exec(ctx, `
		INSERT INTO relgrid_runs (run_id, product, version, graph_fingerprint, pins_fingerprint, started, finished, report)
		VALUES ($1, $2, $3, $4, $5, $6, NULLIF($7, '0001-01-01T00:00:00Z'::timestamptz), $8)
		ON CONFLICT (run_id) DO UPDATE
		SET finished = EXCLUDED.finished, report = EXCLUDED.report`,
		rep.RunID, rep.Product, rep.Version, rep.GraphFingerprint, rep.PinsFingerprint,
		rep.Started, rep.Finished, payload)
	if err != nil {
		return fmt.Errorf("save run report: %w", err)
	}
	return nil
}

// Close releases the connection pool.
func (a *Archive) Close() {
	a.db.Close()
}
