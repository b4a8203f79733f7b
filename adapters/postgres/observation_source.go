package postgres

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"mstat/domain/mstat"
	"mstat/ports"
)

// observationSource implements ports.ObservationSource over a Postgres table
type observationSource struct {
	db    *sqlx.DB
	table string
}

// NewObservationSource creates a source reading from the given table, which
// needs columns variant_id, study_id, beta, se.
func NewObservationSource(db *sqlx.DB, table string) ports.ObservationSource {
	if table == "" {
		table = "observations"
	}
	return &observationSource{db: db, table: table}
}

// Connect opens a Postgres connection and verifies it
func Connect(databaseURL string) (*sqlx.DB, error) {
	db, err := sqlx.Connect("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}
	return db, nil
}

// Load reads every observation, ordered by (variant_id, study_id) so the
// pipeline sees a deterministic sequence.
func (s *observationSource) Load(ctx context.Context) ([]mstat.Observation, error) {
	query := fmt.Sprintf(`SELECT
		variant_id, study_id, beta, se
	FROM %s
	ORDER BY variant_id, study_id`, s.table)

	var observations []mstat.Observation
	if err := s.db.SelectContext(ctx, &observations, query); err != nil {
		return nil, fmt.Errorf("failed to load observations from %s: %w", s.table, err)
	}
	return observations, nil
}
