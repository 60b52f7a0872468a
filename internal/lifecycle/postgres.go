package lifecycle

import (
	"context"
	"fmt"
	"regexp"

	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"
)

var identPattern = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// PostgresProbe checks database readiness by connecting and executing a
// trivial query. A successful query confirms the storage engine finished
// initializing; connection or query failures while the database is still
// starting are treated as "not ready yet".
type PostgresProbe struct {
	dsn    string
	logger zerolog.Logger
}

// NewPostgresProbe creates a probe for the database at dsn.
func NewPostgresProbe(dsn string, logger zerolog.Logger) *PostgresProbe {
	return &PostgresProbe{
		dsn:    dsn,
		logger: logger.With().Str("component", "pg_probe").Logger(),
	}
}

// Ready implements Probe.
func (p *PostgresProbe) Ready(ctx context.Context) (bool, error) {
	conn, err := pgx.Connect(ctx, p.dsn)
	if err != nil {
		p.logger.Debug().Err(err).Msg("database not accepting connections yet")
		return false, nil
	}
	defer conn.Close(ctx)

	var one int
	if err := conn.QueryRow(ctx, "SELECT 1").Scan(&one); err != nil {
		p.logger.Debug().Err(err).Msg("database connected but not serving queries yet")
		return false, nil
	}
	return one == 1, nil
}

// CountRows returns the number of rows in the given table. Used by the
// startup bootstrap to decide whether an existing installation is present.
func (p *PostgresProbe) CountRows(ctx context.Context, table string) (int64, error) {
	if !identPattern.MatchString(table) {
		return 0, fmt.Errorf("invalid table name: %q", table)
	}

	conn, err := pgx.Connect(ctx, p.dsn)
	if err != nil {
		return 0, fmt.Errorf("connect: %w", err)
	}
	defer conn.Close(ctx)

	var count int64
	if err := conn.QueryRow(ctx, fmt.Sprintf(`SELECT count(*) FROM %q`, table)).Scan(&count); err != nil {
		return 0, fmt.Errorf("count rows in %s: %w", table, err)
	}
	return count, nil
}
