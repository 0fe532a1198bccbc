package postgres

import (
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/xraph/taskhost/id"
)

// isNoRows returns true when err indicates no rows were found.
func isNoRows(err error) bool {
	return errors.Is(err, pgx.ErrNoRows)
}

// isDuplicateKey checks if a PostgreSQL error is a unique_violation (23505).
func isDuplicateKey(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

// payloadBytes maps a nil payload to an empty one; the column is NOT NULL.
func payloadBytes(p []byte) []byte {
	if p == nil {
		return []byte{}
	}
	return p
}

// seconds converts d to the double-precision seconds make_interval takes.
func seconds(d time.Duration) float64 {
	return d.Seconds()
}

func parseID(kind, raw string, parse func(string) (id.ID, error)) (id.ID, error) {
	if raw == "" {
		return id.Nil, nil
	}
	v, err := parse(raw)
	if err != nil {
		return id.Nil, fmt.Errorf("taskhost/postgres: parse %s id %q: %w", kind, raw, err)
	}
	return v, nil
}
