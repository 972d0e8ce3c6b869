package storage

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/screentest-io/screentest/internal/config"
	"github.com/screentest-io/screentest/internal/experiment"
)

// Unique constraint names from the schema. Violations of these map onto
// domain sentinel errors; any rename here must track the migrations.
const (
	constraintRunSlot        = "runs_slot_unique"
	constraintIdempotencyKey = "provider_calls_idempotency_unique"
	constraintMetricResult   = "metric_results_metric_unique"
	constraintTaskPair       = "idx_human_tasks_pair_unique"
)

// PostgreSQL error codes (Class 23 = Integrity Constraint Violation).
const (
	pgUniqueViolation     = "23505"
	pgForeignKeyViolation = "23503"
)

var (
	// ErrStoreFailed is returned when a storage operation fails for a reason
	// other than a domain conflict, wrapping the underlying cause.
	ErrStoreFailed = errors.New("experiment storage failed")

	// ErrInvalidArgument is returned when a store operation receives a nil
	// or structurally invalid argument.
	ErrInvalidArgument = errors.New("invalid store argument")

	// Compile-time interface checks.
	_ experiment.Store        = (*ExperimentStore)(nil)
	_ experiment.CatalogStore = (*ExperimentStore)(nil)
	_ experiment.RunStore     = (*ExperimentStore)(nil)
	_ experiment.TaskStore    = (*ExperimentStore)(nil)
)

// ExperimentStore implements experiment.Store on PostgreSQL.
//
// Uniqueness invariants (one run per slot, one completed provider call per
// idempotency key, one metric result per version, one task per unordered
// pair) are enforced by database constraints rather than application-level
// checks, so they hold under concurrent workers and API replicas. The store
// translates constraint violations into the experiment package's sentinel
// errors.
type ExperimentStore struct {
	conn   *Connection
	logger *slog.Logger
}

// NewExperimentStore creates a store backed by the given connection.
// The caller owns the connection lifecycle.
func NewExperimentStore(conn *Connection) (*ExperimentStore, error) {
	if conn == nil {
		return nil, ErrNoDatabaseConnection
	}

	return &ExperimentStore{
		conn: conn,
		logger: slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: config.GetEnvLogLevel("LOG_LEVEL", slog.LevelInfo),
		})),
	}, nil
}

// HealthCheck verifies the backing database is reachable.
func (s *ExperimentStore) HealthCheck(ctx context.Context) error {
	return s.conn.HealthCheck(ctx)
}

// uniqueConstraintName returns the violated constraint name when err is a
// PostgreSQL unique violation, or "" otherwise.
func uniqueConstraintName(err error) string {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && string(pqErr.Code) == pgUniqueViolation {
		return pqErr.Constraint
	}

	return ""
}

// isForeignKeyViolation checks if an error is a PostgreSQL foreign key
// violation, meaning a referenced entity does not exist.
func isForeignKeyViolation(err error) bool {
	var pqErr *pq.Error

	return errors.As(err, &pqErr) && string(pqErr.Code) == pgForeignKeyViolation
}

// isDatabaseConnectionError checks if an error indicates database connection failure.
// Uses PostgreSQL error codes (Class 08) and standard database/sql errors for robust detection.
func isDatabaseConnectionError(err error) bool {
	if err == nil {
		return false
	}

	// Check PostgreSQL error codes (Class 08 = Connection Exception)
	// Per PostgreSQL documentation, all 08xxx errors are connection-related:
	//   08000 - connection_exception
	//   08003 - connection_does_not_exist
	//   08006 - connection_failure
	//   08001 - sqlclient_unable_to_establish_sqlconnection
	//   08004 - sqlserver_rejected_establishment_of_sqlconnection
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return strings.HasPrefix(string(pqErr.Code), "08")
	}

	// Check standard database/sql connection errors
	return errors.Is(err, sql.ErrConnDone) || errors.Is(err, driver.ErrBadConn)
}

// rowScanner abstracts sql.Row and sql.Rows for shared scan helpers.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

// nullableString converts an optional string to its SQL representation.
// Nil maps to SQL NULL.
func nullableString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}

	return sql.NullString{String: *s, Valid: true}
}

// nullableFloat converts an optional float to its SQL representation.
func nullableFloat(f *float64) sql.NullFloat64 {
	if f == nil {
		return sql.NullFloat64{}
	}

	return sql.NullFloat64{Float64: *f, Valid: true}
}

// nullableInt64 converts an optional int64 to its SQL representation.
func nullableInt64(i *int64) sql.NullInt64 {
	if i == nil {
		return sql.NullInt64{}
	}

	return sql.NullInt64{Int64: *i, Valid: true}
}

// stringPtr converts a scanned nullable string back to an optional field.
func stringPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}

	s := ns.String

	return &s
}

// timePtr converts a scanned nullable timestamp back to an optional field.
func timePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}

	t := nt.Time

	return &t
}

// floatPtr converts a scanned nullable float back to an optional field.
func floatPtr(nf sql.NullFloat64) *float64 {
	if !nf.Valid {
		return nil
	}

	f := nf.Float64

	return &f
}

// int64Ptr converts a scanned nullable int64 back to an optional field.
func int64Ptr(ni sql.NullInt64) *int64 {
	if !ni.Valid {
		return nil
	}

	i := ni.Int64

	return &i
}
