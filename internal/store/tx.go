// Package store implements the credential and role stores over PostgreSQL.
// Every public operation runs inside exactly one transaction: acquire a
// connection, begin, execute, commit or roll back. No transaction spans two
// public calls.
package store

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/yourorg/memberstore/internal/domain"
	"github.com/yourorg/memberstore/internal/observability/metrics"
	"github.com/yourorg/memberstore/internal/observability/tracing"
	"github.com/yourorg/memberstore/internal/reliability/circuitbreaker"
	"github.com/yourorg/memberstore/internal/reliability/retry"
)

// runner executes one store operation per transaction, with the command
// timeout, breaker, transient retry, metrics, and tracing applied uniformly.
type runner struct {
	db      *sql.DB
	name    string // metric/span label: "credential" or "role"
	timeout time.Duration
	breaker *circuitbreaker.CircuitBreaker
	retry   *retry.Config
	logger  *slog.Logger
}

func newRunner(db *sql.DB, name string, timeout time.Duration, logger *slog.Logger) *runner {
	if logger == nil {
		logger = slog.Default()
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	r := &runner{
		db:      db,
		name:    name,
		timeout: timeout,
		breaker: circuitbreaker.New(5, 2, 10*time.Second),
		logger:  logger,
	}
	r.breaker.SetStateChangeCallback(func(from, to circuitbreaker.State) {
		logger.Warn("store circuit breaker state changed",
			slog.String("store", name),
			slog.String("from", from.String()),
			slog.String("to", to.String()),
		)
	})
	cfg := retry.DefaultConfig()
	cfg.ShouldRetry = func(err error) bool {
		if errors.Is(err, domain.ErrTransientStore) {
			metrics.ObserveTransientRetry(name, "tx")
			return true
		}
		return false
	}
	r.retry = cfg
	return r
}

// run wraps fn in one transaction. Transient failures are retried as a whole
// operation; everything else surfaces after rollback.
func (r *runner) run(ctx context.Context, op string, fn func(ctx context.Context, tx *sql.Tx) error) error {
	ctx, span := tracing.StartSpan(ctx, r.name, op)
	defer span.End()

	start := time.Now()
	_, err := retry.Do(ctx, r.retry, r.logger, r.name+"."+op, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, r.attempt(ctx, fn)
	})

	result := "ok"
	if err != nil {
		result = classifyResult(err)
	}
	metrics.ObserveOperation(r.name, op, result, time.Since(start))
	return err
}

// attempt is a single begin/execute/commit cycle under the command timeout.
func (r *runner) attempt(ctx context.Context, fn func(ctx context.Context, tx *sql.Tx) error) error {
	if !r.breaker.AllowRequest() {
		return fmt.Errorf("%w: store circuit open", domain.ErrTransientStore)
	}

	opCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	tx, err := r.db.BeginTx(opCtx, nil)
	if err != nil {
		err = classify(err)
		r.recordBreaker(err)
		return fmt.Errorf("begin transaction: %w", err)
	}

	if err := fn(opCtx, tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			// Rollback failures never mask the original error.
			r.logger.Error("transaction rollback failed", slog.String("error", rbErr.Error()))
		}
		err = classify(err)
		r.recordBreaker(err)
		return err
	}

	if err := tx.Commit(); err != nil {
		err = classify(err)
		r.recordBreaker(err)
		return fmt.Errorf("commit transaction: %w", err)
	}
	r.breaker.RecordSuccess()
	return nil
}

func (r *runner) recordBreaker(err error) {
	if errors.Is(err, domain.ErrTransientStore) {
		r.breaker.RecordFailure()
	} else {
		r.breaker.RecordSuccess()
	}
}

// execExpect runs a statement and verifies the exact affected-row count. A
// deviation is a consistency fault: it indicates a race or a logic bug, so
// it is fatal and never retried.
func execExpect(ctx context.Context, tx *sql.Tx, expected int64, query string, args ...any) error {
	res, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected != expected {
		return fmt.Errorf("%w: statement affected %d rows, expected %d", domain.ErrConsistencyFault, affected, expected)
	}
	return nil
}

// classify maps driver-level failures onto the domain error kinds. Errors
// that already carry a domain kind pass through unchanged.
func classify(err error) error {
	if err == nil {
		return nil
	}
	for _, kind := range []error{
		domain.ErrInvalidArgument, domain.ErrNotFound, domain.ErrAlreadyExists,
		domain.ErrPolicyViolation, domain.ErrLockedOut, domain.ErrUnsupportedOperation,
		domain.ErrWrongAnswer, domain.ErrConsistencyFault, domain.ErrTransientStore,
	} {
		if errors.Is(err, kind) {
			return err
		}
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch {
		case pqErr.Code == "23505":
			return fmt.Errorf("%w: unique constraint %s: %v", domain.ErrAlreadyExists, pqErr.Constraint, err)
		case pqErr.Code == "23503":
			return fmt.Errorf("%w: row still referenced (%s): %v", domain.ErrPolicyViolation, pqErr.Constraint, err)
		case isTransientCode(string(pqErr.Code)):
			return fmt.Errorf("%w: %v", domain.ErrTransientStore, err)
		}
		return err
	}

	if isTransient(err) {
		return fmt.Errorf("%w: %v", domain.ErrTransientStore, err)
	}
	return err
}

// isTransientCode reports whether a PostgreSQL error class indicates a
// failure that a full-operation retry can fix: connection loss, resource
// exhaustion, operator intervention, deadlock, or serialization conflict.
func isTransientCode(code string) bool {
	switch {
	case strings.HasPrefix(code, "08"), // connection exception
		strings.HasPrefix(code, "53"), // insufficient resources
		strings.HasPrefix(code, "57"): // operator intervention
		return true
	case code == "40001", code == "40P01": // serialization failure, deadlock
		return true
	}
	return false
}

func isTransient(err error) bool {
	if errors.Is(err, driver.ErrBadConn) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, sql.ErrConnDone) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

func classifyResult(err error) string {
	switch {
	case errors.Is(err, domain.ErrInvalidArgument):
		return "invalid_argument"
	case errors.Is(err, domain.ErrNotFound):
		return "not_found"
	case errors.Is(err, domain.ErrAlreadyExists):
		return "already_exists"
	case errors.Is(err, domain.ErrWrongAnswer):
		return "wrong_answer"
	case errors.Is(err, domain.ErrPolicyViolation):
		return "policy_violation"
	case errors.Is(err, domain.ErrLockedOut):
		return "locked_out"
	case errors.Is(err, domain.ErrUnsupportedOperation):
		return "unsupported"
	case errors.Is(err, domain.ErrConsistencyFault):
		return "consistency_fault"
	case errors.Is(err, domain.ErrTransientStore):
		return "transient"
	default:
		return "error"
	}
}
