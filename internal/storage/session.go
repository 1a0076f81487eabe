package storage

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// Session is a transaction-bound handle passed to the operation functions.
// It is valid only inside the Manager.WithSession callback that created it
// and must not be shared between goroutines.
type Session struct {
	tx     *sql.Tx
	logger *zap.Logger
	echo   bool
	now    func() time.Time

	dimension     int
	minSimilarity float64
	topK          int

	savepoints int
}

// Tx exposes the underlying transaction for statements this package does
// not cover.
func (s *Session) Tx() *sql.Tx {
	return s.tx
}

func (s *Session) logSQL(query string, args []interface{}) {
	if s.echo {
		s.logger.Debug("SQL", zap.String("query", query), zap.Int("args", len(args)))
	}
}

func (s *Session) exec(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	s.logSQL(query, args)
	return s.tx.ExecContext(ctx, query, args...)
}

func (s *Session) query(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error) {
	s.logSQL(query, args)
	return s.tx.QueryContext(ctx, query, args...)
}

func (s *Session) queryRow(ctx context.Context, query string, args ...interface{}) *sql.Row {
	s.logSQL(query, args)
	return s.tx.QueryRowContext(ctx, query, args...)
}

func (s *Session) timestamp() time.Time {
	return s.now().UTC()
}

// savepoint runs fn inside a SAVEPOINT so a failing statement does not
// abort the surrounding transaction.
func (s *Session) savepoint(ctx context.Context, fn func() error) error {
	s.savepoints++
	name := fmt.Sprintf("wingman_sp_%d", s.savepoints)

	if _, err := s.exec(ctx, "SAVEPOINT "+name); err != nil {
		return errors.Wrap(err, "error creating savepoint")
	}
	if err := fn(); err != nil {
		if _, rbErr := s.exec(ctx, "ROLLBACK TO SAVEPOINT "+name); rbErr != nil {
			return errors.Wrapf(rbErr, "error rolling back to savepoint after %v", err)
		}
		return err
	}
	if _, err := s.exec(ctx, "RELEASE SAVEPOINT "+name); err != nil {
		return errors.Wrap(err, "error releasing savepoint")
	}
	return nil
}

// checkEmbedding validates a vector before it is sent to the database.
func (s *Session) checkEmbedding(vec []float32) error {
	if len(vec) == 0 {
		return invalidArgument("embedding cannot be empty")
	}
	for i, x := range vec {
		if math.IsNaN(float64(x)) || math.IsInf(float64(x), 0) {
			return invalidArgument("embedding element %d is not a finite number", i)
		}
	}
	if s.dimension > 0 && len(vec) != s.dimension {
		return invalidArgument("embedding has %d dimensions, want %d", len(vec), s.dimension)
	}
	return nil
}
