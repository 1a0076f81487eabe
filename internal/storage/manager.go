package storage

import (
	"context"
	"database/sql"
	"embed"
	"strconv"
	"strings"
	"sync"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/lib/pq"
	"github.com/pkg/errors"
	"github.com/xaenox/wingman/pkg/config"
	"go.uber.org/zap"
)

//go:embed schema.sql
var schemaFS embed.FS

// Manager owns the process-wide connection pool. The pool is opened lazily
// on first use and released by Close.
type Manager struct {
	cfg    config.DatabaseConfig
	env    string
	logger *zap.Logger
	now    func() time.Time

	mu     sync.Mutex
	db     *sql.DB
	closed bool
}

func NewManager(cfg config.DatabaseConfig, env string, logger *zap.Logger) *Manager {
	return &Manager{
		cfg:    cfg,
		env:    env,
		logger: logger,
		now:    time.Now,
	}
}

// NewManagerWithDB wraps an already opened pool. Pool settings from cfg,
// pre-ping included, are not applied; the caller owns the pool
// configuration.
func NewManagerWithDB(db *sql.DB, cfg config.DatabaseConfig, logger *zap.Logger) *Manager {
	cfg.PrePing = false
	m := NewManager(cfg, "", logger)
	m.db = db
	return m
}

func (m *Manager) open() (*sql.DB, error) {
	m.logger.Info("Creating database pool",
		zap.String("driver", m.cfg.Driver),
		zap.String("host", m.cfg.Host),
		zap.Int("port", m.cfg.Port))

	db, err := sql.Open(m.cfg.Driver, m.cfg.DSN())
	if err != nil {
		return nil, errors.Wrap(err, "error opening database")
	}

	switch m.cfg.EffectivePoolMode(m.env) {
	case config.PoolModeNone:
		// no idle connections kept: every session dials a fresh connection
		db.SetMaxIdleConns(0)
		m.logger.Debug("Using unpooled connections")
	default:
		db.SetMaxIdleConns(m.cfg.PoolSize)
		db.SetMaxOpenConns(m.cfg.PoolSize + m.cfg.MaxOverflow)
		db.SetConnMaxLifetime(m.cfg.ConnMaxLifetime)
		m.logger.Debug("Using bounded connection pool",
			zap.Int("pool_size", m.cfg.PoolSize),
			zap.Int("max_overflow", m.cfg.MaxOverflow),
			zap.Duration("conn_max_lifetime", m.cfg.ConnMaxLifetime))
	}
	return db, nil
}

// DB returns the pool, opening it on first call.
func (m *Manager) DB() (*sql.DB, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, ErrClosed
	}
	if m.db == nil {
		db, err := m.open()
		if err != nil {
			return nil, err
		}
		m.db = db
	}
	return m.db, nil
}

func (m *Manager) prePing() bool {
	return m.cfg.PrePing && m.cfg.EffectivePoolMode(m.env) == config.PoolModeBounded
}

func (m *Manager) newSession(tx *sql.Tx) *Session {
	return &Session{
		tx:            tx,
		logger:        m.logger,
		echo:          m.cfg.Echo,
		now:           m.now,
		dimension:     m.cfg.EmbeddingDimension,
		minSimilarity: m.cfg.MinSimilarity,
		topK:          m.cfg.TopK,
	}
}

// WithSession runs fn inside a transaction. The transaction is committed
// when fn returns nil and rolled back when fn returns an error or panics;
// the connection goes back to the pool on every path.
func (m *Manager) WithSession(ctx context.Context, fn func(s *Session) error) error {
	db, err := m.DB()
	if err != nil {
		return err
	}

	if m.prePing() {
		if err := db.PingContext(ctx); err != nil {
			m.logger.Error("Database ping failed", zap.Error(err))
			return errors.Wrap(err, "error connecting to the database")
		}
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		m.logger.Error("Failed to begin transaction", zap.Error(err))
		return errors.Wrap(err, "error beginning transaction")
	}

	committed := false
	defer func() {
		if committed {
			return
		}
		if p := recover(); p != nil {
			m.rollback(tx)
			m.logger.Error("Database session panicked", zap.Any("panic", p))
			panic(p)
		}
	}()

	if err := fn(m.newSession(tx)); err != nil {
		m.rollback(tx)
		committed = true
		if errors.Is(err, ErrDuplicate) {
			m.logger.Debug("Database session rolled back on duplicate key", zap.Error(err))
		} else {
			m.logger.Error("Database session error", zap.Error(err))
		}
		return err
	}

	committed = true
	if err := tx.Commit(); err != nil {
		m.logger.Error("Failed to commit transaction", zap.Error(err))
		return errors.Wrap(err, "error committing transaction")
	}
	return nil
}

func (m *Manager) rollback(tx *sql.Tx) {
	if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		m.logger.Error("Failed to roll back transaction", zap.Error(err))
	}
}

// HealthCheck runs a trivial round trip. It never returns an error; a
// failure is logged and reported as false.
func (m *Manager) HealthCheck(ctx context.Context) bool {
	err := m.WithSession(ctx, func(s *Session) error {
		var one int
		return s.queryRow(ctx, "SELECT 1").Scan(&one)
	})
	if err != nil {
		m.logger.Error("Database health check failed", zap.Error(err))
		return false
	}
	m.logger.Debug("Database health check: OK")
	return true
}

// Close releases all pooled connections. It is safe to call more than once.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil
	}
	m.closed = true
	if m.db == nil {
		return nil
	}
	err := m.db.Close()
	m.db = nil
	m.logger.Info("Database connections closed")
	return err
}

// EnsureSchema applies the embedded bootstrap script. Every statement is
// idempotent, so it is safe to run at each start.
func (m *Manager) EnsureSchema(ctx context.Context) error {
	script, err := schemaFS.ReadFile("schema.sql")
	if err != nil {
		return errors.Wrap(err, "error reading schema file")
	}

	dimension := m.cfg.EmbeddingDimension
	if dimension <= 0 {
		return invalidArgument("embedding dimension must be positive, got %d", dimension)
	}
	sqlText := strings.ReplaceAll(string(script), "{{dimension}}", strconv.Itoa(dimension))

	return m.WithSession(ctx, func(s *Session) error {
		for _, stmt := range splitStatements(sqlText) {
			if _, err := s.exec(ctx, stmt); err != nil {
				return errors.Wrap(err, "error executing schema")
			}
		}
		m.logger.Info("Database schema ensured", zap.Int("embedding_dimension", dimension))
		return nil
	})
}

func splitStatements(script string) []string {
	var stmts []string
	for _, part := range strings.Split(script, ";\n") {
		var lines []string
		for _, line := range strings.Split(part, "\n") {
			if trimmed := strings.TrimSpace(line); trimmed != "" && !strings.HasPrefix(trimmed, "--") {
				lines = append(lines, line)
			}
		}
		if len(lines) > 0 {
			stmts = append(stmts, strings.TrimSpace(strings.Join(lines, "\n")))
		}
	}
	return stmts
}
