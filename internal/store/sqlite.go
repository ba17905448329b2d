package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-pkgz/repeater/v2"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	// Registers the "sqlite" driver (pure Go).
	_ "modernc.org/sqlite"

	"github.com/ucs200525/panchang-bot/internal/domain"
)

// RetryPolicy bounds retries of the initial connection and of lock contention.
type RetryPolicy struct {
	Attempts int
	Delay    time.Duration
	MaxDelay time.Duration
}

// Options configures OpenSQLite.
type Options struct {
	Path      string
	OpTimeout time.Duration // per statement; zero means no extra deadline
	Retry     RetryPolicy
	Log       *zap.Logger
}

// SQLiteRepo implements Repo using an embedded SQLite database.
type SQLiteRepo struct {
	db        *sqlx.DB
	opTimeout time.Duration
	retry     RetryPolicy
	now       func() time.Time
}

// OpenSQLite opens (or creates) the SQLite database at the given path,
// applies recommended PRAGMAs, runs SQL migrations, and returns a repository.
// A failing connection is retried per opts.Retry before giving up with domain.ErrUnavailable.
func OpenSQLite(ctx context.Context, opts Options) (*SQLiteRepo, error) {
	if opts.Log == nil {
		opts.Log = zap.NewNop()
	}
	if opts.Retry.Attempts < 1 {
		opts.Retry.Attempts = 1
	}
	if dir := filepath.Dir(opts.Path); dir != "" && !strings.HasPrefix(opts.Path, ":memory:") {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}

	var db *sqlx.DB
	attempt := 0
	err := repeater.NewBackoff(opts.Retry.Attempts, opts.Retry.Delay, repeater.WithMaxDelay(opts.Retry.MaxDelay)).
		Do(ctx, func() error {
			attempt++
			d, err := connect(ctx, opts.Path)
			if err != nil {
				opts.Log.Warn("db connect failed", zap.Int("attempt", attempt), zap.Error(err))
				return err
			}
			db = d
			return nil
		})
	if err != nil {
		return nil, fmt.Errorf("open %s after %d attempts: %w: %w", opts.Path, attempt, domain.ErrUnavailable, err)
	}
	opts.Log.Info("db ready", zap.String("path", opts.Path), zap.Int("attempts", attempt))

	return &SQLiteRepo{db: db, opTimeout: opts.OpTimeout, retry: opts.Retry, now: time.Now}, nil
}

func connect(ctx context.Context, path string) (*sqlx.DB, error) {
	db, err := sqlx.Open("sqlite", path)
	if err != nil {
		return nil, err
	}

	// Reasonable pooling for SQLite; it's a single-writer engine.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := applyPragmas(ctx, db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply pragmas: %w", err)
	}
	if err := RunMigrations(ctx, db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrations: %w", err)
	}
	return db, nil
}

// applyPragmas configures the SQLite connection for durability and concurrency.
func applyPragmas(ctx context.Context, db *sqlx.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA foreign_keys=ON;",
	}
	for _, p := range pragmas {
		if _, err := db.ExecContext(ctx, p); err != nil {
			return err
		}
	}
	return nil
}

// Close releases the underlying database resources.
func (r *SQLiteRepo) Close() error {
	return r.db.Close()
}

// Ping checks the connection is alive.
func (r *SQLiteRepo) Ping(ctx context.Context) error {
	ctx, cancel := r.opContext(ctx)
	defer cancel()
	if err := r.db.PingContext(ctx); err != nil {
		return unavailable("ping", err)
	}
	return nil
}

// SavePreferences upserts only the fields present in patch. A new record is
// created when none exists; last_updated is always stamped.
func (r *SQLiteRepo) SavePreferences(ctx context.Context, userID int64, patch domain.PreferencesPatch) error {
	u := buildUpsert(userID, patch, r.now().UTC())
	q := u.query("user_preferences", "user_id")

	return r.withLockRetry(ctx, "save preferences", func(ctx context.Context) error {
		_, err := r.db.ExecContext(ctx, q, u.args...)
		return err
	})
}

// GetPreferences returns the stored record or domain.ErrNotFound.
func (r *SQLiteRepo) GetPreferences(ctx context.Context, userID int64) (*domain.UserPreferences, error) {
	var row prefsRow
	err := r.withLockRetry(ctx, "get preferences", func(ctx context.Context) error {
		return r.db.GetContext(ctx, &row,
			`SELECT `+prefsColumns+` FROM user_preferences WHERE user_id = ?`, userID)
	})
	if err != nil {
		return nil, err
	}
	p := row.toDomain()
	return &p, nil
}

// GetAllSubscribed lists every record with the subscribed flag set, ordered by user id.
func (r *SQLiteRepo) GetAllSubscribed(ctx context.Context) ([]domain.UserPreferences, error) {
	var rows []prefsRow
	err := r.withLockRetry(ctx, "list subscribed", func(ctx context.Context) error {
		rows = rows[:0]
		return r.db.SelectContext(ctx, &rows,
			`SELECT `+prefsColumns+` FROM user_preferences WHERE is_subscribed = 1 ORDER BY user_id`)
	})
	if err != nil {
		return nil, err
	}
	res := make([]domain.UserPreferences, 0, len(rows))
	for _, row := range rows {
		res = append(res, row.toDomain())
	}
	return res, nil
}

// withLockRetry runs fn under the per-operation timeout. Busy/locked errors are
// retried per the retry policy; everything else fails on the first attempt.
func (r *SQLiteRepo) withLockRetry(ctx context.Context, op string, fn func(context.Context) error) error {
	attempts := r.retry.Attempts
	if attempts < 1 {
		attempts = 1
	}

	var permanent error
	err := repeater.NewBackoff(attempts, r.retry.Delay, repeater.WithMaxDelay(r.retry.MaxDelay)).
		Do(ctx, func() error {
			opCtx, cancel := r.opContext(ctx)
			defer cancel()
			err := fn(opCtx)
			if err == nil || isLockError(err) {
				return err
			}
			permanent = err
			return nil
		})
	if permanent != nil {
		err = permanent
	}
	switch {
	case err == nil:
		return nil
	case errors.Is(err, sql.ErrNoRows):
		return fmt.Errorf("%s: %w", op, domain.ErrNotFound)
	default:
		return unavailable(op, err)
	}
}

func (r *SQLiteRepo) opContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if r.opTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, r.opTimeout)
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, domain.ErrUnavailable, err)
}

// isLockError reports whether err is SQLite lock contention worth retrying.
func isLockError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "sqlite_busy") ||
		strings.Contains(msg, "database table is locked")
}
