package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// LockRepo manages the per-region scheduler locks. Each region has one
// lock document; ownership is compare-and-swap on (owner_id,
// expires_at_ms) inside a transaction, so two processes racing for the
// same region cannot both win.
type LockRepo struct {
	db *sql.DB
}

// NewLockRepo creates a LockRepo on an open database.
func NewLockRepo(db *sql.DB) *LockRepo {
	return &LockRepo{db: db}
}

// AcquireLock takes the lock for doc on behalf of owner. An expired
// lock counts as free and is stolen. Returns ErrLockTaken when another
// live owner holds it.
func (l *LockRepo) AcquireLock(ctx context.Context, doc, owner string, ttl time.Duration) error {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin lock tx: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UnixMilli()

	var (
		curOwner   string
		curExpires int64
	)
	err = tx.QueryRowContext(ctx,
		"SELECT owner_id, expires_at_ms FROM scheduler_locks WHERE doc = ?", doc).
		Scan(&curOwner, &curExpires)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		// Free.
	case err != nil:
		return fmt.Errorf("store: read lock %s: %w", doc, err)
	case curOwner != owner && curExpires > now:
		return ErrLockTaken
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO scheduler_locks (doc, owner_id, expires_at_ms)
		VALUES (?, ?, ?)
		ON CONFLICT(doc) DO UPDATE SET
			owner_id = excluded.owner_id,
			expires_at_ms = excluded.expires_at_ms`,
		doc, owner, now+ttl.Milliseconds())
	if err != nil {
		return fmt.Errorf("store: write lock %s: %w", doc, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: commit lock %s: %w", doc, err)
	}
	return nil
}

// ExtendLock pushes the expiry of a lock the caller still owns.
// Returns ErrLockStolen when the lock is gone or owned by someone else;
// the caller must stop its work for that region.
func (l *LockRepo) ExtendLock(ctx context.Context, doc, owner string, ttl time.Duration) error {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin heartbeat tx: %w", err)
	}
	defer tx.Rollback()

	var curOwner string
	err = tx.QueryRowContext(ctx,
		"SELECT owner_id FROM scheduler_locks WHERE doc = ?", doc).Scan(&curOwner)
	if errors.Is(err, sql.ErrNoRows) || (err == nil && curOwner != owner) {
		return ErrLockStolen
	}
	if err != nil {
		return fmt.Errorf("store: read lock %s: %w", doc, err)
	}

	_, err = tx.ExecContext(ctx,
		"UPDATE scheduler_locks SET expires_at_ms = ? WHERE doc = ? AND owner_id = ?",
		time.Now().UnixMilli()+ttl.Milliseconds(), doc, owner)
	if err != nil {
		return fmt.Errorf("store: extend lock %s: %w", doc, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: commit heartbeat %s: %w", doc, err)
	}
	return nil
}

// ReleaseLock drops the lock if the caller still owns it. Releasing a
// lock someone else took over is a no-op.
func (l *LockRepo) ReleaseLock(ctx context.Context, doc, owner string) error {
	_, err := l.db.ExecContext(ctx,
		"DELETE FROM scheduler_locks WHERE doc = ? AND owner_id = ?", doc, owner)
	if err != nil {
		return fmt.Errorf("store: release lock %s: %w", doc, err)
	}
	return nil
}
