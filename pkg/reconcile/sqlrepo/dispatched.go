package sqlrepo

import (
	"context"
	"time"

	"github.com/scenesync/scenesync/pkg/reconcile/types/id"
)

// MarkDispatched records that a canonical key is about to be enqueued for a
// run. Returns false when the key was already marked, which is the signal the
// dispatcher uses to skip it. The mark is written before the enqueue attempt,
// making delivery at-most-once per run.
func (r *Repo) MarkDispatched(ctx context.Context, runID id.RunID, canonicalKey string) (bool, error) {
	stmt, err := r.prepareStmt(ctx,
		`INSERT OR IGNORE INTO dispatched_keys (run_id, canonical_key, dispatched_at) VALUES (?, ?, ?)`)
	if err != nil {
		return false, err
	}
	result, err := stmt.ExecContext(ctx, dbRunID(runID), canonicalKey, time.Now().Unix())
	if err != nil {
		return false, err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

// WasDispatched reports whether a canonical key has already been marked for a
// run.
func (r *Repo) WasDispatched(ctx context.Context, runID id.RunID, canonicalKey string) (bool, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM dispatched_keys WHERE run_id = ? AND canonical_key = ?`,
		dbRunID(runID), canonicalKey,
	)
	var n int64
	if err := row.Scan(&n); err != nil {
		return false, err
	}
	return n > 0, nil
}

// CountDispatched returns how many keys have been marked for a run.
func (r *Repo) CountDispatched(ctx context.Context, runID id.RunID) (int64, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM dispatched_keys WHERE run_id = ?`,
		dbRunID(runID),
	)
	var n int64
	err := row.Scan(&n)
	return n, err
}
