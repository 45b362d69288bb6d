package sqlrepo

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/scenesync/scenesync/pkg/reconcile/scene"
	"github.com/scenesync/scenesync/pkg/reconcile/sqlrepo/util"
	"github.com/scenesync/scenesync/pkg/reconcile/types"
	"github.com/scenesync/scenesync/pkg/reconcile/types/id"
)

// AcquireLease claims the product+window lease for a run, or renews it when
// the run already holds it. A live lease held by another run fails with
// types.ConcurrentRunError; an expired lease is taken over.
func (r *Repo) AcquireLease(ctx context.Context, runID id.RunID, product string, window scene.Window, ttl time.Duration) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	row := tx.QueryRowContext(ctx,
		`SELECT run_id, expires_at FROM run_leases WHERE product = ? AND window_start = ? AND window_end = ?`,
		product, window.Start.Unix(), window.End.Unix(),
	)
	var holder id.RunID
	var expires time.Time
	err = row.Scan(util.DbID(&holder), util.TimestampScanner(&expires))
	switch {
	case errors.Is(err, sql.ErrNoRows):
		// no holder; fall through to claim
	case err != nil:
		return err
	case holder != runID && expires.After(now):
		return types.NewConcurrentRunError(product, holder.String(), expires)
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO run_leases (product, window_start, window_end, run_id, expires_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (product, window_start, window_end)
			DO UPDATE SET run_id = excluded.run_id, expires_at = excluded.expires_at`,
		product, window.Start.Unix(), window.End.Unix(), dbRunID(runID), now.Add(ttl).Unix(),
	); err != nil {
		return err
	}
	return tx.Commit()
}

// ReleaseLease gives up the product+window lease if the run still holds it.
func (r *Repo) ReleaseLease(ctx context.Context, runID id.RunID, product string, window scene.Window) error {
	_, err := r.db.ExecContext(ctx,
		`DELETE FROM run_leases WHERE product = ? AND window_start = ? AND window_end = ? AND run_id = ?`,
		product, window.Start.Unix(), window.End.Unix(), dbRunID(runID),
	)
	return err
}
