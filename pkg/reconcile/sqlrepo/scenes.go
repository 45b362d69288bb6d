package sqlrepo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/scenesync/scenesync/pkg/bus/events"
	"github.com/scenesync/scenesync/pkg/reconcile/scene"
	"github.com/scenesync/scenesync/pkg/reconcile/sqlrepo/util"
	"github.com/scenesync/scenesync/pkg/reconcile/types/id"
)

const stagedSceneColumns = `canonical_key, raw_id, product, source_uri, acquired_at, origin, status`

// StageScenes persists one fetched page of descriptors for a run. A canonical
// key already staged for the same origin is a duplicate: the descriptor with
// the latest acquisition time wins, the collision is recorded, and a warning
// is logged. The page is staged in one transaction so a checkpoint written
// after it refers to fully-staged data.
func (r *Repo) StageScenes(ctx context.Context, runID id.RunID, descriptors []*scene.Descriptor) error {
	if len(descriptors) == 0 {
		return nil
	}
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	type collision struct {
		origin scene.Origin
		key    string
	}
	var collisions []collision

	for _, d := range descriptors {
		row := tx.QueryRowContext(ctx,
			`SELECT acquired_at FROM staged_scenes WHERE run_id = ? AND origin = ? AND canonical_key = ?`,
			dbRunID(runID), d.Origin(), d.CanonicalKey(),
		)
		var existing time.Time
		err := row.Scan(util.TimestampScanner(&existing))
		switch {
		case errors.Is(err, sql.ErrNoRows):
			if err := insertStagedScene(ctx, tx, runID, d); err != nil {
				return err
			}
			continue
		case err != nil:
			return err
		}

		// duplicate key warning: same origin listed this key twice
		log.Warnw("source listed the same canonical key twice",
			"runID", runID, "origin", d.Origin(), "canonicalKey", d.CanonicalKey(), "rawID", d.RawID())
		if _, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO duplicate_keys (run_id, origin, canonical_key, raw_id) VALUES (?, ?, ?, ?)`,
			dbRunID(runID), d.Origin(), d.CanonicalKey(), d.RawID(),
		); err != nil {
			return err
		}
		collisions = append(collisions, collision{origin: d.Origin(), key: d.CanonicalKey()})

		if d.AcquiredAt().After(existing) {
			if _, err := tx.ExecContext(ctx,
				`UPDATE staged_scenes SET raw_id = ?, source_uri = ?, acquired_at = ?, status = ?
				WHERE run_id = ? AND origin = ? AND canonical_key = ?`,
				d.RawID(), d.SourceURI(), d.AcquiredAt().Unix(), d.Status(),
				dbRunID(runID), d.Origin(), d.CanonicalKey(),
			); err != nil {
				return err
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return err
	}

	for _, c := range collisions {
		r.bus.Publish(events.TopicDuplicate, events.DuplicateKey{
			RunID:        runID,
			Origin:       c.origin,
			CanonicalKey: c.key,
		})
	}
	return nil
}

func insertStagedScene(ctx context.Context, tx *sql.Tx, runID id.RunID, d *scene.Descriptor) error {
	return scene.WriteDescriptorToDatabase(func(
		canonicalKey, rawID, product, sourceURI string,
		acquiredAt time.Time,
		origin scene.Origin,
		status scene.Status,
	) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO staged_scenes (run_id, `+stagedSceneColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			dbRunID(runID), canonicalKey, rawID, product, sourceURI, acquiredAt.Unix(), origin, status,
		)
		return err
	}, d)
}

// ForEachStagedScene streams a run's staged scenes for one origin in
// canonical key order. The engine's merge depends on this ordering.
func (r *Repo) ForEachStagedScene(ctx context.Context, runID id.RunID, origin scene.Origin, fn func(*scene.Descriptor) error) error {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+stagedSceneColumns+` FROM staged_scenes
		WHERE run_id = ? AND origin = ?
		ORDER BY canonical_key ASC`,
		dbRunID(runID), origin,
	)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		d, err := scene.ReadDescriptorFromDatabase(func(
			canonicalKey, rawID, product, sourceURI *string,
			acquiredAt *time.Time,
			origin *scene.Origin,
			status *scene.Status,
		) error {
			return rows.Scan(canonicalKey, rawID, product, sourceURI, util.TimestampScanner(acquiredAt), origin, status)
		})
		if err != nil {
			return err
		}
		if err := fn(d); err != nil {
			return err
		}
	}
	return rows.Err()
}

// CountStagedScenes returns the number of staged scenes for one origin of a
// run.
func (r *Repo) CountStagedScenes(ctx context.Context, runID id.RunID, origin scene.Origin) (int64, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM staged_scenes WHERE run_id = ? AND origin = ?`,
		dbRunID(runID), origin,
	)
	var n int64
	err := row.Scan(&n)
	return n, err
}

// SkippedScene is a scene whose identifier could not be normalized, kept for
// the report's skipped classification.
type SkippedScene struct {
	Origin scene.Origin
	RawID  string
	Reason string
}

// AddSkippedScenes records scenes whose identifiers could not be normalized.
func (r *Repo) AddSkippedScenes(ctx context.Context, runID id.RunID, skipped []SkippedScene) error {
	if len(skipped) == 0 {
		return nil
	}
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	for _, s := range skipped {
		if s.RawID == "" {
			return fmt.Errorf("skipped scene has no raw identifier")
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO skipped_scenes (run_id, origin, raw_id, reason) VALUES (?, ?, ?, ?)`,
			dbRunID(runID), s.Origin, s.RawID, s.Reason,
		); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// ListSkippedScenes returns the skipped scenes recorded for a run.
func (r *Repo) ListSkippedScenes(ctx context.Context, runID id.RunID) ([]SkippedScene, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT origin, raw_id, reason FROM skipped_scenes WHERE run_id = ? ORDER BY origin, raw_id`,
		dbRunID(runID),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var skipped []SkippedScene
	for rows.Next() {
		var s SkippedScene
		if err := rows.Scan(&s.Origin, &s.RawID, &s.Reason); err != nil {
			return nil, err
		}
		skipped = append(skipped, s)
	}
	return skipped, rows.Err()
}

// DuplicateKey is one recorded canonical key collision.
type DuplicateKey struct {
	Origin       scene.Origin
	CanonicalKey string
	RawID        string
}

// ListDuplicateKeys returns the canonical key collisions recorded for a run.
func (r *Repo) ListDuplicateKeys(ctx context.Context, runID id.RunID) ([]DuplicateKey, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT origin, canonical_key, raw_id FROM duplicate_keys WHERE run_id = ? ORDER BY origin, canonical_key, raw_id`,
		dbRunID(runID),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var duplicates []DuplicateKey
	for rows.Next() {
		var d DuplicateKey
		if err := rows.Scan(&d.Origin, &d.CanonicalKey, &d.RawID); err != nil {
			return nil, err
		}
		duplicates = append(duplicates, d)
	}
	return duplicates, rows.Err()
}
