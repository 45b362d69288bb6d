package sqlrepo

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"time"

	"github.com/scenesync/scenesync/pkg/bus/events"
	"github.com/scenesync/scenesync/pkg/reconcile/run/model"
	"github.com/scenesync/scenesync/pkg/reconcile/scene"
	"github.com/scenesync/scenesync/pkg/reconcile/sqlrepo/util"
	"github.com/scenesync/scenesync/pkg/reconcile/types/id"
)

const runColumns = `id, product, window_start, window_end, bbox, mode, forced_update, stage, error_message, report_id, created_at, updated_at`

// CreateRun persists a new run row.
func (r *Repo) CreateRun(ctx context.Context, run *model.Run) error {
	return model.WriteRunToDatabase(func(
		runID id.RunID,
		product string,
		windowStart, windowEnd time.Time,
		bbox *string,
		mode model.Mode,
		forcedUpdate bool,
		stage model.Stage,
		errorMessage *string,
		reportID *string,
		createdAt, updatedAt time.Time,
	) error {
		_, err := r.db.ExecContext(ctx,
			`INSERT INTO runs (`+runColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			util.DbID(&runID),
			product,
			windowStart.Unix(),
			windowEnd.Unix(),
			NullString(bbox),
			mode,
			forcedUpdate,
			stage,
			NullString(errorMessage),
			NullString(reportID),
			createdAt.Unix(),
			updatedAt.Unix(),
		)
		return err
	}, run)
}

// GetRunByID retrieves a run by its unique ID. Returns nil when no such run
// exists.
func (r *Repo) GetRunByID(ctx context.Context, runID id.RunID) (*model.Run, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+runColumns+` FROM runs WHERE id = ?`,
		util.DbID(&runID),
	)
	run, err := scanRun(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return run, err
}

// LatestRunForProduct retrieves the most recently created run for a product,
// or nil when the product has never been reconciled.
func (r *Repo) LatestRunForProduct(ctx context.Context, product string) (*model.Run, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+runColumns+` FROM runs WHERE product = ? ORDER BY created_at DESC, id DESC LIMIT 1`,
		product,
	)
	run, err := scanRun(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return run, err
}

// UpdateRun persists the run's mutable columns and publishes a stage event
// when the stage changed.
func (r *Repo) UpdateRun(ctx context.Context, run *model.Run) error {
	var previous model.Stage
	row := r.db.QueryRowContext(ctx, `SELECT stage FROM runs WHERE id = ?`, dbRunID(run.ID()))
	if err := row.Scan(&previous); err != nil {
		return fmt.Errorf("looking up run %s before update: %w", run.ID(), err)
	}

	err := model.WriteRunToDatabase(func(
		runID id.RunID,
		product string,
		windowStart, windowEnd time.Time,
		bbox *string,
		mode model.Mode,
		forcedUpdate bool,
		stage model.Stage,
		errorMessage *string,
		reportID *string,
		createdAt, updatedAt time.Time,
	) error {
		_, err := r.db.ExecContext(ctx,
			`UPDATE runs SET stage = ?, error_message = ?, report_id = ?, updated_at = ? WHERE id = ?`,
			stage,
			NullString(errorMessage),
			NullString(reportID),
			updatedAt.Unix(),
			util.DbID(&runID),
		)
		return err
	}, run)
	if err != nil {
		return err
	}

	if previous != run.Stage() {
		r.bus.Publish(events.TopicStage, events.StageChanged{
			RunID: run.ID(),
			From:  string(previous),
			To:    string(run.Stage()),
		})
	}
	return nil
}

func scanRun(scan func(dest ...any) error) (*model.Run, error) {
	return model.ReadRunFromDatabase(func(
		runID *id.RunID,
		product *string,
		windowStart, windowEnd *time.Time,
		bbox **string,
		mode *model.Mode,
		forcedUpdate *bool,
		stage *model.Stage,
		errorMessage **string,
		reportID **string,
		createdAt, updatedAt *time.Time,
	) error {
		return scan(
			util.DbID(runID),
			product,
			util.TimestampScanner(windowStart),
			util.TimestampScanner(windowEnd),
			bbox,
			mode,
			forcedUpdate,
			stage,
			errorMessage,
			reportID,
			util.TimestampScanner(createdAt),
			util.TimestampScanner(updatedAt),
		)
	})
}

// GetFetchCheckpoint returns the cursor and completion flag for one origin of
// a run. A missing row means the fetch has not started.
func (r *Repo) GetFetchCheckpoint(ctx context.Context, runID id.RunID, origin scene.Origin) (string, bool, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT cursor, completed FROM fetch_checkpoints WHERE run_id = ? AND origin = ?`,
		dbRunID(runID), origin,
	)
	var cursor string
	var completed bool
	err := row.Scan(&cursor, &completed)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	return cursor, completed, err
}

// SetFetchCheckpoint durably records how far one origin's listing has
// advanced. Called after each staged page, so a resumed run re-fetches at
// most one page.
func (r *Repo) SetFetchCheckpoint(ctx context.Context, runID id.RunID, origin scene.Origin, cursor string, completed bool) error {
	stmt, err := r.prepareStmt(ctx, `
		INSERT INTO fetch_checkpoints (run_id, origin, cursor, completed, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (run_id, origin) DO UPDATE SET cursor = excluded.cursor, completed = excluded.completed, updated_at = excluded.updated_at`)
	if err != nil {
		return err
	}
	_, err = stmt.ExecContext(ctx, dbRunID(runID), origin, cursor, completed, time.Now().Unix())
	return err
}

// dbRunID adapts a RunID value to the BLOB valuer used for id columns.
func dbRunID(runID id.RunID) driver.Valuer {
	return util.DbID(&runID)
}
