package model

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/scenesync/scenesync/pkg/reconcile/scene"
	"github.com/scenesync/scenesync/pkg/reconcile/types"
	"github.com/scenesync/scenesync/pkg/reconcile/types/id"
)

// Stage represents the checkpoint stage of a reconciliation run. A run's
// stage is the first stage that has not completed; resuming a run re-enters
// that stage and everything before it is skipped.
type Stage string

const (
	// StageInit indicates the run row exists but no work has started.
	StageInit Stage = "init"

	// StageFetchCatalog indicates the catalog listing is being staged. The
	// index listing runs concurrently; the run stays in this stage until the
	// catalog side completes.
	StageFetchCatalog Stage = "fetch_catalog"

	// StageFetchIndex indicates the catalog listing is complete and the index
	// listing is still being staged.
	StageFetchIndex Stage = "fetch_index"

	// StageReconcile indicates both listings are staged and the diff is being
	// computed.
	StageReconcile Stage = "reconcile"

	// StageReport indicates reconciliation results are being written to the
	// report.
	StageReport Stage = "report"

	// StageDispatch indicates report records are being enqueued (or, on a
	// dry run, planned).
	StageDispatch Stage = "dispatch"

	// StageDone indicates the run finished.
	StageDone Stage = "done"

	// StageFailed indicates the run aborted on a fatal error.
	StageFailed Stage = "failed"
)

func validStage(stage Stage) bool {
	switch stage {
	case StageInit, StageFetchCatalog, StageFetchIndex, StageReconcile, StageReport, StageDispatch, StageDone, StageFailed:
		return true
	default:
		return false
	}
}

// nextStage is the only permitted forward transition out of each stage.
var nextStage = map[Stage]Stage{
	StageInit:         StageFetchCatalog,
	StageFetchCatalog: StageFetchIndex,
	StageFetchIndex:   StageReconcile,
	StageReconcile:    StageReport,
	StageReport:       StageDispatch,
	StageDispatch:     StageDone,
}

// Mode distinguishes live runs from plan-only ones.
type Mode string

const (
	// ModeLive dispatches missing scenes to the backfill queue.
	ModeLive Mode = "live"

	// ModeDryRun replaces dispatch with a plan pass; the queue is never
	// touched.
	ModeDryRun Mode = "dry-run"

	// ModeReport stops at the written report: the dispatch stage records the
	// backfill plan and the queue is never touched. A gap filler run
	// dispatches the plan later.
	ModeReport Mode = "report"
)

func validMode(mode Mode) bool {
	return mode == ModeLive || mode == ModeDryRun || mode == ModeReport
}

// Run represents one reconciliation pass over a product and acquisition
// window, from fetch through dispatch.
type Run struct {
	id           id.RunID
	product      string
	windowStart  time.Time
	windowEnd    time.Time
	bbox         *[4]float64
	mode         Mode
	forcedUpdate bool
	stage        Stage
	errorMessage *string // set when the run fails
	reportID     *string // set once the report file exists
	createdAt    time.Time
	updatedAt    time.Time
}

// ID returns the unique identifier of the run.
func (r *Run) ID() id.RunID {
	return r.id
}

// Product returns the product the run reconciles.
func (r *Run) Product() string {
	return r.product
}

// Window returns the acquisition window the run covers.
func (r *Run) Window() scene.Window {
	return scene.Window{Start: r.windowStart, End: r.windowEnd, BBox: r.bbox}
}

// Mode returns whether the run is live or a dry run.
func (r *Run) Mode() Mode {
	return r.mode
}

// DryRun reports whether the run is a dry run.
func (r *Run) DryRun() bool {
	return r.mode == ModeDryRun
}

// ReportOnly reports whether the run ends with the written report, planning
// its dispatch stage instead of executing it.
func (r *Run) ReportOnly() bool {
	return r.mode == ModeReport
}

// ForcedUpdate reports whether the run classifies the whole catalog set as
// missing regardless of the index.
func (r *Run) ForcedUpdate() bool {
	return r.forcedUpdate
}

// Stage returns the run's current checkpoint stage.
func (r *Run) Stage() Stage {
	return r.stage
}

// Terminal reports whether the run has finished, in either direction.
func (r *Run) Terminal() bool {
	return r.stage == StageDone || r.stage == StageFailed
}

// Error returns the error the run failed with, if any.
func (r *Run) Error() error {
	if r.errorMessage == nil {
		return nil
	}
	return fmt.Errorf("run error: %s", *r.errorMessage)
}

// HasReport reports whether a report file has been started for this run.
func (r *Run) HasReport() bool {
	return r.reportID != nil
}

// ReportID returns the identifier of the run's report file, or the empty
// string when none exists yet.
func (r *Run) ReportID() string {
	if r.reportID == nil {
		return ""
	}
	return *r.reportID
}

// CreatedAt returns the creation time of the run.
func (r *Run) CreatedAt() time.Time {
	return r.createdAt
}

// UpdatedAt returns the last time the run record changed.
func (r *Run) UpdatedAt() time.Time {
	return r.updatedAt
}

// Advance moves the run to the next stage in sequence.
func (r *Run) Advance() error {
	next, ok := nextStage[r.stage]
	if !ok {
		return fmt.Errorf("cannot advance run in stage %s", r.stage)
	}
	r.stage = next
	r.errorMessage = nil
	r.updatedAt = time.Now().UTC().Truncate(time.Second)
	return nil
}

// Fail marks the run failed. A finished run cannot fail.
func (r *Run) Fail(errorMessage string) error {
	if r.stage == StageDone {
		return fmt.Errorf("cannot fail run in stage %s", r.stage)
	}
	r.stage = StageFailed
	r.errorMessage = &errorMessage
	r.updatedAt = time.Now().UTC().Truncate(time.Second)
	return nil
}

// SetReportID records the run's report file identifier.
func (r *Run) SetReportID(reportID string) error {
	if reportID == "" {
		return types.ErrEmpty{Field: "report ID"}
	}
	r.reportID = &reportID
	r.updatedAt = time.Now().UTC().Truncate(time.Second)
	return nil
}

func validateRun(run *Run) error {
	if run.id == id.Nil {
		return types.ErrEmpty{Field: "run ID"}
	}
	if run.product == "" {
		return types.ErrEmpty{Field: "product"}
	}
	if run.windowStart.IsZero() || run.windowEnd.IsZero() {
		return types.ErrEmpty{Field: "window"}
	}
	if !run.windowStart.Before(run.windowEnd) {
		return fmt.Errorf("run window start %s is not before end %s", run.windowStart, run.windowEnd)
	}
	if !validMode(run.mode) {
		return fmt.Errorf("invalid run mode: %s", run.mode)
	}
	if !validStage(run.stage) {
		return fmt.Errorf("invalid run stage: %s", run.stage)
	}
	if run.errorMessage != nil && run.stage != StageFailed {
		return fmt.Errorf("error message is set but run has not failed")
	}
	if run.createdAt.IsZero() {
		return types.ErrEmpty{Field: "created at"}
	}
	if run.updatedAt.IsZero() {
		return types.ErrEmpty{Field: "updated at"}
	}
	return nil
}

// Option configures optional attributes of a new run.
type Option func(*Run)

// WithMode sets the run mode; the default is live.
func WithMode(mode Mode) Option {
	return func(r *Run) {
		r.mode = mode
	}
}

// WithForcedUpdate marks the run as a forced update.
func WithForcedUpdate() Option {
	return func(r *Run) {
		r.forcedUpdate = true
	}
}

// NewRun creates a new Run for the given product and window, in stage init.
func NewRun(product string, window scene.Window, opts ...Option) (*Run, error) {
	now := time.Now().UTC().Truncate(time.Second)
	run := &Run{
		id:          id.New(),
		product:     product,
		windowStart: window.Start,
		windowEnd:   window.End,
		bbox:        window.BBox,
		mode:        ModeLive,
		stage:       StageInit,
		createdAt:   now,
		updatedAt:   now,
	}
	for _, opt := range opts {
		opt(run)
	}
	if err := validateRun(run); err != nil {
		return nil, err
	}
	return run, nil
}

// NewFillRun creates a run that starts directly at the dispatch stage,
// re-enqueuing candidates from an existing report instead of fetching and
// reconciling. Used by the gap filler.
func NewFillRun(product string, window scene.Window, reportID string, opts ...Option) (*Run, error) {
	run, err := NewRun(product, window, opts...)
	if err != nil {
		return nil, err
	}
	if err := run.SetReportID(reportID); err != nil {
		return nil, err
	}
	run.stage = StageDispatch
	return run, nil
}

// EncodeBBox formats a bounding box as a comma-separated string for storage.
// Returns nil for a nil box.
func EncodeBBox(bbox *[4]float64) *string {
	if bbox == nil {
		return nil
	}
	parts := make([]string, 4)
	for i, v := range bbox {
		parts[i] = strconv.FormatFloat(v, 'g', -1, 64)
	}
	s := strings.Join(parts, ",")
	return &s
}

// DecodeBBox parses a stored bounding box string. Returns nil for nil input.
func DecodeBBox(s *string) (*[4]float64, error) {
	if s == nil {
		return nil, nil
	}
	parts := strings.Split(*s, ",")
	if len(parts) != 4 {
		return nil, fmt.Errorf("invalid bounding box %q", *s)
	}
	var bbox [4]float64
	for i, part := range parts {
		v, err := strconv.ParseFloat(part, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid bounding box %q: %w", *s, err)
		}
		bbox[i] = v
	}
	return &bbox, nil
}

// RunWriter is a function type that defines the signature for writing runs to a database row
type RunWriter func(id id.RunID, product string, windowStart, windowEnd time.Time, bbox *string, mode Mode, forcedUpdate bool, stage Stage, errorMessage *string, reportID *string, createdAt, updatedAt time.Time) error

// WriteRunToDatabase writes a run to the database using the provided writer function.
func WriteRunToDatabase(writer RunWriter, run *Run) error {
	return writer(run.id, run.product, run.windowStart, run.windowEnd, EncodeBBox(run.bbox), run.mode, run.forcedUpdate, run.stage, run.errorMessage, run.reportID, run.createdAt, run.updatedAt)
}

// RunScanner is a function type that defines the signature for scanning runs from a database row
type RunScanner func(id *id.RunID, product *string, windowStart, windowEnd *time.Time, bbox **string, mode *Mode, forcedUpdate *bool, stage *Stage, errorMessage **string, reportID **string, createdAt, updatedAt *time.Time) error

// ReadRunFromDatabase reads a run from the database using the provided scanner function.
func ReadRunFromDatabase(scanner RunScanner) (*Run, error) {
	var run Run
	var bbox *string

	if err := scanner(&run.id, &run.product, &run.windowStart, &run.windowEnd, &bbox, &run.mode, &run.forcedUpdate, &run.stage, &run.errorMessage, &run.reportID, &run.createdAt, &run.updatedAt); err != nil {
		return nil, err
	}

	decoded, err := DecodeBBox(bbox)
	if err != nil {
		return nil, err
	}
	run.bbox = decoded

	if err := validateRun(&run); err != nil {
		return nil, err
	}

	return &run, nil
}
