// Package run drives a reconciliation run through its checkpointed stages:
// fetch both listings, diff them, write the report, dispatch the gaps.
package run

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	logging "github.com/ipfs/go-log/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/scenesync/scenesync/pkg/bus"
	"github.com/scenesync/scenesync/pkg/bus/events"
	"github.com/scenesync/scenesync/pkg/reconcile/catalog"
	"github.com/scenesync/scenesync/pkg/reconcile/dispatch"
	"github.com/scenesync/scenesync/pkg/reconcile/engine"
	"github.com/scenesync/scenesync/pkg/reconcile/report"
	"github.com/scenesync/scenesync/pkg/reconcile/run/model"
	"github.com/scenesync/scenesync/pkg/reconcile/scene"
	"github.com/scenesync/scenesync/pkg/reconcile/sqlrepo"
	"github.com/scenesync/scenesync/pkg/reconcile/types"
	"github.com/scenesync/scenesync/pkg/reconcile/types/id"
)

var log = logging.Logger("scenesync/run")

var tracer = otel.Tracer("reconcile/run")

// DefaultLeaseTTL bounds how long a crashed run blocks its product+window.
const DefaultLeaseTTL = 30 * time.Minute

// reportBatchSize is how many diff results are appended to the report per
// write.
const reportBatchSize = 500

// Repo is the persistence the controller needs. Implemented by sqlrepo.
type Repo interface {
	engine.Store
	dispatch.Marker

	CreateRun(ctx context.Context, run *model.Run) error
	GetRunByID(ctx context.Context, runID id.RunID) (*model.Run, error)
	LatestRunForProduct(ctx context.Context, product string) (*model.Run, error)
	UpdateRun(ctx context.Context, run *model.Run) error

	GetFetchCheckpoint(ctx context.Context, runID id.RunID, origin scene.Origin) (cursor string, completed bool, err error)
	SetFetchCheckpoint(ctx context.Context, runID id.RunID, origin scene.Origin, cursor string, completed bool) error

	StageScenes(ctx context.Context, runID id.RunID, descriptors []*scene.Descriptor) error
	AddSkippedScenes(ctx context.Context, runID id.RunID, skipped []sqlrepo.SkippedScene) error
	ListSkippedScenes(ctx context.Context, runID id.RunID) ([]sqlrepo.SkippedScene, error)
	ListDuplicateKeys(ctx context.Context, runID id.RunID) ([]sqlrepo.DuplicateKey, error)

	AcquireLease(ctx context.Context, runID id.RunID, product string, window scene.Window, ttl time.Duration) error
	ReleaseLease(ctx context.Context, runID id.RunID, product string, window scene.Window) error
}

// CatalogSource lists acquisitions from the upstream catalog.
type CatalogSource interface {
	Product() string
	List(ctx context.Context, window scene.Window, cursor string) (catalog.Page, error)
}

// IndexSource lists indexed datasets, and answers point status lookups used
// to skip scenes indexed after the fetch.
type IndexSource interface {
	List(ctx context.Context, window scene.Window, cursor string) (catalog.Page, error)
	Status(ctx context.Context, key string) (scene.Status, error)
}

// ReportStore is the subset of the report store the controller uses.
type ReportStore interface {
	Create(ctx context.Context, reportID string) error
	Append(ctx context.Context, reportID string, records []report.Record) error
	Complete(ctx context.Context, reportID string) error
	ReadEffective(ctx context.Context, reportID string) ([]report.Record, error)
	Latest(ctx context.Context, kind report.Kind, product string) (string, error)
}

// Option configures a Controller.
type Option func(*Controller)

// WithEventBus publishes run progress events.
func WithEventBus(bus bus.Publisher) Option {
	return func(c *Controller) {
		c.bus = bus
	}
}

// WithLeaseTTL overrides how long the run lease is held between renewals.
func WithLeaseTTL(ttl time.Duration) Option {
	return func(c *Controller) {
		c.leaseTTL = ttl
	}
}

// Controller executes runs stage by stage, checkpointing each durable step so
// an interrupted run resumes where it stopped.
type Controller struct {
	repo       Repo
	catalog    CatalogSource
	index      IndexSource
	engine     *engine.Engine
	reports    ReportStore
	dispatcher *dispatch.Dispatcher
	bus        bus.Publisher
	leaseTTL   time.Duration

	// fillLimit caps dispatch candidates for the duration of a fill pass
	fillLimit int
}

// NewController wires a Controller from its collaborators.
func NewController(repo Repo, catalogSource CatalogSource, indexSource IndexSource, e *engine.Engine, reports ReportStore, dispatcher *dispatch.Dispatcher, opts ...Option) *Controller {
	c := &Controller{
		repo:       repo,
		catalog:    catalogSource,
		index:      indexSource,
		engine:     e,
		reports:    reports,
		dispatcher: dispatcher,
		bus:        &bus.NoopBus{},
		leaseTTL:   DefaultLeaseTTL,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Start creates and executes a new run.
func (c *Controller) Start(ctx context.Context, product string, window scene.Window, opts ...model.Option) (*model.Run, dispatch.Summary, error) {
	if err := window.Validate(); err != nil {
		return nil, dispatch.Summary{}, err
	}
	run, err := model.NewRun(product, window, opts...)
	if err != nil {
		return nil, dispatch.Summary{}, err
	}
	if err := c.repo.CreateRun(ctx, run); err != nil {
		return nil, dispatch.Summary{}, fmt.Errorf("creating run: %w", err)
	}
	summary, err := c.Execute(ctx, run)
	return run, summary, err
}

// Resume loads an interrupted run and continues it from its checkpointed
// stage. Only canceled runs keep a resumable stage; a failed run is terminal
// and a new run re-does the work.
func (c *Controller) Resume(ctx context.Context, runID id.RunID) (*model.Run, dispatch.Summary, error) {
	run, err := c.repo.GetRunByID(ctx, runID)
	if err != nil {
		return nil, dispatch.Summary{}, err
	}
	if run == nil {
		return nil, dispatch.Summary{}, fmt.Errorf("no run with ID %s", runID)
	}
	if run.Stage() == model.StageDone {
		log.Infow("run already finished", "runID", runID)
		return run, dispatch.Summary{}, nil
	}
	summary, err := c.Execute(ctx, run)
	return run, summary, err
}

// Execute drives a run to completion. Stage transitions are persisted before
// the next stage starts; any error fails the run durably and is returned.
func (c *Controller) Execute(ctx context.Context, run *model.Run) (dispatch.Summary, error) {
	ctx, span := tracer.Start(ctx, "run-execute", trace.WithAttributes(
		attribute.String("runID", run.ID().String()),
		attribute.String("product", run.Product()),
		attribute.String("stage", string(run.Stage())),
	))
	defer span.End()

	if err := c.repo.AcquireLease(ctx, run.ID(), run.Product(), run.Window(), c.leaseTTL); err != nil {
		var concurrent types.ConcurrentRunError
		if errors.As(err, &concurrent) {
			return dispatch.Summary{}, err
		}
		return dispatch.Summary{}, fmt.Errorf("acquiring run lease: %w", err)
	}
	defer func() {
		// release with a fresh context; ctx may already be canceled
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := c.repo.ReleaseLease(releaseCtx, run.ID(), run.Product(), run.Window()); err != nil {
			log.Warnw("failed to release run lease", "runID", run.ID(), "error", err)
		}
	}()

	// failed runs are terminal; only canceled ones re-enter their stage
	if run.Stage() == model.StageFailed {
		return dispatch.Summary{}, fmt.Errorf("run %s previously failed: %w", run.ID(), run.Error())
	}

	var summary dispatch.Summary
	for !run.Terminal() {
		var err error
		switch run.Stage() {
		case model.StageInit:
			err = c.advance(ctx, run)
		case model.StageFetchCatalog, model.StageFetchIndex:
			err = c.fetchStage(ctx, run)
		case model.StageReconcile:
			err = c.reconcileStage(ctx, run)
		case model.StageReport:
			err = c.reportStage(ctx, run)
		case model.StageDispatch:
			summary, err = c.dispatchStage(ctx, run)
		default:
			err = fmt.Errorf("run %s is in unexpected stage %s", run.ID(), run.Stage())
		}
		if err != nil {
			return summary, c.fail(ctx, run, err)
		}
	}
	log.Infow("run finished", "runID", run.ID(), "product", run.Product(),
		"dispatched", summary.Dispatched, "failed", summary.Failed)
	return summary, nil
}

func (c *Controller) advance(ctx context.Context, run *model.Run) error {
	if err := run.Advance(); err != nil {
		return err
	}
	return c.repo.UpdateRun(ctx, run)
}

// fail records the failure durably so the run row carries its cause. A
// cancellation is not a failure: the run keeps its checkpointed stage for
// resumption.
func (c *Controller) fail(ctx context.Context, run *model.Run, cause error) error {
	if ctx.Err() != nil {
		// canceled, not failed: leave the run at its checkpoint for resumption
		log.Warnw("run interrupted", "runID", run.ID(), "stage", run.Stage(), "error", cause)
		return cause
	}
	if ferr := run.Fail(cause.Error()); ferr != nil {
		return errors.Join(cause, ferr)
	}
	failCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if uerr := c.repo.UpdateRun(failCtx, run); uerr != nil {
		return errors.Join(cause, uerr)
	}
	return cause
}

// fetchStage stages both listings. The two origins fetch concurrently when
// both are incomplete; each page is staged and checkpointed before the next
// is requested, so a resumed run re-fetches at most one page per origin.
func (c *Controller) fetchStage(ctx context.Context, run *model.Run) error {
	group, groupCtx := errgroup.WithContext(ctx)

	catalogDone, err := c.fetchNeeded(ctx, run, scene.OriginCatalog)
	if err != nil {
		return err
	}
	indexDone, err := c.fetchNeeded(ctx, run, scene.OriginIndex)
	if err != nil {
		return err
	}

	if !catalogDone {
		group.Go(func() error {
			return c.fetchOrigin(groupCtx, run, scene.OriginCatalog, c.catalog.List)
		})
	}
	if !indexDone {
		group.Go(func() error {
			return c.fetchOrigin(groupCtx, run, scene.OriginIndex, c.index.List)
		})
	}
	if err := group.Wait(); err != nil {
		return err
	}

	// both origins are durably complete; move past the fetch stages
	for run.Stage() == model.StageFetchCatalog || run.Stage() == model.StageFetchIndex {
		if err := c.advance(ctx, run); err != nil {
			return err
		}
	}
	return nil
}

func (c *Controller) fetchNeeded(ctx context.Context, run *model.Run, origin scene.Origin) (bool, error) {
	_, completed, err := c.repo.GetFetchCheckpoint(ctx, run.ID(), origin)
	if err != nil {
		return false, fmt.Errorf("reading %s fetch checkpoint: %w", origin, err)
	}
	return completed, nil
}

func (c *Controller) fetchOrigin(ctx context.Context, run *model.Run, origin scene.Origin, list func(context.Context, scene.Window, string) (catalog.Page, error)) error {
	cursor, _, err := c.repo.GetFetchCheckpoint(ctx, run.ID(), origin)
	if err != nil {
		return err
	}
	for {
		page, err := list(ctx, run.Window(), cursor)
		if err != nil {
			return fmt.Errorf("listing %s: %w", origin, err)
		}
		if err := c.repo.StageScenes(ctx, run.ID(), page.Descriptors); err != nil {
			return fmt.Errorf("staging %s page: %w", origin, err)
		}
		if len(page.Skipped) > 0 {
			skipped := make([]sqlrepo.SkippedScene, len(page.Skipped))
			for i, s := range page.Skipped {
				skipped[i] = sqlrepo.SkippedScene{Origin: origin, RawID: s.RawID, Reason: s.Reason}
			}
			if err := c.repo.AddSkippedScenes(ctx, run.ID(), skipped); err != nil {
				return fmt.Errorf("recording skipped %s scenes: %w", origin, err)
			}
		}
		completed := page.Next == ""
		if err := c.repo.SetFetchCheckpoint(ctx, run.ID(), origin, page.Next, completed); err != nil {
			return fmt.Errorf("checkpointing %s fetch: %w", origin, err)
		}
		c.bus.Publish(events.TopicPage, events.PageFetched{
			RunID:   run.ID(),
			Origin:  origin,
			Count:   len(page.Descriptors),
			Skipped: len(page.Skipped),
		})
		if completed {
			return nil
		}
		cursor = page.Next
	}
}

// reconcileStage diffs the staged sets into the run's report file. Re-
// entering the stage recreates the report from scratch; the diff is
// deterministic, so the result is the same.
func (c *Controller) reconcileStage(ctx context.Context, run *model.Run) error {
	reportID := report.ReportID(run.Product(), run.CreatedAt(), run.ForcedUpdate())
	if err := c.reports.Create(ctx, reportID); err != nil {
		return err
	}
	if err := run.SetReportID(reportID); err != nil {
		return err
	}
	if err := c.repo.UpdateRun(ctx, run); err != nil {
		return err
	}

	batch := make([]report.Record, 0, reportBatchSize)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if err := c.reports.Append(ctx, reportID, batch); err != nil {
			return err
		}
		batch = batch[:0]
		return nil
	}

	err := c.engine.Diff(ctx, run.ID(), run.ForcedUpdate(), func(r engine.Result) error {
		classification := report.ClassificationMissing
		if r.Class == engine.ClassOrphaned {
			classification = report.ClassificationOrphaned
		}
		batch = append(batch, report.Record{
			CanonicalKey:   r.Descriptor.CanonicalKey(),
			RawID:          r.Descriptor.RawID(),
			Product:        r.Descriptor.Product(),
			SourceURI:      r.Descriptor.SourceURI(),
			Classification: classification,
		})
		if len(batch) == reportBatchSize {
			return flush()
		}
		return nil
	})
	if err != nil {
		return err
	}
	if err := flush(); err != nil {
		return err
	}
	return c.advance(ctx, run)
}

// reportStage appends the audit rows (skipped identifiers, duplicate keys)
// and marks the report complete.
func (c *Controller) reportStage(ctx context.Context, run *model.Run) error {
	reportID := run.ReportID()
	if reportID == "" {
		return fmt.Errorf("run %s reached the report stage without a report", run.ID())
	}

	skipped, err := c.repo.ListSkippedScenes(ctx, run.ID())
	if err != nil {
		return err
	}
	var records []report.Record
	for _, s := range skipped {
		records = append(records, report.Record{
			CanonicalKey:   "unparsed/" + s.RawID,
			RawID:          s.RawID,
			Product:        run.Product(),
			Classification: report.ClassificationSkipped,
		})
	}

	duplicates, err := c.repo.ListDuplicateKeys(ctx, run.ID())
	if err != nil {
		return err
	}
	for _, d := range duplicates {
		records = append(records, report.Record{
			CanonicalKey:   d.CanonicalKey,
			RawID:          d.RawID,
			Product:        run.Product(),
			Classification: report.ClassificationDuplicate,
		})
	}

	if err := c.reports.Append(ctx, reportID, records); err != nil {
		return err
	}
	if err := c.reports.Complete(ctx, reportID); err != nil {
		return err
	}
	return c.advance(ctx, run)
}

// dispatchStage enqueues the report's backfill candidates. On a dry run the
// candidates are recorded as would-dispatch and the sink is never touched.
func (c *Controller) dispatchStage(ctx context.Context, run *model.Run) (dispatch.Summary, error) {
	reportID := run.ReportID()
	if reportID == "" {
		return dispatch.Summary{}, fmt.Errorf("run %s reached the dispatch stage without a report", run.ID())
	}

	records, err := c.reports.ReadEffective(ctx, reportID)
	if err != nil {
		return dispatch.Summary{}, err
	}
	candidates := backfillCandidates(records)
	if c.fillLimit > 0 && len(candidates) > c.fillLimit {
		candidates = candidates[:c.fillLimit]
	}

	if run.DryRun() || run.ReportOnly() {
		planned := make([]report.Record, 0, len(candidates))
		for _, item := range candidates {
			planned = append(planned, report.Record{
				CanonicalKey:   item.CanonicalKey,
				RawID:          item.RawID,
				Product:        item.Product,
				SourceURI:      item.SourceURI,
				Classification: report.ClassificationWouldDispatch,
			})
		}
		if err := c.reports.Append(ctx, reportID, planned); err != nil {
			return dispatch.Summary{}, err
		}
		if err := c.reports.Complete(ctx, reportID); err != nil {
			return dispatch.Summary{}, err
		}
		log.Infow("dispatch planned only", "runID", run.ID(), "mode", run.Mode(), "candidates", len(planned))
		return dispatch.Summary{Planned: len(planned)}, c.advance(ctx, run)
	}

	// Scenes indexed since the fetch are no longer gaps; skip them instead
	// of re-enqueuing work the indexer already did. Forced updates re-ingest
	// deliberately, so the recheck is skipped.
	if !run.ForcedUpdate() && !report.IsForcedUpdate(reportID) {
		candidates, err = c.dropFreshlyIndexed(ctx, run, reportID, candidates)
		if err != nil {
			return dispatch.Summary{}, err
		}
	}

	var outcomes []report.Record
	summary, err := c.dispatcher.Dispatch(ctx, run.ID(), candidates, func(item dispatch.Item, outcome dispatch.Outcome) error {
		var classification report.Classification
		switch outcome {
		case dispatch.OutcomeDispatched:
			classification = report.ClassificationDispatched
		case dispatch.OutcomeFailed:
			classification = report.ClassificationFailed
		default:
			// already marked by an earlier pass; the report row stands
			return nil
		}
		outcomes = append(outcomes, report.Record{
			CanonicalKey:   item.CanonicalKey,
			RawID:          item.RawID,
			Product:        item.Product,
			SourceURI:      item.SourceURI,
			Classification: classification,
		})
		return nil
	})
	if err != nil {
		return summary, err
	}

	if err := c.reports.Append(ctx, reportID, outcomes); err != nil {
		return summary, err
	}
	if err := c.reports.Complete(ctx, reportID); err != nil {
		return summary, err
	}
	return summary, c.advance(ctx, run)
}

func (c *Controller) dropFreshlyIndexed(ctx context.Context, run *model.Run, reportID string, candidates []dispatch.Item) ([]dispatch.Item, error) {
	kept := candidates[:0]
	var skipped []report.Record
	for _, item := range candidates {
		status, err := c.index.Status(ctx, item.CanonicalKey)
		if err != nil {
			return nil, fmt.Errorf("rechecking index status of %s: %w", item.CanonicalKey, err)
		}
		if status == scene.StatusActive {
			log.Debugw("scene indexed since fetch; skipping dispatch", "runID", run.ID(), "canonicalKey", item.CanonicalKey)
			skipped = append(skipped, report.Record{
				CanonicalKey:   item.CanonicalKey,
				RawID:          item.RawID,
				Product:        item.Product,
				SourceURI:      item.SourceURI,
				Classification: report.ClassificationSkipped,
			})
			continue
		}
		kept = append(kept, item)
	}
	if err := c.reports.Append(ctx, reportID, skipped); err != nil {
		return nil, err
	}
	return kept, nil
}

// backfillCandidates selects the report rows that still need enqueueing: the
// gaps themselves, plans from an earlier dry run, and earlier failures.
func backfillCandidates(records []report.Record) []dispatch.Item {
	var items []dispatch.Item
	for _, r := range records {
		switch r.Classification {
		case report.ClassificationMissing, report.ClassificationWouldDispatch, report.ClassificationFailed:
			items = append(items, dispatch.Item{
				CanonicalKey: r.CanonicalKey,
				RawID:        r.RawID,
				SourceURI:    r.SourceURI,
				Product:      r.Product,
			})
		}
	}
	// enqueue oldest acquisitions first; the key's trailing segment is the
	// acquisition date
	sort.SliceStable(items, func(i, j int) bool {
		di, dj := keyDate(items[i].CanonicalKey), keyDate(items[j].CanonicalKey)
		if di != dj {
			return di < dj
		}
		return items[i].CanonicalKey < items[j].CanonicalKey
	})
	return items
}

func keyDate(key string) string {
	if i := strings.LastIndex(key, "/"); i >= 0 {
		return key[i+1:]
	}
	return key
}

// FillOption configures a backfill pass over an existing report.
type FillOption func(*fillConfig)

type fillConfig struct {
	limit  int
	dryRun bool
}

// WithLimit bounds how many candidates the fill pass dispatches.
func WithLimit(n int) FillOption {
	return func(c *fillConfig) {
		c.limit = n
	}
}

// WithDryRun plans the fill pass without touching the queue.
func WithDryRun() FillOption {
	return func(c *fillConfig) {
		c.dryRun = true
	}
}

// FillFromReport creates a run that starts directly at the dispatch stage,
// enqueueing the remaining backfill candidates of an existing report. Pass an
// empty reportID to use the latest gap report. Candidate limits apply after
// the report's own ordering.
func (c *Controller) FillFromReport(ctx context.Context, product string, reportID string, opts ...FillOption) (*model.Run, dispatch.Summary, error) {
	cfg := &fillConfig{}
	for _, opt := range opts {
		opt(cfg)
	}

	if reportID == "" {
		latest, err := c.reports.Latest(ctx, report.KindGap, product)
		if err != nil {
			return nil, dispatch.Summary{}, err
		}
		if latest == "" {
			return nil, dispatch.Summary{}, fmt.Errorf("no gap report found for product %s", product)
		}
		reportID = latest
	}

	if report.IsForcedUpdate(reportID) {
		log.Infow("report is flagged as a forced update; all scenes will be re-ingested", "reportID", reportID)
	}

	// validate the report up front so an incomplete file fails fast
	records, err := c.reports.ReadEffective(ctx, reportID)
	if err != nil {
		return nil, dispatch.Summary{}, err
	}
	// filling another product's report would enqueue scenes under the wrong
	// product name
	for _, r := range records {
		if r.Product == "" {
			continue
		}
		if r.Product != product {
			return nil, dispatch.Summary{}, fmt.Errorf("report %s is for product %s, not %s", reportID, r.Product, product)
		}
		break
	}
	if cfg.limit > 0 {
		remaining := backfillCandidates(records)
		if len(remaining) > cfg.limit {
			log.Infow("limiting backfill candidates", "reportID", reportID, "candidates", len(remaining), "limit", cfg.limit)
		}
	}

	modelOpts := []model.Option{}
	if cfg.dryRun {
		modelOpts = append(modelOpts, model.WithMode(model.ModeDryRun))
	}
	run, err := model.NewFillRun(product, fillWindow(reportID), reportID, modelOpts...)
	if err != nil {
		return nil, dispatch.Summary{}, err
	}
	if err := c.repo.CreateRun(ctx, run); err != nil {
		return nil, dispatch.Summary{}, fmt.Errorf("creating fill run: %w", err)
	}

	c.fillLimit = cfg.limit
	defer func() { c.fillLimit = 0 }()
	summary, err := c.Execute(ctx, run)
	return run, summary, err
}

// fillWindow derives the lease window for a fill run from the report's run
// date: the day the report covers. Fills of the same report contend for the
// same lease.
func fillWindow(reportID string) scene.Window {
	if day, ok := report.Date(reportID); ok {
		return scene.Window{Start: day, End: day.AddDate(0, 0, 1)}
	}
	now := time.Now().UTC().Truncate(24 * time.Hour)
	return scene.Window{Start: now, End: now.AddDate(0, 0, 1)}
}
