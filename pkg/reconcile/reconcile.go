// Package reconcile wires the reconciliation components (catalog, index,
// engine, report store, dispatcher, run controller) over one repo.
package reconcile

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"sort"
	"time"

	logging "github.com/ipfs/go-log/v2"
	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"

	"github.com/scenesync/scenesync/pkg/bus"
	"github.com/scenesync/scenesync/pkg/config"
	"github.com/scenesync/scenesync/pkg/reconcile/dispatch"
	"github.com/scenesync/scenesync/pkg/reconcile/engine"
	"github.com/scenesync/scenesync/pkg/reconcile/report"
	"github.com/scenesync/scenesync/pkg/reconcile/run"
	"github.com/scenesync/scenesync/pkg/reconcile/run/model"
	"github.com/scenesync/scenesync/pkg/reconcile/scene"
	"github.com/scenesync/scenesync/pkg/reconcile/sqlrepo"
	"github.com/scenesync/scenesync/pkg/reconcile/types/id"
)

var log = logging.Logger("scenesync/reconcile")

const checkpointInterval = 5 * time.Minute

// API exposes the reconciliation operations over a wired component set.
type API struct {
	Repo       run.Repo
	Controller *run.Controller
	Reports    *report.FSStore
	Catalog    run.CatalogSource
	Index      run.IndexSource
}

// Option is an option configuring the API.
type Option func(cfg *apiConfig)

type apiConfig struct {
	bus             bus.Publisher
	leaseTTL        time.Duration
	dispatchOptions []dispatch.Option
}

// WithEventBus publishes run progress events to the given bus.
func WithEventBus(b bus.Publisher) Option {
	return func(cfg *apiConfig) {
		cfg.bus = b
	}
}

// WithLeaseTTL overrides the run lease TTL.
func WithLeaseTTL(ttl time.Duration) Option {
	return func(cfg *apiConfig) {
		cfg.leaseTTL = ttl
	}
}

// WithDispatchOptions forwards options to the dispatcher.
func WithDispatchOptions(opts ...dispatch.Option) Option {
	return func(cfg *apiConfig) {
		cfg.dispatchOptions = append(cfg.dispatchOptions, opts...)
	}
}

// NewAPI wires an API from a repo, the two sources, the queue sink and the
// report store.
func NewAPI(repo run.Repo, catalogSource run.CatalogSource, indexSource run.IndexSource, sink dispatch.Sink, reports *report.FSStore, options ...Option) API {
	cfg := &apiConfig{
		bus:      &bus.NoopBus{},
		leaseTTL: run.DefaultLeaseTTL,
	}
	for _, opt := range options {
		opt(cfg)
	}

	dispatcher := dispatch.New(sink, repo,
		append([]dispatch.Option{dispatch.WithEventBus(cfg.bus)}, cfg.dispatchOptions...)...)

	controller := run.NewController(repo, catalogSource, indexSource, engine.New(repo), reports, dispatcher,
		run.WithEventBus(cfg.bus),
		run.WithLeaseTTL(cfg.leaseTTL),
	)

	return API{
		Repo:       repo,
		Controller: controller,
		Reports:    reports,
		Catalog:    catalogSource,
		Index:      indexSource,
	}
}

// GapReport runs a full reconciliation over the window and dispatches the
// gaps (or plans them, on a dry run).
func (a API) GapReport(ctx context.Context, product string, window scene.Window, opts ...model.Option) (*model.Run, dispatch.Summary, error) {
	return a.Controller.Start(ctx, product, window, opts...)
}

// Fill dispatches the remaining backfill candidates of an existing report.
// Pass an empty reportID to use the latest gap report.
func (a API) Fill(ctx context.Context, product string, reportID string, opts ...run.FillOption) (*model.Run, dispatch.Summary, error) {
	return a.Controller.FillFromReport(ctx, product, reportID, opts...)
}

// ResumeRun continues an interrupted run from its checkpoint.
func (a API) ResumeRun(ctx context.Context, runID id.RunID) (*model.Run, dispatch.Summary, error) {
	return a.Controller.Resume(ctx, runID)
}

// GetRunByID returns the run record, or nil if none exists.
func (a API) GetRunByID(ctx context.Context, runID id.RunID) (*model.Run, error) {
	return a.Repo.GetRunByID(ctx, runID)
}

// LatestReport returns the ID of the newest completed-or-not report of the
// given kind, or "" when none exists. A non-empty product restricts the
// lookup to that product.
func (a API) LatestReport(ctx context.Context, kind report.Kind, product string) (string, error) {
	return a.Reports.Latest(ctx, kind, product)
}

// Duplicate is a canonical key the catalog published more than once inside
// one window.
type Duplicate struct {
	CanonicalKey string
	RawIDs       []string
}

// FindDuplicates pages the catalog over the window and returns every
// canonical key carried by more than one raw identifier, sorted by key.
func (a API) FindDuplicates(ctx context.Context, window scene.Window) ([]Duplicate, error) {
	return FindDuplicates(ctx, a.Catalog, window)
}

// FindDuplicates scans a catalog source for canonical keys published more
// than once inside the window.
func FindDuplicates(ctx context.Context, catalogSource run.CatalogSource, window scene.Window) ([]Duplicate, error) {
	if err := window.Validate(); err != nil {
		return nil, err
	}

	rawIDs := map[string][]string{}
	cursor := ""
	for {
		page, err := catalogSource.List(ctx, window, cursor)
		if err != nil {
			return nil, fmt.Errorf("listing catalog: %w", err)
		}
		for _, d := range page.Descriptors {
			rawIDs[d.CanonicalKey()] = append(rawIDs[d.CanonicalKey()], d.RawID())
		}
		if page.Next == "" {
			break
		}
		cursor = page.Next
	}

	var duplicates []Duplicate
	for key, ids := range rawIDs {
		if len(ids) > 1 {
			sort.Strings(ids)
			duplicates = append(duplicates, Duplicate{CanonicalKey: key, RawIDs: ids})
		}
	}
	sort.Slice(duplicates, func(i, j int) bool {
		return duplicates[i].CanonicalKey < duplicates[j].CanonicalKey
	})
	log.Infow("scanned catalog for duplicates", "window", window.String(), "keys", len(rawIDs), "duplicates", len(duplicates))
	return duplicates, nil
}

// OpenRepo opens (creating if needed) the run state database, applies the
// schema and migrations, and starts the periodic WAL checkpoint.
func OpenRepo(ctx context.Context, cfg config.RunConfig, options ...sqlrepo.Option) (*sqlrepo.Repo, error) {
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating data dir: %w", err)
	}

	db, err := sql.Open("sqlite", "file:"+cfg.DatabasePath())
	if err != nil {
		return nil, fmt.Errorf("opening run database at %s: %w", cfg.DatabasePath(), err)
	}
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 60000",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA foreign_keys = ON",
		"PRAGMA journal_size_limit = 67108864",
	}
	for _, pragma := range pragmas {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("executing %q: %w", pragma, err)
		}
	}

	if _, err := db.ExecContext(ctx, sqlrepo.Schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("executing schema: %w", err)
	}

	goose.SetBaseFS(sqlrepo.MigrationsFS)
	if err := goose.SetDialect("sqlite3"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting migration dialect: %w", err)
	}
	if err := goose.Up(db, "migrations"); err != nil {
		db.Close()
		return nil, fmt.Errorf("applying migrations: %w", err)
	}

	repo, err := sqlrepo.New(db, options...)
	if err != nil {
		db.Close()
		return nil, err
	}
	repo.StartPeriodicCheckpoint(ctx, checkpointInterval)
	return repo, nil
}
