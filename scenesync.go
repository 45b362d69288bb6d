package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/briandowns/spinner"
	"github.com/dustin/go-humanize"
	logging "github.com/ipfs/go-log/v2"
	"github.com/mattn/go-isatty"
	"github.com/urfave/cli/v2"

	"github.com/scenesync/scenesync/internal/cmdutil"
	"github.com/scenesync/scenesync/internal/output"
	"github.com/scenesync/scenesync/internal/statusapi"
	"github.com/scenesync/scenesync/pkg/bus"
	"github.com/scenesync/scenesync/pkg/bus/events"
	"github.com/scenesync/scenesync/pkg/config"
	"github.com/scenesync/scenesync/pkg/reconcile"
	"github.com/scenesync/scenesync/pkg/reconcile/dispatch"
	"github.com/scenesync/scenesync/pkg/reconcile/report"
	"github.com/scenesync/scenesync/pkg/reconcile/run"
	"github.com/scenesync/scenesync/pkg/reconcile/run/model"
	"github.com/scenesync/scenesync/pkg/reconcile/scene"
	"github.com/scenesync/scenesync/pkg/reconcile/sqlrepo"
	"github.com/scenesync/scenesync/pkg/reconcile/types/id"
)

var log = logging.Logger("scenesync/main")

var configFlag = &cli.StringFlag{
	Name:    "config",
	Usage:   "Path to the config file.",
	EnvVars: []string{"SCENESYNC_CONFIG"},
}

var productFlag = &cli.StringFlag{
	Name:  "product",
	Usage: "Product to reconcile. Defaults to the configured catalog product.",
}

var windowFlag = &cli.StringFlag{
	Name:  "window",
	Usage: "Acquisition window as <start>,<end> ISO dates (end exclusive).",
}

var dryRunFlag = &cli.BoolFlag{
	Name:  "dry-run",
	Usage: "Plan dispatches without touching the queue.",
}

var commands = []*cli.Command{
	{
		Name:  "gap-report",
		Usage: "Reconcile catalog against index over a window and write the gap report. Dispatch separately with gap-filler or run.",
		Flags: []cli.Flag{
			configFlag,
			productFlag,
			windowFlag,
			dryRunFlag,
			&cli.StringFlag{
				Name:  "bbox",
				Usage: "Spatial filter as minLon,minLat,maxLon,maxLat.",
			},
			&cli.BoolFlag{
				Name:  "update",
				Usage: "Forced update: classify every catalog scene as missing and re-ingest.",
			},
		},
		Action: gapReport,
	},
	{
		Name:  "gap-filler",
		Usage: "Dispatch the remaining backfill candidates of an existing gap report.",
		Flags: []cli.Flag{
			configFlag,
			productFlag,
			dryRunFlag,
			&cli.StringFlag{
				Name:  "report",
				Usage: "Report ID to fill. Defaults to the product's latest gap report.",
			},
			&cli.IntFlag{
				Name:  "limit",
				Usage: "Dispatch at most this many scenes.",
			},
			&cli.UintFlag{
				Name:  "max-retries",
				Usage: "Enqueue attempts per batch. Overrides the queue config.",
			},
		},
		Action: gapFiller,
	},
	{
		Name:  "run",
		Usage: "Start a reconciliation run, or resume an interrupted one.",
		Flags: []cli.Flag{
			configFlag,
			productFlag,
			windowFlag,
			dryRunFlag,
			&cli.StringFlag{
				Name:  "run-id",
				Usage: "ID of an interrupted run to resume.",
			},
		},
		Action: runCmd,
	},
	{
		Name:  "latest-report",
		Usage: "Print the newest report of the given kind.",
		Flags: []cli.Flag{
			configFlag,
			productFlag,
			&cli.StringFlag{
				Name:  "kind",
				Value: string(report.KindGap),
				Usage: "Report kind: gap or archival.",
			},
		},
		Action: latestReport,
	},
	{
		Name:  "find-duplicates",
		Usage: "List canonical keys the catalog published more than once inside a window.",
		Flags: []cli.Flag{
			configFlag,
			productFlag,
			windowFlag,
		},
		Action: findDuplicates,
	},
	{
		Name:  "serve",
		Usage: "Serve the read-only status HTTP API.",
		Flags: []cli.Flag{
			configFlag,
			&cli.StringFlag{
				Name:  "addr",
				Value: ":8787",
				Usage: "Listen address.",
			},
		},
		Action: serve,
	},
}

func app() *cli.App {
	return &cli.App{
		Name:     "scenesync",
		Usage:    "detect and backfill gaps between satellite catalogs and the dataset index",
		Commands: commands,
	}
}

func loadConfig(cCtx *cli.Context) (config.Config, error) {
	if err := config.Init(cCtx.String("config")); err != nil {
		return config.Config{}, err
	}
	return config.Load[config.Config]()
}

// setupAPI wires the full component set from config, with a live event bus
// carrying run progress. The returned closer stops the repo's checkpointing
// and closes the database.
func setupAPI(cCtx *cli.Context, cfg config.Config, product string) (reconcile.API, bus.Bus, func(), error) {
	eventBus := bus.New()
	catalogSource, err := cmdutil.NewCatalogSource(cfg.Catalog)
	if err != nil {
		return reconcile.API{}, nil, nil, err
	}
	indexSource, err := cmdutil.NewIndexSource(cfg.Index, product)
	if err != nil {
		return reconcile.API{}, nil, nil, err
	}
	reports, err := cmdutil.NewReportStore(cfg.Report)
	if err != nil {
		return reconcile.API{}, nil, nil, err
	}
	repo, err := reconcile.OpenRepo(cCtx.Context, cfg.Run, sqlrepo.WithEventBus(eventBus))
	if err != nil {
		return reconcile.API{}, nil, nil, err
	}

	api := reconcile.NewAPI(repo, catalogSource, indexSource, cmdutil.NewSink(cfg.Queue), reports,
		reconcile.WithEventBus(eventBus),
		reconcile.WithLeaseTTL(cfg.Run.LeaseTTL),
		reconcile.WithDispatchOptions(cmdutil.DispatchOptions(cfg.Queue)...),
	)
	closer := func() {
		if err := repo.Close(); err != nil {
			log.Warnw("closing run repo", "error", err)
		}
	}
	return api, eventBus, closer, nil
}

func resolveProduct(cCtx *cli.Context, cfg config.Config) string {
	if p := cCtx.String("product"); p != "" {
		return p
	}
	return cfg.Catalog.Product
}

func parseWindowFlag(cCtx *cli.Context) (scene.Window, error) {
	raw := cCtx.String("window")
	if raw == "" {
		return scene.Window{}, fmt.Errorf("--window is required")
	}
	window, err := scene.ParseWindow(raw)
	if err != nil {
		return scene.Window{}, err
	}
	if bbox := cCtx.String("bbox"); bbox != "" {
		box, err := parseBBox(bbox)
		if err != nil {
			return scene.Window{}, err
		}
		window.BBox = box
	}
	return window, nil
}

func parseBBox(s string) (*[4]float64, error) {
	parts := strings.Split(s, ",")
	if len(parts) != 4 {
		return nil, fmt.Errorf("bbox must be minLon,minLat,maxLon,maxLat, got %q", s)
	}
	var box [4]float64
	for i, part := range parts {
		v, err := strconv.ParseFloat(strings.TrimSpace(part), 64)
		if err != nil {
			return nil, fmt.Errorf("parsing bbox component %q: %w", part, err)
		}
		box[i] = v
	}
	return &box, nil
}

// startSpinner shows progress on interactive terminals; a no-op under cron.
// When an event bus is given, the spinner suffix tracks fetched pages and
// dispatched batches as they happen.
func startSpinner(eventBus bus.Bus, suffix string) func() {
	if !isatty.IsTerminal(os.Stdout.Fd()) {
		return func() {}
	}
	s := spinner.New(spinner.CharSets[14], 100*time.Millisecond)
	s.Suffix = suffix
	if eventBus == nil {
		s.Start()
		return s.Stop
	}

	var mu sync.Mutex
	var fetched, dispatched, failed int
	onPage := func(e events.PageFetched) {
		mu.Lock()
		fetched += e.Count
		s.Suffix = fmt.Sprintf("%s [%s scene(s) fetched]", suffix, humanize.Comma(int64(fetched)))
		mu.Unlock()
	}
	onBatch := func(e events.BatchDispatched) {
		mu.Lock()
		dispatched += e.Sent
		failed += e.Failed
		s.Suffix = fmt.Sprintf("%s [%s dispatched, %s failed]", suffix,
			humanize.Comma(int64(dispatched)), humanize.Comma(int64(failed)))
		mu.Unlock()
	}
	if err := eventBus.Subscribe(events.TopicPage, onPage); err != nil {
		log.Debugw("subscribing page events", "error", err)
	}
	if err := eventBus.Subscribe(events.TopicBatch, onBatch); err != nil {
		log.Debugw("subscribing batch events", "error", err)
	}

	s.Start()
	return func() {
		s.Stop()
		_ = eventBus.Unsubscribe(events.TopicPage, onPage)
		_ = eventBus.Unsubscribe(events.TopicBatch, onBatch)
	}
}

// exit codes: 0 success (including dry runs), 1 partial failure (some scenes
// failed to enqueue), 2 fatal abort.
func summarize(r *model.Run, summary dispatch.Summary, err error) error {
	if err != nil {
		return cli.Exit(fmt.Sprintf("scenesync: %s", err), 2)
	}
	if r.ReportOnly() {
		output.Success("report %s: %s backfill candidate(s); dispatch with gap-filler",
			r.ReportID(), humanize.Comma(int64(summary.Planned)))
		return nil
	}
	if r.DryRun() {
		output.Success("dry run: %s scene(s) would be dispatched (report %s)",
			humanize.Comma(int64(summary.Planned)), r.ReportID())
		return nil
	}
	output.Success("report %s: %s dispatched, %s failed, %s already dispatched",
		r.ReportID(),
		humanize.Comma(int64(summary.Dispatched)),
		humanize.Comma(int64(summary.Failed)),
		humanize.Comma(int64(summary.AlreadyDispatched)))
	if summary.Failed > 0 {
		return cli.Exit(fmt.Sprintf("scenesync: %d scene(s) failed to enqueue", summary.Failed), 1)
	}
	return nil
}

func gapReport(cCtx *cli.Context) error {
	cfg, err := loadConfig(cCtx)
	if err != nil {
		return cli.Exit(err.Error(), 2)
	}
	window, err := parseWindowFlag(cCtx)
	if err != nil {
		return cli.Exit(err.Error(), 2)
	}
	product := resolveProduct(cCtx, cfg)

	api, eventBus, closer, err := setupAPI(cCtx, cfg, product)
	if err != nil {
		return cli.Exit(err.Error(), 2)
	}
	defer closer()

	// gap-report never enqueues; its dispatch stage records the backfill
	// plan for the gap filler
	mode := model.ModeReport
	if cCtx.Bool("dry-run") {
		mode = model.ModeDryRun
	}
	opts := []model.Option{model.WithMode(mode)}
	if cCtx.Bool("update") {
		opts = append(opts, model.WithForcedUpdate())
	}

	stop := startSpinner(eventBus, fmt.Sprintf(" reconciling %s over %s", product, window))
	r, summary, err := api.GapReport(cCtx.Context, product, window, opts...)
	stop()
	return summarize(r, summary, err)
}

func gapFiller(cCtx *cli.Context) error {
	cfg, err := loadConfig(cCtx)
	if err != nil {
		return cli.Exit(err.Error(), 2)
	}
	if cCtx.IsSet("max-retries") {
		cfg.Queue.MaxTries = cCtx.Uint("max-retries")
	}
	product := resolveProduct(cCtx, cfg)

	api, eventBus, closer, err := setupAPI(cCtx, cfg, product)
	if err != nil {
		return cli.Exit(err.Error(), 2)
	}
	defer closer()

	var opts []run.FillOption
	if limit := cCtx.Int("limit"); limit > 0 {
		opts = append(opts, run.WithLimit(limit))
	}
	if cCtx.Bool("dry-run") {
		opts = append(opts, run.WithDryRun())
	}

	stop := startSpinner(eventBus, " filling gaps")
	r, summary, err := api.Fill(cCtx.Context, product, cCtx.String("report"), opts...)
	stop()
	return summarize(r, summary, err)
}

func runCmd(cCtx *cli.Context) error {
	cfg, err := loadConfig(cCtx)
	if err != nil {
		return cli.Exit(err.Error(), 2)
	}
	product := resolveProduct(cCtx, cfg)

	api, eventBus, closer, err := setupAPI(cCtx, cfg, product)
	if err != nil {
		return cli.Exit(err.Error(), 2)
	}
	defer closer()

	if rid := cCtx.String("run-id"); rid != "" {
		runID, err := id.Parse(rid)
		if err != nil {
			return cli.Exit(fmt.Sprintf("invalid run ID %q: %s", rid, err), 2)
		}
		stop := startSpinner(eventBus, fmt.Sprintf(" resuming run %s", runID))
		r, summary, err := api.ResumeRun(cCtx.Context, runID)
		stop()
		return summarize(r, summary, err)
	}

	window, err := parseWindowFlag(cCtx)
	if err != nil {
		return cli.Exit(err.Error(), 2)
	}
	var opts []model.Option
	if cCtx.Bool("dry-run") {
		opts = append(opts, model.WithMode(model.ModeDryRun))
	}
	stop := startSpinner(eventBus, fmt.Sprintf(" reconciling %s over %s", product, window))
	r, summary, err := api.GapReport(cCtx.Context, product, window, opts...)
	stop()
	if r != nil && err != nil {
		log.Errorw("run failed; resume with --run-id", "runID", r.ID(), "error", err)
	}
	return summarize(r, summary, err)
}

func latestReport(cCtx *cli.Context) error {
	cfg, err := loadConfig(cCtx)
	if err != nil {
		return cli.Exit(err.Error(), 2)
	}
	kind := report.Kind(cCtx.String("kind"))
	if kind != report.KindGap && kind != report.KindArchival {
		return cli.Exit(fmt.Sprintf("unknown report kind %q", kind), 2)
	}

	reports, err := cmdutil.NewReportStore(cfg.Report)
	if err != nil {
		return cli.Exit(err.Error(), 2)
	}
	reportID, err := reports.Latest(cCtx.Context, kind, resolveProduct(cCtx, cfg))
	if err != nil {
		return cli.Exit(err.Error(), 2)
	}
	if reportID == "" {
		return cli.Exit(fmt.Sprintf("no %s report found", kind), 1)
	}
	fmt.Println(reports.Path(reportID))
	return nil
}

func findDuplicates(cCtx *cli.Context) error {
	cfg, err := loadConfig(cCtx)
	if err != nil {
		return cli.Exit(err.Error(), 2)
	}
	window, err := parseWindowFlag(cCtx)
	if err != nil {
		return cli.Exit(err.Error(), 2)
	}

	catalogSource, err := cmdutil.NewCatalogSource(cfg.Catalog)
	if err != nil {
		return cli.Exit(err.Error(), 2)
	}

	stop := startSpinner(nil, fmt.Sprintf(" scanning %s over %s", resolveProduct(cCtx, cfg), window))
	duplicates, err := reconcile.FindDuplicates(cCtx.Context, catalogSource, window)
	stop()
	if err != nil {
		return cli.Exit(err.Error(), 2)
	}
	if len(duplicates) == 0 {
		output.Success("no duplicate scenes in %s", window)
		return nil
	}

	rows := [][]string{{"CANONICAL KEY", "RAW IDS"}}
	for _, d := range duplicates {
		rows = append(rows, []string{d.CanonicalKey, strings.Join(d.RawIDs, " ")})
	}
	output.Table(rows)
	return cli.Exit(fmt.Sprintf("scenesync: %d duplicate key(s) found", len(duplicates)), 1)
}

func serve(cCtx *cli.Context) error {
	cfg, err := loadConfig(cCtx)
	if err != nil {
		return cli.Exit(err.Error(), 2)
	}
	api, _, closer, err := setupAPI(cCtx, cfg, cfg.Catalog.Product)
	if err != nil {
		return cli.Exit(err.Error(), 2)
	}
	defer closer()

	server := statusapi.New(api)
	go func() {
		<-cCtx.Context.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Warnw("status API shutdown", "error", err)
		}
	}()

	if err := server.Start(cCtx.String("addr")); err != nil && cCtx.Context.Err() == nil {
		return cli.Exit(err.Error(), 2)
	}
	return nil
}
