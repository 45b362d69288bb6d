package run_test

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/scenesync/scenesync/internal/testdb"
	"github.com/scenesync/scenesync/internal/testutil"
	"github.com/scenesync/scenesync/pkg/bus"
	"github.com/scenesync/scenesync/pkg/bus/events"
	"github.com/scenesync/scenesync/pkg/reconcile/catalog"
	"github.com/scenesync/scenesync/pkg/reconcile/dispatch"
	"github.com/scenesync/scenesync/pkg/reconcile/engine"
	"github.com/scenesync/scenesync/pkg/reconcile/report"
	"github.com/scenesync/scenesync/pkg/reconcile/run"
	"github.com/scenesync/scenesync/pkg/reconcile/run/model"
	"github.com/scenesync/scenesync/pkg/reconcile/scene"
	"github.com/scenesync/scenesync/pkg/reconcile/sqlrepo"
	"github.com/scenesync/scenesync/pkg/reconcile/types"
	"github.com/scenesync/scenesync/pkg/reconcile/types/id"
)

const product = "s2_l2a"

var window = scene.Window{
	Start: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
	End:   time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC),
}

func day(d int) time.Time {
	return time.Date(2024, 1, d, 10, 0, 0, 0, time.UTC)
}

func key(tile string, d int) string {
	return product + "/T" + tile + "/" + day(d).Format("2006-01-02")
}

type fixture struct {
	controller *run.Controller
	repo       *sqlrepo.Repo
	reports    *report.FSStore
	catalog    *testutil.FakeSource
	index      *testutil.FakeSource
	sink       *testutil.FakeSink
}

func newFixture(t *testing.T, cat *testutil.FakeSource, idx *testutil.FakeSource, sink *testutil.FakeSink) *fixture {
	t.Helper()
	repo := testdb.CreateTestRepo(t)
	reports, err := report.NewFSStore(t.TempDir())
	require.NoError(t, err)
	dispatcher := dispatch.New(sink, repo, dispatch.WithBatchSize(10), dispatch.WithBatchDelay(0))
	controller := run.NewController(repo, cat, idx, engine.New(repo), reports, dispatcher)
	return &fixture{
		controller: controller,
		repo:       repo,
		reports:    reports,
		catalog:    cat,
		index:      idx,
		sink:       sink,
	}
}

// threeGapFixture has catalog scenes on tiles AAA, BBB and CCC; only BBB is
// indexed, so AAA and CCC are gaps.
func threeGapFixture(t *testing.T, sink *testutil.FakeSink) *fixture {
	t.Helper()
	cat := &testutil.FakeSource{
		ProductName: product,
		Scenes: []*scene.Descriptor{
			testutil.CatalogScene(key("AAA", 5), "raw-aaa", product, day(5)),
			testutil.CatalogScene(key("BBB", 10), "raw-bbb", product, day(10)),
			testutil.CatalogScene(key("CCC", 15), "raw-ccc", product, day(15)),
		},
	}
	idx := &testutil.FakeSource{
		ProductName: product,
		Scenes: []*scene.Descriptor{
			testutil.IndexScene(key("BBB", 10), "ds-bbb", product, day(10), scene.StatusActive),
		},
	}
	return newFixture(t, cat, idx, sink)
}

func effectiveByKey(t *testing.T, f *fixture, reportID string) map[string]report.Classification {
	t.Helper()
	records, err := f.reports.ReadEffective(t.Context(), reportID)
	require.NoError(t, err)
	out := map[string]report.Classification{}
	for _, r := range records {
		out[r.CanonicalKey] = r.Classification
	}
	return out
}

func TestController(t *testing.T) {
	t.Run("full run dispatches each gap once, oldest first", func(t *testing.T) {
		sink := testutil.NewFakeSink(0, nil)
		f := threeGapFixture(t, sink)

		r, summary, err := f.controller.Start(t.Context(), product, window)
		require.NoError(t, err)
		require.Equal(t, model.StageDone, r.Stage())
		require.Equal(t, 2, summary.Dispatched)
		require.Zero(t, summary.Failed)

		require.Equal(t, []string{key("AAA", 5), key("CCC", 15)}, sink.SentKeys())

		effective := effectiveByKey(t, f, r.ReportID())
		require.Equal(t, report.ClassificationDispatched, effective[key("AAA", 5)])
		require.Equal(t, report.ClassificationDispatched, effective[key("CCC", 15)])
		require.NotContains(t, effective, key("BBB", 10))
	})

	t.Run("skipped identifiers are reported, not dispatched", func(t *testing.T) {
		sink := testutil.NewFakeSink(0, nil)
		cat := &testutil.FakeSource{
			ProductName: product,
			Scenes:      []*scene.Descriptor{testutil.CatalogScene(key("AAA", 5), "raw-aaa", product, day(5))},
			Skip:        []catalog.SkippedScene{{RawID: "mangled-id", Reason: "no acquisition date"}},
		}
		idx := &testutil.FakeSource{ProductName: product}
		f := newFixture(t, cat, idx, sink)

		r, _, err := f.controller.Start(t.Context(), product, window)
		require.NoError(t, err)

		effective := effectiveByKey(t, f, r.ReportID())
		require.Equal(t, report.ClassificationSkipped, effective["unparsed/mangled-id"])
		require.Equal(t, []string{key("AAA", 5)}, sink.SentKeys())
	})

	t.Run("resume after catalog fetch does not re-list the catalog", func(t *testing.T) {
		sink := testutil.NewFakeSink(0, nil)
		f := threeGapFixture(t, sink)

		// Stand in for a run killed after its catalog fetch completed: the
		// catalog pages are staged and checkpointed complete, the run is still
		// in a fetch stage.
		r, err := model.NewRun(product, window)
		require.NoError(t, err)
		require.NoError(t, f.repo.CreateRun(t.Context(), r))
		require.NoError(t, r.Advance())
		require.NoError(t, f.repo.UpdateRun(t.Context(), r))
		require.NoError(t, f.repo.StageScenes(t.Context(), r.ID(), f.catalog.Scenes))
		require.NoError(t, f.repo.SetFetchCheckpoint(t.Context(), r.ID(), scene.OriginCatalog, "", true))

		resumed, summary, err := f.controller.Resume(t.Context(), r.ID())
		require.NoError(t, err)
		require.Equal(t, model.StageDone, resumed.Stage())
		require.Equal(t, 2, summary.Dispatched)

		require.Zero(t, f.catalog.Calls(), "completed origin must not be re-fetched")
		require.Equal(t, 1, f.index.Calls())
		require.Equal(t, []string{key("AAA", 5), key("CCC", 15)}, sink.SentKeys())
	})

	t.Run("resume continues a partial fetch from its cursor", func(t *testing.T) {
		sink := testutil.NewFakeSink(0, nil)
		f := threeGapFixture(t, sink)
		f.index.PageSize = 2
		f.index.Scenes = []*scene.Descriptor{
			testutil.IndexScene(key("BBB", 10), "ds-bbb", product, day(10), scene.StatusActive),
			testutil.IndexScene(key("DDD", 12), "ds-ddd", product, day(12), scene.StatusActive),
			testutil.IndexScene(key("EEE", 14), "ds-eee", product, day(14), scene.StatusActive),
		}

		r, err := model.NewRun(product, window)
		require.NoError(t, err)
		require.NoError(t, f.repo.CreateRun(t.Context(), r))
		require.NoError(t, r.Advance())
		require.NoError(t, f.repo.UpdateRun(t.Context(), r))
		// catalog complete, index stopped after its first page
		require.NoError(t, f.repo.StageScenes(t.Context(), r.ID(), f.catalog.Scenes))
		require.NoError(t, f.repo.SetFetchCheckpoint(t.Context(), r.ID(), scene.OriginCatalog, "", true))
		require.NoError(t, f.repo.StageScenes(t.Context(), r.ID(), f.index.Scenes[:2]))
		require.NoError(t, f.repo.SetFetchCheckpoint(t.Context(), r.ID(), scene.OriginIndex, "2", false))

		_, _, err = f.controller.Resume(t.Context(), r.ID())
		require.NoError(t, err)

		require.Equal(t, 1, f.index.Calls(), "only the unfinished page is fetched again")
		count, err := f.repo.CountStagedScenes(t.Context(), r.ID(), scene.OriginIndex)
		require.NoError(t, err)
		require.Equal(t, int64(3), count)
	})

	t.Run("dry run plans without touching the queue, fill dispatches the plan", func(t *testing.T) {
		sink := testutil.NewFakeSink(0, nil)
		f := threeGapFixture(t, sink)

		r, summary, err := f.controller.Start(t.Context(), product, window, model.WithMode(model.ModeDryRun))
		require.NoError(t, err)
		require.Equal(t, model.StageDone, r.Stage())
		require.Equal(t, 2, summary.Planned)
		require.Zero(t, summary.Dispatched)
		require.Empty(t, sink.Batches(), "dry run must never reach the sink")

		effective := effectiveByKey(t, f, r.ReportID())
		require.Equal(t, report.ClassificationWouldDispatch, effective[key("AAA", 5)])
		require.Equal(t, report.ClassificationWouldDispatch, effective[key("CCC", 15)])

		fill, fillSummary, err := f.controller.FillFromReport(t.Context(), product, r.ReportID())
		require.NoError(t, err)
		require.Equal(t, model.StageDone, fill.Stage())
		require.Equal(t, 2, fillSummary.Dispatched)
		require.Equal(t, []string{key("AAA", 5), key("CCC", 15)}, sink.SentKeys())

		effective = effectiveByKey(t, f, r.ReportID())
		require.Equal(t, report.ClassificationDispatched, effective[key("AAA", 5)])
		require.Equal(t, report.ClassificationDispatched, effective[key("CCC", 15)])
	})

	t.Run("re-filling a fully dispatched report enqueues nothing", func(t *testing.T) {
		sink := testutil.NewFakeSink(0, nil)
		f := threeGapFixture(t, sink)

		r, _, err := f.controller.Start(t.Context(), product, window)
		require.NoError(t, err)
		sent := len(sink.SentKeys())

		_, summary, err := f.controller.FillFromReport(t.Context(), product, r.ReportID())
		require.NoError(t, err)
		require.Zero(t, summary.Dispatched)
		require.Zero(t, summary.Failed)
		require.Len(t, sink.SentKeys(), sent, "no further messages after the report is fully dispatched")
	})

	t.Run("fill limit bounds a pass and the next pass takes the rest", func(t *testing.T) {
		sink := testutil.NewFakeSink(0, nil)
		f := threeGapFixture(t, sink)

		r, summary, err := f.controller.Start(t.Context(), product, window, model.WithMode(model.ModeDryRun))
		require.NoError(t, err)
		require.Equal(t, 2, summary.Planned)

		_, fillSummary, err := f.controller.FillFromReport(t.Context(), product, r.ReportID(), run.WithLimit(1))
		require.NoError(t, err)
		require.Equal(t, 1, fillSummary.Dispatched)
		require.Equal(t, []string{key("AAA", 5)}, sink.SentKeys(), "oldest acquisition goes first")

		_, fillSummary, err = f.controller.FillFromReport(t.Context(), product, r.ReportID())
		require.NoError(t, err)
		require.Equal(t, 1, fillSummary.Dispatched)
		require.Equal(t, []string{key("AAA", 5), key("CCC", 15)}, sink.SentKeys())
	})

	t.Run("failed enqueues are retried by a later fill", func(t *testing.T) {
		// every attempt of the first pass fails, then the sink recovers
		sink := testutil.NewFakeSink(dispatch.DefaultMaxTries, dispatch.NewTransientError(errors.New("queue throttled")))
		f := threeGapFixture(t, sink)

		r, summary, err := f.controller.Start(t.Context(), product, window)
		require.NoError(t, err)
		require.Equal(t, model.StageDone, r.Stage(), "enqueue failures do not fail the run")
		require.Equal(t, 2, summary.Failed)
		require.Zero(t, summary.Dispatched)

		effective := effectiveByKey(t, f, r.ReportID())
		require.Equal(t, report.ClassificationFailed, effective[key("AAA", 5)])

		_, fillSummary, err := f.controller.FillFromReport(t.Context(), product, r.ReportID())
		require.NoError(t, err)
		require.Equal(t, 2, fillSummary.Dispatched)

		effective = effectiveByKey(t, f, r.ReportID())
		require.Equal(t, report.ClassificationDispatched, effective[key("AAA", 5)])
		require.Equal(t, report.ClassificationDispatched, effective[key("CCC", 15)])
	})

	t.Run("scenes indexed since the fetch are skipped at dispatch", func(t *testing.T) {
		sink := testutil.NewFakeSink(0, nil)
		f := threeGapFixture(t, sink)
		// AAA shows up in the index between fetch and dispatch
		f.index.Statuses = map[string]scene.Status{key("AAA", 5): scene.StatusActive}

		r, summary, err := f.controller.Start(t.Context(), product, window)
		require.NoError(t, err)
		require.Equal(t, 1, summary.Dispatched)
		require.Equal(t, []string{key("CCC", 15)}, sink.SentKeys())

		effective := effectiveByKey(t, f, r.ReportID())
		require.Equal(t, report.ClassificationSkipped, effective[key("AAA", 5)])
	})

	t.Run("concurrent run on the same window is refused", func(t *testing.T) {
		sink := testutil.NewFakeSink(0, nil)
		f := threeGapFixture(t, sink)

		other := id.New()
		require.NoError(t, f.repo.AcquireLease(t.Context(), other, product, window, time.Hour))

		_, _, err := f.controller.Start(t.Context(), product, window)
		var concurrent types.ConcurrentRunError
		require.ErrorAs(t, err, &concurrent)
		require.Empty(t, sink.Batches())
	})

	t.Run("report-only run plans the gaps and leaves the queue alone", func(t *testing.T) {
		sink := testutil.NewFakeSink(0, nil)
		f := threeGapFixture(t, sink)

		r, summary, err := f.controller.Start(t.Context(), product, window, model.WithMode(model.ModeReport))
		require.NoError(t, err)
		require.Equal(t, model.StageDone, r.Stage())
		require.Equal(t, 2, summary.Planned)
		require.Zero(t, summary.Dispatched)
		require.Empty(t, sink.Batches(), "a report run must never reach the sink")

		effective := effectiveByKey(t, f, r.ReportID())
		require.Equal(t, report.ClassificationWouldDispatch, effective[key("AAA", 5)])
		require.Equal(t, report.ClassificationWouldDispatch, effective[key("CCC", 15)])

		_, fillSummary, err := f.controller.FillFromReport(t.Context(), product, r.ReportID())
		require.NoError(t, err)
		require.Equal(t, 2, fillSummary.Dispatched)
		require.Equal(t, []string{key("AAA", 5), key("CCC", 15)}, sink.SentKeys())
	})

	t.Run("fill resolves the latest report for its own product", func(t *testing.T) {
		sink := testutil.NewFakeSink(0, nil)
		f := threeGapFixture(t, sink)

		_, summary, err := f.controller.Start(t.Context(), product, window, model.WithMode(model.ModeReport))
		require.NoError(t, err)
		require.Equal(t, 2, summary.Planned)

		// another product's report with a later run date shares the directory
		foreign := "z_product_2099-01-01_gap_report.csv"
		require.NoError(t, f.reports.Create(t.Context(), foreign))
		require.NoError(t, f.reports.Complete(t.Context(), foreign))

		_, fillSummary, err := f.controller.FillFromReport(t.Context(), product, "")
		require.NoError(t, err)
		require.Equal(t, 2, fillSummary.Dispatched)
		require.Equal(t, []string{key("AAA", 5), key("CCC", 15)}, sink.SentKeys())
	})

	t.Run("fill refuses a report for a different product", func(t *testing.T) {
		sink := testutil.NewFakeSink(0, nil)
		f := threeGapFixture(t, sink)

		r, _, err := f.controller.Start(t.Context(), product, window, model.WithMode(model.ModeReport))
		require.NoError(t, err)

		_, _, err = f.controller.FillFromReport(t.Context(), "ls8_sr", r.ReportID())
		require.ErrorContains(t, err, "is for product")
		require.Empty(t, sink.Batches())
	})

	t.Run("progress events are published while a run executes", func(t *testing.T) {
		eventBus := bus.New()
		sink := testutil.NewFakeSink(0, nil)
		repo := testdb.CreateTestRepo(t)
		reports, err := report.NewFSStore(t.TempDir())
		require.NoError(t, err)
		cat := &testutil.FakeSource{
			ProductName: product,
			Scenes: []*scene.Descriptor{
				testutil.CatalogScene(key("AAA", 5), "raw-aaa", product, day(5)),
				testutil.CatalogScene(key("CCC", 15), "raw-ccc", product, day(15)),
			},
		}
		idx := &testutil.FakeSource{ProductName: product}
		dispatcher := dispatch.New(sink, repo,
			dispatch.WithBatchSize(10), dispatch.WithBatchDelay(0), dispatch.WithEventBus(eventBus))
		controller := run.NewController(repo, cat, idx, engine.New(repo), reports, dispatcher,
			run.WithEventBus(eventBus))

		// the two fetch goroutines publish concurrently
		var mu sync.Mutex
		var fetched, dispatched int
		require.NoError(t, eventBus.Subscribe(events.TopicPage, func(e events.PageFetched) {
			mu.Lock()
			fetched += e.Count
			mu.Unlock()
		}))
		require.NoError(t, eventBus.Subscribe(events.TopicBatch, func(e events.BatchDispatched) {
			mu.Lock()
			dispatched += e.Sent
			mu.Unlock()
		}))

		_, summary, err := controller.Start(t.Context(), product, window)
		require.NoError(t, err)
		require.Equal(t, 2, summary.Dispatched)

		mu.Lock()
		defer mu.Unlock()
		require.Equal(t, 2, fetched, "page events carry the staged scene counts")
		require.Equal(t, 2, dispatched, "batch events carry the enqueued scene counts")
	})

	t.Run("a failed run is not resumable", func(t *testing.T) {
		sink := testutil.NewFakeSink(0, nil)
		f := threeGapFixture(t, sink)

		r, err := model.NewRun(product, window)
		require.NoError(t, err)
		require.NoError(t, f.repo.CreateRun(t.Context(), r))
		require.NoError(t, r.Fail("catalog endpoint returned 401"))
		require.NoError(t, f.repo.UpdateRun(t.Context(), r))

		_, _, err = f.controller.Resume(t.Context(), r.ID())
		require.ErrorContains(t, err, "previously failed")
		require.Empty(t, sink.Batches())
	})

	t.Run("resuming a finished run is a no-op", func(t *testing.T) {
		sink := testutil.NewFakeSink(0, nil)
		f := threeGapFixture(t, sink)

		r, _, err := f.controller.Start(t.Context(), product, window)
		require.NoError(t, err)
		sent := len(sink.SentKeys())

		resumed, summary, err := f.controller.Resume(t.Context(), r.ID())
		require.NoError(t, err)
		require.Equal(t, model.StageDone, resumed.Stage())
		require.Zero(t, summary.Dispatched)
		require.Len(t, sink.SentKeys(), sent)
	})
}
