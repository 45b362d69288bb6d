package sqlrepo_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/scenesync/scenesync/internal/testdb"
	"github.com/scenesync/scenesync/pkg/reconcile/run/model"
	"github.com/scenesync/scenesync/pkg/reconcile/scene"
	"github.com/scenesync/scenesync/pkg/reconcile/types/id"
)

func newTestRun(t *testing.T, product string, opts ...model.Option) *model.Run {
	t.Helper()
	window, err := scene.ParseWindow("2024-01-01,2024-02-01")
	require.NoError(t, err)
	run, err := model.NewRun(product, window, opts...)
	require.NoError(t, err)
	return run
}

func TestRunRoundTrip(t *testing.T) {
	repo := testdb.CreateTestRepo(t)

	t.Run("create and read back", func(t *testing.T) {
		run := newTestRun(t, "s2_l2a", model.WithMode(model.ModeDryRun), model.WithForcedUpdate())
		require.NoError(t, repo.CreateRun(t.Context(), run))

		got, err := repo.GetRunByID(t.Context(), run.ID())
		require.NoError(t, err)
		require.NotNil(t, got)
		require.Equal(t, run.ID(), got.ID())
		require.Equal(t, "s2_l2a", got.Product())
		require.Equal(t, model.StageInit, got.Stage())
		require.True(t, got.DryRun())
		require.True(t, got.ForcedUpdate())
		require.Equal(t, run.Window().Start, got.Window().Start)
		require.Equal(t, run.Window().End, got.Window().End)
	})

	t.Run("missing run reads as nil", func(t *testing.T) {
		got, err := repo.GetRunByID(t.Context(), id.New())
		require.NoError(t, err)
		require.Nil(t, got)
	})

	t.Run("update persists stage and report", func(t *testing.T) {
		run := newTestRun(t, "ls8_sr")
		require.NoError(t, repo.CreateRun(t.Context(), run))

		require.NoError(t, run.Advance()) // fetch_catalog
		require.NoError(t, run.SetReportID("ls8_sr_2024-01-01_gap_report.csv"))
		require.NoError(t, repo.UpdateRun(t.Context(), run))

		got, err := repo.GetRunByID(t.Context(), run.ID())
		require.NoError(t, err)
		require.Equal(t, model.StageFetchCatalog, got.Stage())
		require.Equal(t, "ls8_sr_2024-01-01_gap_report.csv", got.ReportID())
	})

	t.Run("failed run carries its error", func(t *testing.T) {
		run := newTestRun(t, "s1_rtc")
		require.NoError(t, repo.CreateRun(t.Context(), run))
		require.NoError(t, run.Fail("catalog unreachable"))
		require.NoError(t, repo.UpdateRun(t.Context(), run))

		got, err := repo.GetRunByID(t.Context(), run.ID())
		require.NoError(t, err)
		require.Equal(t, model.StageFailed, got.Stage())
		require.ErrorContains(t, got.Error(), "catalog unreachable")
	})
}

func TestLatestRunForProduct(t *testing.T) {
	repo := testdb.CreateTestRepo(t)

	got, err := repo.LatestRunForProduct(t.Context(), "s2_l2a")
	require.NoError(t, err)
	require.Nil(t, got)

	first := newTestRun(t, "s2_l2a")
	second := newTestRun(t, "s2_l2a")
	other := newTestRun(t, "ls8_sr")
	for _, run := range []*model.Run{first, second, other} {
		require.NoError(t, repo.CreateRun(t.Context(), run))
	}

	got, err = repo.LatestRunForProduct(t.Context(), "s2_l2a")
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Equal(t, "s2_l2a", got.Product())
}

func TestFetchCheckpoints(t *testing.T) {
	repo := testdb.CreateTestRepo(t)
	run := newTestRun(t, "s2_l2a")
	require.NoError(t, repo.CreateRun(t.Context(), run))

	cursor, completed, err := repo.GetFetchCheckpoint(t.Context(), run.ID(), scene.OriginCatalog)
	require.NoError(t, err)
	require.Empty(t, cursor)
	require.False(t, completed)

	require.NoError(t, repo.SetFetchCheckpoint(t.Context(), run.ID(), scene.OriginCatalog, "page2", false))
	cursor, completed, err = repo.GetFetchCheckpoint(t.Context(), run.ID(), scene.OriginCatalog)
	require.NoError(t, err)
	require.Equal(t, "page2", cursor)
	require.False(t, completed)

	// origins checkpoint independently
	require.NoError(t, repo.SetFetchCheckpoint(t.Context(), run.ID(), scene.OriginIndex, "", true))
	cursor, completed, err = repo.GetFetchCheckpoint(t.Context(), run.ID(), scene.OriginCatalog)
	require.NoError(t, err)
	require.Equal(t, "page2", cursor)
	require.False(t, completed)

	require.NoError(t, repo.SetFetchCheckpoint(t.Context(), run.ID(), scene.OriginCatalog, "", true))
	_, completed, err = repo.GetFetchCheckpoint(t.Context(), run.ID(), scene.OriginCatalog)
	require.NoError(t, err)
	require.True(t, completed)
}
