package reconcile_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/scenesync/scenesync/internal/testutil"
	"github.com/scenesync/scenesync/pkg/config"
	"github.com/scenesync/scenesync/pkg/reconcile"
	"github.com/scenesync/scenesync/pkg/reconcile/run/model"
	"github.com/scenesync/scenesync/pkg/reconcile/scene"
)

var window = scene.Window{
	Start: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
	End:   time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC),
}

func TestFindDuplicates(t *testing.T) {
	acquired := time.Date(2024, 1, 17, 8, 30, 0, 0, time.UTC)
	source := &testutil.FakeSource{
		ProductName: "s2_l2a",
		PageSize:    2, // force pagination
		Scenes: []*scene.Descriptor{
			testutil.CatalogScene("s2_l2a/T36JTT/2024-01-17", "S2A_36JTT_20240117_0_L2A", "s2_l2a", acquired),
			testutil.CatalogScene("s2_l2a/T36JTT/2024-01-17", "S2A_36JTT_20240117_1_L2A", "s2_l2a", acquired),
			testutil.CatalogScene("s2_l2a/T36JTU/2024-01-17", "S2A_36JTU_20240117_0_L2A", "s2_l2a", acquired),
		},
	}

	duplicates, err := reconcile.FindDuplicates(t.Context(), source, window)
	require.NoError(t, err)
	require.Len(t, duplicates, 1)
	require.Equal(t, "s2_l2a/T36JTT/2024-01-17", duplicates[0].CanonicalKey)
	require.Equal(t, []string{"S2A_36JTT_20240117_0_L2A", "S2A_36JTT_20240117_1_L2A"}, duplicates[0].RawIDs)

	_, err = reconcile.FindDuplicates(t.Context(), source, scene.Window{})
	require.Error(t, err, "unbounded windows are refused")
}

func TestOpenRepo(t *testing.T) {
	cfg := config.RunConfig{DataDir: t.TempDir(), LeaseTTL: time.Minute}

	repo, err := reconcile.OpenRepo(t.Context(), cfg)
	require.NoError(t, err)

	run, err := model.NewRun("s2_l2a", window)
	require.NoError(t, err)
	require.NoError(t, repo.CreateRun(t.Context(), run))
	require.NoError(t, repo.Close())

	// reopening the same data dir must be idempotent and keep the data
	repo, err = reconcile.OpenRepo(t.Context(), cfg)
	require.NoError(t, err)
	defer repo.Close()

	found, err := repo.GetRunByID(t.Context(), run.ID())
	require.NoError(t, err)
	require.NotNil(t, found)
	require.Equal(t, run.Product(), found.Product())
}
