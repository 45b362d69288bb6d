package report_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/scenesync/scenesync/pkg/reconcile/report"
	"github.com/scenesync/scenesync/pkg/reconcile/types"
)

func testStore(t *testing.T) *report.FSStore {
	t.Helper()
	store, err := report.NewFSStore(t.TempDir())
	require.NoError(t, err)
	return store
}

func missingRecord(key string) report.Record {
	return report.Record{
		CanonicalKey:   key,
		RawID:          "raw-" + key,
		Product:        "s2_l2a",
		SourceURI:      "s3://scenes/" + key,
		Classification: report.ClassificationMissing,
	}
}

func TestReportID(t *testing.T) {
	runDate := time.Date(2024, 1, 17, 14, 30, 0, 0, time.UTC)
	require.Equal(t, "s2_l2a_2024-01-17_gap_report.csv", report.ReportID("s2_l2a", runDate, false))
	require.Equal(t, "s2_l2a_2024-01-17_gap_report_update.csv", report.ReportID("s2_l2a", runDate, true))
	require.True(t, report.IsForcedUpdate("s2_l2a_2024-01-17_gap_report_update.csv"))
	require.False(t, report.IsForcedUpdate("s2_l2a_2024-01-17_gap_report.csv"))
	// "update" in the product name is not the forced-update marker
	require.False(t, report.IsForcedUpdate("s2_updated_2024-01-17_gap_report.csv"))

	day, ok := report.Date("s2_l2a_2024-01-17_gap_report.csv")
	require.True(t, ok)
	require.Equal(t, time.Date(2024, 1, 17, 0, 0, 0, 0, time.UTC), day)
	_, ok = report.Date("no_date_here.csv")
	require.False(t, ok)
}

func TestFSStore(t *testing.T) {
	t.Run("round trips appended records", func(t *testing.T) {
		store := testStore(t)
		id := report.ReportID("s2_l2a", time.Now(), false)
		require.NoError(t, store.Create(t.Context(), id))
		require.NoError(t, store.Append(t.Context(), id, []report.Record{
			missingRecord("s2_l2a/T36JTT/2024-01-17"),
			missingRecord("s2_l2a/T36JTT/2024-01-19"),
		}))
		require.NoError(t, store.Complete(t.Context(), id))

		var keys []string
		require.NoError(t, store.ForEachRecord(t.Context(), id, func(r report.Record) error {
			keys = append(keys, r.CanonicalKey)
			return nil
		}))
		require.Equal(t, []string{"s2_l2a/T36JTT/2024-01-17", "s2_l2a/T36JTT/2024-01-19"}, keys)
	})

	t.Run("refuses a report without the sentinel", func(t *testing.T) {
		store := testStore(t)
		id := report.ReportID("s2_l2a", time.Now(), false)
		require.NoError(t, store.Create(t.Context(), id))
		require.NoError(t, store.Append(t.Context(), id, []report.Record{missingRecord("s2_l2a/T36JTT/2024-01-17")}))

		err := store.ForEachRecord(t.Context(), id, func(report.Record) error { return nil })
		var incomplete types.IncompleteReportError
		require.ErrorAs(t, err, &incomplete)
		require.Equal(t, id, incomplete.ReportID())
	})

	t.Run("appending past the sentinel requires completing again", func(t *testing.T) {
		store := testStore(t)
		id := report.ReportID("s2_l2a", time.Now(), false)
		require.NoError(t, store.Create(t.Context(), id))
		require.NoError(t, store.Append(t.Context(), id, []report.Record{missingRecord("s2_l2a/T36JTT/2024-01-17")}))
		require.NoError(t, store.Complete(t.Context(), id))

		dispatched := missingRecord("s2_l2a/T36JTT/2024-01-17")
		dispatched.Classification = report.ClassificationDispatched
		require.NoError(t, store.Append(t.Context(), id, []report.Record{dispatched}))

		err := store.ForEachRecord(t.Context(), id, func(report.Record) error { return nil })
		var incomplete types.IncompleteReportError
		require.ErrorAs(t, err, &incomplete)

		require.NoError(t, store.Complete(t.Context(), id))
		require.NoError(t, store.ForEachRecord(t.Context(), id, func(report.Record) error { return nil }))
	})

	t.Run("effective classification is the last appended row", func(t *testing.T) {
		store := testStore(t)
		id := report.ReportID("s2_l2a", time.Now(), false)
		require.NoError(t, store.Create(t.Context(), id))
		require.NoError(t, store.Append(t.Context(), id, []report.Record{
			missingRecord("s2_l2a/T36JTT/2024-01-17"),
			missingRecord("s2_l2a/T36JTT/2024-01-19"),
		}))
		dispatched := missingRecord("s2_l2a/T36JTT/2024-01-17")
		dispatched.Classification = report.ClassificationDispatched
		require.NoError(t, store.Append(t.Context(), id, []report.Record{dispatched}))
		require.NoError(t, store.Complete(t.Context(), id))

		records, err := store.ReadEffective(t.Context(), id)
		require.NoError(t, err)
		require.Len(t, records, 2)
		require.Equal(t, report.ClassificationDispatched, records[0].Classification)
		require.Equal(t, report.ClassificationMissing, records[1].Classification)
	})
}

func TestLatest(t *testing.T) {
	store := testStore(t)

	id, err := store.Latest(t.Context(), report.KindGap, "")
	require.NoError(t, err)
	require.Empty(t, id)

	for _, name := range []string{
		"s2_l2a_2024-01-10_gap_report.csv",
		"s2_l2a_2024-01-17_gap_report_update.csv",
		"s2_l2a_2024-01-15_gap_report.csv",
		"s2_l2a_2024-01-20_archival_status.csv",
	} {
		require.NoError(t, store.Create(t.Context(), name))
	}

	id, err = store.Latest(t.Context(), report.KindGap, "")
	require.NoError(t, err)
	require.Equal(t, "s2_l2a_2024-01-17_gap_report_update.csv", id)

	id, err = store.Latest(t.Context(), report.KindArchival, "")
	require.NoError(t, err)
	require.Equal(t, "s2_l2a_2024-01-20_archival_status.csv", id)

	t.Run("run date wins over filename order across products", func(t *testing.T) {
		// sorts after s2_l2a by name but carries an older run date
		require.NoError(t, store.Create(t.Context(), "z_product_2020-01-01_gap_report.csv"))

		id, err := store.Latest(t.Context(), report.KindGap, "")
		require.NoError(t, err)
		require.Equal(t, "s2_l2a_2024-01-17_gap_report_update.csv", id)
	})

	t.Run("product filter keeps lookups apart", func(t *testing.T) {
		id, err := store.Latest(t.Context(), report.KindGap, "z_product")
		require.NoError(t, err)
		require.Equal(t, "z_product_2020-01-01_gap_report.csv", id)

		id, err = store.Latest(t.Context(), report.KindGap, "s2_l2a")
		require.NoError(t, err)
		require.Equal(t, "s2_l2a_2024-01-17_gap_report_update.csv", id)

		id, err = store.Latest(t.Context(), report.KindGap, "ls8_sr")
		require.NoError(t, err)
		require.Empty(t, id)
	})
}
