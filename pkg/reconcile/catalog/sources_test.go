package catalog_test

import (
	"bytes"
	"compress/gzip"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/scenesync/scenesync/pkg/reconcile/catalog"
	"github.com/scenesync/scenesync/pkg/reconcile/scene"
)

func testWindow(t *testing.T) scene.Window {
	t.Helper()
	w, err := scene.ParseWindow("2024-01-01,2024-02-01")
	require.NoError(t, err)
	return w
}

func fastClient(source string) *catalog.Client {
	return catalog.NewClient(source, catalog.WithRateLimit(1000, 10), catalog.WithMaxTries(2))
}

func TestSentinel2Source(t *testing.T) {
	t.Run("pages through search results by token", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			require.Equal(t, "sentinel-2-l2a", r.URL.Query().Get("collections"))
			if r.URL.Query().Get("token") == "" {
				fmt.Fprintf(w, `{
					"features": [
						{"id": "S2A_MSIL2A_20240117T081229_N0510_R078_T36JTT_20240117T110656", "properties": {"datetime": "2024-01-17T08:12:29Z"}},
						{"id": "not-a-scene", "properties": {"datetime": "2024-01-18T08:12:29Z"}}
					],
					"links": [{"rel": "next", "href": "%s/search?token=page2"}]
				}`, "http://"+r.Host)
				return
			}
			require.Equal(t, "page2", r.URL.Query().Get("token"))
			fmt.Fprint(w, `{
				"features": [
					{"id": "S2B_MSIL2A_20240120T081229_N0510_R078_T36JTT_20240120T110656", "properties": {"datetime": "2024-01-20T08:12:29Z"}}
				],
				"links": []
			}`)
		}))
		defer srv.Close()

		source := catalog.NewSentinel2Source(fastClient("sentinel-2"), srv.URL, "sentinel-2-l2a", "s2_l2a", 0)
		require.Equal(t, "s2_l2a", source.Product())

		first, err := source.List(t.Context(), testWindow(t), "")
		require.NoError(t, err)
		require.Len(t, first.Descriptors, 1)
		require.Equal(t, "s2_l2a/T36JTT/2024-01-17", first.Descriptors[0].CanonicalKey())
		require.Equal(t, scene.OriginCatalog, first.Descriptors[0].Origin())
		require.Len(t, first.Skipped, 1)
		require.Equal(t, "not-a-scene", first.Skipped[0].RawID)
		require.Equal(t, "page2", first.Next)

		second, err := source.List(t.Context(), testWindow(t), first.Next)
		require.NoError(t, err)
		require.Len(t, second.Descriptors, 1)
		require.Empty(t, second.Next)
	})

	t.Run("skips features without a datetime", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			fmt.Fprint(w, `{
				"features": [
					{"id": "S2A_MSIL2A_20240117T081229_N0510_R078_T36JTT_20240117T110656"}
				],
				"links": []
			}`)
		}))
		defer srv.Close()

		source := catalog.NewSentinel2Source(fastClient("sentinel-2"), srv.URL, "sentinel-2-l2a", "s2_l2a", 0)
		page, err := source.List(t.Context(), testWindow(t), "")
		require.NoError(t, err)
		require.Empty(t, page.Descriptors)
		require.Len(t, page.Skipped, 1)
	})
}

func landsatBulkServer(t *testing.T, rows string) *httptest.Server {
	t.Helper()
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	_, err := gz.Write([]byte("Display ID,WRS Path,WRS Row,Date Acquired,Satellite,Day/Night Indicator,Sensor Identifier\n" + rows))
	require.NoError(t, err)
	require.NoError(t, gz.Close())
	var fetches atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fetches.Add(1)
		require.LessOrEqual(t, fetches.Load(), int64(1), "bulk file must be fetched once per window")
		w.Write(buf.Bytes())
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestLandsatSource(t *testing.T) {
	rows := "" +
		"LC08_L2SP_168060_20240117_20240124_02_T1,168,60,2024-01-17,LANDSAT_8,DAY,OLI_TIRS\n" +
		"LC09_L2SP_168060_20240125_20240201_02_T1,168,60,2024-01-25,LANDSAT_9,DAY,OLI_TIRS\n" +
		"LC08_L2SP_168060_20240118_20240125_02_T1,168,60,2024-01-18,LANDSAT_8,NIGHT,OLI_TIRS\n" +
		"LT04_L2SP_168060_20240119_20240126_02_T1,168,60,2024-01-19,LANDSAT_4,DAY,TM\n" +
		"LC08_L2SP_170071_20240120_20240127_02_T1,170,71,2024-01-20,LANDSAT_8,DAY,OLI_TIRS\n" +
		"LC08_L2SP_168060_20231217_20231224_02_T1,168,60,2023-12-17,LANDSAT_8,DAY,OLI_TIRS\n"

	t.Run("filters and orders the bulk listing", func(t *testing.T) {
		srv := landsatBulkServer(t, rows)
		allow := map[string]struct{}{"168060": {}}
		source := catalog.NewLandsatSource(fastClient("landsat"), srv.URL, "ls8_sr", "usgs-landsat", allow, 0)

		page, err := source.List(t.Context(), testWindow(t), "")
		require.NoError(t, err)
		// night, Landsat 4, out-of-allowlist and out-of-window rows are gone
		require.Len(t, page.Descriptors, 2)
		require.Equal(t, "ls8_sr/168/060/2024-01-17", page.Descriptors[0].CanonicalKey())
		require.Equal(t, "ls8_sr/168/060/2024-01-25", page.Descriptors[1].CanonicalKey())
		require.Equal(t,
			"s3://usgs-landsat/collection02/level-2/standard/oli-tirs/2024/168/060/LC08_L2SP_168060_20240117_20240124_02_T1/",
			page.Descriptors[0].SourceURI())
		require.Empty(t, page.Next)
	})

	t.Run("serves pages from the cached listing by offset", func(t *testing.T) {
		srv := landsatBulkServer(t, rows)
		source := catalog.NewLandsatSource(fastClient("landsat"), srv.URL, "ls8_sr", "usgs-landsat", nil, 2)

		first, err := source.List(t.Context(), testWindow(t), "")
		require.NoError(t, err)
		require.Len(t, first.Descriptors, 2)
		require.Equal(t, "2", first.Next)

		second, err := source.List(t.Context(), testWindow(t), first.Next)
		require.NoError(t, err)
		require.Len(t, second.Descriptors, 1)
		require.Empty(t, second.Next)

		// acquisition order holds across page boundaries
		last := first.Descriptors[len(first.Descriptors)-1]
		require.False(t, second.Descriptors[0].AcquiredAt().Before(last.AcquiredAt()))
	})
}

func TestSentinel1Source(t *testing.T) {
	t.Run("pages by offset and keys by datatake", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Query().Get("skip") == "0" {
				fmt.Fprint(w, `{
					"value": [
						{"Name": "S1A_IW_GRDH_1SDV_20240117T041412_20240117T041437_052123_064D5E_A1B2", "ContentDate": "2024-01-17T04:14:12Z"}
					],
					"@odata.nextLink": "more"
				}`)
				return
			}
			require.Equal(t, "1", r.URL.Query().Get("skip"))
			fmt.Fprint(w, `{"value": [], "@odata.nextLink": ""}`)
		}))
		defer srv.Close()

		source := catalog.NewSentinel1Source(fastClient("sentinel-1"), srv.URL, "s1_rtc", 0)
		first, err := source.List(t.Context(), testWindow(t), "")
		require.NoError(t, err)
		require.Len(t, first.Descriptors, 1)
		require.Equal(t, "s1_rtc/064D5E/2024-01-17", first.Descriptors[0].CanonicalKey())
		require.Equal(t, "1", first.Next)

		second, err := source.List(t.Context(), testWindow(t), first.Next)
		require.NoError(t, err)
		require.Empty(t, second.Descriptors)
		require.Empty(t, second.Next)
	})
}
