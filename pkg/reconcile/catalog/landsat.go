package catalog

import (
	"compress/gzip"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/scenesync/scenesync/pkg/reconcile/normalize"
	"github.com/scenesync/scenesync/pkg/reconcile/scene"
	"github.com/scenesync/scenesync/pkg/reconcile/types"
)

const defaultLandsatPageSize = 500

// LandsatSource lists Landsat Collection 2 scenes from a USGS bulk metadata
// file: one gzipped CSV per sensor family, fetched over HTTP. The bulk file
// is unordered, so a window's worth of records is read once, filtered, sorted
// by acquisition date, and then served in pages; the cursor is an offset into
// that ordering. The listing for the active window is cached on the source so
// resumed pagination does not re-download the file.
type LandsatSource struct {
	client   *Client
	bulkURL  string
	product  string
	bucket   string // bucket the scene artifacts live in, e.g. usgs-landsat
	pathrows map[string]struct{}
	pageSize int

	mu     sync.Mutex
	window string
	cached *landsatListing
}

var _ Source = (*LandsatSource)(nil)

type landsatListing struct {
	descriptors []*scene.Descriptor
	skipped     []SkippedScene
}

// NewLandsatSource creates a catalog source over a bulk CSV listing.
// pathrows optionally restricts scenes to a WRS-2 path/row allowlist (keys
// are the zero-padded concatenated form, e.g. 168060); nil means no
// restriction.
func NewLandsatSource(client *Client, bulkURL, product, bucket string, pathrows map[string]struct{}, pageSize int) *LandsatSource {
	if pageSize <= 0 {
		pageSize = defaultLandsatPageSize
	}
	return &LandsatSource{
		client:   client,
		bulkURL:  bulkURL,
		product:  product,
		bucket:   bucket,
		pathrows: pathrows,
		pageSize: pageSize,
	}
}

func (s *LandsatSource) Product() string {
	return s.product
}

func (s *LandsatSource) List(ctx context.Context, window scene.Window, cursor string) (Page, error) {
	ctx, span := tracer.Start(ctx, "landsat-list", trace.WithAttributes(
		attribute.String("product", s.product),
		attribute.String("window", window.String()),
	))
	defer span.End()

	offset := 0
	if cursor != "" {
		var err error
		offset, err = strconv.Atoi(cursor)
		if err != nil || offset < 0 {
			return Page{}, types.NewFatalFetchError("landsat", fmt.Errorf("invalid cursor %q", cursor))
		}
	}

	listing, err := s.listing(ctx, window)
	if err != nil {
		return Page{}, err
	}

	page := Page{}
	if offset == 0 {
		// skipped records are attributed to the first page only
		page.Skipped = listing.skipped
	}
	end := min(offset+s.pageSize, len(listing.descriptors))
	if offset < len(listing.descriptors) {
		page.Descriptors = listing.descriptors[offset:end]
	}
	if end < len(listing.descriptors) {
		page.Next = strconv.Itoa(end)
	}
	return page, nil
}

func (s *LandsatSource) listing(ctx context.Context, window scene.Window) (*landsatListing, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cached != nil && s.window == window.String() {
		return s.cached, nil
	}

	listing, err := s.readBulkFile(ctx, window)
	if err != nil {
		return nil, err
	}
	s.window = window.String()
	s.cached = listing
	return listing, nil
}

func (s *LandsatSource) readBulkFile(ctx context.Context, window scene.Window) (*landsatListing, error) {
	body, err := s.client.Get(ctx, s.bulkURL)
	if err != nil {
		return nil, err
	}
	defer body.Close()

	gz, err := gzip.NewReader(body)
	if err != nil {
		return nil, types.NewFatalFetchError("landsat", fmt.Errorf("bulk file is not gzip: %w", err))
	}
	defer gz.Close()

	reader := csv.NewReader(gz)
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if err != nil {
		return nil, types.NewFatalFetchError("landsat", fmt.Errorf("reading bulk file header: %w", err))
	}
	col := make(map[string]int, len(header))
	for i, name := range header {
		col[strings.TrimSpace(name)] = i
	}
	for _, required := range []string{"Display ID", "WRS Path", "WRS Row", "Date Acquired", "Satellite", "Day/Night Indicator", "Sensor Identifier"} {
		if _, ok := col[required]; !ok {
			return nil, types.NewFatalFetchError("landsat", fmt.Errorf("bulk file is missing column %q", required))
		}
	}

	listing := &landsatListing{}
	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, types.NewTransientFetchError("landsat", fmt.Errorf("reading bulk file: %w", err))
		}
		field := func(name string) string {
			i := col[name]
			if i >= len(record) {
				return ""
			}
			return strings.TrimSpace(record[i])
		}

		// Landsat 4 scenes are not processed; night scenes carry no usable
		// surface reflectance.
		satellite := field("Satellite")
		if satellite == "LANDSAT_4" || satellite == "4" {
			continue
		}
		if !strings.EqualFold(field("Day/Night Indicator"), "DAY") {
			continue
		}

		acquired, err := time.Parse("2006-01-02", field("Date Acquired"))
		if err != nil {
			listing.skipped = append(listing.skipped, SkippedScene{RawID: field("Display ID"), Reason: fmt.Sprintf("bad acquisition date %q", field("Date Acquired"))})
			continue
		}
		if !window.Contains(acquired) {
			continue
		}

		if len(s.pathrows) > 0 {
			pathrow, err := normalize.LandsatPathRow(field("WRS Path"), field("WRS Row"))
			if err != nil {
				listing.skipped = append(listing.skipped, SkippedScene{RawID: field("Display ID"), Reason: err.Error()})
				continue
			}
			if _, ok := s.pathrows[pathrow]; !ok {
				continue
			}
		}

		displayID := field("Display ID")
		key, err := normalize.CanonicalKey(s.product, displayID)
		if err != nil {
			log.Warnw("skipping unparseable catalog identifier", "rawID", displayID, "reason", err)
			listing.skipped = append(listing.skipped, SkippedScene{RawID: displayID, Reason: err.Error()})
			continue
		}

		d, err := scene.NewDescriptor(key, displayID, s.product, s.sceneURI(field("Sensor Identifier"), field("WRS Path"), field("WRS Row"), acquired, displayID), acquired, scene.OriginCatalog)
		if err != nil {
			return nil, fmt.Errorf("building descriptor for %s: %w", displayID, err)
		}
		listing.descriptors = append(listing.descriptors, d)
	}

	sort.SliceStable(listing.descriptors, func(i, j int) bool {
		if !listing.descriptors[i].AcquiredAt().Equal(listing.descriptors[j].AcquiredAt()) {
			return listing.descriptors[i].AcquiredAt().Before(listing.descriptors[j].AcquiredAt())
		}
		return listing.descriptors[i].CanonicalKey() < listing.descriptors[j].CanonicalKey()
	})
	return listing, nil
}

// sceneURI builds the scene directory location the way the sync pipeline
// lays it out. USGS swaps underscores for dashes in the sensor identifier.
func (s *LandsatSource) sceneURI(sensor, path, row string, acquired time.Time, displayID string) string {
	sensorDir := strings.ToLower(strings.ReplaceAll(sensor, "_", "-"))
	pathrow, err := normalize.LandsatPathRow(path, row)
	if err != nil {
		// unreachable for records that passed filtering; keep the raw values
		pathrow = path + row
	}
	return fmt.Sprintf("s3://%s/collection02/level-2/standard/%s/%d/%s/%s/%s/",
		s.bucket, sensorDir, acquired.Year(), pathrow[:3], pathrow[3:], displayID)
}
