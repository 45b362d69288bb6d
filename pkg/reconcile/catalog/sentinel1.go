package catalog

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/scenesync/scenesync/pkg/reconcile/normalize"
	"github.com/scenesync/scenesync/pkg/reconcile/scene"
	"github.com/scenesync/scenesync/pkg/reconcile/types"
)

const defaultS1PageSize = 100

// Sentinel1Source lists Sentinel-1 RTC acquisitions from an OData-ish search
// API: GET <endpoint>/products with start/stop filters and offset pagination.
// A datatake is frequently published as several grid-cell granules; granules
// of one datatake collapse onto one canonical key downstream, so the source
// reports them as duplicates rather than trying to deduplicate here.
type Sentinel1Source struct {
	client   *Client
	endpoint string
	product  string
	pageSize int
}

var _ Source = (*Sentinel1Source)(nil)

// NewSentinel1Source creates a catalog source backed by the given search
// endpoint.
func NewSentinel1Source(client *Client, endpoint, product string, pageSize int) *Sentinel1Source {
	if pageSize <= 0 {
		pageSize = defaultS1PageSize
	}
	return &Sentinel1Source{
		client:   client,
		endpoint: endpoint,
		product:  product,
		pageSize: pageSize,
	}
}

func (s *Sentinel1Source) Product() string {
	return s.product
}

type s1Product struct {
	Name      string    `json:"Name"`
	SensedAt  time.Time `json:"ContentDate"`
	Footprint string    `json:"S3Path"`
}

type s1SearchResponse struct {
	Products []s1Product `json:"value"`
	NextLink string      `json:"@odata.nextLink"`
}

func (s *Sentinel1Source) List(ctx context.Context, window scene.Window, cursor string) (Page, error) {
	ctx, span := tracer.Start(ctx, "sentinel1-list", trace.WithAttributes(
		attribute.String("product", s.product),
		attribute.String("window", window.String()),
	))
	defer span.End()

	offset := 0
	if cursor != "" {
		var err error
		offset, err = strconv.Atoi(cursor)
		if err != nil || offset < 0 {
			return Page{}, types.NewFatalFetchError("sentinel-1", fmt.Errorf("invalid cursor %q", cursor))
		}
	}

	var resp s1SearchResponse
	if err := s.client.GetJSON(ctx, s.searchURL(window, offset), &resp); err != nil {
		return Page{}, err
	}

	page := Page{}
	for _, p := range resp.Products {
		key, err := normalize.CanonicalKey(s.product, p.Name)
		if err != nil {
			var nerr types.NormalizationError
			if errors.As(err, &nerr) {
				log.Warnw("skipping unparseable catalog identifier", "rawID", p.Name, "reason", err)
				page.Skipped = append(page.Skipped, SkippedScene{RawID: p.Name, Reason: nerr.Error()})
				continue
			}
			return Page{}, err
		}
		if p.SensedAt.IsZero() {
			page.Skipped = append(page.Skipped, SkippedScene{RawID: p.Name, Reason: "product has no sensing date"})
			continue
		}
		uri := p.Footprint
		if uri == "" {
			uri = p.Name
		}
		d, err := scene.NewDescriptor(key, p.Name, s.product, uri, p.SensedAt, scene.OriginCatalog)
		if err != nil {
			return Page{}, fmt.Errorf("building descriptor for %s: %w", p.Name, err)
		}
		page.Descriptors = append(page.Descriptors, d)
	}

	sort.SliceStable(page.Descriptors, func(i, j int) bool {
		return page.Descriptors[i].AcquiredAt().Before(page.Descriptors[j].AcquiredAt())
	})

	if resp.NextLink != "" {
		page.Next = strconv.Itoa(offset + len(resp.Products))
	}
	return page, nil
}

func (s *Sentinel1Source) searchURL(window scene.Window, offset int) string {
	q := url.Values{}
	q.Set("sensedAfter", window.Start.UTC().Format(time.RFC3339))
	q.Set("sensedBefore", window.End.UTC().Format(time.RFC3339))
	q.Set("productType", "RTC")
	q.Set("top", strconv.Itoa(s.pageSize))
	q.Set("skip", strconv.Itoa(offset))
	q.Set("orderby", "ContentDate asc")
	if window.BBox != nil {
		q.Set("bbox", fmt.Sprintf("%g,%g,%g,%g", window.BBox[0], window.BBox[1], window.BBox[2], window.BBox[3]))
	}
	return s.endpoint + "/products?" + q.Encode()
}
