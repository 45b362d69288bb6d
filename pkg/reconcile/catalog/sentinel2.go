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

const defaultS2PageSize = 200

// Sentinel2Source lists Sentinel-2 scenes from a STAC-search style API
// (earth-search shaped): GET <endpoint>/search with collection, datetime and
// optional bbox parameters, token pagination.
type Sentinel2Source struct {
	client     *Client
	endpoint   string
	collection string
	product    string
	pageSize   int
}

var _ Source = (*Sentinel2Source)(nil)

// NewSentinel2Source creates a catalog source for the given local product
// name backed by the STAC search endpoint. The collection is the upstream
// collection to query, e.g. sentinel-2-l2a.
func NewSentinel2Source(client *Client, endpoint, collection, product string, pageSize int) *Sentinel2Source {
	if pageSize <= 0 {
		pageSize = defaultS2PageSize
	}
	return &Sentinel2Source{
		client:     client,
		endpoint:   endpoint,
		collection: collection,
		product:    product,
		pageSize:   pageSize,
	}
}

func (s *Sentinel2Source) Product() string {
	return s.product
}

type stacLink struct {
	Rel  string `json:"rel"`
	Href string `json:"href"`
}

type stacFeature struct {
	ID         string `json:"id"`
	Properties struct {
		Datetime time.Time `json:"datetime"`
	} `json:"properties"`
	Links []stacLink `json:"links"`
}

type stacSearchResponse struct {
	Features []stacFeature `json:"features"`
	Links    []stacLink    `json:"links"`
}

func (s *Sentinel2Source) List(ctx context.Context, window scene.Window, cursor string) (Page, error) {
	ctx, span := tracer.Start(ctx, "sentinel2-list", trace.WithAttributes(
		attribute.String("product", s.product),
		attribute.String("window", window.String()),
	))
	defer span.End()

	var resp stacSearchResponse
	if err := s.client.GetJSON(ctx, s.searchURL(window, cursor), &resp); err != nil {
		return Page{}, err
	}

	page := Page{}
	for _, feature := range resp.Features {
		key, err := normalize.CanonicalKey(s.product, feature.ID)
		if err != nil {
			var nerr types.NormalizationError
			if errors.As(err, &nerr) {
				log.Warnw("skipping unparseable catalog identifier", "rawID", feature.ID, "reason", err)
				page.Skipped = append(page.Skipped, SkippedScene{RawID: feature.ID, Reason: nerr.Error()})
				continue
			}
			return Page{}, err
		}
		if feature.Properties.Datetime.IsZero() {
			page.Skipped = append(page.Skipped, SkippedScene{RawID: feature.ID, Reason: "feature has no datetime"})
			continue
		}
		d, err := scene.NewDescriptor(key, feature.ID, s.product, featureHref(feature), feature.Properties.Datetime, scene.OriginCatalog)
		if err != nil {
			return Page{}, fmt.Errorf("building descriptor for %s: %w", feature.ID, err)
		}
		page.Descriptors = append(page.Descriptors, d)
	}

	// keep pages sorted even when the upstream is sloppy about it
	sort.SliceStable(page.Descriptors, func(i, j int) bool {
		return page.Descriptors[i].AcquiredAt().Before(page.Descriptors[j].AcquiredAt())
	})

	page.Next = nextToken(resp.Links)
	return page, nil
}

func (s *Sentinel2Source) searchURL(window scene.Window, cursor string) string {
	q := url.Values{}
	q.Set("collections", s.collection)
	q.Set("datetime", window.Start.UTC().Format(time.RFC3339)+"/"+window.End.UTC().Format(time.RFC3339))
	q.Set("limit", strconv.Itoa(s.pageSize))
	q.Set("sortby", "properties.datetime")
	if window.BBox != nil {
		q.Set("bbox", fmt.Sprintf("%g,%g,%g,%g", window.BBox[0], window.BBox[1], window.BBox[2], window.BBox[3]))
	}
	if cursor != "" {
		q.Set("token", cursor)
	}
	return s.endpoint + "/search?" + q.Encode()
}

// featureHref picks the scene's primary artifact location: the canonical
// link when present, the self link otherwise, the bare id as a last resort.
func featureHref(f stacFeature) string {
	var self string
	for _, l := range f.Links {
		switch l.Rel {
		case "canonical":
			return l.Href
		case "self":
			self = l.Href
		}
	}
	if self != "" {
		return self
	}
	return f.ID
}

// nextToken extracts the pagination token from the next link, if any.
func nextToken(links []stacLink) string {
	for _, l := range links {
		if l.Rel != "next" {
			continue
		}
		u, err := url.Parse(l.Href)
		if err != nil {
			continue
		}
		return u.Query().Get("token")
	}
	return ""
}
