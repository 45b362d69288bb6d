// Package catalog adapts upstream acquisition catalogs (Sentinel-1,
// Sentinel-2, Landsat Collection 2) to one paginated listing contract. Each
// provider variant implements Source; pages are ordered by acquisition time
// ascending so cursors stay meaningful across resumed runs.
package catalog

import (
	"context"

	logging "github.com/ipfs/go-log/v2"
	"go.opentelemetry.io/otel"

	"github.com/scenesync/scenesync/pkg/reconcile/scene"
)

var log = logging.Logger("scenesync/catalog")

var tracer = otel.Tracer("reconcile/catalog")

// SkippedScene is a catalog entry whose identifier could not be normalized.
// It is reported, never silently dropped.
type SkippedScene struct {
	RawID  string
	Reason string
}

// Page is one page of a catalog listing. An empty Next cursor means the
// listing is exhausted.
type Page struct {
	Descriptors []*scene.Descriptor
	Skipped     []SkippedScene
	Next        string
}

// Source enumerates acquisitions from one upstream catalog.
type Source interface {
	// Product returns the local product name the source lists scenes for.
	Product() string

	// List returns the page at cursor for the given window, ordered by
	// acquisition time ascending. Pass an empty cursor for the first page.
	// Fails with types.TransientFetchError when the upstream is throttling
	// or unreachable after retries, and types.FatalFetchError on
	// authentication or schema errors.
	List(ctx context.Context, window scene.Window, cursor string) (Page, error)
}
