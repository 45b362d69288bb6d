// Package cmdutil builds the reconciliation collaborators from their config
// sections for the scenesync CLI.
package cmdutil

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	_ "modernc.org/sqlite"

	"github.com/scenesync/scenesync/pkg/config"
	"github.com/scenesync/scenesync/pkg/reconcile/catalog"
	"github.com/scenesync/scenesync/pkg/reconcile/dispatch"
	"github.com/scenesync/scenesync/pkg/reconcile/index"
	"github.com/scenesync/scenesync/pkg/reconcile/normalize"
	"github.com/scenesync/scenesync/pkg/reconcile/report"
)

var tracedHTTPClient = &http.Client{
	Transport: otelhttp.NewTransport(http.DefaultTransport),
}

// NewCatalogSource builds the configured catalog variant.
func NewCatalogSource(cfg config.CatalogConfig) (catalog.Source, error) {
	client := catalog.NewClient(cfg.Provider,
		catalog.WithHTTPClient(tracedHTTPClient),
		catalog.WithRateLimit(cfg.RateLimit, int(cfg.RateLimit)+1),
		catalog.WithCallTimeout(cfg.Timeout),
		catalog.WithMaxTries(cfg.MaxTries),
	)

	switch cfg.Provider {
	case config.ProviderSentinel2:
		return catalog.NewSentinel2Source(client, cfg.Endpoint, cfg.Collection, cfg.Product, cfg.PageSize), nil
	case config.ProviderLandsat:
		pathrows, err := parsePathRows(cfg.PathRows)
		if err != nil {
			return nil, err
		}
		return catalog.NewLandsatSource(client, cfg.Endpoint, cfg.Product, cfg.Bucket, pathrows, cfg.PageSize), nil
	case config.ProviderSentinel1:
		return catalog.NewSentinel1Source(client, cfg.Endpoint, cfg.Product, cfg.PageSize), nil
	default:
		return nil, fmt.Errorf("unknown catalog provider %q", cfg.Provider)
	}
}

// parsePathRows turns "path,row" (or "path/row") entries into the allowlist
// form the Landsat source expects.
func parsePathRows(entries []string) (map[string]struct{}, error) {
	if len(entries) == 0 {
		return nil, nil
	}
	out := make(map[string]struct{}, len(entries))
	for _, entry := range entries {
		parts := strings.FieldsFunc(entry, func(r rune) bool {
			return r == ',' || r == '/'
		})
		if len(parts) != 2 {
			return nil, fmt.Errorf("path/row entry %q must be <path>,<row>", entry)
		}
		pathrow, err := normalize.LandsatPathRow(parts[0], parts[1])
		if err != nil {
			return nil, err
		}
		out[pathrow] = struct{}{}
	}
	return out, nil
}

// NewIndexSource opens the dataset index database and wraps it as a source
// for the given product.
func NewIndexSource(cfg config.IndexConfig, product string) (*index.Source, error) {
	driver := "sqlite"
	if cfg.IsPostgres() {
		driver = "postgres"
	}
	db, err := sqlx.Open(driver, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("opening index database: %w", err)
	}
	return index.NewSource(db, product, cfg.PageSize), nil
}

// NewSink builds the queue sink.
func NewSink(cfg config.QueueConfig) dispatch.Sink {
	return dispatch.NewHTTPSink(cfg.Endpoint,
		dispatch.WithHTTPClient(tracedHTTPClient),
		dispatch.WithTimeout(cfg.Timeout),
	)
}

// DispatchOptions translates the queue config into dispatcher options.
func DispatchOptions(cfg config.QueueConfig) []dispatch.Option {
	return []dispatch.Option{
		dispatch.WithBatchSize(cfg.BatchSize),
		dispatch.WithBatchDelay(cfg.BatchDelay),
		dispatch.WithMaxTries(cfg.MaxTries),
	}
}

// NewReportStore opens the report directory.
func NewReportStore(cfg config.ReportConfig) (*report.FSStore, error) {
	return report.NewFSStore(cfg.Dir)
}
