// Package index lists datasets already present in the product index (an
// ODC-style datasets table) through the same paginated contract the catalog
// sources use, so run fetches treat both origins uniformly.
package index

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	logging "github.com/ipfs/go-log/v2"
	"github.com/jmoiron/sqlx"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/scenesync/scenesync/pkg/reconcile/catalog"
	"github.com/scenesync/scenesync/pkg/reconcile/normalize"
	"github.com/scenesync/scenesync/pkg/reconcile/scene"
	"github.com/scenesync/scenesync/pkg/reconcile/types"
)

var log = logging.Logger("scenesync/index")

var tracer = otel.Tracer("reconcile/index")

const defaultIndexPageSize = 500

// Source pages through the indexed datasets of one product. Production runs
// point it at the index Postgres via lib/pq; tests run the same SQL against
// sqlite.
type Source struct {
	db       *sqlx.DB
	product  string
	pageSize int
}

// NewSource creates an index source for the given product.
func NewSource(db *sqlx.DB, product string, pageSize int) *Source {
	if pageSize <= 0 {
		pageSize = defaultIndexPageSize
	}
	return &Source{db: db, product: product, pageSize: pageSize}
}

func (s *Source) Product() string {
	return s.product
}

type datasetRow struct {
	ID       string       `db:"id"`
	Product  string       `db:"product"`
	URI      string       `db:"uri"`
	Acquired time.Time    `db:"acquired"`
	Archived sql.NullTime `db:"archived"`
}

func (r datasetRow) status() scene.Status {
	if r.Archived.Valid {
		return scene.StatusArchived
	}
	return scene.StatusActive
}

// List returns the page at cursor, ordered by (acquired, id) ascending.
// The cursor is keyset state, not an offset, so rows indexed behind the
// cursor during a paused run are not double-listed.
func (s *Source) List(ctx context.Context, window scene.Window, cursor string) (catalog.Page, error) {
	ctx, span := tracer.Start(ctx, "index-list", trace.WithAttributes(
		attribute.String("product", s.product),
		attribute.String("window", window.String()),
	))
	defer span.End()

	query := `SELECT id, product, uri, acquired, archived FROM datasets
		WHERE product = ? AND acquired >= ? AND acquired < ?`
	args := []any{s.product, window.Start.UTC(), window.End.UTC()}
	if cursor != "" {
		after, afterID, err := decodeCursor(cursor)
		if err != nil {
			return catalog.Page{}, types.NewFatalFetchError("index", err)
		}
		query += ` AND (acquired > ? OR (acquired = ? AND id > ?))`
		args = append(args, after, after, afterID)
	}
	query += ` ORDER BY acquired ASC, id ASC LIMIT ?`
	args = append(args, s.pageSize)

	var rows []datasetRow
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(query), args...); err != nil {
		return catalog.Page{}, types.NewTransientFetchError("index", fmt.Errorf("listing datasets: %w", err))
	}

	page := catalog.Page{}
	for _, row := range rows {
		key, err := normalize.CanonicalKey(s.product, row.URI)
		if err != nil {
			var nerr types.NormalizationError
			if errors.As(err, &nerr) {
				log.Warnw("skipping unparseable dataset location", "datasetID", row.ID, "uri", row.URI, "reason", err)
				page.Skipped = append(page.Skipped, catalog.SkippedScene{RawID: row.ID, Reason: nerr.Error()})
				continue
			}
			return catalog.Page{}, err
		}
		d, err := scene.NewDescriptor(key, row.ID, s.product, row.URI, row.Acquired, scene.OriginIndex, scene.WithStatus(row.status()))
		if err != nil {
			return catalog.Page{}, fmt.Errorf("building descriptor for dataset %s: %w", row.ID, err)
		}
		page.Descriptors = append(page.Descriptors, d)
	}

	if len(rows) == s.pageSize {
		last := rows[len(rows)-1]
		page.Next = encodeCursor(last.Acquired, last.ID)
	}
	return page, nil
}

// Status reports whether key is indexed right now. Dispatch planning calls it
// so scenes indexed after the fetch stage are skipped instead of re-enqueued.
// The key's trailing acquisition date bounds the lookup to one day of rows.
func (s *Source) Status(ctx context.Context, key string) (scene.Status, error) {
	day, err := acquiredDateOf(key)
	if err != nil {
		return scene.StatusUnknown, err
	}

	query := `SELECT id, product, uri, acquired, archived FROM datasets
		WHERE product = ? AND acquired >= ? AND acquired < ?`
	var rows []datasetRow
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(query), s.product, day, day.AddDate(0, 0, 1)); err != nil {
		return scene.StatusUnknown, types.NewTransientFetchError("index", fmt.Errorf("checking status of %s: %w", key, err))
	}
	for _, row := range rows {
		rowKey, err := normalize.CanonicalKey(s.product, row.URI)
		if err != nil {
			continue
		}
		if rowKey == key {
			return row.status(), nil
		}
	}
	return scene.StatusUnknown, nil
}

// acquiredDateOf parses the trailing date component of a canonical key.
func acquiredDateOf(key string) (time.Time, error) {
	i := strings.LastIndex(key, "/")
	if i < 0 {
		return time.Time{}, fmt.Errorf("malformed canonical key %q", key)
	}
	day, err := time.Parse("2006-01-02", key[i+1:])
	if err != nil {
		return time.Time{}, fmt.Errorf("malformed canonical key %q: %w", key, err)
	}
	return day.UTC(), nil
}

func encodeCursor(acquired time.Time, id string) string {
	return acquired.UTC().Format(time.RFC3339Nano) + "|" + id
}

func decodeCursor(cursor string) (time.Time, string, error) {
	at, id, ok := strings.Cut(cursor, "|")
	if !ok {
		return time.Time{}, "", fmt.Errorf("invalid index cursor %q", cursor)
	}
	t, err := time.Parse(time.RFC3339Nano, at)
	if err != nil {
		return time.Time{}, "", fmt.Errorf("invalid index cursor %q: %w", cursor, err)
	}
	return t, id, nil
}
