// Package report persists reconciliation results as auditable CSV report
// files, one per run. Reports are append-only: a key's effective
// classification is its last appended row, so dispatch outcomes are recorded
// by appending rather than rewriting. A trailing sentinel row marks a report
// complete; readers refuse reports without it.
package report

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	logging "github.com/ipfs/go-log/v2"

	"github.com/scenesync/scenesync/pkg/reconcile/types"
)

var log = logging.Logger("scenesync/report")

// Classification is the reported disposition of one scene.
type Classification string

const (
	// ClassificationMissing marks a catalog scene absent from the index.
	ClassificationMissing Classification = "missing"

	// ClassificationOrphaned marks an active indexed dataset absent from the
	// catalog.
	ClassificationOrphaned Classification = "orphaned"

	// ClassificationSkipped marks a scene whose identifier could not be
	// normalized, or one found indexed at dispatch time.
	ClassificationSkipped Classification = "skipped"

	// ClassificationWouldDispatch marks a scene a dry run would have
	// enqueued.
	ClassificationWouldDispatch Classification = "would-dispatch"

	// ClassificationDispatched marks a scene successfully enqueued.
	ClassificationDispatched Classification = "dispatched"

	// ClassificationFailed marks a scene whose enqueue attempt exhausted its
	// retries.
	ClassificationFailed Classification = "failed"

	// ClassificationDuplicate marks a canonical key a source listed more than
	// once.
	ClassificationDuplicate Classification = "duplicate"
)

// Record is one report row. The field order matches the CSV header.
type Record struct {
	CanonicalKey   string         `json:"canonical_key"`
	RawID          string         `json:"raw_id"`
	Product        string         `json:"product"`
	SourceURI      string         `json:"source_uri"`
	Classification Classification `json:"classification"`
}

var header = []string{"canonical_key", "raw_id", "product", "source_uri", "classification"}

// sentinel terminates a complete report. Its key sorts after any canonical
// key and cannot collide with one.
var sentinel = Record{CanonicalKey: "~end~", Classification: "complete"}

// Kind filters report lookups by report family.
type Kind string

const (
	KindGap      Kind = "gap"
	KindArchival Kind = "archival"
)

// kindFilters mirrors how report families are told apart by filename: gap
// reports carry "gap_report", archival ones carry "archival".
var kindFilters = map[Kind]struct{ contains, notContains string }{
	KindGap:      {contains: "gap_report", notContains: "archival"},
	KindArchival: {contains: "archival", notContains: ""},
}

// FSStore stores report files in a directory. The directory is expected to be
// synced or mounted wherever reports are served from; uploading is not this
// package's concern.
type FSStore struct {
	dir string
}

// NewFSStore creates a report store rooted at dir, creating it if needed.
func NewFSStore(dir string) (*FSStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating report directory %s: %w", dir, err)
	}
	return &FSStore{dir: dir}, nil
}

// ReportID builds the report filename for a run. Forced updates carry an
// "update" marker that downstream filler runs detect.
func ReportID(product string, runDate time.Time, forcedUpdate bool) string {
	marker := ""
	if forcedUpdate {
		marker = "_update"
	}
	return fmt.Sprintf("%s_%s_gap_report%s.csv", product, runDate.UTC().Format("2006-01-02"), marker)
}

// IsForcedUpdate reports whether a report was produced by a forced-update
// run, judged by its filename marker. Product names are free to contain
// "update"; only the trailing marker counts.
func IsForcedUpdate(reportID string) bool {
	return strings.HasSuffix(reportID, "_gap_report_update.csv")
}

var reportDateRe = regexp.MustCompile(`(\d{4}-\d{2}-\d{2})`)

// Date extracts the run date embedded in a report ID.
func Date(reportID string) (time.Time, bool) {
	m := reportDateRe.FindStringSubmatch(reportID)
	if m == nil {
		return time.Time{}, false
	}
	day, err := time.Parse("2006-01-02", m[1])
	if err != nil {
		return time.Time{}, false
	}
	return day, true
}

// Create starts a new report file with the CSV header, truncating any
// previous report of the same ID (a re-run of the same product and day
// supersedes it).
func (s *FSStore) Create(ctx context.Context, reportID string) error {
	f, err := os.Create(s.path(reportID))
	if err != nil {
		return fmt.Errorf("creating report %s: %w", reportID, err)
	}
	w := csv.NewWriter(f)
	if err := w.Write(header); err != nil {
		f.Close()
		return err
	}
	w.Flush()
	if err := errors.Join(w.Error(), f.Sync(), f.Close()); err != nil {
		return fmt.Errorf("writing report header to %s: %w", reportID, err)
	}
	return nil
}

// Append durably appends records to a report. It returns only after the rows
// have been synced to disk, so a dispatch batch recorded here survives a
// crash.
func (s *FSStore) Append(ctx context.Context, reportID string, records []Record) error {
	if len(records) == 0 {
		return nil
	}
	f, err := os.OpenFile(s.path(reportID), os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("opening report %s: %w", reportID, err)
	}
	w := csv.NewWriter(f)
	for _, r := range records {
		if err := w.Write([]string{r.CanonicalKey, r.RawID, r.Product, r.SourceURI, string(r.Classification)}); err != nil {
			f.Close()
			return err
		}
	}
	w.Flush()
	if err := errors.Join(w.Error(), f.Sync(), f.Close()); err != nil {
		return fmt.Errorf("appending to report %s: %w", reportID, err)
	}
	return nil
}

// Complete appends the trailing sentinel row, marking the report safe to
// read.
func (s *FSStore) Complete(ctx context.Context, reportID string) error {
	return s.Append(ctx, reportID, []Record{sentinel})
}

// ForEachRecord streams a report's records in file order, excluding the
// sentinel. Fails with types.IncompleteReportError when the sentinel is
// missing: a report without it may have been cut off mid-run and must not
// drive a backfill.
func (s *FSStore) ForEachRecord(ctx context.Context, reportID string, fn func(Record) error) error {
	f, err := os.Open(s.path(reportID))
	if err != nil {
		return fmt.Errorf("opening report %s: %w", reportID, err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = len(header)

	if _, err := r.Read(); err != nil {
		return fmt.Errorf("reading report header of %s: %w", reportID, err)
	}

	// The whole file is validated before anything is emitted: a truncated
	// report must not drive a partial backfill.
	var records []Record
	complete := false
	for {
		row, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return fmt.Errorf("reading report %s: %w", reportID, err)
		}
		record := Record{
			CanonicalKey:   row[0],
			RawID:          row[1],
			Product:        row[2],
			SourceURI:      row[3],
			Classification: Classification(row[4]),
		}
		if record.CanonicalKey == sentinel.CanonicalKey {
			complete = true
			continue
		}
		// appending past a sentinel reopens the report until the next one
		complete = false
		records = append(records, record)
	}
	if !complete {
		return types.NewIncompleteReportError(reportID)
	}
	for _, record := range records {
		if err := fn(record); err != nil {
			return err
		}
	}
	return nil
}

// ReadEffective reads a report and resolves each key to its last appended
// classification, preserving first-appearance order.
func (s *FSStore) ReadEffective(ctx context.Context, reportID string) ([]Record, error) {
	var order []string
	latest := make(map[string]Record)
	err := s.ForEachRecord(ctx, reportID, func(r Record) error {
		if _, seen := latest[r.CanonicalKey]; !seen {
			order = append(order, r.CanonicalKey)
		}
		latest[r.CanonicalKey] = r
		return nil
	})
	if err != nil {
		return nil, err
	}
	records := make([]Record, 0, len(order))
	for _, key := range order {
		records = append(records, latest[key])
	}
	return records, nil
}

// Latest returns the ID of the most recent report of the given kind, judged
// by the run date embedded in the filename. A non-empty product restricts the
// lookup to that product's reports; the report directory is shared, so without
// the filter one product's reports shadow another's. Returns the empty string
// when no report matches.
func (s *FSStore) Latest(ctx context.Context, kind Kind, product string) (string, error) {
	filter, ok := kindFilters[kind]
	if !ok {
		return "", fmt.Errorf("unknown report kind %q", kind)
	}
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return "", fmt.Errorf("listing reports: %w", err)
	}
	var names []string
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.Contains(name, filter.contains) {
			continue
		}
		if filter.notContains != "" && strings.Contains(name, filter.notContains) {
			continue
		}
		if product != "" && !strings.HasPrefix(name, product+"_") {
			continue
		}
		names = append(names, name)
	}
	if len(names) == 0 {
		return "", nil
	}
	// newest run date wins; names start with the product, so a plain name
	// sort would rank products instead of dates
	sort.Slice(names, func(i, j int) bool {
		di, _ := Date(names[i])
		dj, _ := Date(names[j])
		if !di.Equal(dj) {
			return di.After(dj)
		}
		return names[i] > names[j]
	})
	log.Debugw("resolved latest report", "kind", kind, "product", product, "reportID", names[0])
	return names[0], nil
}

// Path returns the filesystem path of a report, for serving downloads.
func (s *FSStore) Path(reportID string) string {
	return s.path(reportID)
}

func (s *FSStore) path(reportID string) string {
	return filepath.Join(s.dir, filepath.Base(reportID))
}
