package scene

import (
	"fmt"
	"strings"
	"time"
)

// Window is the date and optional spatial extent a reconciliation run covers.
// Immutable once a run has been created against it.
type Window struct {
	Start time.Time
	End   time.Time
	// BBox is an optional [minLon, minLat, maxLon, maxLat] spatial filter.
	BBox *[4]float64
}

// Contains reports whether t falls inside the window. The start bound is
// inclusive, the end bound exclusive.
func (w Window) Contains(t time.Time) bool {
	return !t.Before(w.Start) && t.Before(w.End)
}

// Validate checks the window bounds.
func (w Window) Validate() error {
	if w.Start.IsZero() || w.End.IsZero() {
		return fmt.Errorf("window bounds must be set")
	}
	if !w.Start.Before(w.End) {
		return fmt.Errorf("window start %s must precede end %s", w.Start.Format(time.RFC3339), w.End.Format(time.RFC3339))
	}
	return nil
}

func (w Window) String() string {
	s := fmt.Sprintf("%s/%s", w.Start.UTC().Format("2006-01-02"), w.End.UTC().Format("2006-01-02"))
	if w.BBox != nil {
		s += fmt.Sprintf(" bbox(%g,%g,%g,%g)", w.BBox[0], w.BBox[1], w.BBox[2], w.BBox[3])
	}
	return s
}

// ParseWindow parses a "start,end" pair of ISO dates (or RFC 3339 timestamps)
// into a Window.
func ParseWindow(s string) (Window, error) {
	parts := strings.Split(s, ",")
	if len(parts) != 2 {
		return Window{}, fmt.Errorf("window must be <start>,<end>, got %q", s)
	}
	start, err := parseWindowBound(strings.TrimSpace(parts[0]))
	if err != nil {
		return Window{}, fmt.Errorf("parsing window start: %w", err)
	}
	end, err := parseWindowBound(strings.TrimSpace(parts[1]))
	if err != nil {
		return Window{}, fmt.Errorf("parsing window end: %w", err)
	}
	w := Window{Start: start, End: end}
	if err := w.Validate(); err != nil {
		return Window{}, err
	}
	return w, nil
}

func parseWindowBound(s string) (time.Time, error) {
	if t, err := time.Parse("2006-01-02", s); err == nil {
		return t.UTC(), nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("bound %q is neither a date nor an RFC 3339 timestamp", s)
	}
	return t.UTC(), nil
}
