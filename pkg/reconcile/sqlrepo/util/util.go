package util

import (
	"database/sql"
	"database/sql/driver"
	"fmt"
	"time"

	"github.com/scenesync/scenesync/pkg/reconcile/types/id"
)

// TimestampScanner returns a [sql.Scanner] that scans a timestamp (as an
// integer of Unix time in seconds) into the given [time.Time] pointer.
func TimestampScanner(t *time.Time) tsScanner {
	return tsScanner{dst: t}
}

type tsScanner struct {
	dst *time.Time
}

var _ sql.Scanner = tsScanner{}

func (ts tsScanner) Scan(value any) error {
	if value == nil {
		*ts.dst = time.Time{}
		return nil
	}
	switch v := value.(type) {
	case int64:
		*ts.dst = time.Unix(v, 0).UTC()
	default:
		return fmt.Errorf("unsupported type for timestamp scanning: %T (%v)", v, v)
	}
	return nil
}

// NullTimestampScanner returns a [sql.Scanner] that scans a nullable Unix
// timestamp into the given pointer, leaving it nil for NULL.
func NullTimestampScanner(t **time.Time) nullTsScanner {
	return nullTsScanner{dst: t}
}

type nullTsScanner struct {
	dst **time.Time
}

var _ sql.Scanner = nullTsScanner{}

func (ts nullTsScanner) Scan(value any) error {
	if value == nil {
		*ts.dst = nil
		return nil
	}
	switch v := value.(type) {
	case int64:
		t := time.Unix(v, 0).UTC()
		*ts.dst = &t
	default:
		return fmt.Errorf("unsupported type for timestamp scanning: %T (%v)", v, v)
	}
	return nil
}

// DbID returns a [sql.Scanner] that scans an [id.RunID] (a UUID) from a
// `[]byte` DB value (a `BLOB`), and a [driver.Valuer] that writes an
// [id.RunID] to the DB as a `[]byte` (a `BLOB`), treating [id.Nil] as `NULL`,
// and vice versa.
func DbID(id *id.RunID) dbID {
	return dbID{id: id}
}

type dbID struct {
	id *id.RunID
}

var _ driver.Valuer = dbID{}
var _ sql.Scanner = dbID{}

func (dc dbID) Value() (driver.Value, error) {
	if dc.id == nil || *dc.id == id.Nil {
		return nil, nil // Value should be `NULL` (returned as `nil`)
	}
	return (*dc.id)[:], nil
}

func (dc dbID) Scan(value any) error {
	if value == nil {
		*dc.id = id.Nil
		return nil
	}
	switch v := value.(type) {
	case []byte:
		if len(v) != 16 {
			return fmt.Errorf("failed to cast to id: invalid length %d", len(v))
		}
		var i id.RunID
		copy(i[:], v)
		*dc.id = i
	default:
		return fmt.Errorf("unsupported type for id scanning: %T (%v)", v, v)
	}
	return nil
}
