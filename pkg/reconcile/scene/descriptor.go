// Package scene defines the descriptor shared by catalog and index listings.
package scene

import (
	"fmt"
	"time"

	"github.com/scenesync/scenesync/pkg/reconcile/types"
)

// Origin identifies which side of the reconciliation a descriptor came from.
type Origin string

const (
	// OriginCatalog marks a descriptor enumerated from an upstream
	// acquisition catalog.
	OriginCatalog Origin = "catalog"

	// OriginIndex marks a descriptor enumerated from the local dataset index.
	OriginIndex Origin = "index"
)

func validOrigin(origin Origin) bool {
	return origin == OriginCatalog || origin == OriginIndex
}

// Status is the index-side lifecycle state of a dataset. Catalog descriptors
// always carry StatusUnknown.
type Status string

const (
	StatusActive   Status = "active"
	StatusArchived Status = "archived"
	StatusUnknown  Status = "unknown"
)

func validStatus(status Status) bool {
	switch status {
	case StatusActive, StatusArchived, StatusUnknown:
		return true
	default:
		return false
	}
}

// Descriptor represents one observable acquisition or indexed dataset. Two
// descriptors with equal canonical key are the same physical scene regardless
// of origin or raw identifier formatting.
type Descriptor struct {
	canonicalKey string    // normalized comparison key, unique within a run window
	rawID        string    // provider/index-native identifier, kept for audit
	product      string    // product the scene belongs to, e.g. s2_l2a
	sourceURI    string    // location of the scene's primary artifact
	acquiredAt   time.Time // acquisition time (UTC), used for windowing and ordering
	origin       Origin
	status       Status
}

// CanonicalKey returns the normalized comparison key.
func (d *Descriptor) CanonicalKey() string {
	return d.canonicalKey
}

// RawID returns the provider- or index-native identifier.
func (d *Descriptor) RawID() string {
	return d.rawID
}

// Product returns the product the scene belongs to.
func (d *Descriptor) Product() string {
	return d.product
}

// SourceURI returns the location of the scene's primary artifact.
func (d *Descriptor) SourceURI() string {
	return d.sourceURI
}

// AcquiredAt returns the acquisition time in UTC.
func (d *Descriptor) AcquiredAt() time.Time {
	return d.acquiredAt
}

// Origin returns which side of the reconciliation the descriptor came from.
func (d *Descriptor) Origin() Origin {
	return d.origin
}

// Status returns the index lifecycle state. StatusUnknown for catalog
// descriptors.
func (d *Descriptor) Status() Status {
	return d.status
}

func validateDescriptor(d *Descriptor) error {
	if d.canonicalKey == "" {
		return types.ErrEmpty{Field: "canonical key"}
	}
	if d.rawID == "" {
		return types.ErrEmpty{Field: "raw ID"}
	}
	if d.product == "" {
		return types.ErrEmpty{Field: "product"}
	}
	if d.acquiredAt.IsZero() {
		return types.ErrEmpty{Field: "acquired at"}
	}
	if !validOrigin(d.origin) {
		return fmt.Errorf("invalid origin: %s", d.origin)
	}
	if !validStatus(d.status) {
		return fmt.Errorf("invalid status: %s", d.status)
	}
	if d.origin == OriginCatalog && d.status != StatusUnknown {
		return fmt.Errorf("catalog descriptor cannot carry index status %s", d.status)
	}
	return nil
}

// Option configures a descriptor at construction time.
type Option func(*Descriptor)

// WithStatus sets the index lifecycle state. Only meaningful for index
// descriptors.
func WithStatus(status Status) Option {
	return func(d *Descriptor) {
		d.status = status
	}
}

// NewDescriptor creates a descriptor for one scene.
func NewDescriptor(canonicalKey, rawID, product, sourceURI string, acquiredAt time.Time, origin Origin, options ...Option) (*Descriptor, error) {
	d := &Descriptor{
		canonicalKey: canonicalKey,
		rawID:        rawID,
		product:      product,
		sourceURI:    sourceURI,
		acquiredAt:   acquiredAt.UTC().Truncate(time.Second),
		origin:       origin,
		status:       StatusUnknown,
	}
	for _, opt := range options {
		opt(d)
	}
	if err := validateDescriptor(d); err != nil {
		return nil, err
	}
	return d, nil
}

// DescriptorWriter is a function type that defines the signature for writing
// a descriptor to a database row.
type DescriptorWriter func(canonicalKey, rawID, product, sourceURI string, acquiredAt time.Time, origin Origin, status Status) error

// WriteDescriptorToDatabase writes a descriptor using the provided writer
// function.
func WriteDescriptorToDatabase(writer DescriptorWriter, d *Descriptor) error {
	return writer(d.canonicalKey, d.rawID, d.product, d.sourceURI, d.acquiredAt, d.origin, d.status)
}

// DescriptorScanner is a function type that defines the signature for scanning
// a descriptor from a database row.
type DescriptorScanner func(canonicalKey, rawID, product, sourceURI *string, acquiredAt *time.Time, origin *Origin, status *Status) error

// ReadDescriptorFromDatabase reads a descriptor using the provided scanner
// function.
func ReadDescriptorFromDatabase(scanner DescriptorScanner) (*Descriptor, error) {
	var d Descriptor
	if err := scanner(&d.canonicalKey, &d.rawID, &d.product, &d.sourceURI, &d.acquiredAt, &d.origin, &d.status); err != nil {
		return nil, err
	}
	if err := validateDescriptor(&d); err != nil {
		return nil, err
	}
	return &d, nil
}
