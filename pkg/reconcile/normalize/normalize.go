// Package normalize maps provider-native scene identifiers and index-native
// dataset locations onto a single canonical comparison key.
//
// The canonical key has the shape <product>/<grid>/<acquired-date> where the
// grid component depends on the provider family: an MGRS tile for Sentinel-2
// (e.g. T36JTT), a WRS-2 path/row pair for Landsat (e.g. 168/060), and a
// datatake identifier for Sentinel-1. Differing case, zero-padding and
// id-vs-URI encodings of the same acquisition normalize to the same key.
package normalize

import (
	"fmt"
	"strings"

	"github.com/scenesync/scenesync/pkg/reconcile/types"
)

// Family is a provider naming scheme.
type Family string

const (
	FamilySentinel2 Family = "sentinel-2"
	FamilySentinel1 Family = "sentinel-1"
	FamilyLandsat   Family = "landsat"
)

// FamilyForProduct derives the provider family from a local product name.
func FamilyForProduct(product string) (Family, error) {
	p := strings.ToLower(product)
	switch {
	case strings.HasPrefix(p, "s2"):
		return FamilySentinel2, nil
	case strings.HasPrefix(p, "s1"):
		return FamilySentinel1, nil
	case strings.HasPrefix(p, "ls") || strings.HasPrefix(p, "landsat"):
		return FamilyLandsat, nil
	default:
		return "", fmt.Errorf("no provider family for product %q", product)
	}
}

// CanonicalKey maps a provider scene identifier or an index dataset location
// onto the canonical comparison key for the given product. Returns a
// types.NormalizationError for identifiers it cannot parse; callers route the
// offending descriptor to the report's skipped bucket rather than dropping it.
func CanonicalKey(product, raw string) (string, error) {
	family, err := FamilyForProduct(product)
	if err != nil {
		return "", types.NewNormalizationError(raw, err.Error())
	}

	id := strings.TrimSpace(raw)
	if id == "" {
		return "", types.NewNormalizationError(raw, "empty identifier")
	}

	switch family {
	case FamilySentinel2:
		return sentinel2Key(product, id)
	case FamilySentinel1:
		return sentinel1Key(product, id)
	case FamilyLandsat:
		return landsatKey(product, id)
	}
	return "", types.NewNormalizationError(raw, "unreachable family")
}

// isoDate formats a YYYYMMDD compact date as YYYY-MM-DD. The caller has
// already matched the shape.
func isoDate(compact string) string {
	return compact[0:4] + "-" + compact[4:6] + "-" + compact[6:8]
}

// looksLikeURI reports whether raw is a storage location rather than a bare
// scene identifier.
func looksLikeURI(raw string) bool {
	return strings.Contains(raw, "/")
}

// pathSegments splits a URI into its path segments, dropping the scheme and
// bucket of s3:// and https:// locations.
func pathSegments(raw string) []string {
	s := raw
	if i := strings.Index(s, "://"); i >= 0 {
		s = s[i+3:]
		// drop the bucket/host segment
		if j := strings.Index(s, "/"); j >= 0 {
			s = s[j+1:]
		}
	}
	return strings.Split(strings.Trim(s, "/"), "/")
}
