package normalize

import (
	"regexp"
	"strings"

	"github.com/scenesync/scenesync/pkg/reconcile/types"
)

// Sentinel-2 identifiers come in three shapes:
//
//	SAFE product id:  S2A_MSIL2A_20240117T082211_N0510_R121_T36JTT_20240117T101234
//	earth-search id:  S2A_36JTT_20240117_0_L2A
//	COG location:     .../sentinel-s2-l2a-cogs/36/J/TT/2024/1/S2A_36JTT_20240117_0_L2A/...
//
// All normalize to <product>/T<tile>/<date>.

var (
	s2SafeRe   = regexp.MustCompile(`^S2[A-D]_MSIL[12][AC]_(\d{8})T\d{6}_N\d{4}_R\d{3}_T(\d{2}[A-Z]{3})_\d{8}T\d{6}$`)
	s2SearchRe = regexp.MustCompile(`^S2[A-D]_(\d{1,2}[A-Z]{3})_(\d{8})_\d+_L[12][AC]$`)
)

func sentinel2Key(product, raw string) (string, error) {
	if looksLikeURI(raw) {
		return sentinel2KeyFromURI(product, raw)
	}

	id := strings.ToUpper(raw)
	if m := s2SafeRe.FindStringSubmatch(id); m != nil {
		return product + "/T" + m[2] + "/" + isoDate(m[1]), nil
	}
	if m := s2SearchRe.FindStringSubmatch(id); m != nil {
		return product + "/T" + padMGRSTile(m[1]) + "/" + isoDate(m[2]), nil
	}
	return "", types.NewNormalizationError(raw, "unrecognized Sentinel-2 identifier")
}

// sentinel2KeyFromURI derives the key from the tile-grid path layout
// <utm-zone>/<lat-band>/<grid-square>/<year>/<month>/<scene-id>/.
func sentinel2KeyFromURI(product, raw string) (string, error) {
	segments := pathSegments(raw)
	for _, segment := range segments {
		// the scene id segment is self-contained
		candidate := strings.TrimSuffix(strings.ToUpper(segment), ".JSON")
		if m := s2SearchRe.FindStringSubmatch(candidate); m != nil {
			return product + "/T" + padMGRSTile(m[1]) + "/" + isoDate(m[2]), nil
		}
		if m := s2SafeRe.FindStringSubmatch(candidate); m != nil {
			return product + "/T" + m[2] + "/" + isoDate(m[1]), nil
		}
	}
	return "", types.NewNormalizationError(raw, "no Sentinel-2 scene identifier in location")
}

// padMGRSTile zero-pads a single-digit UTM zone, so 6JTT and 06JTT compare
// equal.
func padMGRSTile(tile string) string {
	tile = strings.ToUpper(tile)
	if len(tile) == 4 {
		return "0" + tile
	}
	return tile
}
