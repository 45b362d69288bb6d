package normalize

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/scenesync/scenesync/pkg/reconcile/types"
)

// Landsat Collection 2 identifiers:
//
//	product id:  LC08_L2SP_168060_20240117_20240125_02_T1
//	location:    .../collection02/level-2/standard/oli-tirs/2024/168/060/LC08_L2SP_168060_20240117_20240125_02_T1/...
//
// Both normalize to <product>/<path>/<row>/<date> with the WRS-2 path and row
// zero-padded to three digits. The USGS bulk files sometimes strip leading
// zeros from path/row, so padding is applied on every parse.

var (
	landsatIDRe      = regexp.MustCompile(`^L[COTEM]\d{2}_L2[A-Z]{2}_(\d{1,3})(\d{3})_(\d{8})_\d{8}_\d{2}_[A-Z]\d$`)
	landsatPathRowRe = regexp.MustCompile(`^\d{1,3}$`)
)

func landsatKey(product, raw string) (string, error) {
	if looksLikeURI(raw) {
		return landsatKeyFromURI(product, raw)
	}

	id := strings.ToUpper(raw)
	m := landsatIDRe.FindStringSubmatch(id)
	if m == nil {
		return "", types.NewNormalizationError(raw, "unrecognized Landsat Collection 2 identifier")
	}
	return fmt.Sprintf("%s/%s/%s/%s", product, padPathRow(m[1]), m[2], isoDate(m[3])), nil
}

// landsatKeyFromURI walks the location segments looking for a Collection 2
// product identifier; the path/row directory components are ignored in favor
// of the identifier itself, which always carries both.
func landsatKeyFromURI(product, raw string) (string, error) {
	for _, segment := range pathSegments(raw) {
		candidate := strings.ToUpper(segment)
		if m := landsatIDRe.FindStringSubmatch(candidate); m != nil {
			return fmt.Sprintf("%s/%s/%s/%s", product, padPathRow(m[1]), m[2], isoDate(m[3])), nil
		}
	}
	return "", types.NewNormalizationError(raw, "no Landsat product identifier in location")
}

// padPathRow left-pads a WRS path or row to three digits.
func padPathRow(s string) string {
	for len(s) < 3 {
		s = "0" + s
	}
	return s
}

// LandsatPathRow builds the zero-padded concatenated path/row used by
// allowlist files (e.g. 168060). Returns an error when either component is
// not numeric.
func LandsatPathRow(path, row string) (string, error) {
	path = strings.TrimSpace(path)
	row = strings.TrimSpace(row)
	if !landsatPathRowRe.MatchString(path) || !landsatPathRowRe.MatchString(row) {
		return "", fmt.Errorf("invalid WRS path/row %q/%q", path, row)
	}
	return padPathRow(path) + padPathRow(row), nil
}
