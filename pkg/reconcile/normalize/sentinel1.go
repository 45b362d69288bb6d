package normalize

import (
	"regexp"
	"strings"

	"github.com/scenesync/scenesync/pkg/reconcile/types"
)

// Sentinel-1 identifiers:
//
//	scene id:  S1A_IW_GRDH_1SDV_20240117T041412_20240117T041437_052123_064D5E_A1B2
//	location:  .../s1_rtc/<grid>/2024/01/17/064D5E/...
//
// The datatake component (hex, second-to-last field of the scene id) plus the
// acquisition date identify the acquisition across both encodings; the tiling
// grid cell in the location is a product of processing, not of the
// acquisition, so it does not participate in the key. Keys normalize to
// <product>/<datatake>/<date>.

var (
	s1IDRe       = regexp.MustCompile(`^S1[A-D]_[A-Z0-9]{2}_[A-Z0-9]{4}_[A-Z0-9]{4}_(\d{8})T\d{6}_\d{8}T\d{6}_\d{6}_([0-9A-F]{6})_[0-9A-F]{4}$`)
	s1DatatakeRe = regexp.MustCompile(`^[0-9A-F]{6}$`)
	s1DateDirRe  = regexp.MustCompile(`^\d{4}$|^\d{2}$`)
)

func sentinel1Key(product, raw string) (string, error) {
	if looksLikeURI(raw) {
		return sentinel1KeyFromURI(product, raw)
	}

	id := strings.ToUpper(raw)
	m := s1IDRe.FindStringSubmatch(id)
	if m == nil {
		return "", types.NewNormalizationError(raw, "unrecognized Sentinel-1 identifier")
	}
	return product + "/" + m[2] + "/" + isoDate(m[1]), nil
}

// sentinel1KeyFromURI parses the <grid>/<year>/<month>/<day>/<datatake>
// layout. The datatake segment directly follows the three date segments.
func sentinel1KeyFromURI(product, raw string) (string, error) {
	segments := pathSegments(raw)
	for i := 0; i+3 < len(segments); i++ {
		year, month, day := segments[i], segments[i+1], segments[i+2]
		datatake := strings.ToUpper(segments[i+3])
		if len(year) != 4 || !s1DateDirRe.MatchString(year) ||
			!s1DateDirRe.MatchString(month) || len(month) != 2 ||
			!s1DateDirRe.MatchString(day) || len(day) != 2 {
			continue
		}
		if !s1DatatakeRe.MatchString(datatake) {
			continue
		}
		return product + "/" + datatake + "/" + year + "-" + month + "-" + day, nil
	}
	return "", types.NewNormalizationError(raw, "no Sentinel-1 datatake in location")
}
