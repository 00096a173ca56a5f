package resolver

import (
	"net/url"
	"strings"

	"github.com/wolfeidau/strm-proxy/mediaserver"
)

// ItemIDFromRequest extracts the item id from a media-server request path,
// falling back to the MediaSourceId query parameter. It returns "" when no
// id is present.
func ItemIDFromRequest(p string, query url.Values) string {
	segments := strings.FieldsFunc(p, func(r rune) bool { return r == '/' })
	for i, seg := range segments {
		if !strings.EqualFold(seg, "videos") && !strings.EqualFold(seg, "items") {
			continue
		}
		if i+1 >= len(segments) {
			break
		}
		if id := leadingDigits(segments[i+1]); id != "" {
			return id
		}
	}

	msid := MediaSourceID(query)
	if stripped := mediaserver.StripMediaSourcePrefix(msid); stripped != msid {
		return stripped
	}
	if msid != "" && leadingDigits(msid) == msid {
		return msid
	}
	return ""
}

// MediaSourceID returns the MediaSourceId query parameter in either case
// form.
func MediaSourceID(query url.Values) string {
	if v := query.Get("MediaSourceId"); v != "" {
		return v
	}
	return query.Get("mediaSourceId")
}

func leadingDigits(s string) string {
	n := 0
	for n < len(s) && s[n] >= '0' && s[n] <= '9' {
		n++
	}
	return s[:n]
}
