package rewrite

import (
	"crypto/md5"
	"encoding/hex"
	"net/url"
	"path"
	"strings"
)

// DefaultContainer is used when no known extension is found.
const DefaultContainer = "mp4"

var containers = map[string]string{
	".mp4":  "mp4",
	".mkv":  "mkv",
	".avi":  "avi",
	".mov":  "mov",
	".wmv":  "wmv",
	".flv":  "flv",
	".webm": "webm",
	".m4v":  "m4v",
	".3gp":  "3gp",
	".ts":   "mpegts",
	".mts":  "mpegts",
	".m2ts": "mpegts",
	".m3u8": "hls",
	".mp3":  "mp3",
	".wav":  "wav",
	".flac": "flac",
	".aac":  "aac",
	".ogg":  "ogg",
	".m4a":  "m4a",
}

// InferContainer maps the extension of the URL path to a container name.
// Unknown extensions yield DefaultContainer.
func InferContainer(rawURL string) string {
	if c, ok := containerOf(urlPath(rawURL)); ok {
		return c
	}
	return DefaultContainer
}

func containerOf(p string) (string, bool) {
	c, ok := containers[strings.ToLower(path.Ext(p))]
	return c, ok
}

func urlPath(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return u.Path
}

// ETag returns the quoted, deterministic content tag for a resolved URL.
func ETag(rawURL string) string {
	sum := md5.Sum([]byte(rawURL))
	return `"` + hex.EncodeToString(sum[:])[:16] + `"`
}
