// Package pathmap maps media-server file paths into the cloud-drive mount.
package pathmap

import (
	"strings"

	"github.com/wolfeidau/strm-proxy/config"
)

// Local is the display form of an unmappable path: the resource lives outside
// the cloud drive and must be relayed by the proxy itself.
const Local = "LOCAL"

// Mapper rewrites a from-prefix into a to-prefix. The zero value maps nothing.
type Mapper struct {
	Enable bool
	From   string
	To     string
	Mount  string
}

// New creates a Mapper from the path mapping config and the drive mount path.
func New(pm config.PathMappingConfig, mount string) Mapper {
	return Mapper{
		Enable: pm.Enable,
		From:   pm.From,
		To:     pm.To,
		Mount:  mount,
	}
}

// FromConfig creates a Mapper from a full config.
func FromConfig(cfg *config.Config) Mapper {
	return New(cfg.Emby.PathMapping, cfg.Pan123.MountPath)
}

// Normalize converts Windows separators to forward slashes.
func Normalize(p string) string {
	return strings.ReplaceAll(p, `\`, "/")
}

// Map returns the mapped virtual path. ok is false when mapping is disabled
// or p does not start with the from-prefix, which means the path is Local.
func (m Mapper) Map(p string) (mapped string, ok bool) {
	if !m.Enable {
		return "", false
	}

	p = Normalize(p)
	from := Normalize(m.From)
	if !strings.HasPrefix(p, from) {
		return "", false
	}

	return m.To + p[len(from):], true
}

// Relative strips the mount prefix from a mapped path and guarantees a
// leading slash.
func (m Mapper) Relative(mapped string) string {
	return StripMount(mapped, m.Mount)
}

// StripMount removes mount from the front of mapped and guarantees a
// leading slash.
func StripMount(mapped, mount string) string {
	rel := mapped
	if mount != "" && strings.HasPrefix(mapped, mount) {
		rel = mapped[len(mount):]
	}
	if !strings.HasPrefix(rel, "/") {
		rel = "/" + rel
	}
	return rel
}
