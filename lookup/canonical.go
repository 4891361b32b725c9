package lookup

import "strings"

// DefaultMarker is the path segment after which archive paths are keyed.
const DefaultMarker = "shaders/cache/"

// Canonicalize maps an archive path to its cache key: lowercase with forward
// slashes, relative to the cache root when under it, else the part after
// the marker segment. Paths matching neither are keyed whole.
func (m *Manager) Canonicalize(path string) string {
	return canonicalize(path, m.cacheRoot, m.marker)
}

func canonicalize(path, root, marker string) string {
	key := normalize(path)
	if root != "" {
		if rest, ok := strings.CutPrefix(key, root); ok {
			return strings.TrimLeft(rest, "/")
		}
	}
	if marker != "" {
		if i := strings.Index(key, marker); i >= 0 {
			return key[i+len(marker):]
		}
	}
	return strings.TrimLeft(key, "/")
}

func normalize(path string) string {
	return strings.ToLower(strings.ReplaceAll(path, "\\", "/"))
}
