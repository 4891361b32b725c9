// Package lookup implements the lookup cache: a persisted database of
// per-archive directory summaries that lets an archive trust its header
// without reading it.
//
// Records are keyed by the name hash of a canonical archive path and are
// usable only while the content CRC and the cache version both match. The
// whole database is rewritten in one atomic file replace on Flush, and only
// when something changed since the last write.
package lookup
