// Package resfile implements resource archives: container files holding
// named payloads behind a sorted binary directory.
//
// An archive is a 20-byte header, the payload region, and a directory of
// fixed-size entry and alias records. Entries are found by the CRC-32 of
// their normalised name with a binary search; aliases give a second name to
// an existing payload so identical data is stored once.
//
// Archives are created by a [Manager], which bounds how many archives hold
// an open file handle at once and releases the directories of archives that
// have been idle for a number of frames:
//
//	m, err := resfile.NewManager(vfs.OS("/game"))
//	if err != nil {
//	    return err
//	}
//	a := m.NewArchive("shaders/cache/common.pak")
//	if err := a.Open(resfile.ModeRead); err != nil {
//	    return err
//	}
//	defer a.Close()
//	data, err := a.ReadEntry("vs_basic")
//
// # Lookup cache
//
// Opening with [WithLookup] consults a [lookup.Manager] first. When it holds a
// record for the archive whose CRC and cache version match, the header read
// is skipped and the directory is read straight from the recorded offset.
// Every flush pushes the refreshed summary back into the lookup manager.
//
// # Streaming
//
// Opening with [WithStream] loads the directory through a [stream.Engine]
// instead of blocking: Open returns [ErrPending], and later calls return
// ErrPending until both directory reads have completed. Callers poll; there
// are no callbacks into archive code from engine goroutines.
//
// # Writing
//
// Entries added in write mode are staged in memory until [Archive.Flush].
// Entries sharing a dedup key collapse into one payload plus aliases. A flush
// appends new payloads, then a fresh directory, and rewrites the header last,
// so an interrupted flush leaves the previous directory readable.
package resfile
