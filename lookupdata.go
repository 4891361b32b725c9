package resfile

import "github.com/meigma/resfile/lookup"

// LookupData returns the lookup record of the archive. With create, the
// record is (re)written from the current header, stamped with crc and the
// cache version v (for example 1.2), and crc becomes the CRC pushed on later
// flushes. It reports false when the archive has no lookup manager or, without
// create, no record.
func (a *Archive) LookupData(create bool, crc uint32, v float64) (lookup.Record, bool) {
	a.m.stateMu.Lock()
	defer a.m.stateMu.Unlock()
	if a.lookup == nil {
		return lookup.Record{}, false
	}
	if !create {
		return a.lookup.GetData(a.name)
	}
	major, minor := lookup.VersionFromFloat(v)
	rec := lookup.Record{
		NumUnique: a.header.NumUnique,
		NumRefs:   int32(a.header.NumRefs), //nolint:gosec // counts fit the header
		DirOffset: a.header.DirOffset,
		CRC:       crc,
		Major:     major,
		Minor:     minor,
	}
	a.lookup.PutData(a.name, rec)
	a.crc = crc
	return rec, true
}
