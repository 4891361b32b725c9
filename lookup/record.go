package lookup

import "fmt"

// On-disk record sizes.
const (
	RecordSize       = 20
	SourceRecordSize = 4
)

var (
	_ = [1]struct{}{}[RecordSize-(4*4+2*2)]
	_ = [1]struct{}{}[SourceRecordSize-4]
)

// Record summarizes one archive's directory.
type Record struct {
	NumUnique int32
	NumRefs   int32
	DirOffset uint32
	CRC       uint32
	Major     uint16
	Minor     uint16
}

// Version returns the record's cache version as "major.minor".
func (r Record) Version() string {
	return fmt.Sprintf("%d.%d", r.Major, r.Minor)
}

// Matches reports whether r is usable for content crc at version
// major.minor. A zero crc matches any content.
func (r Record) Matches(crc uint32, major, minor uint16) bool {
	if r.Major != major || r.Minor != minor {
		return false
	}
	return crc == 0 || r.CRC == crc
}

// SourceRecord is the secondary per-source-file entry.
type SourceRecord struct {
	CRC uint32
}

// VersionFromFloat splits a cache version such as 1.2 into major 1, minor 2.
// The fraction is scaled by 10.1 in single precision so that values like 1.2
// do not truncate to 1.1.
func VersionFromFloat(v float64) (major, minor uint16) {
	f := float32(v)
	whole := int32(f)
	frac := int32((f - float32(whole)) * 10.1)
	return uint16(whole), uint16(frac) //nolint:gosec // config validates the range
}
