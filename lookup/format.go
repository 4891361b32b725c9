package lookup

import (
	"fmt"
	"maps"
	"slices"

	"github.com/meigma/resfile/internal/endian"
	"github.com/meigma/resfile/internal/restype"
)

// LookupMagic identifies a lookup database ("RLKP" read little-endian).
const LookupMagic uint32 = 0x504b4c52

// FormatVersion is the layout version written to the database header.
const FormatVersion int32 = 1

const versionLen = 16

// database is the in-memory form of the file.
type database struct {
	version string
	records map[restype.NameHash]Record
	sources map[restype.NameHash]SourceRecord
}

func newDatabase(version string) *database {
	return &database{
		version: version,
		records: make(map[restype.NameHash]Record),
		sources: make(map[restype.NameHash]SourceRecord),
	}
}

// encode writes the database with keys in ascending order.
func (db *database) encode(swap bool) []byte {
	size := 4 + 4 + versionLen +
		4 + len(db.records)*(4+RecordSize) +
		4 + len(db.sources)*(4+SourceRecordSize)
	w := endian.NewWriter(make([]byte, 0, size), swap)

	w.U32(LookupMagic)
	w.I32(FormatVersion)
	var v [versionLen]byte
	copy(v[:versionLen-1], db.version)
	w.Raw(v[:])

	w.U32(uint32(len(db.records))) //nolint:gosec // bounded by the hash space
	for _, h := range slices.Sorted(maps.Keys(db.records)) {
		r := db.records[h]
		w.U32(uint32(h))
		w.I32(r.NumUnique)
		w.I32(r.NumRefs)
		w.U32(r.DirOffset)
		w.U32(r.CRC)
		w.U16(r.Major)
		w.U16(r.Minor)
	}

	w.U32(uint32(len(db.sources))) //nolint:gosec // bounded by the hash space
	for _, h := range slices.Sorted(maps.Keys(db.sources)) {
		w.U32(uint32(h))
		w.U32(db.sources[h].CRC)
	}
	return w.Bytes()
}

// decode parses a database file. A wrong magic, layout version, or cache
// version is reported as restype.ErrFormat.
func decode(data []byte, swap bool, version string) (*database, error) {
	r := endian.NewReader(data, swap)
	if magic := r.U32(); magic != LookupMagic {
		return nil, fmt.Errorf("%w: lookup magic %08x", restype.ErrFormat, magic)
	}
	if f := r.I32(); f != FormatVersion {
		return nil, fmt.Errorf("%w: lookup format %d", restype.ErrFormat, f)
	}
	if got := cString(r.Raw(versionLen)); got != version {
		return nil, fmt.Errorf("%w: lookup version %q, want %q", restype.ErrFormat, got, version)
	}

	db := newDatabase(version)
	n := r.U32()
	if uint64(n)*(4+RecordSize) > uint64(r.Remaining()) {
		return nil, fmt.Errorf("%w: lookup record count %d", restype.ErrFormat, n)
	}
	for range n {
		h := restype.NameHash(r.U32())
		db.records[h] = Record{
			NumUnique: r.I32(),
			NumRefs:   r.I32(),
			DirOffset: r.U32(),
			CRC:       r.U32(),
			Major:     r.U16(),
			Minor:     r.U16(),
		}
	}

	n = r.U32()
	if uint64(n)*(4+SourceRecordSize) > uint64(r.Remaining()) {
		return nil, fmt.Errorf("%w: lookup source count %d", restype.ErrFormat, n)
	}
	for range n {
		h := restype.NameHash(r.U32())
		db.sources[h] = SourceRecord{CRC: r.U32()}
	}
	if r.Short() {
		return nil, fmt.Errorf("%w: lookup database truncated", restype.ErrFormat)
	}
	return db, nil
}

func cString(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}
