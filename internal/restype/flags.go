package restype

import "strings"

// Flags is the 8-bit flag field of a directory entry.
type Flags uint8

const (
	// FlagNotSaved marks an entry whose payload has not been written yet.
	FlagNotSaved Flags = 0x01

	// FlagCompress marks an entry whose payload is stored as a compressed frame.
	FlagCompress Flags = 0x04

	// FlagTempData marks a staged buffer that is released once flushed.
	FlagTempData Flags = 0x08

	// FlagTokens and FlagAnnotations are caller-defined resource kinds.
	FlagTokens      Flags = 0x20
	FlagAnnotations Flags = 0x40

	// FlagCompressed marks a staged buffer that already holds a compressed frame.
	FlagCompressed Flags = 0x80
)

// Has reports whether all bits of mask are set.
func (f Flags) Has(mask Flags) bool {
	return f&mask == mask
}

func (f Flags) String() string {
	if f == 0 {
		return "none"
	}
	names := []struct {
		flag Flags
		name string
	}{
		{FlagNotSaved, "notsaved"},
		{FlagCompress, "compress"},
		{FlagTempData, "temp"},
		{FlagTokens, "tokens"},
		{FlagAnnotations, "annotations"},
		{FlagCompressed, "compressed"},
	}
	var parts []string
	for _, n := range names {
		if f.Has(n.flag) {
			parts = append(parts, n.name)
		}
	}
	if len(parts) == 0 {
		return "unknown"
	}
	return strings.Join(parts, "|")
}
