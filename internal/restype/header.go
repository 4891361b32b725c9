package restype

import (
	"fmt"

	"github.com/meigma/resfile/internal/endian"
)

// HeaderMagic identifies an archive ("RESF" read little-endian).
const HeaderMagic uint32 = 0x46534552

// Supported archive versions. The version selects the codec of compressed entries.
const (
	VersionLZ4  int32 = 10
	VersionZstd int32 = 11
	VersionRaw  int32 = 12

	DefaultVersion = VersionZstd
)

// Record sizes on disk.
const (
	HeaderSize     = 20
	DirEntrySize   = 12
	AliasEntrySize = 8
)

// Fixed record layouts; a change to any size breaks compilation here.
var (
	_ = [1]struct{}{}[HeaderSize-5*4]
	_ = [1]struct{}{}[DirEntrySize-3*4]
	_ = [1]struct{}{}[AliasEntrySize-2*4]
)

// Header is the fixed archive header at offset zero.
type Header struct {
	Magic     uint32
	Version   int32
	NumUnique int32
	DirOffset uint32
	NumRefs   uint32
}

// NewHeader returns an empty header for a freshly created archive.
func NewHeader(version int32) Header {
	return Header{
		Magic:     HeaderMagic,
		Version:   version,
		DirOffset: HeaderSize,
	}
}

// SupportedVersion reports whether v is a known archive version.
func SupportedVersion(v int32) bool {
	switch v {
	case VersionLZ4, VersionZstd, VersionRaw:
		return true
	default:
		return false
	}
}

// Validate checks the magic and version.
func (h Header) Validate() error {
	if h.Magic != HeaderMagic {
		return fmt.Errorf("%w: bad magic %#08x", ErrFormat, h.Magic)
	}
	if !SupportedVersion(h.Version) {
		return fmt.Errorf("%w: unsupported version %d", ErrFormat, h.Version)
	}
	if h.NumUnique < 0 {
		return fmt.Errorf("%w: negative entry count %d", ErrFormat, h.NumUnique)
	}
	return nil
}

// DirSize returns the byte size of the directory the header describes.
func (h Header) DirSize() int64 {
	return int64(h.NumUnique)*DirEntrySize + int64(h.NumRefs)*AliasEntrySize
}

// Marshal encodes the header. Swap selects big-endian fields.
func (h Header) Marshal(swap bool) []byte {
	w := endian.NewWriter(make([]byte, 0, HeaderSize), swap)
	w.U32(h.Magic)
	w.I32(h.Version)
	w.I32(h.NumUnique)
	w.U32(h.DirOffset)
	w.U32(h.NumRefs)
	return w.Bytes()
}

// UnmarshalHeader decodes a header written with the same swap flag.
func UnmarshalHeader(b []byte, swap bool) (Header, error) {
	r := endian.NewReader(b, swap)
	h := Header{
		Magic:     r.U32(),
		Version:   r.I32(),
		NumUnique: r.I32(),
		DirOffset: r.U32(),
		NumRefs:   r.U32(),
	}
	if r.Short() {
		return Header{}, fmt.Errorf("%w: short header (%d bytes)", ErrFormat, len(b))
	}
	return h, nil
}
