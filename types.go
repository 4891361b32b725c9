package resfile

import (
	"strings"

	"github.com/meigma/resfile/internal/restype"
)

// NameHash identifies an entry by the CRC-32 of its normalised name.
type NameHash = restype.NameHash

// HashName returns the NameHash of name.
func HashName(name string) NameHash { return restype.HashName(name) }

// Flags are the per-entry flag bits.
type Flags = restype.Flags

// Entry flags.
const (
	// FlagNotSaved marks an entry whose payload has not been flushed.
	FlagNotSaved = restype.FlagNotSaved
	// FlagCompress stores the payload as a compressed frame.
	FlagCompress = restype.FlagCompress
	// FlagTempData releases the staged payload after it is flushed.
	FlagTempData = restype.FlagTempData
	// FlagTokens and FlagAnnotations are caller-defined resource kinds.
	FlagTokens      = restype.FlagTokens
	FlagAnnotations = restype.FlagAnnotations
	// FlagCompressed marks staged data that is already a compressed frame.
	FlagCompressed = restype.FlagCompressed
)

// Archive format versions.
const (
	VersionLZ4     = restype.VersionLZ4
	VersionZstd    = restype.VersionZstd
	VersionRaw     = restype.VersionRaw
	DefaultVersion = restype.DefaultVersion
)

// Header is the fixed archive header.
type Header = restype.Header

// DirEntry is one directory record.
type DirEntry = restype.DirEntry

// Entry is the result of resolving a name.
type Entry struct {
	DirEntry

	// Alias reports whether the name resolved through an alias record.
	// DirEntry then describes the target.
	Alias bool
}

// Mode selects how an archive is opened.
type Mode uint8

// Open modes. ModeSwapEndian may be combined with any of them.
const (
	// ModeRead opens an existing archive for reading.
	ModeRead Mode = 1 << iota
	// ModeWrite opens an existing archive for reading and adding entries.
	ModeWrite
	// ModeCreate creates or truncates the archive and opens it for writing.
	ModeCreate
	// ModeSwapEndian reads and writes big-endian records.
	ModeSwapEndian
)

const modeAccess = ModeRead | ModeWrite | ModeCreate

func (m Mode) valid() bool {
	return m&^(modeAccess|ModeSwapEndian) == 0 && m&modeAccess != 0
}

func (m Mode) writable() bool { return m&(ModeWrite|ModeCreate) != 0 }

func (m Mode) String() string {
	if m == 0 {
		return "closed"
	}
	var parts []string
	for _, b := range []struct {
		bit  Mode
		name string
	}{
		{ModeRead, "read"},
		{ModeWrite, "write"},
		{ModeCreate, "create"},
		{ModeSwapEndian, "swap"},
	} {
		if m&b.bit != 0 {
			parts = append(parts, b.name)
		}
	}
	return strings.Join(parts, "|")
}
