package resfile

import "github.com/meigma/resfile/internal/restype"

// Errors re-exported from internal/restype.
var (
	// ErrName is returned for an empty, missing, or unresolvable name.
	ErrName = restype.ErrName

	// ErrMode is returned when an operation is not allowed in the open mode.
	ErrMode = restype.ErrMode

	// ErrFormat is returned for bad magic, unsupported versions, or a short directory.
	ErrFormat = restype.ErrFormat

	// ErrChecksum is returned when a compressed entry fails verification.
	ErrChecksum = restype.ErrChecksum

	// ErrEmpty is returned when an archive opened for reading has no entries.
	ErrEmpty = restype.ErrEmpty

	// ErrIO is returned when a seek, read, or write on the handle fails.
	ErrIO = restype.ErrIO

	// ErrAllocation is returned when a payload or offset exceeds the format's limits.
	ErrAllocation = restype.ErrAllocation

	// ErrInFlight is returned when a stream request duplicates one already outstanding.
	ErrInFlight = restype.ErrInFlight

	// ErrPending is returned while the directory or an entry is still streaming.
	ErrPending = restype.ErrPending

	// ErrBroken is returned by an archive that hit an unrecoverable format error.
	// Discard it and create a new one.
	ErrBroken = restype.ErrBroken

	// ErrExists is returned when adding an entry whose name is already present.
	ErrExists = restype.ErrExists

	// ErrNotFound is returned when an entry is not in the directory.
	ErrNotFound = restype.ErrNotFound

	// ErrBusy is returned when the directory cannot be released yet.
	ErrBusy = restype.ErrBusy

	// ErrConfig is returned for unsupported configuration values.
	ErrConfig = restype.ErrConfig
)
