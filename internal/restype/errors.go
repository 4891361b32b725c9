package restype

import (
	"errors"
	"fmt"
)

// Sentinel errors for archive operations.
//
// Callers test for them with errors.Is; returned errors wrap them with
// context about the archive or entry involved.
var (
	// ErrName is returned for an empty, unknown, or unresolvable name.
	ErrName = errors.New("resfile: bad name")

	// ErrMode is returned when an operation is not allowed in the open mode.
	ErrMode = errors.New("resfile: bad access mode")

	// ErrFormat is returned for bad magic, unsupported versions, or a short directory.
	ErrFormat = errors.New("resfile: bad format")

	// ErrChecksum is returned when a compressed frame fails verification.
	ErrChecksum = fmt.Errorf("%w: checksum mismatch", ErrFormat)

	// ErrEmpty is returned when an archive opened for reading has no entries.
	ErrEmpty = fmt.Errorf("%w: archive has no entries", ErrFormat)

	// ErrIO is returned when a seek, read, or write on the handle fails.
	ErrIO = errors.New("resfile: i/o failure")

	// ErrAllocation is returned when a payload exceeds the supported size.
	ErrAllocation = errors.New("resfile: size limit exceeded")

	// ErrInFlight is returned when a stream request duplicates one already outstanding.
	ErrInFlight = errors.New("resfile: request already in flight")

	// ErrPending is returned while a directory or entry is still streaming.
	ErrPending = errors.New("resfile: pending")

	// ErrBroken is returned by an archive instance that hit an unrecoverable format error.
	ErrBroken = errors.New("resfile: archive unusable")

	// ErrExists is returned when adding an entry whose name is already present.
	ErrExists = errors.New("resfile: entry exists")

	// ErrNotFound is returned when an entry is not present in the directory.
	ErrNotFound = errors.New("resfile: entry not found")

	// ErrBusy is returned when the directory cannot be released yet.
	ErrBusy = errors.New("resfile: directory busy")

	// ErrConfig is returned for unsupported configuration values.
	ErrConfig = errors.New("resfile: bad configuration")
)
