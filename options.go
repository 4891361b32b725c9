package resfile

import (
	"log/slog"

	"github.com/meigma/resfile/lookup"
	"github.com/meigma/resfile/stream"
)

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithMaxOpenFiles sets how many archives may hold an open handle at once
// (default 64). Activating one more deactivates the least recently used.
func WithMaxOpenFiles(n int) ManagerOption {
	return func(m *Manager) {
		m.maxOpen = n
	}
}

// WithIdleFrames sets how many frames an untouched archive keeps its
// directory before Tick releases it (default 300).
func WithIdleFrames(n int) ManagerOption {
	return func(m *Manager) {
		m.idleFrames = n
	}
}

// WithFormatVersion sets the header version of created archives, which also
// selects their compression codec (default VersionZstd). It is also the
// version assumed for archives opened through a trusted lookup record.
func WithFormatVersion(v int32) ManagerOption {
	return func(m *Manager) {
		m.version = v
	}
}

// WithSwapEndian makes every archive opened by the manager big-endian, as if
// ModeSwapEndian were always passed.
func WithSwapEndian(swap bool) ManagerOption {
	return func(m *Manager) {
		m.swap = swap
	}
}

// WithEngine sets the streaming engine used by NewStreamInfo.
func WithEngine(e stream.Engine) ManagerOption {
	return func(m *Manager) {
		m.engine = e
	}
}

// WithDefaultLookup sets the lookup manager used by archives opened without
// WithLookup.
func WithDefaultLookup(l *lookup.Manager) ManagerOption {
	return func(m *Manager) {
		m.lookup = l
	}
}

// WithMaxDecoderMemory limits the memory used by the zstd decoder.
// Set limit to 0 to disable the limit.
func WithMaxDecoderMemory(limit uint64) ManagerOption {
	return func(m *Manager) {
		m.maxDecoderMemory = limit
	}
}

// WithLogger sets the logger for activation, eviction, and flush events.
func WithLogger(logger *slog.Logger) ManagerOption {
	return func(m *Manager) {
		m.logger = logger
	}
}

// OpenOption configures a single Open call.
type OpenOption func(*openConfig)

type openConfig struct {
	lookup      *lookup.Manager
	noLookup    bool
	info        *stream.Info
	expectedCRC uint32
}

// WithLookup consults l before reading the header and refreshes it on flush.
// Passing nil disables the manager's default lookup for this archive.
func WithLookup(l *lookup.Manager) OpenOption {
	return func(c *openConfig) {
		c.lookup = l
		c.noLookup = l == nil
	}
}

// WithStream loads the directory asynchronously through info. The archive
// holds a reference to info until it is closed.
func WithStream(info *stream.Info) OpenOption {
	return func(c *openConfig) {
		c.info = info
	}
}

// WithExpectedCRC only trusts a lookup record carrying this content CRC.
// The CRC is also stored with the summary pushed on flush.
func WithExpectedCRC(crc uint32) OpenOption {
	return func(c *openConfig) {
		c.expectedCRC = crc
	}
}

// EntryOption configures AddEntry and AddEntryData.
type EntryOption func(*entryConfig)

type entryConfig struct {
	flags Flags
	key   uint32
}

// EntryFlags sets the entry's flags. FlagNotSaved is always added.
func EntryFlags(f Flags) EntryOption {
	return func(c *entryConfig) {
		c.flags = f
	}
}

// EntryDedupKey groups the entry with every other unsaved entry using key k:
// at flush the group is stored once and the other names become aliases.
// Keys run from 1 to 2^31-1.
func EntryDedupKey(k uint32) EntryOption {
	return func(c *entryConfig) {
		c.key = k
	}
}
