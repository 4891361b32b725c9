// Package vfs defines the file-access capability that archives and lookup
// databases are built on, and provides implementations backed by afero.
//
// Paths are logical, slash-separated names. Resolving them to real files
// (mount points, pak files, aliases) is the implementation's concern.
package vfs

import (
	"errors"
	"io"
	"io/fs"
	"os"
	"path"
	"slices"
	"time"

	"github.com/spf13/afero"
)

// Open flags, as in os.OpenFile.
const (
	ReadOnly  = os.O_RDONLY
	ReadWrite = os.O_RDWR
	Create    = os.O_RDWR | os.O_CREATE | os.O_TRUNC
)

// File is an open handle. Tell is Seek(0, io.SeekCurrent) and Flush is Sync.
type File interface {
	io.Reader
	io.ReaderAt
	io.Writer
	io.WriterAt
	io.Seeker
	io.Closer
	Sync() error
	Truncate(size int64) error
	Stat() (fs.FileInfo, error)
}

// FS is the file-access service consumed by archives.
type FS interface {
	OpenFile(name string, flag int) (File, error)
	Exists(name string) bool
	ModTime(name string) (time.Time, error)
	ReadDir(dir string) ([]string, error)
	MkdirAll(dir string) error
	Rename(oldname, newname string) error
	Remove(name string) error
}

// Tell returns the current offset of f.
func Tell(f io.Seeker) (int64, error) {
	return f.Seek(0, io.SeekCurrent)
}

// Afero adapts an afero.Fs to FS.
type Afero struct {
	fs      afero.Fs
	dirPerm os.FileMode
	perm    os.FileMode
}

// Interface compliance.
var _ FS = (*Afero)(nil)

// New wraps fsys.
func New(fsys afero.Fs) *Afero {
	return &Afero{fs: fsys, dirPerm: 0o755, perm: 0o644}
}

// OS returns an FS rooted at dir on the local filesystem.
func OS(dir string) *Afero {
	return New(afero.NewBasePathFs(afero.NewOsFs(), dir))
}

// Memory returns an empty in-memory FS.
func Memory() *Afero {
	return New(afero.NewMemMapFs())
}

func clean(name string) string {
	return path.Clean("/" + name)
}

// OpenFile opens name with the given flags.
func (a *Afero) OpenFile(name string, flag int) (File, error) {
	name = clean(name)
	if flag&os.O_CREATE != 0 {
		if err := a.fs.MkdirAll(path.Dir(name), a.dirPerm); err != nil {
			return nil, err
		}
	}
	f, err := a.fs.OpenFile(name, flag, a.perm)
	if err != nil {
		return nil, err
	}
	return aferoFile{File: f}, nil
}

// aferoFile reports short ReadAt calls with io.EOF, as os.File does. The
// in-memory afero file returns a nil error when the read stops at the end
// and io.ErrUnexpectedEOF when it starts past it.
type aferoFile struct {
	afero.File
}

func (f aferoFile) ReadAt(p []byte, off int64) (int, error) {
	n, err := f.File.ReadAt(p, off)
	if n < len(p) && (err == nil || errors.Is(err, io.ErrUnexpectedEOF)) {
		err = io.EOF
	}
	return n, err
}

// Exists reports whether name exists.
func (a *Afero) Exists(name string) bool {
	ok, err := afero.Exists(a.fs, clean(name))
	return err == nil && ok
}

// ModTime returns the modification time of name.
func (a *Afero) ModTime(name string) (time.Time, error) {
	info, err := a.fs.Stat(clean(name))
	if err != nil {
		return time.Time{}, err
	}
	return info.ModTime(), nil
}

// ReadDir returns the sorted names of the files directly inside dir.
func (a *Afero) ReadDir(dir string) ([]string, error) {
	infos, err := afero.ReadDir(a.fs, clean(dir))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	names := make([]string, 0, len(infos))
	for _, info := range infos {
		if info.IsDir() {
			continue
		}
		names = append(names, info.Name())
	}
	slices.Sort(names)
	return names, nil
}

// MkdirAll creates dir and its parents.
func (a *Afero) MkdirAll(dir string) error {
	return a.fs.MkdirAll(clean(dir), a.dirPerm)
}

// Rename moves oldname to newname, replacing it.
func (a *Afero) Rename(oldname, newname string) error {
	return a.fs.Rename(clean(oldname), clean(newname))
}

// Remove deletes name. A missing file is not an error.
func (a *Afero) Remove(name string) error {
	err := a.fs.Remove(clean(name))
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}

// ReadFile reads the whole of name.
func ReadFile(fsys FS, name string) ([]byte, error) {
	f, err := fsys.OpenFile(name, ReadOnly)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return io.ReadAll(f)
}

// WriteFileAtomic replaces name with data by writing a sibling temporary file
// and renaming it over name.
func WriteFileAtomic(fsys FS, name string, data []byte) error {
	tmp := name + ".tmp"
	f, err := fsys.OpenFile(tmp, Create)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		_ = fsys.Remove(tmp)
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		_ = fsys.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		_ = fsys.Remove(tmp)
		return err
	}
	if err := fsys.Rename(tmp, name); err != nil {
		_ = fsys.Remove(tmp)
		return err
	}
	return nil
}
