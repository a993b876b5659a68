// Package mmapfile owns a single file descriptor and a large, fixed
// virtual mapping over it — the storage primitive every paged column is
// built from. The mapping window is sized once and never grows; the
// file underneath is a sparse hole beyond its logical length.
package mmapfile

import (
	"os"

	"github.com/edsrzf/mmap-go"
	"github.com/pkg/errors"
)

// WindowBytes is the size of the virtual mapping reserved per file,
// regardless of how much of it is ever touched. 128 GiB of address
// space costs nothing until pages are faulted in, and comfortably
// exceeds any page's logical content (the largest page, a row column
// page, uses at most 32 MiB).
const WindowBytes = 2 << 36

// File is a memory-mapped file opened over a fixed WindowBytes window.
type File struct {
	f    *os.File
	data mmap.MMap
	path string
}

// Open ensures path exists (creating it with mode 0600 if absent),
// extends a freshly created file to initialBytes, and maps a
// WindowBytes window over it.
func Open(path string, initialBytes int64) (*File, error) {
	_, statErr := os.Stat(path)
	existed := statErr == nil

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return nil, errors.Wrapf(err, "mmapfile: open %s", path)
	}

	if !existed {
		if err := f.Truncate(initialBytes); err != nil {
			f.Close()
			return nil, errors.Wrapf(err, "mmapfile: truncate %s", path)
		}
	}

	data, err := mmap.MapRegion(f, WindowBytes, mmap.RDWR, 0, 0)
	if err != nil {
		f.Close()
		return nil, errors.Wrapf(err, "mmapfile: map %s", path)
	}

	return &File{f: f, data: data, path: path}, nil
}

// Bytes returns the full mapped window. Callers must only touch the
// logically-sized prefix they know is valid; the engine tracks logical
// length separately and never reads past it.
func (mf *File) Bytes() []byte {
	return mf.data
}

// Path returns the backing file's path.
func (mf *File) Path() string {
	return mf.path
}

// Close unmaps the window and closes the descriptor.
func (mf *File) Close() error {
	if err := mf.data.Unmap(); err != nil {
		mf.f.Close()
		return errors.Wrapf(err, "mmapfile: unmap %s", mf.path)
	}
	return errors.Wrapf(mf.f.Close(), "mmapfile: close %s", mf.path)
}
