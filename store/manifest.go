package store

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
)

const manifestFileName = "toc.txt"

// manifest is the store's single source of truth for crash recovery: a
// plain-text file holding the two counters that define its logical
// length. It is rewritten in place at every write-point that changes
// either counter, and that rewrite is always the commit point — rows
// and block slots written but not yet reflected here are invisible on
// the next open.
type manifest struct {
	f *os.File
}

// openManifest opens or creates dir/toc.txt. existed reports whether the
// file was already there, so the caller knows whether to trust the
// parsed counters or start from zero.
func openManifest(dir string) (m *manifest, blocksCount, rowsCount uint64, existed bool, err error) {
	path := filepath.Join(dir, manifestFileName)

	_, statErr := os.Stat(path)
	existed = statErr == nil

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return nil, 0, 0, false, errors.Wrap(err, "manifest: open")
	}
	m = &manifest{f: f}

	if existed {
		if _, err := f.Seek(0, 0); err != nil {
			return nil, 0, 0, false, errors.Wrap(err, "manifest: seek")
		}
		if _, err := fmt.Fscanf(f, "%d %d", &blocksCount, &rowsCount); err != nil {
			return nil, 0, 0, false, errors.Wrap(err, "manifest: parse")
		}
		return m, blocksCount, rowsCount, true, nil
	}

	if err := m.write(0, 0); err != nil {
		return nil, 0, 0, false, err
	}
	return m, 0, 0, false, nil
}

// write rewrites the manifest with the given counters. Counters only
// ever grow, so the new text is never shorter than the old: an in-place
// overwrite with no truncation is safe.
func (m *manifest) write(blocksCount, rowsCount uint64) error {
	if _, err := m.f.Seek(0, 0); err != nil {
		return errors.Wrap(err, "manifest: seek")
	}
	if _, err := fmt.Fprintf(m.f, "%d %d", blocksCount, rowsCount); err != nil {
		return errors.Wrap(err, "manifest: write")
	}
	return errors.Wrap(m.f.Sync(), "manifest: sync")
}

func (m *manifest) close() error {
	return errors.Wrap(m.f.Close(), "manifest: close")
}
