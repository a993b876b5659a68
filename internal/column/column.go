// Package column implements the paged column: a logical array addressed
// by a global item index, physically backed by a sequence of
// fixed-capacity memory-mapped pages.
package column

import (
	"fmt"
	"path/filepath"

	"github.com/pkg/errors"

	"github.com/chaindexer/logoracle/internal/mmapfile"
)

// Paged is an ordered sequence of mmapped pages, each holding exactly
// Capacity items of ItemSize bytes. No page is ever partially allocated:
// a page file is truncated to its full size the moment it's created.
type Paged struct {
	dir      string
	role     byte
	itemSize int
	capacity int

	pages []*mmapfile.File
}

// pageFileName builds the "<index-hex>.<role>.rcl" name for a page,
// zero-padded to at least two hex digits.
func pageFileName(index uint64, role byte) string {
	return fmt.Sprintf("%02x.%c.rcl", index, role)
}

// New creates an empty paged column with no pages open yet.
func New(dir string, role byte, itemSize, capacity int) *Paged {
	return &Paged{dir: dir, role: role, itemSize: itemSize, capacity: capacity}
}

// Open reopens an existing paged column, bringing in exactly pageCount
// pages — the ones that can contain every index below the column's
// logical length, as recorded in the manifest.
func Open(dir string, role byte, itemSize, capacity int, pageCount int) (*Paged, error) {
	p := New(dir, role, itemSize, capacity)
	for i := 0; i < pageCount; i++ {
		if err := p.openPage(uint64(i)); err != nil {
			return nil, err
		}
	}
	return p, nil
}

func (p *Paged) openPage(index uint64) error {
	path := filepath.Join(p.dir, pageFileName(index, p.role))
	mf, err := mmapfile.Open(path, int64(p.capacity)*int64(p.itemSize))
	if err != nil {
		return errors.Wrapf(err, "column: open page %d (role %c)", index, p.role)
	}
	p.pages = append(p.pages, mf)
	return nil
}

// EnsureItem makes sure the page covering global index i exists,
// opening new pages in order as needed. Pages must be opened
// sequentially: a column can never have a gap in its page sequence.
func (p *Paged) EnsureItem(i uint64) error {
	want := int(i/uint64(p.capacity)) + 1
	for len(p.pages) < want {
		if err := p.openPage(uint64(len(p.pages))); err != nil {
			return err
		}
	}
	return nil
}

// Slot returns the byte window for item i. The caller must have called
// EnsureItem(i) (or know the page already exists) first.
func (p *Paged) Slot(i uint64) []byte {
	page := p.pages[i/uint64(p.capacity)]
	offset := (i % uint64(p.capacity)) * uint64(p.itemSize)
	return page.Bytes()[offset : offset+uint64(p.itemSize)]
}

// PageCount returns the number of pages currently open.
func (p *Paged) PageCount() int {
	return len(p.pages)
}

// Close unmaps and closes every open page.
func (p *Paged) Close() error {
	var first error
	for _, mf := range p.pages {
		if err := mf.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
