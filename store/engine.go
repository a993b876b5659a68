// Package store implements the Store Engine: the block index, row
// store, and manifest glued together behind a single reader-writer
// lock, with insert/query/size primitives as the only public surface.
package store

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/chaindexer/logoracle/internal/bloom"
	"github.com/chaindexer/logoracle/internal/column"
	"github.com/chaindexer/logoracle/internal/fingerprint"
)

// Worker is the background fetch loop Engine joins on Close. *fetch.Pool
// satisfies this by duck typing; store does not import fetch, since
// fetch already imports store for LogRecord.
type Worker interface {
	// Close signals the worker to stop after its current unit of work.
	Close()
	// Wait blocks until the worker's run loop has returned.
	Wait()
}

// Engine owns the manifest, block index, and row store for one
// directory. It is safe for concurrent use: Insert takes the write side
// of an internal RWMutex, Query and the size accessors take the read
// side.
type Engine struct {
	mu  sync.RWMutex
	dir string
	log *zap.Logger

	manifest *manifest
	blocks   *column.Paged
	addrs    *column.Paged
	topics   *column.Paged

	blocksCount uint64
	rowsCount   uint64

	// residentHint is an advisory LRU of recently-written block page
	// indices, filled on insert. Nothing reads it: it never gates
	// correctness and does not change which pages stay resident, which
	// is left to the OS.
	residentHint *lru.Cache[uint64, struct{}]

	workerMu sync.Mutex
	worker   Worker
}

// defaultResidentPages bounds the advisory hint's size when memBudget is
// zero (let the OS decide): a modest constant footprint rather than no
// hinting at all.
const defaultResidentPages = 64

// Open resolves dir to an absolute path, opens or creates its manifest,
// and reopens (or creates) the block index and row store pages that
// cover its recorded logical length. memBudget is advisory: if nonzero,
// it's divided by the size of one block page to size the residentHint
// LRU of most-recently-written block pages; it has no other effect.
func Open(dir string, memBudget uint64, log *zap.Logger) (*Engine, error) {
	if log == nil {
		log = zap.NewNop()
	}

	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, newErr(InvalidDataDir, errors.Wrap(err, "resolve data directory"))
	}
	if err := os.MkdirAll(abs, 0o700); err != nil {
		return nil, newErr(InvalidDataDir, errors.Wrap(err, "create data directory"))
	}

	mf, blocksCount, rowsCount, existed, err := openManifest(abs)
	if err != nil {
		return nil, newErr(FilesystemError, err)
	}

	var blocksCol, addrsCol, topicsCol *column.Paged
	if existed {
		blocksCol, err = column.Open(abs, roleBlocks, blockSlotSize, blockPageCapacity, blockPageCount(blocksCount))
		if err != nil {
			return nil, newErr(FilesystemError, err)
		}
		addrsCol, err = column.Open(abs, roleAddresses, addressSize, rowPageCapacity, rowPageCount(rowsCount))
		if err != nil {
			return nil, newErr(FilesystemError, err)
		}
		topicsCol, err = column.Open(abs, roleTopics, topicsSize, rowPageCapacity, rowPageCount(rowsCount))
		if err != nil {
			return nil, newErr(FilesystemError, err)
		}
	} else {
		blocksCol = column.New(abs, roleBlocks, blockSlotSize, blockPageCapacity)
		addrsCol = column.New(abs, roleAddresses, addressSize, rowPageCapacity)
		topicsCol = column.New(abs, roleTopics, topicsSize, rowPageCapacity)
		if err := blocksCol.EnsureItem(0); err != nil {
			return nil, newErr(FilesystemError, err)
		}
		if err := addrsCol.EnsureItem(0); err != nil {
			return nil, newErr(FilesystemError, err)
		}
		if err := topicsCol.EnsureItem(0); err != nil {
			return nil, newErr(FilesystemError, err)
		}
	}

	hintSize := defaultResidentPages
	if memBudget > 0 {
		perPage := uint64(blockPageCapacity * blockSlotSize)
		if n := int(memBudget / perPage); n > 0 {
			hintSize = n
		}
	}
	hint, _ := lru.New[uint64, struct{}](hintSize)

	e := &Engine{
		dir:          abs,
		log:          log,
		manifest:     mf,
		blocks:       blocksCol,
		addrs:        addrsCol,
		topics:       topicsCol,
		blocksCount:  blocksCount,
		rowsCount:    rowsCount,
		residentHint: hint,
	}

	log.Info("store opened", zap.String("dir", abs),
		zap.Uint64("blocks_count", blocksCount), zap.Uint64("rows_count", rowsCount))

	return e, nil
}

// Insert appends an ordered batch of log records. The batch must be
// non-decreasing in block number. It is atomic with respect to
// concurrent readers and other writers: the whole call holds the write
// lock. On any failure the manifest is still rewritten to reflect
// whatever prefix of the batch committed, so the store stays
// consistent on restart.
func (e *Engine) Insert(batch []LogRecord) (err error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	defer func() {
		if werr := e.manifest.write(e.blocksCount, e.rowsCount); werr != nil {
			if err == nil {
				err = newErr(FilesystemError, werr)
			}
		}
	}()

	if len(batch) == 0 {
		return nil
	}

	for i := range batch {
		rec := &batch[i]

		if e.blocksCount > 0 && rec.Block+1 < e.blocksCount {
			return ErrAppendToOldBlock
		}

		if rec.Block >= e.blocksCount {
			if err := e.advanceToBlock(rec.Block); err != nil {
				return newErr(FilesystemError, err)
			}
		}

		if err := e.appendRow(rec); err != nil {
			return newErr(FilesystemError, err)
		}
	}

	return nil
}

// advanceToBlock creates zero-count slots for every block between the
// current length and n, then a slot for n itself, ready to receive rows.
func (e *Engine) advanceToBlock(n uint64) error {
	for e.blocksCount <= n {
		if err := e.blocks.EnsureItem(e.blocksCount); err != nil {
			return err
		}

		slot := e.blocks.Slot(e.blocksCount)

		var offset uint64
		if e.blocksCount > 0 {
			prev := e.blocks.Slot(e.blocksCount - 1)
			offset = slotOffset(prev) + slotLogsCount(prev)
		}

		setSlotLogsCount(slot, 0)
		setSlotOffset(slot, offset)

		e.blocksCount++
		e.residentHint.Add((e.blocksCount-1)/blockPageCapacity, struct{}{})
	}
	return nil
}

// appendRow fingerprints rec, folds it into its block's bloom filter,
// and appends it to the row store at the current global row index.
func (e *Engine) appendRow(rec *LogRecord) error {
	slot := e.blocks.Slot(rec.Block)
	slotBloomBytes := slotBloom(slot)

	bloom.Set(slotBloomBytes, rec.Address[:])
	addrFP := fingerprint.Of(rec.Address[:])

	var topicFPs [4]uint64
	for j, t := range rec.Topics {
		topicFPs[j] = fingerprint.Of(t[:])
		if !t.isZero() {
			bloom.Set(slotBloomBytes, t[:])
		}
	}

	if err := e.addrs.EnsureItem(e.rowsCount); err != nil {
		return err
	}
	if err := e.topics.EnsureItem(e.rowsCount); err != nil {
		return err
	}

	writeAddressFingerprint(e.addrs.Slot(e.rowsCount), addrFP)
	topicsBuf := e.topics.Slot(e.rowsCount)
	for j, fp := range topicFPs {
		writeTopicFingerprint(topicsBuf, j, fp)
	}

	setSlotLogsCount(slot, slotLogsCount(slot)+1)
	e.rowsCount++

	return nil
}

// BlocksCount returns the current number of block slots (last ingested
// block number + 1).
func (e *Engine) BlocksCount() uint64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.blocksCount
}

// LogsCount returns the current total row count.
func (e *Engine) LogsCount() uint64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.rowsCount
}

// Status returns a short human-readable summary of the store's state,
// mirroring the original C implementation's db_status debug helper.
func (e *Engine) Status() string {
	e.mu.RLock()
	defer e.mu.RUnlock()

	var lastBlock uint64
	if e.blocksCount > 0 {
		lastBlock = e.blocksCount - 1
	}

	return fmt.Sprintf(
		"dir: %q\nlast block:  %d\nblock_count: %d\nlogs_count:  %d\n",
		e.dir, lastBlock, e.blocksCount, e.rowsCount,
	)
}

// AttachWorker registers the background fetch loop running against this
// Engine so Close can signal and join it before tearing down mapped
// state. Call it once, before Run is started on the worker; a nil
// worker detaches whatever was registered.
func (e *Engine) AttachWorker(w Worker) {
	e.workerMu.Lock()
	defer e.workerMu.Unlock()
	e.worker = w
}

// Close signals and joins the attached worker (if any), then flushes
// the manifest and releases every mapped page, in that order: worker,
// then manifest, then row pages, then block pages. This ordering
// matters because the worker is the only thing that can still call
// Insert; joining it first guarantees no caller touches the mapped
// state after this method starts tearing it down.
func (e *Engine) Close() error {
	e.workerMu.Lock()
	w := e.worker
	e.workerMu.Unlock()
	if w != nil {
		w.Close()
		w.Wait()
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	var first error
	record := func(err error) {
		if err != nil && first == nil {
			first = err
		}
	}

	record(e.manifest.write(e.blocksCount, e.rowsCount))
	record(e.manifest.close())
	record(e.topics.Close())
	record(e.addrs.Close())
	record(e.blocks.Close())

	e.log.Info("store closed", zap.String("dir", e.dir))

	if first != nil {
		return newErr(FilesystemError, first)
	}
	return nil
}
