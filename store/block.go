package store

import (
	"encoding/binary"

	"github.com/chaindexer/logoracle/internal/bloom"
	"github.com/chaindexer/logoracle/internal/xmath"
)

// Per-role page geometry. Blocks are small and numerous enough per page
// to keep the block index cheap to scan; rows are bulkier so pages hold
// ten times as many of them before a new file is opened.
const (
	blockPageCapacity = 100_000
	rowPageCapacity   = 1_000_000

	blockSlotSize = 8 + 8 + bloom.Size // logs_count, offset, bloom
	addressSize   = 8                  // one fingerprint
	topicsSize    = 4 * 8              // four fingerprints

	roleBlocks    = 'b'
	roleAddresses = 'a'
	roleTopics    = 't'
)

// slotLogsCount reads the logs_count field of a block slot buffer.
func slotLogsCount(buf []byte) uint64 { return binary.LittleEndian.Uint64(buf[0:8]) }

func setSlotLogsCount(buf []byte, v uint64) { binary.LittleEndian.PutUint64(buf[0:8], v) }

// slotOffset reads the offset field of a block slot buffer.
func slotOffset(buf []byte) uint64 { return binary.LittleEndian.Uint64(buf[8:16]) }

func setSlotOffset(buf []byte, v uint64) { binary.LittleEndian.PutUint64(buf[8:16], v) }

// slotBloom returns the bloom filter bytes of a block slot buffer, as a
// live view: writes through it mutate the mapped page directly.
func slotBloom(buf []byte) []byte { return buf[16 : 16+bloom.Size] }

func readAddressFingerprint(buf []byte) uint64 { return binary.LittleEndian.Uint64(buf) }

func writeAddressFingerprint(buf []byte, fp uint64) { binary.LittleEndian.PutUint64(buf, fp) }

func readTopicFingerprint(buf []byte, i int) uint64 {
	return binary.LittleEndian.Uint64(buf[i*8:])
}

func writeTopicFingerprint(buf []byte, i int, fp uint64) {
	binary.LittleEndian.PutUint64(buf[i*8:], fp)
}

func blockPageCount(blocksCount uint64) int {
	return int(xmath.CeilDiv(blocksCount, blockPageCapacity))
}

func rowPageCount(rowsCount uint64) int {
	return int(xmath.CeilDiv(rowsCount, rowPageCapacity))
}
