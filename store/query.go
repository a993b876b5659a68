package store

import (
	"github.com/pkg/errors"

	"github.com/chaindexer/logoracle/internal/bloom"
	"github.com/chaindexer/logoracle/internal/fingerprint"
)

// maxPreparedQueryBytes bounds the resources a single query can pin: the
// decoded candidates plus their fingerprints must serialize under this
// size, per spec.
const maxPreparedQueryBytes = 4 << 20

const topicPositions = 4

// Query is the caller-facing request: a block range, optional
// candidate addresses, and optional per-position topic candidates.
// Candidates are hex strings, with an optional "0x" prefix.
type Query struct {
	From, To  uint64
	Addresses []string
	Topics    [topicPositions][]string
	// Limit caps the running count of matching rows: before each block
	// is scanned, a count above Limit fails the query with QueryOverflow.
	// 0 means unlimited.
	Limit uint64
}

// PreparedQuery is a Query after hex-decoding and fingerprinting — the
// form that actually drives the scan. Preparing it once up front lets a
// caller reuse the same candidate set across repeated queries.
type PreparedQuery struct {
	from, to uint64
	limit    uint64

	addressRaw [][]byte
	addressFP  []uint64

	topicRaw [topicPositions][][]byte
	topicFP  [topicPositions][]uint64

	hasAddresses bool
	hasTopics    bool
}

// Prepare decodes and fingerprints q's candidates, rejecting the query
// if the resulting prepared form would exceed maxPreparedQueryBytes.
func (q Query) Prepare() (*PreparedQuery, error) {
	p := &PreparedQuery{from: q.From, to: q.To, limit: q.Limit}

	size := 0

	if len(q.Addresses) > 0 {
		p.hasAddresses = true
		p.addressRaw = make([][]byte, len(q.Addresses))
		p.addressFP = make([]uint64, len(q.Addresses))

		for i, hexAddr := range q.Addresses {
			raw, err := fingerprint.DecodeHex(hexAddr, 20)
			if err != nil {
				return nil, newErr(Unknown, errors.Wrap(err, "decode address candidate"))
			}
			p.addressRaw[i] = raw
			p.addressFP[i] = fingerprint.Of(raw)
			size += 20 + 8
		}
	}

	for pos := 0; pos < topicPositions; pos++ {
		candidates := q.Topics[pos]
		if len(candidates) == 0 {
			continue
		}

		p.hasTopics = true
		p.topicRaw[pos] = make([][]byte, len(candidates))
		p.topicFP[pos] = make([]uint64, len(candidates))

		for i, hexTopic := range candidates {
			raw, err := fingerprint.DecodeHex(hexTopic, 32)
			if err != nil {
				return nil, newErr(Unknown, errors.Wrap(err, "decode topic candidate"))
			}
			p.topicRaw[pos][i] = raw
			p.topicFP[pos][i] = fingerprint.Of(raw)
			size += 32 + 8
		}
	}

	if size > maxPreparedQueryBytes {
		return nil, newErr(TooLargeQuery, errors.Errorf("prepared query is %d bytes, max %d", size, maxPreparedQueryBytes))
	}

	return p, nil
}

// blockAccepted runs the block-level bloom gate: the address set (if
// any) must have at least one candidate testing positive, and
// independently each constrained topic position must too.
func blockAccepted(filter []byte, p *PreparedQuery) bool {
	if p.hasAddresses && !anyBloomHit(filter, p.addressRaw) {
		return false
	}
	for pos := 0; pos < topicPositions; pos++ {
		if len(p.topicRaw[pos]) == 0 {
			continue
		}
		if !anyBloomHit(filter, p.topicRaw[pos]) {
			return false
		}
	}
	return true
}

func anyBloomHit(filter []byte, candidates [][]byte) bool {
	for _, c := range candidates {
		if bloom.Test(filter, c) {
			return true
		}
	}
	return false
}

func containsFP(fps []uint64, fp uint64) bool {
	for _, c := range fps {
		if c == fp {
			return true
		}
	}
	return false
}

// Query decodes and runs q against the store, returning the matching
// row count. Empty address and topic sets are wildcards: the result
// then equals the sum of logs_count over the clamped block range.
func (e *Engine) Query(q Query) (uint64, error) {
	prepared, err := q.Prepare()
	if err != nil {
		return 0, err
	}
	return e.RunPrepared(prepared)
}

// RunPrepared executes an already-prepared query. Splitting Prepare
// from RunPrepared lets a caller amortize hex-decoding and fingerprint
// computation across repeated queries against the same candidate set.
func (e *Engine) RunPrepared(p *PreparedQuery) (uint64, error) {
	e.mu.RLock()
	blocksCount := e.blocksCount
	e.mu.RUnlock()

	if blocksCount == 0 {
		return 0, nil
	}

	to := p.to
	if to >= blocksCount {
		to = blocksCount - 1
	}
	if p.from > to {
		return 0, nil
	}

	e.mu.RLock()
	defer e.mu.RUnlock()

	var count uint64
	for b := p.from; b <= to; b++ {
		if p.limit > 0 && count > p.limit {
			return 0, newErr(QueryOverflow, errors.Errorf("query exceeded limit %d", p.limit))
		}

		slot := e.blocks.Slot(b)
		logsCount := slotLogsCount(slot)

		if !p.hasAddresses && !p.hasTopics {
			count += logsCount
			continue
		}
		if logsCount == 0 {
			continue
		}
		if !blockAccepted(slotBloom(slot), p) {
			continue
		}

		offset := slotOffset(slot)
		for r := offset; r < offset+logsCount; r++ {
			if p.hasAddresses {
				fp := readAddressFingerprint(e.addrs.Slot(r))
				if !containsFP(p.addressFP, fp) {
					continue
				}
			}

			topicsBuf := e.topics.Slot(r)
			matched := true
			for pos := 0; pos < topicPositions; pos++ {
				if len(p.topicFP[pos]) == 0 {
					continue
				}
				if !containsFP(p.topicFP[pos], readTopicFingerprint(topicsBuf, pos)) {
					matched = false
					break
				}
			}
			if matched {
				count++
			}
		}
	}

	return count, nil
}
