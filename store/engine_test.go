package store_test

import (
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/chaindexer/logoracle/store"
)

// addr and topic build symbolic fixture values from a single byte, the
// same convention the scenarios in the testable-properties spec use
// (A0..A9, T0..T9).
func addr(b byte) store.Address {
	var a store.Address
	a[19] = b
	return a
}

func topic(b byte) store.Topic {
	var t store.Topic
	t[31] = b
	return t
}

// fixture reproduces the 20-record batch used by the testable-properties
// scenarios: blocks {0: 3 logs, 3: 5 logs, 4: 4 logs, 5: 7 logs, 6: 1 log},
// with exactly one A3 and two A4 (for the address-filter scenario) and
// exactly two logs carrying topic T3 in position 2 (for the topic-filter
// scenario), both inside block 5/4 respectively but queried across the
// whole range.
func fixture() []store.LogRecord {
	var batch []store.LogRecord

	appendN := func(block uint64, n int, a store.Address, withTopic *store.Topic) {
		for i := 0; i < n; i++ {
			rec := store.LogRecord{Block: block, Address: a}
			if withTopic != nil {
				rec.Topics[2] = *withTopic
			}
			batch = append(batch, rec)
		}
	}

	appendN(0, 3, addr(0), nil)
	appendN(3, 5, addr(1), nil)

	t3 := topic(3)
	appendN(4, 2, addr(2), nil)
	appendN(4, 2, addr(2), &t3)

	appendN(5, 1, addr(3), nil)
	appendN(5, 2, addr(4), nil)
	appendN(5, 4, addr(9), nil)

	appendN(6, 1, addr(9), nil)

	return batch
}

func openEngine(t *testing.T) *store.Engine {
	t.Helper()
	eng, err := store.Open(t.TempDir(), 0, nil)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, eng.Close()) })
	return eng
}

func hexAddr(a store.Address) string { return "0x" + hex.EncodeToString(a[:]) }
func hexTopic(t store.Topic) string  { return "0x" + hex.EncodeToString(t[:]) }

func TestScenario1_FullScan(t *testing.T) {
	eng := openEngine(t)
	require.NoError(t, eng.Insert(fixture()))

	count, err := eng.Query(store.Query{From: 0, To: 6})
	require.NoError(t, err)
	require.EqualValues(t, 20, count)
}

func TestScenario2_Clamp(t *testing.T) {
	eng := openEngine(t)
	require.NoError(t, eng.Insert(fixture()))

	count, err := eng.Query(store.Query{From: 0, To: 42})
	require.NoError(t, err)
	require.EqualValues(t, 20, count)
}

func TestScenario3_SingleBlock(t *testing.T) {
	eng := openEngine(t)
	require.NoError(t, eng.Insert(fixture()))

	count, err := eng.Query(store.Query{From: 6, To: 6})
	require.NoError(t, err)
	require.EqualValues(t, 1, count)

	count, err = eng.Query(store.Query{From: 5, To: 5})
	require.NoError(t, err)
	require.EqualValues(t, 7, count)
}

func TestScenario4_InteriorRange(t *testing.T) {
	eng := openEngine(t)
	require.NoError(t, eng.Insert(fixture()))

	count, err := eng.Query(store.Query{From: 2, To: 4})
	require.NoError(t, err)
	require.EqualValues(t, 9, count)
}

func TestScenario5_AddressFilter(t *testing.T) {
	eng := openEngine(t)
	require.NoError(t, eng.Insert(fixture()))

	count, err := eng.Query(store.Query{From: 0, To: 6, Addresses: []string{hexAddr(addr(4))}})
	require.NoError(t, err)
	require.EqualValues(t, 2, count)

	count, err = eng.Query(store.Query{From: 0, To: 6, Addresses: []string{hexAddr(addr(3)), hexAddr(addr(4))}})
	require.NoError(t, err)
	require.EqualValues(t, 3, count)
}

func TestScenario6_TopicFilter(t *testing.T) {
	eng := openEngine(t)
	require.NoError(t, eng.Insert(fixture()))

	q := store.Query{From: 0, To: 6}
	q.Topics[2] = []string{hexTopic(topic(3))}

	count, err := eng.Query(q)
	require.NoError(t, err)
	require.EqualValues(t, 2, count)
}

func TestScenario7_AppendToOldBlock(t *testing.T) {
	eng := openEngine(t)
	require.NoError(t, eng.Insert([]store.LogRecord{{Block: 5, Address: addr(1)}}))

	blocksBefore := eng.BlocksCount()
	logsBefore := eng.LogsCount()

	err := eng.Insert([]store.LogRecord{{Block: 3, Address: addr(2)}})
	require.Error(t, err)
	require.Equal(t, store.Unknown, store.CodeOf(err))

	require.Equal(t, blocksBefore, eng.BlocksCount())
	require.Equal(t, logsBefore, eng.LogsCount())
}

func TestEmptyQueryWildcard(t *testing.T) {
	eng := openEngine(t)

	count, err := eng.Query(store.Query{From: 0, To: 100})
	require.NoError(t, err)
	require.Zero(t, count)
}

func TestAppendSameBlockAcrossBatches(t *testing.T) {
	eng := openEngine(t)

	require.NoError(t, eng.Insert([]store.LogRecord{{Block: 0, Address: addr(1)}}))
	require.NoError(t, eng.Insert([]store.LogRecord{{Block: 0, Address: addr(2)}}))

	count, err := eng.Query(store.Query{From: 0, To: 0})
	require.NoError(t, err)
	require.EqualValues(t, 2, count)
}

func TestSkippedBlocksAreZeroCountSlots(t *testing.T) {
	eng := openEngine(t)

	require.NoError(t, eng.Insert([]store.LogRecord{{Block: 10, Address: addr(1)}}))
	require.EqualValues(t, 11, eng.BlocksCount())

	count, err := eng.Query(store.Query{From: 0, To: 9})
	require.NoError(t, err)
	require.Zero(t, count)

	count, err = eng.Query(store.Query{From: 0, To: 10})
	require.NoError(t, err)
	require.EqualValues(t, 1, count)
}

func TestCloseThenOpenRoundTrip(t *testing.T) {
	dir := t.TempDir()

	eng, err := store.Open(dir, 0, nil)
	require.NoError(t, err)
	require.NoError(t, eng.Insert(fixture()))
	require.NoError(t, eng.Close())

	reopened, err := store.Open(dir, 0, nil)
	require.NoError(t, err)
	defer reopened.Close()

	require.EqualValues(t, 7, reopened.BlocksCount())
	require.EqualValues(t, 20, reopened.LogsCount())

	count, err := reopened.Query(store.Query{From: 0, To: 6})
	require.NoError(t, err)
	require.EqualValues(t, 20, count)
}

// fakeWorker records whether it was signaled and joined, and lets the
// test control when Wait actually unblocks, so the ordering assertion
// below can tell "Close returned" apart from "Close returned before the
// worker actually stopped".
type fakeWorker struct {
	closed  chan struct{}
	release chan struct{}
	waited  bool
}

func newFakeWorker() *fakeWorker {
	return &fakeWorker{closed: make(chan struct{}), release: make(chan struct{})}
}

func (w *fakeWorker) Close() { close(w.closed) }

func (w *fakeWorker) Wait() {
	<-w.release
	w.waited = true
}

func TestCloseJoinsAttachedWorkerBeforeUnmapping(t *testing.T) {
	// Opened directly rather than via openEngine: this test closes the
	// engine itself, and Close must not run a second time on cleanup.
	eng, err := store.Open(t.TempDir(), 0, nil)
	require.NoError(t, err)
	require.NoError(t, eng.Insert(fixture()))

	w := newFakeWorker()
	eng.AttachWorker(w)

	done := make(chan error, 1)
	go func() { done <- eng.Close() }()

	select {
	case <-w.closed:
	case <-done:
		t.Fatal("Close returned without signaling the attached worker")
	}

	select {
	case <-done:
		t.Fatal("Close returned before the attached worker's Wait unblocked")
	default:
	}

	close(w.release)

	require.NoError(t, <-done)
	require.True(t, w.waited)
}

func TestQueryTooLarge(t *testing.T) {
	eng := openEngine(t)

	addresses := make([]string, 1<<18)
	for i := range addresses {
		addresses[i] = hexAddr(addr(byte(i)))
	}

	_, err := eng.Query(store.Query{From: 0, To: 0, Addresses: addresses})
	require.Error(t, err)
	require.Equal(t, store.TooLargeQuery, store.CodeOf(err))
}

func TestQueryOverflow(t *testing.T) {
	eng := openEngine(t)
	require.NoError(t, eng.Insert(fixture()))

	_, err := eng.Query(store.Query{From: 0, To: 6, Limit: 1})
	require.Error(t, err)
	require.Equal(t, store.QueryOverflow, store.CodeOf(err))
}

func TestPrepareQueryReusedAcrossRuns(t *testing.T) {
	eng := openEngine(t)
	require.NoError(t, eng.Insert(fixture()))

	q := store.Query{From: 0, To: 6, Addresses: []string{hexAddr(addr(4))}}
	prepared, err := q.Prepare()
	require.NoError(t, err)

	count, err := eng.RunPrepared(prepared)
	require.NoError(t, err)
	require.EqualValues(t, 2, count)

	// A later insert past the prepared range must not change a rerun of
	// the same prepared query over [0, 6].
	require.NoError(t, eng.Insert([]store.LogRecord{{Block: 7, Address: addr(4)}}))

	count, err = eng.RunPrepared(prepared)
	require.NoError(t, err)
	require.EqualValues(t, 2, count)
}
