package fetch

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/chaindexer/logoracle/store"
)

// fakeUpstream serves eth_getLogs by returning one log per requested
// block, so a test can assert exactly which blocks were delivered.
func fakeUpstream(t *testing.T) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req rpcRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))

		from := parseHexForTest(t, req.Params[0].FromBlock)
		to := parseHexForTest(t, req.Params[0].ToBlock)

		var result []rpcLog
		for b := from; b <= to; b++ {
			result = append(result, rpcLog{
				BlockNumber: hexUint(b),
				Address:     "0x0000000000000000000000000000000000000001",
				Topics:      nil,
			})
		}

		resp := rpcResponse{ID: req.ID, Result: result}
		w.Header().Set("Content-Type", "application/json")
		require.NoError(t, json.NewEncoder(w).Encode(resp))
	}))
}

func parseHexForTest(t *testing.T, s string) uint64 {
	t.Helper()
	v, err := strconv.ParseUint(strings.TrimPrefix(s, "0x"), 16, 64)
	require.NoError(t, err)
	return v
}

func TestPoolRunDeliversBlocksAscending(t *testing.T) {
	srv := fakeUpstream(t)
	defer srv.Close()

	client := NewClient(srv.URL, nil)

	var mu sync.Mutex
	var delivered []uint64

	insert := func(batch []store.LogRecord) error {
		mu.Lock()
		defer mu.Unlock()
		for _, rec := range batch {
			delivered = append(delivered, rec.Block)
		}
		return nil
	}

	pool := New(client, 0, insert,
		WithConnections(4),
		WithBatchBlocks(3),
		WithPollInterval(0),
	)
	pool.SetHeight(10)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := pool.Run(ctx)
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, delivered)
	for i := 1; i < len(delivered); i++ {
		require.LessOrEqual(t, delivered[i-1], delivered[i])
	}
	require.EqualValues(t, 10, delivered[len(delivered)-1])
}

func TestPoolStopsWhenClosed(t *testing.T) {
	srv := fakeUpstream(t)
	defer srv.Close()

	client := NewClient(srv.URL, nil)
	insert := func(batch []store.LogRecord) error { return nil }

	pool := New(client, 0, insert, WithPollInterval(time.Hour))
	pool.SetHeight(0)

	done := make(chan error, 1)
	go func() { done <- pool.Run(context.Background()) }()

	pool.Close()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop after Close")
	}
}

func TestPoolWaitUnblocksAfterRunReturns(t *testing.T) {
	srv := fakeUpstream(t)
	defer srv.Close()

	client := NewClient(srv.URL, nil)
	insert := func(batch []store.LogRecord) error { return nil }

	pool := New(client, 0, insert, WithPollInterval(time.Hour))
	pool.SetHeight(0)

	waitDone := make(chan struct{})
	go func() {
		pool.Wait()
		close(waitDone)
	}()

	select {
	case <-waitDone:
		t.Fatal("Wait returned before Run was even started")
	case <-time.After(50 * time.Millisecond):
	}

	runErr := make(chan error, 1)
	go func() { runErr <- pool.Run(context.Background()) }()

	pool.Close()
	require.NoError(t, <-runErr)

	select {
	case <-waitDone:
	case <-time.After(2 * time.Second):
		t.Fatal("Wait did not unblock after Run returned")
	}
}
