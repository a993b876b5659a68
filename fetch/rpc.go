// Package fetch implements the background ingest worker: a pool of
// concurrent eth_getLogs requests against an upstream JSON-RPC node,
// pipelined so that block-ascending batches are handed to the store
// engine in order regardless of which request finishes first.
package fetch

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/pkg/errors"

	"github.com/chaindexer/logoracle/internal/fingerprint"
	"github.com/chaindexer/logoracle/store"
)

// maxResponseBytes bounds how much of a single eth_getLogs response body
// the client will buffer, matching the original loader's guard against a
// runaway upstream.
const maxResponseBytes = 1024 * 1024 * 512

type rpcRequest struct {
	ID      int         `json:"id"`
	JSONRPC string      `json:"jsonrpc"`
	Method  string      `json:"method"`
	Params  []rpcFilter `json:"params"`
}

type rpcFilter struct {
	FromBlock string `json:"fromBlock"`
	ToBlock   string `json:"toBlock"`
}

type rpcResponse struct {
	ID     int       `json:"id"`
	Error  *rpcError `json:"error"`
	Result []rpcLog  `json:"result"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type rpcLog struct {
	BlockNumber string   `json:"blockNumber"`
	Address     string   `json:"address"`
	Topics      []string `json:"topics"`
}

// Client is a minimal eth_getLogs client over plain HTTP JSON-RPC.
type Client struct {
	httpClient *http.Client
	url        string
}

// NewClient builds a Client against url, using httpClient if non-nil or
// a client with a generous default timeout otherwise.
func NewClient(url string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{httpClient: httpClient, url: url}
}

// GetLogs fetches every log in [from, to] and returns them as
// store.LogRecord values, sorted by block number ascending (logs of the
// same block keep the order the upstream returned them in).
func (c *Client) GetLogs(ctx context.Context, from, to uint64) ([]store.LogRecord, error) {
	reqBody := rpcRequest{
		ID:      int(from%1_000_000) + 1,
		JSONRPC: "2.0",
		Method:  "eth_getLogs",
		Params: []rpcFilter{{
			FromBlock: hexUint(from),
			ToBlock:   hexUint(to),
		}},
	}

	payload, err := json.Marshal(reqBody)
	if err != nil {
		return nil, errors.Wrap(err, "marshal eth_getLogs request")
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(payload))
	if err != nil {
		return nil, errors.Wrap(err, "build eth_getLogs request")
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, errors.Wrap(err, "eth_getLogs request")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, errors.Errorf("eth_getLogs: upstream responded with status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes+1))
	if err != nil {
		return nil, errors.Wrap(err, "read eth_getLogs response")
	}
	if len(body) > maxResponseBytes {
		return nil, errors.Errorf("eth_getLogs: response exceeds %d bytes", maxResponseBytes)
	}

	var rpcResp rpcResponse
	if err := json.Unmarshal(body, &rpcResp); err != nil {
		return nil, errors.Wrap(err, "decode eth_getLogs response")
	}
	if rpcResp.Error != nil {
		return nil, errors.Errorf("eth_getLogs: rpc error %d: %s", rpcResp.Error.Code, rpcResp.Error.Message)
	}

	records := make([]store.LogRecord, len(rpcResp.Result))
	for i, l := range rpcResp.Result {
		rec, err := toLogRecord(l)
		if err != nil {
			return nil, errors.Wrapf(err, "log entry %d", i)
		}
		records[i] = rec
	}
	sort.SliceStable(records, func(i, j int) bool { return records[i].Block < records[j].Block })
	return records, nil
}

func toLogRecord(l rpcLog) (store.LogRecord, error) {
	var rec store.LogRecord

	block, err := strconv.ParseUint(strings.TrimPrefix(l.BlockNumber, "0x"), 16, 64)
	if err != nil {
		return rec, errors.Wrap(err, "parse blockNumber")
	}
	rec.Block = block

	addr, err := fingerprint.DecodeHex(l.Address, 20)
	if err != nil {
		return rec, errors.Wrap(err, "parse address")
	}
	copy(rec.Address[:], addr)

	if len(l.Topics) > len(rec.Topics) {
		return rec, errors.Errorf("too many topics: %d", len(l.Topics))
	}
	for i, t := range l.Topics {
		raw, err := fingerprint.DecodeHex(t, 32)
		if err != nil {
			return rec, errors.Wrapf(err, "parse topic %d", i)
		}
		copy(rec.Topics[i][:], raw)
	}

	return rec, nil
}

func hexUint(v uint64) string {
	return fmt.Sprintf("0x%x", v)
}
