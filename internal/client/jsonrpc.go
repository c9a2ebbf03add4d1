package client

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/cccoin/witness/internal/models"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/go-resty/resty/v2"
	"github.com/pkg/errors"
)

// Options configures a JSONRPCClient.
type Options struct {
	URL      string
	Contract common.Address
	// From is the unlocked node account the witness transacts from.
	From       common.Address
	Gas        uint64
	Timeout    time.Duration
	MaxRetries int
}

// JSONRPCClient is a LedgerClient backed by an Ethereum JSON-RPC endpoint.
type JSONRPCClient struct {
	url      string
	reads    *resty.Client
	writes   *resty.Client
	abi      abi.ABI
	contract common.Address
	from     common.Address
	gas      uint64
	logTopic common.Hash
	nextID   atomic.Uint64
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      uint64 `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *RPCError       `json:"error"`
}

type rpcReceipt struct {
	BlockNumber *hexutil.Uint64 `json:"blockNumber"`
	Status      hexutil.Uint64  `json:"status"`
}

type rpcLog struct {
	BlockNumber *hexutil.Uint64 `json:"blockNumber"`
	TxHash      common.Hash     `json:"transactionHash"`
	LogIndex    hexutil.Uint    `json:"logIndex"`
	Data        hexutil.Bytes   `json:"data"`
	Removed     bool            `json:"removed"`
}

// NewJSONRPCClient creates a client for the contract at opts.Contract.
func NewJSONRPCClient(opts Options) (*JSONRPCClient, error) {
	if opts.URL == "" {
		return nil, errors.New("rpc url is required")
	}
	parsed, err := ContractABI()
	if err != nil {
		return nil, errors.WithMessage(err, "error parsing contract abi")
	}
	event, ok := parsed.Events[EventLogMain]
	if !ok {
		return nil, fmt.Errorf("contract abi has no %s event", EventLogMain)
	}
	if opts.Timeout == 0 {
		opts.Timeout = 10 * time.Second
	}

	reads := resty.New().
		SetTimeout(opts.Timeout).
		SetHeader("Content-Type", "application/json").
		SetRetryCount(opts.MaxRetries).
		SetRetryWaitTime(200 * time.Millisecond).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			return err != nil || r.StatusCode() >= http.StatusInternalServerError
		})
	// Sends are never retried by the transport: a lost response does not mean
	// the node rejected the transaction.
	writes := resty.New().
		SetTimeout(opts.Timeout).
		SetHeader("Content-Type", "application/json")

	return &JSONRPCClient{
		url:      opts.URL,
		reads:    reads,
		writes:   writes,
		abi:      parsed,
		contract: opts.Contract,
		from:     opts.From,
		gas:      opts.Gas,
		logTopic: event.ID,
	}, nil
}

func (c *JSONRPCClient) call(ctx context.Context, rc *resty.Client, method string, out any, params ...any) error {
	if params == nil {
		params = []any{}
	}
	req := rpcRequest{JSONRPC: "2.0", ID: c.nextID.Add(1), Method: method, Params: params}

	resp, err := rc.R().SetContext(ctx).SetBody(req).Post(c.url)
	if err != nil {
		return fmt.Errorf("%w: %s: %w", ErrRPCUnavailable, method, err)
	}
	if resp.IsError() {
		return fmt.Errorf("%w: %s: http status %d", ErrRPCUnavailable, method, resp.StatusCode())
	}

	var body rpcResponse
	if err := json.Unmarshal(resp.Body(), &body); err != nil {
		return fmt.Errorf("%w: %s: invalid response: %w", ErrRPCUnavailable, method, err)
	}
	if body.Error != nil {
		return fmt.Errorf("%s: %w", method, body.Error)
	}
	if out == nil || len(body.Result) == 0 {
		return nil
	}
	if err := json.Unmarshal(body.Result, out); err != nil {
		return errors.WithMessagef(err, "error decoding %s result", method)
	}
	return nil
}

// SubmitTransaction packs the contract call and sends it from the witness account.
func (c *JSONRPCClient) SubmitTransaction(ctx context.Context, method string, args ...any) (models.TxID, error) {
	data, err := c.abi.Pack(method, args...)
	if err != nil {
		return models.TxID{}, errors.WithMessagef(err, "error packing %s", method)
	}
	tx := map[string]any{
		"from": c.from,
		"to":   c.contract,
		"data": hexutil.Bytes(data),
	}
	if c.gas > 0 {
		tx["gas"] = hexutil.Uint64(c.gas)
	}

	var hash common.Hash
	if err := c.call(ctx, c.writes, "eth_sendTransaction", &hash, tx); err != nil {
		return models.TxID{}, err
	}
	slog.Debug("Submitted transaction", "method", method, "tx", hash.Hex())
	return hash, nil
}

// GetTransactionReceipt reads the inclusion state of a transaction.
func (c *JSONRPCClient) GetTransactionReceipt(ctx context.Context, id models.TxID) (models.Receipt, error) {
	var raw *rpcReceipt
	if err := c.call(ctx, c.reads, "eth_getTransactionReceipt", &raw, id); err != nil {
		return models.Receipt{}, err
	}
	receipt := models.Receipt{TxID: id}
	if raw == nil || raw.BlockNumber == nil {
		return receipt, nil
	}
	receipt.Included = true
	receipt.BlockHeight = uint64(*raw.BlockNumber)
	receipt.Status = uint64(raw.Status)
	return receipt, nil
}

// CallView runs a read-only call against the latest block.
func (c *JSONRPCClient) CallView(ctx context.Context, method string, args ...any) ([]byte, error) {
	data, err := c.abi.Pack(method, args...)
	if err != nil {
		return nil, errors.WithMessagef(err, "error packing %s", method)
	}
	msg := map[string]any{
		"from": c.from,
		"to":   c.contract,
		"data": hexutil.Bytes(data),
	}
	var out hexutil.Bytes
	if err := c.call(ctx, c.reads, "eth_call", &out, msg, "latest"); err != nil {
		return nil, err
	}
	return out, nil
}

// Sign asks the node to sign data with the key of an unlocked account.
func (c *JSONRPCClient) Sign(ctx context.Context, address common.Address, data []byte) ([]byte, error) {
	var sig hexutil.Bytes
	if err := c.call(ctx, c.writes, "eth_sign", &sig, address, hexutil.Bytes(data)); err != nil {
		return nil, err
	}
	return sig, nil
}

func (c *JSONRPCClient) filterQuery(fromBlock uint64, toBlock *uint64) map[string]any {
	q := map[string]any{
		"fromBlock": hexutil.Uint64(fromBlock),
		"address":   c.contract,
		"topics":    [][]common.Hash{{c.logTopic}},
	}
	if toBlock != nil {
		q["toBlock"] = hexutil.Uint64(*toBlock)
	}
	return q
}

// NewLogFilter installs a LogMain filter on the node.
func (c *JSONRPCClient) NewLogFilter(ctx context.Context, fromBlock uint64) (FilterID, error) {
	var id string
	if err := c.call(ctx, c.reads, "eth_newFilter", &id, c.filterQuery(fromBlock, nil)); err != nil {
		return "", err
	}
	return FilterID(id), nil
}

// PollNewLogEvents returns the filter changes since the previous poll.
func (c *JSONRPCClient) PollNewLogEvents(ctx context.Context, filter FilterID) ([]models.LogEvent, error) {
	var logs []rpcLog
	if err := c.call(ctx, c.writes, "eth_getFilterChanges", &logs, string(filter)); err != nil {
		return nil, err
	}
	return c.convertLogs(logs), nil
}

// FilterLogs returns the LogMain logs in [fromBlock, toBlock].
func (c *JSONRPCClient) FilterLogs(ctx context.Context, fromBlock, toBlock uint64) ([]models.LogEvent, error) {
	var logs []rpcLog
	if err := c.call(ctx, c.reads, "eth_getLogs", &logs, c.filterQuery(fromBlock, &toBlock)); err != nil {
		return nil, err
	}
	return c.convertLogs(logs), nil
}

// BlockNumber returns the head height.
func (c *JSONRPCClient) BlockNumber(ctx context.Context) (uint64, error) {
	var n hexutil.Uint64
	if err := c.call(ctx, c.reads, "eth_blockNumber", &n); err != nil {
		return 0, err
	}
	return uint64(n), nil
}

func (c *JSONRPCClient) convertLogs(logs []rpcLog) []models.LogEvent {
	out := make([]models.LogEvent, 0, len(logs))
	for _, l := range logs {
		if l.BlockNumber == nil {
			// Logs of pending blocks carry no height yet.
			continue
		}
		out = append(out, models.LogEvent{
			TxHash:      l.TxHash,
			LogIndex:    uint(l.LogIndex),
			BlockHeight: uint64(*l.BlockNumber),
			Payload:     c.decodeLogPayload(l.Data),
			Removed:     l.Removed,
		})
	}
	return out
}

// decodeLogPayload extracts the bytes argument of LogMain. Data that is not
// valid ABI is passed through and rejected by the event decoder downstream.
func (c *JSONRPCClient) decodeLogPayload(data []byte) []byte {
	vals, err := c.abi.Unpack(EventLogMain, data)
	if err != nil || len(vals) != 1 {
		return data
	}
	payload, ok := vals[0].([]byte)
	if !ok {
		return data
	}
	return payload
}
