package client

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/cccoin/witness/internal/models"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

// Contract methods and events used by the witness.
const (
	MethodAddLog            = "addLog"
	MethodDistributeRewards = "distributeRewards"
	MethodBalanceOf         = "balanceOf"
	MethodLockBalance       = "lockBalance"
	EventLogMain            = "LogMain"
)

// ErrRPCUnavailable marks transient ledger failures: transport errors,
// timeouts and errors reported by the node. Callers retry on the next tick.
var ErrRPCUnavailable = errors.New("rpc unavailable")

//go:embed contract.abi.json
var contractABIJSON string

var parseContractABI = sync.OnceValues(func() (abi.ABI, error) {
	return abi.JSON(strings.NewReader(contractABIJSON))
})

// ContractABI returns the parsed ABI of the witness contract. It is parsed
// once and shared; callers must not modify it.
func ContractABI() (abi.ABI, error) {
	return parseContractABI()
}

// FilterID is a node-side log filter handle.
type FilterID string

// LedgerClient is the capability set the witness needs from the ledger.
type LedgerClient interface {
	// SubmitTransaction sends a contract call from the witness account.
	SubmitTransaction(ctx context.Context, method string, args ...any) (models.TxID, error)

	// GetTransactionReceipt reports whether a transaction is included and at which height.
	// An unknown or unmined transaction is not an error.
	GetTransactionReceipt(ctx context.Context, id models.TxID) (models.Receipt, error)

	// CallView executes a read-only contract call and returns the raw result.
	CallView(ctx context.Context, method string, args ...any) ([]byte, error)

	// Sign signs data on behalf of address.
	Sign(ctx context.Context, address common.Address, data []byte) ([]byte, error)

	// NewLogFilter installs a filter for contract logs starting at fromBlock.
	NewLogFilter(ctx context.Context, fromBlock uint64) (FilterID, error)

	// PollNewLogEvents returns the logs matched by the filter since the last poll.
	PollNewLogEvents(ctx context.Context, filter FilterID) ([]models.LogEvent, error)

	// FilterLogs returns the contract logs in the inclusive block range.
	FilterLogs(ctx context.Context, fromBlock, toBlock uint64) ([]models.LogEvent, error)

	// BlockNumber returns the current head height.
	BlockNumber(ctx context.Context) (uint64, error)
}

// Signer signs opaque byte strings for an address.
type Signer interface {
	Sign(ctx context.Context, address common.Address, data []byte) ([]byte, error)
}

// RPCError is an error object returned by the node.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// Unwrap makes node errors match ErrRPCUnavailable.
func (e *RPCError) Unwrap() error {
	return ErrRPCUnavailable
}

// IsFilterNotFound reports whether the node dropped a log filter, which
// happens after node restarts or filter expiry.
func IsFilterNotFound(err error) bool {
	var rpcErr *RPCError
	if errors.As(err, &rpcErr) {
		return strings.Contains(strings.ToLower(rpcErr.Message), "filter not found")
	}
	return false
}
