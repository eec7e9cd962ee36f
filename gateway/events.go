package gateway

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"

	"nftlend/loan"
)

// QueryEvents fetches one kind of lifecycle event over a block window and
// decodes it. Callers bound the window; the gateway does not.
func (g *Gateway) QueryEvents(ctx context.Context, kind loan.EventKind, fromBlock, toBlock uint64) ([]loan.Event, error) {
	handles, err := g.handles()
	if err != nil {
		return nil, err
	}
	abiEvent, ok := handles.Lending.ABI.Events[string(kind)]
	if !ok {
		return nil, fmt.Errorf("gateway: unknown event kind %q", kind)
	}

	logs, err := g.client.FilterLogs(ctx, ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(fromBlock),
		ToBlock:   new(big.Int).SetUint64(toBlock),
		Addresses: []common.Address{handles.Lending.Address},
		Topics:    [][]common.Hash{{abiEvent.ID}},
	})
	if err != nil {
		g.metrics.recordQueryError("queryEvents")
		return nil, &UnreachableError{Op: "queryEvents", Err: err}
	}

	events := make([]loan.Event, 0, len(logs))
	for _, entry := range logs {
		event, ok := g.decodeLog(entry)
		if !ok {
			continue
		}
		events = append(events, event)
	}
	return events, nil
}

// Head returns the current chain head block number.
func (g *Gateway) Head(ctx context.Context) (uint64, error) {
	head, err := g.client.BlockNumber(ctx)
	if err != nil {
		g.metrics.recordQueryError("blockNumber")
		return 0, &UnreachableError{Op: "blockNumber", Err: err}
	}
	return head, nil
}

// decodeReceiptEvents extracts the lifecycle events a confirmed transaction
// emitted on the loan contract.
func (g *Gateway) decodeReceiptEvents(receipt *gethtypes.Receipt) []loan.Event {
	handles, err := g.handles()
	if err != nil {
		return nil
	}
	var events []loan.Event
	for _, entry := range receipt.Logs {
		if entry == nil || entry.Address != handles.Lending.Address {
			continue
		}
		if event, ok := g.decodeLog(*entry); ok {
			events = append(events, event)
		}
	}
	return events
}

// decodeLog turns a raw log into a typed lifecycle event. Logs that do not
// match any known event are skipped, not errors: the contract may emit
// records this client version does not know.
func (g *Gateway) decodeLog(entry gethtypes.Log) (loan.Event, bool) {
	handles, err := g.handles()
	if err != nil || len(entry.Topics) == 0 {
		return loan.Event{}, false
	}

	var kind loan.EventKind
	found := false
	for _, candidate := range loan.Kinds() {
		if abiEvent, ok := handles.Lending.ABI.Events[string(candidate)]; ok && abiEvent.ID == entry.Topics[0] {
			kind = candidate
			found = true
			break
		}
	}
	if !found || len(entry.Topics) < 3 {
		return loan.Event{}, false
	}

	event := loan.Event{
		Kind:        kind,
		LoanID:      new(big.Int).SetBytes(entry.Topics[1].Bytes()).Uint64(),
		BlockNumber: entry.BlockNumber,
		TxHash:      entry.TxHash,
		LogIndex:    entry.Index,
	}

	data, err := handles.Lending.ABI.Unpack(string(kind), entry.Data)
	if err != nil {
		g.log.Warn("could not decode event data", "kind", string(kind), "tx", entry.TxHash.Hex(), "err", err)
		return loan.Event{}, false
	}

	switch kind {
	case loan.EventCreated:
		// LoanCreated(loanId idx, borrower idx, lender, nftContract,
		// tokenId, amount, interestRate, duration)
		if len(data) < 6 {
			return loan.Event{}, false
		}
		event.Borrower = common.BytesToAddress(entry.Topics[2].Bytes())
		event.Lender, _ = data[0].(common.Address)
		event.Collateral, _ = data[1].(common.Address)
		event.TokenID, _ = data[2].(*big.Int)
		event.Amount, _ = data[3].(*big.Int)
		if rate, ok := data[4].(*big.Int); ok {
			event.InterestRateBps = rate.Uint64()
		}
		if duration, ok := data[5].(*big.Int); ok {
			event.Duration = duration.Uint64()
		}
	case loan.EventFunded:
		// LoanFunded(loanId idx, lender idx)
		event.Lender = common.BytesToAddress(entry.Topics[2].Bytes())
	case loan.EventRepaid:
		// LoanRepaid(loanId idx, borrower idx, amount)
		if len(data) < 1 {
			return loan.Event{}, false
		}
		event.Borrower = common.BytesToAddress(entry.Topics[2].Bytes())
		event.Amount, _ = data[0].(*big.Int)
	case loan.EventLiquidated:
		// LoanLiquidated(loanId idx, liquidator idx, nftContract, tokenId)
		if len(data) < 2 {
			return loan.Event{}, false
		}
		event.Liquidator = common.BytesToAddress(entry.Topics[2].Bytes())
		event.Collateral, _ = data[0].(common.Address)
		event.TokenID, _ = data[1].(*big.Int)
	}
	return event, true
}
