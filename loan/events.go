package loan

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// EventKind names the four lifecycle events emitted by the lending contract.
type EventKind string

const (
	EventCreated    EventKind = "LoanCreated"
	EventFunded     EventKind = "LoanFunded"
	EventRepaid     EventKind = "LoanRepaid"
	EventLiquidated EventKind = "LoanLiquidated"
)

// Kinds lists every lifecycle event kind in emission order.
func Kinds() []EventKind {
	return []EventKind{EventCreated, EventFunded, EventRepaid, EventLiquidated}
}

// Event is a decoded lifecycle event together with the chain coordinates
// used for ordering and deduplication.
type Event struct {
	Kind        EventKind
	LoanID      uint64
	BlockNumber uint64
	TxHash      common.Hash
	LogIndex    uint

	// Borrower is set for Created and Repaid events.
	Borrower common.Address
	// Lender is set for Funded events (and zero on Created).
	Lender common.Address
	// Liquidator is set for Liquidated events.
	Liquidator common.Address
	// Collateral and TokenID are set for Created and Liquidated events.
	Collateral common.Address
	TokenID    *big.Int
	// Amount carries the principal for Created and the total paid for
	// Repaid.
	Amount *big.Int
	// InterestRateBps and Duration are set for Created events.
	InterestRateBps uint64
	Duration        uint64
}

// Identity is the dedup key: a (transaction, log position) pair is unique
// across the chain.
func (e Event) Identity() EventIdentity {
	return EventIdentity{TxHash: e.TxHash, LogIndex: e.LogIndex}
}

// EventIdentity keys events for deduplication.
type EventIdentity struct {
	TxHash   common.Hash
	LogIndex uint
}
