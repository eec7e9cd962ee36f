package loan

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Loan mirrors a single loan record as stored by the lending contract.
// Amount values are denominated in wei and expressed as big integers to match
// on-chain precision.
type Loan struct {
	// ID is the contract-assigned identifier, starting at 1 and strictly
	// increasing. Zero means the id is not yet known to the client.
	ID uint64
	// Borrower created the loan and owns the pledged collateral.
	Borrower common.Address
	// Lender funded the loan. The zero address means not yet funded.
	Lender common.Address
	// Collateral is the ERC-721 contract holding the pledged token.
	Collateral common.Address
	// TokenID identifies the pledged token within the collateral contract.
	TokenID *big.Int
	// Principal is the requested amount in wei, fixed at creation.
	Principal *big.Int
	// InterestRateBps is the simple annual interest rate in basis points.
	InterestRateBps uint64
	// StartTime is the unix timestamp of the funding transaction. Zero
	// before funding; the authoritative clock origin for expiry.
	StartTime uint64
	// Duration is the loan term as a plain integer in the ledger's
	// configured unit (seconds or days, see finance.DurationUnit).
	Duration uint64
	// Active is true from creation until repayment or liquidation.
	Active bool
}

// Funded reports whether a lender has funded the loan.
func (l *Loan) Funded() bool {
	return l.Lender != (common.Address{})
}

// PendingFunding reports whether the loan is created but still awaiting a
// lender.
func (l *Loan) PendingFunding() bool {
	return l.Active && !l.Funded()
}

// Repaid reports whether the loan reached the repaid terminal state. A loan
// that went inactive without ever being funded cannot have been repaid.
func (l *Loan) Repaid() bool {
	return !l.Active && l.Funded()
}

// Clone returns a deep copy so snapshot holders never share big.Int values
// with the reconciler.
func (l *Loan) Clone() *Loan {
	if l == nil {
		return nil
	}
	clone := *l
	if l.TokenID != nil {
		clone.TokenID = new(big.Int).Set(l.TokenID)
	}
	if l.Principal != nil {
		clone.Principal = new(big.Int).Set(l.Principal)
	}
	return &clone
}

// Role distinguishes the two sides of a loan when listing per-account loans.
type Role string

const (
	RoleBorrower Role = "borrower"
	RoleLender   Role = "lender"
)

// State is the display-level lifecycle state derived from a loan record and
// the current time.
type State string

const (
	// StateCreated covers active loans awaiting a lender.
	StateCreated State = "created"
	// StateFunded covers active, funded, unexpired loans.
	StateFunded State = "funded"
	// StateExpired covers active funded loans past their term, eligible
	// for liquidation but not yet liquidated.
	StateExpired State = "expired"
	// StateRepaid and StateLiquidated are terminal.
	StateRepaid     State = "repaid"
	StateLiquidated State = "liquidated"
)

// StateAt classifies the loan at the supplied instant. durationSeconds must
// already be converted from the ledger's duration unit.
func (l *Loan) StateAt(now time.Time, durationSeconds uint64) State {
	switch {
	case l.Active && !l.Funded():
		return StateCreated
	case l.Active && l.ExpiredAt(now, durationSeconds):
		return StateExpired
	case l.Active:
		return StateFunded
	case l.Funded():
		return StateRepaid
	default:
		return StateLiquidated
	}
}

// StateWithHistory refines StateAt for terminal loans using lifecycle
// events. The contract keeps the lender on a liquidated record, so the
// record alone cannot tell repayment from liquidation; the closing event
// can. Without a matching event the record-only classification stands.
func (l *Loan) StateWithHistory(now time.Time, durationSeconds uint64, history []Event) State {
	state := l.StateAt(now, durationSeconds)
	if state != StateRepaid && state != StateLiquidated {
		return state
	}
	for _, ev := range history {
		if ev.LoanID != l.ID {
			continue
		}
		switch ev.Kind {
		case EventLiquidated:
			return StateLiquidated
		case EventRepaid:
			return StateRepaid
		}
	}
	return state
}

// ExpiredAt reports whether the funded term has elapsed at the supplied
// instant. Unfunded loans never expire.
func (l *Loan) ExpiredAt(now time.Time, durationSeconds uint64) bool {
	if l.StartTime == 0 {
		return false
	}
	return uint64(now.Unix()) > l.StartTime+durationSeconds
}
