// Package gateway turns business actions on collateralized loans into
// correctly-encoded ledger requests, awaits their confirmation, and
// normalizes results and errors. It owns no state beyond the resolved
// contract handles, which are re-derivable at any time.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	"nftlend/contracts"
	"nftlend/finance"
	"nftlend/loan"
)

// ConfirmedSink receives the lifecycle events decoded from each confirmed
// submission, so a live view can fold them in ahead of its next poll.
type ConfirmedSink interface {
	ApplyConfirmed(ev loan.Event)
}

// Gateway binds a signing context and a ledger-query capability to the two
// resolved contracts.
type Gateway struct {
	client   Client
	signer   Signer
	registry *contracts.Registry
	log      *slog.Logger
	metrics  *Metrics
	inflight *inflightSet

	sinkMu sync.Mutex
	sink   ConfirmedSink
}

// New constructs a gateway. The registry must be resolved for the signer
// before mutating operations can run; until then every operation reports
// ErrNotReady.
func New(client Client, signer Signer, registry *contracts.Registry, logger *slog.Logger) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gateway{
		client:   client,
		signer:   signer,
		registry: registry,
		log:      logger.With("component", "gateway"),
		metrics:  SharedMetrics(),
		inflight: newInflightSet(),
	}
}

// Signer returns the connected account's address.
func (g *Gateway) Signer() common.Address { return g.signer.Address() }

// NotifyConfirmed routes the events of every future confirmation to sink.
// A nil sink disables routing.
func (g *Gateway) NotifyConfirmed(sink ConfirmedSink) {
	g.sinkMu.Lock()
	g.sink = sink
	g.sinkMu.Unlock()
}

func (g *Gateway) confirmedSink() ConfirmedSink {
	g.sinkMu.Lock()
	defer g.sinkMu.Unlock()
	return g.sink
}

func (g *Gateway) handles() (*contracts.Handles, error) {
	return g.registry.Current(g.signer.Address())
}

// Capabilities reports the resolved contracts' optional operations.
func (g *Gateway) Capabilities() (contracts.Capabilities, error) {
	handles, err := g.handles()
	if err != nil {
		return contracts.Capabilities{}, err
	}
	return handles.Caps, nil
}

// callView runs a read-only contract call and classifies failures: reverts
// come back as *RevertError, transport failures as *UnreachableError.
func (g *Gateway) callView(ctx context.Context, op string, c *contracts.Contract, method string, args ...interface{}) ([]interface{}, error) {
	data, err := c.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("gateway: encode %s: %w", method, err)
	}
	ret, err := g.client.CallContract(ctx, ethereum.CallMsg{
		From: g.signer.Address(),
		To:   &c.Address,
		Data: data,
	}, nil)
	if err != nil {
		if revert, ok := revertFromCallError(err, ret); ok {
			return nil, revert
		}
		g.metrics.recordQueryError(op)
		return nil, &UnreachableError{Op: op, Err: err}
	}
	out, err := c.Unpack(method, ret)
	if err != nil {
		return nil, fmt.Errorf("gateway: decode %s: %w", method, err)
	}
	return out, nil
}

// ---- Collateral operations ----

// Ownership is the tri-state answer to "who owns this token": either the
// token does not exist, or it exists with a known owner.
type Ownership struct {
	Exists bool
	Owner  common.Address
}

// CollateralOwner resolves the current owner of a collateral token. A
// nonexistent token is a result, not an error.
func (g *Gateway) CollateralOwner(ctx context.Context, tokenID *big.Int) (Ownership, error) {
	handles, err := g.handles()
	if err != nil {
		return Ownership{}, err
	}

	if handles.Caps.HasExists {
		out, err := g.callView(ctx, "exists", handles.Collateral, "exists", tokenID)
		if err != nil {
			return Ownership{}, err
		}
		if exists, _ := out[0].(bool); !exists {
			return Ownership{}, nil
		}
	}

	out, err := g.callView(ctx, "ownerOf", handles.Collateral, "ownerOf", tokenID)
	if err != nil {
		// Without exists() the only probe is ownerOf, which reverts
		// for unknown tokens.
		var revert *RevertError
		if errors.As(err, &revert) {
			return Ownership{}, nil
		}
		return Ownership{}, err
	}
	owner, _ := out[0].(common.Address)
	return Ownership{Exists: true, Owner: owner}, nil
}

// SubmitMint mints a collateral token to the given address, choosing
// whichever mint signature the deployed contract supports.
func (g *Gateway) SubmitMint(ctx context.Context, to common.Address, tokenID *big.Int) (*Submission, error) {
	handles, err := g.handles()
	if err != nil {
		return nil, err
	}
	if !handles.Caps.MintWithTokenID && !handles.Caps.MintWithURI {
		return nil, &RevertError{Code: ReasonUnsupportedOperation}
	}

	owned, err := g.CollateralOwner(ctx, tokenID)
	if err != nil {
		return nil, err
	}
	if owned.Exists {
		return nil, &RevertError{Code: ReasonAlreadyExists}
	}

	var data []byte
	if handles.Caps.MintWithTokenID {
		data, err = handles.Collateral.Pack("mint", to, tokenID)
	} else {
		data, err = handles.Collateral.Pack("mint", to, fmt.Sprintf("ipfs://QmDefault%s", tokenID))
	}
	if err != nil {
		return nil, fmt.Errorf("gateway: encode mint: %w", err)
	}
	return g.submit(ctx, OpMint, guardKey{OpMint, tokenID.Uint64()}, handles.Collateral.Address, nil, data)
}

// MintCollateral is SubmitMint followed by Await.
func (g *Gateway) MintCollateral(ctx context.Context, to common.Address, tokenID *big.Int) (*Confirmation, error) {
	sub, err := g.SubmitMint(ctx, to, tokenID)
	if err != nil {
		return nil, err
	}
	return sub.Await(ctx)
}

// SubmitApprove grants the loan contract transfer rights over one token.
// Approving an already-approved token is harmless; each call is still a
// separate request.
func (g *Gateway) SubmitApprove(ctx context.Context, tokenID *big.Int) (*Submission, error) {
	handles, err := g.handles()
	if err != nil {
		return nil, err
	}
	data, err := handles.Collateral.Pack("approve", handles.Lending.Address, tokenID)
	if err != nil {
		return nil, fmt.Errorf("gateway: encode approve: %w", err)
	}
	return g.submit(ctx, OpApprove, guardKey{OpApprove, tokenID.Uint64()}, handles.Collateral.Address, nil, data)
}

// ApproveCollateral is SubmitApprove followed by Await.
func (g *Gateway) ApproveCollateral(ctx context.Context, tokenID *big.Int) (*Confirmation, error) {
	sub, err := g.SubmitApprove(ctx, tokenID)
	if err != nil {
		return nil, err
	}
	return sub.Await(ctx)
}

// CollateralApproved reports whether the loan contract currently holds
// transfer approval for the token.
func (g *Gateway) CollateralApproved(ctx context.Context, tokenID *big.Int) (bool, error) {
	handles, err := g.handles()
	if err != nil {
		return false, err
	}
	out, err := g.callView(ctx, "getApproved", handles.Collateral, "getApproved", tokenID)
	if err != nil {
		return false, err
	}
	approved, _ := out[0].(common.Address)
	return approved == handles.Lending.Address, nil
}

// ---- Loan operations ----

// CreateParams carries the terms of a new loan request. Duration is in the
// ledger's configured unit.
type CreateParams struct {
	Collateral common.Address
	TokenID    *big.Int
	Principal  *big.Int
	RateBps    uint64
	Duration   uint64
}

// SubmitCreateLoan pledges an owned, pre-approved token against a new loan.
// Local pre-checks fail fast with the reason the ledger itself would give;
// when a pre-check races a concurrent state change the ledger's rejection
// still wins at confirmation time.
func (g *Gateway) SubmitCreateLoan(ctx context.Context, p CreateParams) (*Submission, error) {
	handles, err := g.handles()
	if err != nil {
		return nil, err
	}
	if p.TokenID == nil {
		return nil, &ValidationError{Field: "tokenId", Reason: "required"}
	}
	if p.Principal == nil || p.Principal.Sign() <= 0 {
		return nil, &ValidationError{Field: "principal", Reason: "must be positive"}
	}
	if p.Duration == 0 {
		return nil, &ValidationError{Field: "duration", Reason: "must be positive"}
	}
	collateral := p.Collateral
	if collateral == (common.Address{}) {
		collateral = handles.Collateral.Address
	}

	owned, err := g.CollateralOwner(ctx, p.TokenID)
	if err != nil {
		return nil, err
	}
	if !owned.Exists || owned.Owner != g.signer.Address() {
		return nil, &RevertError{Code: ReasonNotOwner}
	}
	approved, err := g.CollateralApproved(ctx, p.TokenID)
	if err != nil {
		return nil, err
	}
	if !approved {
		return nil, &RevertError{Code: ReasonNotApproved}
	}

	data, err := handles.Lending.Pack("createLoan",
		collateral, p.TokenID, p.Principal,
		new(big.Int).SetUint64(p.RateBps), new(big.Int).SetUint64(p.Duration))
	if err != nil {
		return nil, fmt.Errorf("gateway: encode createLoan: %w", err)
	}
	return g.submit(ctx, OpCreate, guardKey{OpCreate, p.TokenID.Uint64()}, handles.Lending.Address, nil, data)
}

// CreateLoan submits and awaits a loan creation, returning the ledger's
// newly assigned loan id. When the expected LoanCreated record is absent
// from the confirmation the id is 0 and the caller resolves it through a
// follow-up listing query.
func (g *Gateway) CreateLoan(ctx context.Context, p CreateParams) (uint64, *Confirmation, error) {
	sub, err := g.SubmitCreateLoan(ctx, p)
	if err != nil {
		return 0, nil, err
	}
	conf, err := sub.Await(ctx)
	if err != nil {
		return 0, nil, err
	}
	for _, ev := range conf.Events {
		if ev.Kind == loan.EventCreated {
			return ev.LoanID, conf, nil
		}
	}
	g.log.Warn("created loan without a LoanCreated record", "tx", sub.TxHash.Hex())
	return 0, conf, nil
}

// SubmitFundLoan transmits exactly the loan's stored principal. The record
// is re-read immediately before submission so a stale local principal can
// never be transmitted.
func (g *Gateway) SubmitFundLoan(ctx context.Context, loanID uint64) (*Submission, error) {
	handles, err := g.handles()
	if err != nil {
		return nil, err
	}
	record, err := g.GetLoan(ctx, loanID)
	if err != nil {
		return nil, err
	}
	if record.Funded() {
		return nil, &RevertError{Code: ReasonAlreadyFunded}
	}
	data, err := handles.Lending.Pack("fundLoan", new(big.Int).SetUint64(loanID))
	if err != nil {
		return nil, fmt.Errorf("gateway: encode fundLoan: %w", err)
	}
	return g.submit(ctx, OpFund, guardKey{OpFund, loanID}, handles.Lending.Address, record.Principal, data)
}

// FundLoan is SubmitFundLoan followed by Await.
func (g *Gateway) FundLoan(ctx context.Context, loanID uint64) (*Confirmation, error) {
	sub, err := g.SubmitFundLoan(ctx, loanID)
	if err != nil {
		return nil, err
	}
	return sub.Await(ctx)
}

// RepaymentAmount reads the ledger's authoritative current repayment figure.
// This value, not any client-side estimate, is the basis for actual
// payments.
func (g *Gateway) RepaymentAmount(ctx context.Context, loanID uint64) (*big.Int, error) {
	handles, err := g.handles()
	if err != nil {
		return nil, err
	}
	out, err := g.callView(ctx, "calculateRepaymentAmount", handles.Lending, "calculateRepaymentAmount", new(big.Int).SetUint64(loanID))
	if err != nil {
		return nil, err
	}
	amount, _ := out[0].(*big.Int)
	return amount, nil
}

// SubmitRepayLoan queries the authoritative repayment amount and transmits
// it plus a 0.1% buffer covering interest accrued until inclusion.
func (g *Gateway) SubmitRepayLoan(ctx context.Context, loanID uint64) (*Submission, error) {
	handles, err := g.handles()
	if err != nil {
		return nil, err
	}
	authoritative, err := g.RepaymentAmount(ctx, loanID)
	if err != nil {
		return nil, err
	}
	data, err := handles.Lending.Pack("repayLoan", new(big.Int).SetUint64(loanID))
	if err != nil {
		return nil, fmt.Errorf("gateway: encode repayLoan: %w", err)
	}
	return g.submit(ctx, OpRepay, guardKey{OpRepay, loanID}, handles.Lending.Address, finance.PaymentWithBuffer(authoritative), data)
}

// RepayLoan is SubmitRepayLoan followed by Await.
func (g *Gateway) RepayLoan(ctx context.Context, loanID uint64) (*Confirmation, error) {
	sub, err := g.SubmitRepayLoan(ctx, loanID)
	if err != nil {
		return nil, err
	}
	return sub.Await(ctx)
}

// SubmitLiquidateLoan claims the collateral of an expired, unrepaid loan.
// Callable by any account, typically the lender.
func (g *Gateway) SubmitLiquidateLoan(ctx context.Context, loanID uint64) (*Submission, error) {
	handles, err := g.handles()
	if err != nil {
		return nil, err
	}
	data, err := handles.Lending.Pack("liquidateLoan", new(big.Int).SetUint64(loanID))
	if err != nil {
		return nil, fmt.Errorf("gateway: encode liquidateLoan: %w", err)
	}
	return g.submit(ctx, OpLiquidate, guardKey{OpLiquidate, loanID}, handles.Lending.Address, nil, data)
}

// LiquidateLoan is SubmitLiquidateLoan followed by Await.
func (g *Gateway) LiquidateLoan(ctx context.Context, loanID uint64) (*Confirmation, error) {
	sub, err := g.SubmitLiquidateLoan(ctx, loanID)
	if err != nil {
		return nil, err
	}
	return sub.Await(ctx)
}

// IsDefaulted asks the ledger's own expiry check for a loan, the figure the
// client's local expiry computation must agree with.
func (g *Gateway) IsDefaulted(ctx context.Context, loanID uint64) (bool, error) {
	handles, err := g.handles()
	if err != nil {
		return false, err
	}
	out, err := g.callView(ctx, "isLoanDefaulted", handles.Lending, "isLoanDefaulted", new(big.Int).SetUint64(loanID))
	if err != nil {
		return false, err
	}
	defaulted, _ := out[0].(bool)
	return defaulted, nil
}

// loanRecord matches the getLoan tuple layout.
type loanRecord struct {
	Borrower     common.Address
	Lender       common.Address
	NftContract  common.Address
	TokenId      *big.Int
	Amount       *big.Int
	InterestRate *big.Int
	StartTime    *big.Int
	Duration     *big.Int
	IsActive     bool
}

// GetLoan fetches one loan's full current record, or ErrNotFound.
func (g *Gateway) GetLoan(ctx context.Context, loanID uint64) (*loan.Loan, error) {
	handles, err := g.handles()
	if err != nil {
		return nil, err
	}
	out, err := g.callView(ctx, "getLoan", handles.Lending, "getLoan", new(big.Int).SetUint64(loanID))
	if err != nil {
		var revert *RevertError
		if errors.As(err, &revert) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	record := *abi.ConvertType(out[0], new(loanRecord)).(*loanRecord)
	if record.Borrower == (common.Address{}) {
		return nil, ErrNotFound
	}
	return &loan.Loan{
		ID:              loanID,
		Borrower:        record.Borrower,
		Lender:          record.Lender,
		Collateral:      record.NftContract,
		TokenID:         record.TokenId,
		Principal:       record.Amount,
		InterestRateBps: record.InterestRate.Uint64(),
		StartTime:       record.StartTime.Uint64(),
		Duration:        record.Duration.Uint64(),
		Active:          record.IsActive,
	}, nil
}

// LoanCount returns the total number of loans ever created.
func (g *Gateway) LoanCount(ctx context.Context) (uint64, error) {
	handles, err := g.handles()
	if err != nil {
		return 0, err
	}
	out, err := g.callView(ctx, "loanCounter", handles.Lending, "loanCounter")
	if err != nil {
		return 0, err
	}
	count, _ := out[0].(*big.Int)
	return count.Uint64(), nil
}

// LoanIDsFor lists the ids associated with an address in one role, in
// insertion order.
func (g *Gateway) LoanIDsFor(ctx context.Context, addr common.Address, role loan.Role) ([]uint64, error) {
	handles, err := g.handles()
	if err != nil {
		return nil, err
	}
	method := "getBorrowerLoans"
	if role == loan.RoleLender {
		method = "getLenderLoans"
	}
	out, err := g.callView(ctx, method, handles.Lending, method, addr)
	if err != nil {
		return nil, err
	}
	raw, _ := out[0].([]*big.Int)
	ids := make([]uint64, 0, len(raw))
	for _, id := range raw {
		ids = append(ids, id.Uint64())
	}
	return ids, nil
}

// AvailableLoans lists loans still awaiting a lender. When the deployed
// contract exposes getAvailableLoans that fast path is used; otherwise every
// loan is fetched and filtered client-side.
func (g *Gateway) AvailableLoans(ctx context.Context) ([]*loan.Loan, error) {
	handles, err := g.handles()
	if err != nil {
		return nil, err
	}

	if handles.Caps.HasAvailableLoans {
		out, err := g.callView(ctx, "getAvailableLoans", handles.Lending, "getAvailableLoans")
		if err != nil {
			return nil, err
		}
		raw, _ := out[0].([]*big.Int)
		loans := make([]*loan.Loan, 0, len(raw))
		for _, id := range raw {
			record, err := g.GetLoan(ctx, id.Uint64())
			if err != nil {
				return nil, err
			}
			loans = append(loans, record)
		}
		return loans, nil
	}

	count, err := g.LoanCount(ctx)
	if err != nil {
		return nil, err
	}
	loans := make([]*loan.Loan, 0)
	for id := uint64(1); id <= count; id++ {
		record, err := g.GetLoan(ctx, id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if record.PendingFunding() {
			loans = append(loans, record)
		}
	}
	return loans, nil
}
