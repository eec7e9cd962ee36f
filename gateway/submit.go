package gateway

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/google/uuid"

	"nftlend/loan"
)

// OpKind names a state-changing loan operation.
type OpKind string

const (
	OpMint      OpKind = "mint"
	OpApprove   OpKind = "approve"
	OpCreate    OpKind = "create"
	OpFund      OpKind = "fund"
	OpRepay     OpKind = "repay"
	OpLiquidate OpKind = "liquidate"
)

// receiptPollInterval paces confirmation polling. The wait itself is
// unbounded; only the caller's context ends it.
const receiptPollInterval = time.Second

type guardKey struct {
	kind OpKind
	id   uint64
}

// inflightSet blocks a second submission of the same kind for the same loan
// or token while one is outstanding.
type inflightSet struct {
	mu  sync.Mutex
	set map[guardKey]struct{}
}

func newInflightSet() *inflightSet {
	return &inflightSet{set: make(map[guardKey]struct{})}
}

func (s *inflightSet) acquire(key guardKey) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, held := s.set[key]; held {
		return false
	}
	s.set[key] = struct{}{}
	return true
}

func (s *inflightSet) release(key guardKey) {
	s.mu.Lock()
	delete(s.set, key)
	s.mu.Unlock()
}

// Submission is the first phase of a mutating operation: the request has
// been signed and accepted by the network's transaction pool. Await turns it
// into a Confirmation once the ledger includes and executes it.
type Submission struct {
	ID     uuid.UUID
	Kind   OpKind
	LoanID uint64
	TxHash common.Hash

	gw          *Gateway
	call        ethereum.CallMsg
	key         guardKey
	submittedAt time.Time
	releaseOnce sync.Once
}

// Confirmation is the second phase: the included receipt plus the lifecycle
// events it emitted.
type Confirmation struct {
	Receipt     *gethtypes.Receipt
	BlockNumber uint64
	Events      []loan.Event
}

// Await blocks until the ledger includes the transaction, polling for the
// receipt. There is no client-side timeout: cancellation of ctx is the only
// bound. On a transient transport failure the submission stays outstanding
// and Await may be called again; on inclusion the result is terminal.
func (s *Submission) Await(ctx context.Context) (*Confirmation, error) {
	ticker := time.NewTicker(receiptPollInterval)
	defer ticker.Stop()

	for {
		receipt, err := s.gw.client.TransactionReceipt(ctx, s.TxHash)
		switch {
		case err == nil && receipt != nil:
			return s.conclude(receipt)
		case errors.Is(err, ethereum.NotFound):
			// Still pending.
		case err != nil:
			return nil, &UnreachableError{Op: string(s.Kind), Err: err}
		}

		select {
		case <-ctx.Done():
			s.release()
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (s *Submission) conclude(receipt *gethtypes.Receipt) (*Confirmation, error) {
	s.release()
	s.gw.metrics.observeConfirmWait(string(s.Kind), time.Since(s.submittedAt).Seconds())

	if receipt.Status != gethtypes.ReceiptStatusSuccessful {
		s.gw.metrics.recordSubmission(string(s.Kind), "reverted")
		revert := s.gw.replayForReason(s.call, receipt.BlockNumber)
		s.gw.log.Warn("submission reverted",
			"op", string(s.Kind), "submission", s.ID.String(),
			"tx", s.TxHash.Hex(), "reason", revert.Raw)
		return nil, revert
	}

	events := s.gw.decodeReceiptEvents(receipt)
	if sink := s.gw.confirmedSink(); sink != nil {
		for _, ev := range events {
			sink.ApplyConfirmed(ev)
		}
	}
	s.gw.metrics.recordSubmission(string(s.Kind), "confirmed")
	s.gw.log.Info("submission confirmed",
		"op", string(s.Kind), "submission", s.ID.String(),
		"tx", s.TxHash.Hex(), "block", receipt.BlockNumber.Uint64())

	return &Confirmation{
		Receipt:     receipt,
		BlockNumber: receipt.BlockNumber.Uint64(),
		Events:      events,
	}, nil
}

func (s *Submission) release() {
	s.releaseOnce.Do(func() { s.gw.inflight.release(s.key) })
}

// replayForReason re-executes a failed transaction's call at its inclusion
// block to recover the revert reason.
func (g *Gateway) replayForReason(call ethereum.CallMsg, block *big.Int) *RevertError {
	ret, err := g.client.CallContract(context.Background(), call, block)
	if revert, ok := revertFromCallError(err, ret); ok {
		return revert
	}
	return &RevertError{Code: ReasonUnknown}
}

// submit runs the first phase: encode, sign, hand to the network. Validation
// and signing failures never reach the ledger; estimate-gas rejections carry
// the ledger's own revert reason.
func (g *Gateway) submit(ctx context.Context, kind OpKind, key guardKey, to common.Address, value *big.Int, data []byte) (*Submission, error) {
	if !g.inflight.acquire(key) {
		return nil, ErrBusy
	}
	sub, err := g.submitLocked(ctx, kind, key, to, value, data)
	if err != nil {
		g.inflight.release(key)
		return nil, err
	}
	return sub, nil
}

func (g *Gateway) submitLocked(ctx context.Context, kind OpKind, key guardKey, to common.Address, value *big.Int, data []byte) (*Submission, error) {
	handles, err := g.handles()
	if err != nil {
		return nil, err
	}
	from := g.signer.Address()
	call := ethereum.CallMsg{From: from, To: &to, Value: value, Data: data}

	gas, err := g.client.EstimateGas(ctx, call)
	if err != nil {
		if revert, ok := revertFromCallError(err, nil); ok {
			g.metrics.recordSubmission(string(kind), "rejected")
			return nil, revert
		}
		return nil, &UnreachableError{Op: string(kind), Err: err}
	}
	nonce, err := g.client.PendingNonceAt(ctx, from)
	if err != nil {
		return nil, &UnreachableError{Op: string(kind), Err: err}
	}
	gasPrice, err := g.client.SuggestGasPrice(ctx)
	if err != nil {
		return nil, &UnreachableError{Op: string(kind), Err: err}
	}

	// Headroom over the estimate; unused gas is refunded.
	tx := gethtypes.NewTransaction(nonce, to, value, gas+gas/5, gasPrice, data)
	signed, err := g.signer.SignTx(tx, handles.ChainID)
	if err != nil {
		g.metrics.recordSubmission(string(kind), "rejected")
		return nil, fmt.Errorf("%w: %v", ErrUserRejected, err)
	}
	if err := g.client.SendTransaction(ctx, signed); err != nil {
		if revert, ok := revertFromCallError(err, nil); ok {
			g.metrics.recordSubmission(string(kind), "rejected")
			return nil, revert
		}
		return nil, &UnreachableError{Op: string(kind), Err: err}
	}

	sub := &Submission{
		ID:          uuid.New(),
		Kind:        kind,
		LoanID:      key.id,
		TxHash:      signed.Hash(),
		gw:          g,
		call:        call,
		key:         key,
		submittedAt: time.Now(),
	}
	g.metrics.recordSubmission(string(kind), "submitted")
	g.log.Info("submission sent",
		"op", string(kind), "submission", sub.ID.String(), "tx", sub.TxHash.Hex())
	return sub, nil
}
