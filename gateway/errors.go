package gateway

import (
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"

	"nftlend/contracts"
)

var (
	// ErrNotReady mirrors the registry's unresolved-handles condition.
	ErrNotReady = contracts.ErrNotReady
	// ErrUserRejected marks a signing context that declined to sign,
	// before anything reached the network.
	ErrUserRejected = errors.New("gateway: signing rejected")
	// ErrBusy rejects a second submission of the same kind for the same
	// loan while one is still outstanding.
	ErrBusy = errors.New("gateway: identical operation already in flight")
	// ErrNotFound marks a query for a loan or token the ledger does not
	// know.
	ErrNotFound = errors.New("gateway: not found")
)

// ValidationError reports a local pre-check failure; nothing was submitted.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("gateway: invalid %s: %s", e.Field, e.Reason)
}

// UnreachableError wraps a transport failure: the ledger could not be
// queried or the submission never reached it.
type UnreachableError struct {
	Op  string
	Err error
}

func (e *UnreachableError) Error() string {
	return fmt.Sprintf("gateway: %s: ledger unreachable: %v", e.Op, e.Err)
}

func (e *UnreachableError) Unwrap() error { return e.Err }

// ReasonCode classifies why the ledger rejected a state transition.
type ReasonCode string

const (
	ReasonNotOwner             ReasonCode = "NotOwner"
	ReasonNotApproved          ReasonCode = "NotApproved"
	ReasonInvalidAmount        ReasonCode = "InvalidAmount"
	ReasonAlreadyFunded        ReasonCode = "AlreadyFunded"
	ReasonIncorrectAmount      ReasonCode = "IncorrectAmount"
	ReasonNotBorrower          ReasonCode = "NotBorrower"
	ReasonInsufficientAmount   ReasonCode = "InsufficientAmount"
	ReasonNotActive            ReasonCode = "NotActive"
	ReasonNotExpired           ReasonCode = "NotExpired"
	ReasonAlreadyExists        ReasonCode = "AlreadyExists"
	ReasonUnsupportedOperation ReasonCode = "UnsupportedOperation"
	ReasonUnknown              ReasonCode = "Unknown"
)

// RevertError carries the ledger's rejection of a state transition, with the
// raw revert reason preserved for unknown codes.
type RevertError struct {
	Code ReasonCode
	Raw  string
}

func (e *RevertError) Error() string {
	if e.Code == ReasonUnknown && e.Raw != "" {
		return fmt.Sprintf("gateway: reverted: %s", e.Raw)
	}
	return fmt.Sprintf("gateway: reverted: %s", e.Code)
}

// Message returns the human-readable text for known reason codes.
func (e *RevertError) Message() string {
	switch e.Code {
	case ReasonNotOwner:
		return "you do not own this token"
	case ReasonNotApproved:
		return "the loan contract is not approved to transfer this token"
	case ReasonInvalidAmount:
		return "the amount must be greater than zero"
	case ReasonAlreadyFunded:
		return "this loan was already funded"
	case ReasonIncorrectAmount:
		return "the funding amount must equal the loan principal exactly"
	case ReasonNotBorrower:
		return "only the borrower can repay this loan"
	case ReasonInsufficientAmount:
		return "the repayment amount is below what the ledger requires"
	case ReasonNotActive:
		return "this loan is no longer active"
	case ReasonNotExpired:
		return "this loan has not expired yet"
	case ReasonAlreadyExists:
		return "a token with this id already exists"
	case ReasonUnsupportedOperation:
		return "the deployed contract does not support this operation"
	default:
		return e.Raw
	}
}

// revertReasons maps the contract's require() strings onto reason codes.
var revertReasons = map[string]ReasonCode{
	"You don't own this NFT":        ReasonNotOwner,
	"Contract not approved":         ReasonNotApproved,
	"Amount must be greater than 0": ReasonInvalidAmount,
	"Loan already funded":           ReasonAlreadyFunded,
	"Incorrect funding amount":      ReasonIncorrectAmount,
	"Only borrower can repay":       ReasonNotBorrower,
	"Insufficient repayment amount": ReasonInsufficientAmount,
	"Loan is not active":            ReasonNotActive,
	"Loan not expired yet":          ReasonNotExpired,
	"ERC721: token already minted":  ReasonAlreadyExists,
	// The ERC-721 transfer guard fires when createLoan runs without a
	// prior approval.
	"ERC721: caller is not token owner or approved": ReasonNotApproved,
}

func classifyReason(raw string) *RevertError {
	trimmed := strings.TrimSpace(raw)
	if code, ok := revertReasons[trimmed]; ok {
		return &RevertError{Code: code, Raw: trimmed}
	}
	return &RevertError{Code: ReasonUnknown, Raw: trimmed}
}

const revertPrefix = "execution reverted"

// errorSelector is the 4-byte selector of Error(string).
var errorSelector = [4]byte{0x08, 0xc3, 0x79, 0xa0}

var stringArgs = abi.Arguments{{Type: mustType("string")}}

func mustType(t string) abi.Type {
	typ, err := abi.NewType(t, "", nil)
	if err != nil {
		panic(err)
	}
	return typ
}

// revertFromCallError extracts a revert reason from a failed eth_call or
// eth_estimateGas. Nodes report the reason either inline in the error text
// or as ABI-encoded Error(string) return data.
func revertFromCallError(err error, ret []byte) (*RevertError, bool) {
	if reason, ok := decodeRevertData(ret); ok {
		return classifyReason(reason), true
	}
	if err == nil {
		return nil, false
	}
	msg := err.Error()
	idx := strings.Index(msg, revertPrefix)
	if idx < 0 {
		return nil, false
	}
	reason := strings.TrimSpace(msg[idx+len(revertPrefix):])
	reason = strings.TrimPrefix(reason, ":")
	return classifyReason(strings.TrimSpace(reason)), true
}

// decodeRevertData unpacks ABI-encoded Error(string) revert payloads.
func decodeRevertData(data []byte) (string, bool) {
	if len(data) < 4 || [4]byte(data[:4]) != errorSelector {
		return "", false
	}
	values, err := stringArgs.Unpack(data[4:])
	if err != nil || len(values) != 1 {
		return "", false
	}
	reason, ok := values[0].(string)
	return reason, ok
}
