package contracts

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"

	_ "embed"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

//go:embed abis/NFTLending.json
var nftLendingABIJSON string

//go:embed abis/MockNFT.json
var mockNFTABIJSON string

var (
	// ErrNotReady is returned while no handles have been resolved for the
	// active signer, or after a signer switch invalidated the old ones.
	ErrNotReady = errors.New("contracts: handles not resolved for active signer")
	// ErrNotDeployed is returned when a descriptor address has no code.
	ErrNotDeployed = errors.New("contracts: no code at contract address")
)

// CodeReader is the slice of the Ethereum RPC needed to probe deployments.
type CodeReader interface {
	CodeAt(ctx context.Context, account common.Address, blockNumber *big.Int) ([]byte, error)
}

// Capabilities records which optional operations the resolved contracts
// expose. Computed once at resolution time and consumed as plain data
// afterwards, never re-probed per call.
type Capabilities struct {
	// MintWithTokenID is true when the collateral contract has
	// mint(address,uint256).
	MintWithTokenID bool
	// MintWithURI is true when it instead (or additionally) has
	// mint(address,string).
	MintWithURI bool
	// HasExists is true when exists(uint256) is available; without it
	// existence is probed through ownerOf.
	HasExists bool
	// HasAvailableLoans is true when the loan contract exposes
	// getAvailableLoans(); without it availability is filtered
	// client-side.
	HasAvailableLoans bool
}

// Contract pairs a deployed address with its parsed interface.
type Contract struct {
	Address common.Address
	ABI     abi.ABI
}

// Pack encodes a call to the named method.
func (c *Contract) Pack(method string, args ...interface{}) ([]byte, error) {
	return c.ABI.Pack(method, args...)
}

// Unpack decodes a method's return data.
func (c *Contract) Unpack(method string, data []byte) ([]interface{}, error) {
	return c.ABI.Unpack(method, data)
}

// Handles is one immutable resolution of both contracts for one signer.
// A signer switch produces a brand-new Handles value; stale ones are
// rejected by identity, never patched in place.
type Handles struct {
	Signer     common.Address
	ChainID    *big.Int
	Lending    *Contract
	Collateral *Contract
	Caps       Capabilities
}

// Registry resolves contract handles from a deployment descriptor and tracks
// which signer they are currently bound to.
type Registry struct {
	descriptor *Descriptor
	lendingABI abi.ABI
	nftABI     abi.ABI

	mu      sync.RWMutex
	handles *Handles
}

// NewRegistry parses the embedded interfaces and binds them to the
// descriptor's addresses. Resolution against a live client happens in
// Resolve.
func NewRegistry(descriptor *Descriptor) (*Registry, error) {
	if descriptor == nil {
		return nil, fmt.Errorf("contracts: nil descriptor")
	}
	lendingABI, err := abi.JSON(strings.NewReader(nftLendingABIJSON))
	if err != nil {
		return nil, fmt.Errorf("contracts: parse lending interface: %w", err)
	}
	nftABI, err := abi.JSON(strings.NewReader(mockNFTABIJSON))
	if err != nil {
		return nil, fmt.Errorf("contracts: parse collateral interface: %w", err)
	}
	return &Registry{descriptor: descriptor, lendingABI: lendingABI, nftABI: nftABI}, nil
}

// NewRegistryWithABIs is NewRegistry with caller-supplied interfaces, used
// when the deployment ships its own extracted ABI files.
func NewRegistryWithABIs(descriptor *Descriptor, lendingABI, nftABI abi.ABI) (*Registry, error) {
	if descriptor == nil {
		return nil, fmt.Errorf("contracts: nil descriptor")
	}
	return &Registry{descriptor: descriptor, lendingABI: lendingABI, nftABI: nftABI}, nil
}

// Descriptor returns the deployment descriptor the registry was built from.
func (r *Registry) Descriptor() *Descriptor { return r.descriptor }

// Resolve verifies both contracts are deployed, computes capability flags
// and installs a fresh Handles value bound to signer. Any previously
// resolved handles are replaced in the same step; readers either see the old
// complete resolution or the new one.
func (r *Registry) Resolve(ctx context.Context, client CodeReader, signer common.Address) (*Handles, error) {
	lendingAddr := r.descriptor.LendingAddress()
	nftAddr := r.descriptor.CollateralAddress()

	for _, addr := range []common.Address{lendingAddr, nftAddr} {
		code, err := client.CodeAt(ctx, addr, nil)
		if err != nil {
			return nil, fmt.Errorf("contracts: probe code at %s: %w", addr.Hex(), err)
		}
		if len(code) == 0 {
			return nil, fmt.Errorf("%w: %s", ErrNotDeployed, addr.Hex())
		}
	}

	handles := &Handles{
		Signer:     signer,
		ChainID:    r.descriptor.ChainIDInt(),
		Lending:    &Contract{Address: lendingAddr, ABI: r.lendingABI},
		Collateral: &Contract{Address: nftAddr, ABI: r.nftABI},
		Caps:       capabilitiesOf(r.lendingABI, r.nftABI),
	}

	r.mu.Lock()
	r.handles = handles
	r.mu.Unlock()
	return handles, nil
}

// Invalidate drops the current handles, e.g. when the signing account is
// switched. Callers get ErrNotReady until the next Resolve.
func (r *Registry) Invalidate() {
	r.mu.Lock()
	r.handles = nil
	r.mu.Unlock()
}

// Current returns the handles bound to signer, or ErrNotReady when none are
// resolved or they belong to a different signer.
func (r *Registry) Current(signer common.Address) (*Handles, error) {
	r.mu.RLock()
	handles := r.handles
	r.mu.RUnlock()
	if handles == nil || handles.Signer != signer {
		return nil, ErrNotReady
	}
	return handles, nil
}

func capabilitiesOf(lendingABI, nftABI abi.ABI) Capabilities {
	caps := Capabilities{}
	for _, method := range nftABI.Methods {
		switch {
		case method.RawName == "mint" && len(method.Inputs) == 2 && method.Inputs[1].Type.T == abi.UintTy:
			caps.MintWithTokenID = true
		case method.RawName == "mint" && len(method.Inputs) == 2 && method.Inputs[1].Type.T == abi.StringTy:
			caps.MintWithURI = true
		case method.RawName == "exists":
			caps.HasExists = true
		}
	}
	if _, ok := lendingABI.Methods["getAvailableLoans"]; ok {
		caps.HasAvailableLoans = true
	}
	return caps
}
