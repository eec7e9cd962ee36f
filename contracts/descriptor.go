package contracts

import (
	"encoding/json"
	"fmt"
	"math/big"
	"os"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Deployment records one deployed contract from the descriptor file.
type Deployment struct {
	Address    string    `json:"address"`
	DeployedAt time.Time `json:"deployedAt"`
}

// Descriptor mirrors the addresses.json file emitted by the deployment
// tooling. It is read once at startup.
type Descriptor struct {
	NFTLending Deployment `json:"NFTLending"`
	MockNFT    Deployment `json:"MockNFT"`
	Deployer   string     `json:"deployer"`
	Network    string     `json:"network"`
	// ChainID is serialized as a string by the deploy script.
	ChainID string `json:"chainId"`
}

// LoadDescriptor reads and validates a deployment descriptor file.
func LoadDescriptor(path string) (*Descriptor, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("contracts: read descriptor: %w", err)
	}
	var d Descriptor
	if err := json.Unmarshal(raw, &d); err != nil {
		return nil, fmt.Errorf("contracts: parse descriptor %s: %w", path, err)
	}
	if err := d.validate(); err != nil {
		return nil, err
	}
	return &d, nil
}

func (d *Descriptor) validate() error {
	if !common.IsHexAddress(d.NFTLending.Address) {
		return fmt.Errorf("contracts: descriptor missing a valid NFTLending address")
	}
	if !common.IsHexAddress(d.MockNFT.Address) {
		return fmt.Errorf("contracts: descriptor missing a valid MockNFT address")
	}
	if _, err := d.chainID(); err != nil {
		return err
	}
	return nil
}

// LendingAddress returns the loan contract's address.
func (d *Descriptor) LendingAddress() common.Address {
	return common.HexToAddress(d.NFTLending.Address)
}

// CollateralAddress returns the collateral token contract's address.
func (d *Descriptor) CollateralAddress() common.Address {
	return common.HexToAddress(d.MockNFT.Address)
}

// ChainIDInt returns the descriptor's chain identifier.
func (d *Descriptor) ChainIDInt() *big.Int {
	id, _ := d.chainID()
	return id
}

func (d *Descriptor) chainID() (*big.Int, error) {
	trimmed := strings.TrimSpace(d.ChainID)
	if trimmed == "" {
		return nil, fmt.Errorf("contracts: descriptor missing chainId")
	}
	id, ok := new(big.Int).SetString(trimmed, 10)
	if !ok || id.Sign() <= 0 {
		return nil, fmt.Errorf("contracts: descriptor chainId %q not a positive integer", d.ChainID)
	}
	return id, nil
}
