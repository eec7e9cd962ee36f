// Package wallet wraps the connected account's signing capability: an
// Ethereum v3 keystore on disk, decrypted once at startup.
package wallet

import (
	"crypto/ecdsa"
	"errors"
	"io/fs"
	"math/big"
	"os"
	"path/filepath"

	"github.com/ethereum/go-ethereum/accounts/keystore"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	gethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// ErrBadPassphrase marks a keystore decryption failure, surfaced to the user
// as a declined signing context rather than a crash.
var ErrBadPassphrase = errors.New("wallet: could not decrypt keystore")

// Wallet holds one unlocked signing key.
type Wallet struct {
	key     *ecdsa.PrivateKey
	address common.Address
}

// Load decrypts the keystore file at path with the supplied passphrase.
func Load(path, passphrase string) (*Wallet, error) {
	if path == "" {
		return nil, errors.New("wallet: empty keystore path")
	}
	keyJSON, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	decrypted, err := keystore.DecryptKey(keyJSON, passphrase)
	if err != nil {
		return nil, errors.Join(ErrBadPassphrase, err)
	}
	return fromKey(decrypted.PrivateKey), nil
}

// Generate creates a fresh key, writes it to path as a v3 keystore and
// returns the unlocked wallet.
func Generate(path, passphrase string) (*Wallet, error) {
	key, err := gethcrypto.GenerateKey()
	if err != nil {
		return nil, err
	}
	if err := save(path, key, passphrase); err != nil {
		return nil, err
	}
	return fromKey(key), nil
}

func fromKey(key *ecdsa.PrivateKey) *Wallet {
	return &Wallet{key: key, address: gethcrypto.PubkeyToAddress(key.PublicKey)}
}

// Address returns the account's address.
func (w *Wallet) Address() common.Address { return w.address }

// SignTx signs a transaction for the given chain.
func (w *Wallet) SignTx(tx *types.Transaction, chainID *big.Int) (*types.Transaction, error) {
	if w == nil || w.key == nil {
		return nil, errors.New("wallet: not unlocked")
	}
	return types.SignTx(tx, types.LatestSignerForChainID(chainID), w.key)
}

// save writes the key through a scratch keystore directory so the final file
// lands at exactly path with tight permissions.
func save(path string, key *ecdsa.PrivateKey, passphrase string) error {
	if path == "" {
		return errors.New("wallet: empty keystore path")
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}

	tmpDir, err := os.MkdirTemp(dir, "keystore-")
	if err != nil {
		return err
	}
	defer os.RemoveAll(tmpDir)

	ks := keystore.NewKeyStore(tmpDir, keystore.StandardScryptN, keystore.StandardScryptP)
	if _, err := ks.ImportECDSA(key, passphrase); err != nil {
		return err
	}

	entries, err := os.ReadDir(tmpDir)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		return errors.New("wallet: failed to create keystore file")
	}

	src := filepath.Join(tmpDir, entries[0].Name())
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	if err := os.Rename(src, path); err != nil {
		return err
	}
	return os.Chmod(path, 0o600)
}
