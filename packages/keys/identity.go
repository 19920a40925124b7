// Package keys loads the signing identities of the swept accounts.
package keys

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

var (
	ErrEmptyKey  = errors.New("empty private key")
	ErrDestroyed = errors.New("identity destroyed")
)

// Identity is a private key and the address derived from it. The key never
// leaves the struct and is not rendered by String.
type Identity struct {
	address common.Address

	mu  sync.RWMutex
	key *ecdsa.PrivateKey
}

// Parse decodes a hex encoded secp256k1 private key, with or without 0x.
// The returned error never contains the input.
func Parse(hexKey string) (*Identity, error) {
	hexKey = strings.TrimPrefix(strings.TrimSpace(hexKey), "0x")
	if hexKey == "" {
		return nil, ErrEmptyKey
	}
	key, err := crypto.HexToECDSA(hexKey)
	if err != nil {
		return nil, errors.New("invalid secp256k1 private key")
	}
	return FromECDSA(key), nil
}

// FromECDSA wraps an existing key. The identity takes ownership of it.
func FromECDSA(key *ecdsa.PrivateKey) *Identity {
	return &Identity{
		address: crypto.PubkeyToAddress(key.PublicKey),
		key:     key,
	}
}

// Address returns the account address.
func (id *Identity) Address() common.Address {
	return id.address
}

// SignTx signs tx for the given signer.
func (id *Identity) SignTx(tx *types.Transaction, signer types.Signer) (*types.Transaction, error) {
	id.mu.RLock()
	defer id.mu.RUnlock()

	if id.key == nil {
		return nil, ErrDestroyed
	}
	return types.SignTx(tx, signer, id.key)
}

// Destroy zeroes the private scalar and drops the key. Signing afterwards
// fails with ErrDestroyed.
func (id *Identity) Destroy() {
	id.mu.Lock()
	defer id.mu.Unlock()

	if id.key == nil {
		return
	}
	b := id.key.D.Bits()
	for i := range b {
		b[i] = 0
	}
	id.key = nil
}

func (id *Identity) String() string {
	return id.address.Hex()
}

func (id *Identity) GoString() string {
	return fmt.Sprintf("keys.Identity{%s}", id.address.Hex())
}
