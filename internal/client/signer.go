package client

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/pkg/errors"
)

// KeySigner signs with private keys held in process, for users whose keys
// were created on this node. Addresses it does not hold are delegated to
// the fallback signer, usually the ledger node.
type KeySigner struct {
	mu       sync.RWMutex
	keys     map[common.Address]*ecdsa.PrivateKey
	fallback Signer
}

// NewKeySigner creates a signer holding the given hex-encoded private keys.
func NewKeySigner(fallback Signer, hexKeys ...string) (*KeySigner, error) {
	s := &KeySigner{keys: make(map[common.Address]*ecdsa.PrivateKey), fallback: fallback}
	for _, hk := range hexKeys {
		if _, err := s.Import(hk); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Import adds a hex-encoded private key and returns its address.
func (s *KeySigner) Import(hexKey string) (common.Address, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(hexKey, "0x"))
	if err != nil {
		return common.Address{}, errors.WithMessage(err, "error parsing private key")
	}
	addr := crypto.PubkeyToAddress(key.PublicKey)
	s.mu.Lock()
	s.keys[addr] = key
	s.mu.Unlock()
	return addr, nil
}

// Sign produces an eth_sign compatible signature (V in {27, 28}).
func (s *KeySigner) Sign(ctx context.Context, address common.Address, data []byte) ([]byte, error) {
	s.mu.RLock()
	key, ok := s.keys[address]
	s.mu.RUnlock()
	if !ok {
		if s.fallback == nil {
			return nil, fmt.Errorf("no key for %s", address.Hex())
		}
		return s.fallback.Sign(ctx, address, data)
	}
	sig, err := crypto.Sign(accounts.TextHash(data), key)
	if err != nil {
		return nil, err
	}
	sig[crypto.RecoveryIDOffset] += 27
	return sig, nil
}

// RecoverSigner returns the address that produced an eth_sign signature over data.
func RecoverSigner(data, sig []byte) (common.Address, error) {
	if len(sig) != crypto.SignatureLength {
		return common.Address{}, fmt.Errorf("signature length %d, want %d", len(sig), crypto.SignatureLength)
	}
	normalized := make([]byte, len(sig))
	copy(normalized, sig)
	if normalized[crypto.RecoveryIDOffset] >= 27 {
		normalized[crypto.RecoveryIDOffset] -= 27
	}
	pub, err := crypto.SigToPub(accounts.TextHash(data), normalized)
	if err != nil {
		return common.Address{}, errors.WithMessage(err, "error recovering signer")
	}
	return crypto.PubkeyToAddress(*pub), nil
}
