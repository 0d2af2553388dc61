// Package chain adapts the on-chain reward contract: one payable call that
// transfers value to a list of addresses, a view of the per-address amount
// already scheduled on-chain, and the signing machinery behind both.
package chain

import (
	"crypto/ecdsa"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/statornet/rewards-ledger/internal/auth"
)

// Signer signs payout transactions and authorization digests.
type Signer interface {
	Address() common.Address
	SignMessage(digest []byte) (auth.Signature, error)
	SignTx(tx *types.Transaction, chainID *big.Int) (*types.Transaction, error)
}

// KeySigner signs with an in-memory secp256k1 private key.
type KeySigner struct {
	key *ecdsa.PrivateKey
}

// NewKeySigner wraps an existing private key.
func NewKeySigner(key *ecdsa.PrivateKey) *KeySigner {
	return &KeySigner{key: key}
}

// LoadKeySigner reads a hex-encoded private key from file.
func LoadKeySigner(path string) (*KeySigner, error) {
	key, err := crypto.LoadECDSA(path)
	if err != nil {
		return nil, fmt.Errorf("load key from %s: %w", path, err)
	}
	return &KeySigner{key: key}, nil
}

// Address implements Signer.
func (s *KeySigner) Address() common.Address {
	return crypto.PubkeyToAddress(s.key.PublicKey)
}

// SignMessage implements Signer.
func (s *KeySigner) SignMessage(digest []byte) (auth.Signature, error) {
	return auth.Sign(digest, s.key)
}

// SignTx implements Signer.
func (s *KeySigner) SignTx(tx *types.Transaction, chainID *big.Int) (*types.Transaction, error) {
	return types.SignTx(tx, types.LatestSignerForChainID(chainID), s.key)
}

// SerialSigner wraps a Signer so that at most one signing operation is
// outstanding at a time. Hardware wallets cannot multiplex: a transaction
// approval and a message signature must never be requested concurrently.
// Waiting for on-chain confirmation happens outside the slot.
type SerialSigner struct {
	inner Signer
	slot  chan struct{}
}

// NewSerialSigner wraps inner with a single-slot queue.
func NewSerialSigner(inner Signer) *SerialSigner {
	s := &SerialSigner{inner: inner, slot: make(chan struct{}, 1)}
	s.slot <- struct{}{}
	return s
}

func (s *SerialSigner) acquire() func() {
	<-s.slot
	return func() { s.slot <- struct{}{} }
}

// Address implements Signer. Address lookups do not touch the device slot.
func (s *SerialSigner) Address() common.Address {
	return s.inner.Address()
}

// SignMessage implements Signer.
func (s *SerialSigner) SignMessage(digest []byte) (auth.Signature, error) {
	release := s.acquire()
	defer release()
	return s.inner.SignMessage(digest)
}

// SignTx implements Signer.
func (s *SerialSigner) SignTx(tx *types.Transaction, chainID *big.Int) (*types.Transaction, error) {
	release := s.acquire()
	defer release()
	return s.inner.SignTx(tx, chainID)
}
