// Package auth implements the authorization scheme gating every ledger
// mutation: a keccak digest over the positionally-encoded request payload,
// an secp256k1 signature over that digest, and an allow-list of signer
// addresses.
//
// The digest covers exactly (participants, values) in submission order, so a
// signature is only valid for that exact list order and content.
package auth

import (
	"bytes"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
)

var (
	// ErrInvalidSignature is returned when a signature is malformed or does
	// not recover to any address.
	ErrInvalidSignature = errors.New("invalid signature")

	// ErrUnknownSigner is returned when a well-formed signature recovers to
	// an address outside the allow-list.
	ErrUnknownSigner = errors.New("signer not authorized")
)

// Signature is the wire form of an secp256k1 signature split into its
// components, as produced by eth_sign style tooling.
type Signature struct {
	V int    `json:"v"`
	R string `json:"r"`
	S string `json:"s"`
}

// Digest computes the keccak256 hash of the tightly-packed encoding of
// (address[], uint256[]) over exactly the given lists, in order. Each array
// element is padded to 32 bytes, matching Solidity's packed encoding of
// array arguments.
func Digest(participants []common.Address, values []*big.Int) []byte {
	var buf bytes.Buffer
	for _, p := range participants {
		buf.Write(common.LeftPadBytes(p.Bytes(), 32))
	}
	for _, v := range values {
		buf.Write(common.LeftPadBytes(v.Bytes(), 32))
	}
	return crypto.Keccak256(buf.Bytes())
}

// signedHash returns the hash that is actually signed: the EIP-191 personal
// message hash of the 0x-prefixed hex rendering of the digest. Signing the
// hex string rather than the raw bytes matches the upstream scorer tooling.
func signedHash(digest []byte) []byte {
	return accounts.TextHash([]byte(hexutil.Encode(digest)))
}

// Recover returns the address that produced sig over digest.
func Recover(digest []byte, sig Signature) (common.Address, error) {
	r, err := hexutil.Decode(sig.R)
	if err != nil || len(r) > 32 {
		return common.Address{}, fmt.Errorf("%w: bad r component", ErrInvalidSignature)
	}
	s, err := hexutil.Decode(sig.S)
	if err != nil || len(s) > 32 {
		return common.Address{}, fmt.Errorf("%w: bad s component", ErrInvalidSignature)
	}

	v := sig.V
	if v >= 27 {
		v -= 27
	}
	if v != 0 && v != 1 {
		return common.Address{}, fmt.Errorf("%w: bad recovery id %d", ErrInvalidSignature, sig.V)
	}

	raw := make([]byte, 65)
	copy(raw[32-len(r):32], r)
	copy(raw[64-len(s):64], s)
	raw[64] = byte(v)

	pub, err := crypto.SigToPub(signedHash(digest), raw)
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	return crypto.PubkeyToAddress(*pub), nil
}

// Sign produces a Signature over digest with the given key. It is the
// counterpart of Recover and is used by the payout signer and by tests.
func Sign(digest []byte, key *ecdsa.PrivateKey) (Signature, error) {
	raw, err := crypto.Sign(signedHash(digest), key)
	if err != nil {
		return Signature{}, fmt.Errorf("sign digest: %w", err)
	}
	return Signature{
		V: int(raw[64]) + 27,
		R: hexutil.Encode(raw[:32]),
		S: hexutil.Encode(raw[32:64]),
	}, nil
}

// Verifier checks signatures against a fixed allow-list of signer addresses.
type Verifier struct {
	allowed map[common.Address]struct{}
}

// NewVerifier creates a Verifier trusting exactly the given signers.
func NewVerifier(signers []common.Address) *Verifier {
	allowed := make(map[common.Address]struct{}, len(signers))
	for _, s := range signers {
		allowed[s] = struct{}{}
	}
	return &Verifier{allowed: allowed}
}

// Verify recovers the signer of sig over digest and checks it against the
// allow-list. It returns the recovered address on success.
func (v *Verifier) Verify(digest []byte, sig Signature) (common.Address, error) {
	signer, err := Recover(digest, sig)
	if err != nil {
		return common.Address{}, err
	}
	if _, ok := v.allowed[signer]; !ok {
		return common.Address{}, fmt.Errorf("%w: %s", ErrUnknownSigner, signer.Hex())
	}
	return signer, nil
}
