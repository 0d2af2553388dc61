package auth

import (
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

func TestSignRecover_roundTrip(t *testing.T) {
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatal(err)
	}
	want := crypto.PubkeyToAddress(key.PublicKey)

	digest := Digest(
		[]common.Address{common.HexToAddress("0x1111111111111111111111111111111111111111")},
		[]*big.Int{big.NewInt(4566)},
	)

	sig, err := Sign(digest, key)
	if err != nil {
		t.Fatal(err)
	}
	if sig.V != 27 && sig.V != 28 {
		t.Errorf("expected v in {27,28}, got %d", sig.V)
	}

	got, err := Recover(digest, sig)
	if err != nil {
		t.Fatal(err)
	}
	if got != want {
		t.Errorf("recovered %s, want %s", got.Hex(), want.Hex())
	}
}

func TestRecover_differentPayloadRecoversDifferentSigner(t *testing.T) {
	key, _ := crypto.GenerateKey()
	signer := crypto.PubkeyToAddress(key.PublicKey)

	addrs := []common.Address{common.HexToAddress("0x1111111111111111111111111111111111111111")}
	signedDigest := Digest(addrs, []*big.Int{big.NewInt(100)})
	submittedDigest := Digest(addrs, []*big.Int{big.NewInt(200)})

	sig, err := Sign(signedDigest, key)
	if err != nil {
		t.Fatal(err)
	}

	got, err := Recover(submittedDigest, sig)
	if err == nil && got == signer {
		t.Error("signature over a different payload must not recover the signer")
	}
}

func TestDigest_orderSensitive(t *testing.T) {
	a := common.HexToAddress("0x1111111111111111111111111111111111111111")
	b := common.HexToAddress("0x2222222222222222222222222222222222222222")
	vals := []*big.Int{big.NewInt(1), big.NewInt(2)}

	d1 := Digest([]common.Address{a, b}, vals)
	d2 := Digest([]common.Address{b, a}, vals)

	if string(d1) == string(d2) {
		t.Error("digest must depend on list order")
	}
}

func TestRecover_malformed(t *testing.T) {
	digest := Digest(nil, nil)
	cases := []Signature{
		{V: 27, R: "not-hex", S: "0x00"},
		{V: 27, R: "0x00", S: "zzz"},
		{V: 5, R: "0x00", S: "0x00"},
	}
	for _, sig := range cases {
		if _, err := Recover(digest, sig); !errors.Is(err, ErrInvalidSignature) {
			t.Errorf("signature %+v: expected ErrInvalidSignature, got %v", sig, err)
		}
	}
}

func TestVerifier_allowList(t *testing.T) {
	trusted, _ := crypto.GenerateKey()
	stranger, _ := crypto.GenerateKey()

	v := NewVerifier([]common.Address{crypto.PubkeyToAddress(trusted.PublicKey)})
	digest := Digest(
		[]common.Address{common.HexToAddress("0x1111111111111111111111111111111111111111")},
		[]*big.Int{big.NewInt(10)},
	)

	sig, err := Sign(digest, trusted)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := v.Verify(digest, sig); err != nil {
		t.Errorf("trusted signer rejected: %v", err)
	}

	sig, err = Sign(digest, stranger)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := v.Verify(digest, sig); !errors.Is(err, ErrUnknownSigner) {
		t.Errorf("expected ErrUnknownSigner, got %v", err)
	}
}
