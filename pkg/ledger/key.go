package ledger

import (
	"crypto/ecdsa"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/crypto"
)

// Key is an account key pair. The address of an account is the hex
// encoded uncompressed secp256k1 public key.
type Key struct {
	sk *ecdsa.PrivateKey
}

// GenerateKey creates a random key pair.
func GenerateKey() (*Key, error) {
	sk, err := crypto.GenerateKey()
	if err != nil {
		return nil, err
	}
	return &Key{sk: sk}, nil
}

// KeyFromHex parses a hex encoded private key.
func KeyFromHex(s string) (*Key, error) {
	sk, err := crypto.HexToECDSA(s)
	if err != nil {
		return nil, fmt.Errorf("invalid private key: %w", err)
	}
	return &Key{sk: sk}, nil
}

// KeyFromSeed derives a key from a seed. Anyone knowing the seed
// knows the key.
func KeyFromSeed(seed string) *Key {
	sk, err := crypto.ToECDSA(SHA3([]byte(seed)))
	if err != nil {
		panic(err)
	}
	return &Key{sk: sk}
}

// Hex returns the hex encoded private key.
func (k *Key) Hex() string {
	return hex.EncodeToString(crypto.FromECDSA(k.sk))
}

// Address returns the account address of the key.
func (k *Key) Address() string {
	return hex.EncodeToString(crypto.FromECDSAPub(&k.sk.PublicKey))
}

// Sign signs the hex encoded 32 byte digest.
func (k *Key) Sign(hexDigest string) (string, error) {
	d, ok := digest(hexDigest)
	if !ok {
		return "", errors.New("digest must be a 32 byte hex string")
	}

	sig, err := crypto.Sign(d, k.sk)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(sig), nil
}

// VerifySignature verifies that sig is a signature of the hex encoded
// digest by the owner of address.
func VerifySignature(address, hexDigest, sig string) bool {
	pk, err := hex.DecodeString(address)
	if err != nil || len(pk) == 0 {
		return false
	}

	s, err := hex.DecodeString(sig)
	if err != nil || len(s) < 64 {
		return false
	}

	d, ok := digest(hexDigest)
	if !ok {
		return false
	}

	return crypto.VerifySignature(pk, d, s[:64])
}
