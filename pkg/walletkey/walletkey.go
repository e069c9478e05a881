// Package walletkey derives embedded-wallet private keys deterministically
// from account identity, per spec.md §4.9 step 2.
package walletkey

import (
	"crypto/ecdsa"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/crypto"
)

// Derive reproduces the embedded wallet's private key from account
// identity and a server-held secret: keccak256(userID + "-" + email + "-" +
// secret), used as a secp256k1 private key via go-ethereum's ToECDSA, which
// returns an error rather than reducing a digest that is not a valid scalar.
func Derive(userID, email, secret string) (*ecdsa.PrivateKey, error) {
	if userID == "" || secret == "" {
		return nil, fmt.Errorf("walletkey: userID and secret must be non-empty")
	}
	material := userID + "-" + strings.ToLower(strings.TrimSpace(email)) + "-" + secret
	digest := crypto.Keccak256([]byte(material))
	key, err := crypto.ToECDSA(digest)
	if err != nil {
		return nil, fmt.Errorf("derive wallet key: %w", err)
	}
	return key, nil
}

// Address returns the address corresponding to a derived key.
func Address(key *ecdsa.PrivateKey) string {
	return crypto.PubkeyToAddress(key.PublicKey).Hex()
}
