// Package wallet manages the node's secp256k1 identity key. The public key
// derives the node ID, and the private key signs ledger entries created by
// this node.
package wallet

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/btcsuite/btcd/btcec"
	"github.com/ledgermesh/ledgermesh/src/common"
)

// secp256k1N bounds valid private scalars on the curve.
var secp256k1N, _ = new(big.Int).SetString("fffffffffffffffffffffffffffffffebaaedce6af48a03bbfd25e8cd0364141", 16)

// Curve returns the elliptic curve used for node identities. We use
// btcsuite's implementation of secp256k1.
func Curve() elliptic.Curve {
	return btcec.S256()
}

// Wallet holds a node's identity key.
type Wallet struct {
	key *ecdsa.PrivateKey
}

// Generate creates a wallet with a fresh random key.
func Generate() (*Wallet, error) {
	key, err := ecdsa.GenerateKey(Curve(), rand.Reader)
	if err != nil {
		return nil, err
	}
	return &Wallet{key: key}, nil
}

// FromPrivateKey wraps an existing key in a wallet.
func FromPrivateKey(key *ecdsa.PrivateKey) *Wallet {
	return &Wallet{key: key}
}

// PrivateKey exposes the underlying key.
func (w *Wallet) PrivateKey() *ecdsa.PrivateKey {
	return w.key
}

// PublicKeyBytes returns the uncompressed form of the public key.
func (w *Wallet) PublicKeyBytes() []byte {
	return elliptic.Marshal(Curve(), w.key.PublicKey.X, w.key.PublicKey.Y)
}

// PublicKeyHex returns the hexadecimal representation of the uncompressed
// public key.
func (w *Wallet) PublicKeyHex() string {
	return hex.EncodeToString(w.PublicKeyBytes())
}

// NodeID derives the node's stable identity from the public key. The
// uncompressed point is folded to 32 bits to keep IDs short on the wire.
func (w *Wallet) NodeID() string {
	return fmt.Sprintf("%x", common.Hash32(w.PublicKeyBytes()))
}

// Sign signs the data and returns the signature in the r|s base36 string
// form used inside ledger entries.
func (w *Wallet) Sign(data []byte) (string, error) {
	r, s, err := ecdsa.Sign(rand.Reader, w.key, data)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s|%s", r.Text(36), s.Text(36)), nil
}

// Verify checks a signature produced by Sign against a public key in the
// uncompressed form returned by PublicKeyBytes.
func Verify(pubBytes []byte, data []byte, sig string) bool {
	x, y := elliptic.Unmarshal(Curve(), pubBytes)
	if x == nil {
		return false
	}
	pub := &ecdsa.PublicKey{Curve: Curve(), X: x, Y: y}

	values := strings.Split(sig, "|")
	if len(values) != 2 {
		return false
	}

	r, okR := new(big.Int).SetString(values[0], 36)
	s, okS := new(big.Int).SetString(values[1], 36)
	if !okR || !okS {
		return false
	}

	return ecdsa.Verify(pub, data, r, s)
}

// parsePrivateKey reconstructs a key from its raw D value.
func parsePrivateKey(d []byte) (*ecdsa.PrivateKey, error) {
	priv := new(ecdsa.PrivateKey)
	priv.PublicKey.Curve = Curve()

	if 8*len(d) != priv.Params().BitSize {
		return nil, fmt.Errorf("invalid length, need %d bits", priv.Params().BitSize)
	}

	priv.D = new(big.Int).SetBytes(d)

	if priv.D.Cmp(secp256k1N) >= 0 {
		return nil, fmt.Errorf("invalid private key, >=N")
	}
	if priv.D.Sign() <= 0 {
		return nil, fmt.Errorf("invalid private key, zero or negative")
	}

	priv.PublicKey.X, priv.PublicKey.Y = priv.PublicKey.Curve.ScalarBaseMult(d)
	if priv.PublicKey.X == nil {
		return nil, errors.New("invalid private key")
	}

	return priv, nil
}

// dumpPrivateKey exports the key's D value as a fixed-width big-endian dump.
func dumpPrivateKey(priv *ecdsa.PrivateKey) []byte {
	size := priv.Params().BitSize / 8
	d := priv.D.Bytes()
	if len(d) >= size {
		return d
	}
	ret := make([]byte, size)
	copy(ret[size-len(d):], d)
	return ret
}
