// Package srp implements the SRP-6a password-proof exchange used by the
// login handshake: the client proves knowledge of the password without
// transmitting it, and both sides verify each other's proofs.
//
// The hash is SHA-256 and the password is pre-digested with argon2id over
// its NFKD-normalized form, so equal-looking inputs yield equal proofs.
package srp

import (
	"crypto/sha256"
	"errors"
	"math/big"

	"golang.org/x/crypto/argon2"

	"github.com/okeefe/latch/internal/util"
)

var (
	// ErrServerProofMismatch means the server failed to prove knowledge of
	// the shared secret. Security-critical: callers must abort the session.
	ErrServerProofMismatch = errors.New("srp: server proof mismatch")

	ErrInvalidModulus         = errors.New("srp: invalid modulus")
	ErrInvalidServerEphemeral = errors.New("srp: invalid server ephemeral")
	ErrInvalidSalt            = errors.New("srp: invalid salt")
)

// minModulusBits rejects degenerate groups a hostile server could offer.
const minModulusBits = 1024

var groupGenerator = big.NewInt(2)

// group holds the validated SRP group parameters for one exchange.
type group struct {
	n      *big.Int
	nBytes int
}

func newGroup(modulusB64 string) (*group, error) {
	raw, err := util.B64Decode(modulusB64)
	if err != nil {
		return nil, ErrInvalidModulus
	}
	n := new(big.Int).SetBytes(raw)
	if n.BitLen() < minModulusBits || n.Bit(0) == 0 {
		return nil, ErrInvalidModulus
	}
	return &group{n: n, nBytes: len(raw)}, nil
}

// pad left-pads b to the modulus width, per RFC 5054.
func (g *group) pad(x *big.Int) []byte {
	b := x.Bytes()
	if len(b) >= g.nBytes {
		return b
	}
	out := make([]byte, g.nBytes)
	copy(out[g.nBytes-len(b):], b)
	return out
}

func hashParts(parts ...[]byte) []byte {
	h := sha256.New()
	for _, p := range parts {
		h.Write(p)
	}
	return h.Sum(nil)
}

// multiplier computes k = H(N || pad(g)).
func (g *group) multiplier() *big.Int {
	return new(big.Int).SetBytes(hashParts(g.n.Bytes(), g.pad(groupGenerator)))
}

// scrambler computes u = H(pad(A) || pad(B)).
func (g *group) scrambler(a, b *big.Int) *big.Int {
	return new(big.Int).SetBytes(hashParts(g.pad(a), g.pad(b)))
}

// privateKey derives the SRP private exponent x from the salt and the
// argon2id-digested password: x = H(salt || argon2id(NFKD(password), salt)).
func privateKey(salt []byte, password string) *big.Int {
	digest := argon2.IDKey([]byte(util.Normalize(password)), salt, 1, 64*1024, 4, 32)
	defer util.WipeBytes(digest)
	return new(big.Int).SetBytes(hashParts(salt, digest))
}

func randomExponent(bits int) (*big.Int, error) {
	raw, err := util.RandomBytes(bits / 8)
	if err != nil {
		return nil, err
	}
	return new(big.Int).SetBytes(raw), nil
}
