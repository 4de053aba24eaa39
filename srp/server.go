package srp

import (
	"crypto/subtle"
	"errors"
	"math/big"

	"github.com/okeefe/latch/internal/util"
)

// ErrClientProofMismatch means the client's proof did not verify,
// i.e. the password was wrong.
var ErrClientProofMismatch = errors.New("srp: client proof mismatch")

// Verifier is the server-side password record: a salt and v = g^x mod N.
// The password itself is not recoverable from it.
type Verifier struct {
	Salt     string // base64
	Verifier string // base64
}

// NewVerifier enrolls a password under the given modulus, generating a
// fresh random salt.
func NewVerifier(modulusB64, password string) (*Verifier, error) {
	grp, err := newGroup(modulusB64)
	if err != nil {
		return nil, err
	}
	salt, err := util.RandomBytes(16)
	if err != nil {
		return nil, err
	}
	x := privateKey(salt, password)
	v := new(big.Int).Exp(groupGenerator, x, grp.n)
	return &Verifier{
		Salt:     util.B64Encode(salt),
		Verifier: util.B64Encode(grp.pad(v)),
	}, nil
}

// Server holds the server's state for one SRP exchange.
type Server struct {
	grp  *group
	v    *big.Int
	b    *big.Int
	bigB *big.Int
}

// NewServer starts an exchange for the given enrolled verifier.
func NewServer(modulusB64 string, verifier *Verifier) (*Server, error) {
	grp, err := newGroup(modulusB64)
	if err != nil {
		return nil, err
	}
	rawV, err := util.B64Decode(verifier.Verifier)
	if err != nil {
		return nil, ErrInvalidModulus
	}
	v := new(big.Int).SetBytes(rawV)

	b, err := randomExponent(256)
	if err != nil {
		return nil, err
	}
	// B = (k*v + g^b) mod N
	gb := new(big.Int).Exp(groupGenerator, b, grp.n)
	bigB := new(big.Int).Add(new(big.Int).Mul(grp.multiplier(), v), gb)
	bigB.Mod(bigB, grp.n)

	return &Server{grp: grp, v: v, b: b, bigB: bigB}, nil
}

// Ephemeral returns the server ephemeral B to send in the challenge.
func (s *Server) Ephemeral() string {
	return util.B64Encode(s.grp.pad(s.bigB))
}

// VerifyClient checks the client's proof and, on success, returns the
// server proof to send back.
func (s *Server) VerifyClient(clientEphemeralB64, clientProofB64 string) (string, error) {
	rawA, err := util.B64Decode(clientEphemeralB64)
	if err != nil {
		return "", ErrClientProofMismatch
	}
	bigA := new(big.Int).SetBytes(rawA)
	if new(big.Int).Mod(bigA, s.grp.n).Sign() == 0 {
		return "", ErrClientProofMismatch
	}

	u := s.grp.scrambler(bigA, s.bigB)
	// S = (A * v^u) ^ b mod N
	vu := new(big.Int).Exp(s.v, u, s.grp.n)
	base := new(big.Int).Mul(bigA, vu)
	base.Mod(base, s.grp.n)
	secret := new(big.Int).Exp(base, s.b, s.grp.n)

	key := s.grp.pad(secret)
	expected := hashParts(s.grp.pad(bigA), s.grp.pad(s.bigB), key)

	got, err := util.B64Decode(clientProofB64)
	if err != nil {
		return "", ErrClientProofMismatch
	}
	if subtle.ConstantTimeCompare(got, expected) != 1 {
		return "", ErrClientProofMismatch
	}
	return util.B64Encode(hashParts(s.grp.pad(bigA), expected, key)), nil
}
