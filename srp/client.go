package srp

import (
	"crypto/subtle"
	"math/big"

	"github.com/okeefe/latch/internal/util"
)

// ClientProofs is the client's half of one SRP exchange: the ephemeral and
// proof to send, plus the locally recomputed server proof the response
// must match.
type ClientProofs struct {
	ClientEphemeral string // base64
	ClientProof     string // base64

	expectedServerProof []byte
}

// ComputeProofs runs the client side of SRP-6a against a server challenge.
// All big-number inputs are standard base64.
func ComputeProofs(modulusB64, serverEphemeralB64, saltB64, password string) (*ClientProofs, error) {
	grp, err := newGroup(modulusB64)
	if err != nil {
		return nil, err
	}
	rawB, err := util.B64Decode(serverEphemeralB64)
	if err != nil {
		return nil, ErrInvalidServerEphemeral
	}
	bigB := new(big.Int).SetBytes(rawB)
	if new(big.Int).Mod(bigB, grp.n).Sign() == 0 {
		return nil, ErrInvalidServerEphemeral
	}
	salt, err := util.B64Decode(saltB64)
	if err != nil || len(salt) == 0 {
		return nil, ErrInvalidSalt
	}

	x := privateKey(salt, password)
	k := grp.multiplier()

	a, err := randomExponent(256)
	if err != nil {
		return nil, err
	}
	bigA := new(big.Int).Exp(groupGenerator, a, grp.n)
	if bigA.Sign() == 0 {
		return nil, ErrInvalidServerEphemeral
	}

	u := grp.scrambler(bigA, bigB)
	if u.Sign() == 0 {
		return nil, ErrInvalidServerEphemeral
	}

	// S = (B - k*g^x) ^ (a + u*x) mod N
	gx := new(big.Int).Exp(groupGenerator, x, grp.n)
	base := new(big.Int).Sub(bigB, new(big.Int).Mul(k, gx))
	base.Mod(base, grp.n)
	exp := new(big.Int).Add(a, new(big.Int).Mul(u, x))
	s := new(big.Int).Exp(base, exp, grp.n)

	key := grp.pad(s)
	clientProof := hashParts(grp.pad(bigA), grp.pad(bigB), key)
	serverProof := hashParts(grp.pad(bigA), clientProof, key)

	return &ClientProofs{
		ClientEphemeral:     util.B64Encode(grp.pad(bigA)),
		ClientProof:         util.B64Encode(clientProof),
		expectedServerProof: serverProof,
	}, nil
}

// VerifyServerProof compares the server's proof against the locally
// recomputed expectation. A mismatch means the server never knew the
// password verifier and must be treated as hostile.
func (p *ClientProofs) VerifyServerProof(serverProofB64 string) error {
	got, err := util.B64Decode(serverProofB64)
	if err != nil {
		return ErrServerProofMismatch
	}
	if subtle.ConstantTimeCompare(got, p.expectedServerProof) != 1 {
		return ErrServerProofMismatch
	}
	return nil
}
