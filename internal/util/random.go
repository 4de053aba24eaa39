package util

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"strings"
)

// userCodeAlphabet deliberately omits ambiguous glyphs (0/O, 1/I) so codes
// survive being read aloud or retyped from a small screen.
var userCodeAlphabet = []rune("23456789ABCDEFGHJKLMNPQRSTVWXYZ")

// RandomUserCode returns a short human-transcribable code of n characters.
func RandomUserCode(n int) (string, error) {
	var sb strings.Builder
	for i := 0; i < n; i++ {
		idx, err := RandomIntn(len(userCodeAlphabet))
		if err != nil {
			return "", fmt.Errorf("generating random code index: %w", err)
		}
		sb.WriteRune(userCodeAlphabet[idx])
	}
	return sb.String(), nil
}

func RandomIntn(max int) (int, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(int64(max)))
	if err != nil {
		return 0, fmt.Errorf("generating random number: %w", err)
	}
	return int(n.Int64()), nil
}

func RandomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return nil, fmt.Errorf("generating random bytes: %w", err)
	}
	return b, nil
}
