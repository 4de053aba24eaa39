package util

import (
	"encoding/base64"

	"golang.org/x/text/unicode/norm"
)

// Normalize applies NFKD normalization; credentials are normalized before
// any key derivation so visually-identical input produces identical proofs.
func Normalize(s string) string {
	return norm.NFKD.String(s)
}

func B64Encode(b []byte) string {
	return base64.StdEncoding.EncodeToString(b)
}

// B64Decode decodes standard base64 and rejects missing padding.
func B64Decode(s string) ([]byte, error) {
	return base64.StdEncoding.Strict().DecodeString(s)
}
