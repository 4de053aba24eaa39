package storage

import (
	"fmt"

	"github.com/okeefe/latch/internal/util"
)

// Envelope is a sealed record containing AES-256-GCM encrypted data.
type Envelope struct {
	Ver        int    `json:"ver"`
	Scheme     string `json:"scheme"`
	Nonce      []byte `json:"nonce"`
	Ciphertext []byte `json:"ciphertext"`
}

// Seal encrypts plaintext into an Envelope using the given key and AAD.
func Seal(key, plaintext, aad []byte) (*Envelope, error) {
	blob, err := util.EncryptGCM(plaintext, key, aad)
	if err != nil {
		return nil, err
	}

	// util.EncryptGCM returns nonce || ciphertext.
	return &Envelope{
		Ver:        1,
		Scheme:     "aes256gcm",
		Nonce:      blob[:util.GCMNonceSize],
		Ciphertext: blob[util.GCMNonceSize:],
	}, nil
}

// Open decrypts an Envelope using the given key and AAD.
func Open(key []byte, envelope *Envelope, aad []byte) ([]byte, error) {
	if envelope.Ver != 1 {
		return nil, fmt.Errorf("unsupported envelope version: %d", envelope.Ver)
	}
	if envelope.Scheme != "aes256gcm" {
		return nil, fmt.Errorf("unsupported envelope scheme: %s", envelope.Scheme)
	}

	blob := make([]byte, len(envelope.Nonce)+len(envelope.Ciphertext))
	copy(blob, envelope.Nonce)
	copy(blob[len(envelope.Nonce):], envelope.Ciphertext)

	return util.DecryptGCM(blob, key, aad)
}
