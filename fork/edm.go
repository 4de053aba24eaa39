// Package fork implements the device-migration protocol: a source device
// with an active session renders short-lived codes, and a target device
// polls with the embedded selector until it can pull and decrypt a forked
// session.
package fork

import (
	"strings"
	"time"

	"github.com/okeefe/latch/internal/util"
)

const (
	// CodeRotationPeriod is how long a rendered code stays valid before
	// the source device rotates it. Each rotation invalidates polling
	// against the previous selector.
	CodeRotationPeriod = 10 * time.Minute
	// PollInterval is the delay between target-device poll attempts.
	PollInterval = 5 * time.Second

	edmCodeVersion = "0"
)

// EDMCode is the value rendered on the source device and scanned by the
// target: a user code, the fork-payload encryption key, and the client
// identity the fork will be bound to.
type EDMCode struct {
	UserCode      string
	EncryptionKey []byte // 32 bytes
	ChildClientID string
	Extra         string
}

// String renders the colon-delimited code:
// version:userCode:base64(key):childClientID[:extra].
func (c EDMCode) String() string {
	parts := []string{edmCodeVersion, c.UserCode, util.B64Encode(c.EncryptionKey), c.ChildClientID}
	if c.Extra != "" {
		parts = append(parts, c.Extra)
	}
	return strings.Join(parts, ":")
}

// DecodeEDMCode parses a scanned code. It returns false for any malformed
// segment: wrong version, missing fields, bad or unpadded base64, or a key
// of the wrong size. It never returns a partially filled code.
func DecodeEDMCode(s string) (EDMCode, bool) {
	parts := strings.Split(s, ":")
	if len(parts) < 4 || len(parts) > 5 {
		return EDMCode{}, false
	}
	if parts[0] != edmCodeVersion {
		return EDMCode{}, false
	}
	if parts[1] == "" || parts[3] == "" {
		return EDMCode{}, false
	}
	key, err := util.B64Decode(parts[2])
	if err != nil || len(key) != util.KeySize {
		return EDMCode{}, false
	}
	code := EDMCode{
		UserCode:      parts[1],
		EncryptionKey: key,
		ChildClientID: parts[3],
	}
	if len(parts) == 5 {
		if parts[4] == "" {
			return EDMCode{}, false
		}
		code.Extra = parts[4]
	}
	return code, true
}
