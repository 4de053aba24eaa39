package fork

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/okeefe/latch/internal/util"
)

func TestEDMCodeRoundTrip(t *testing.T) {
	key, err := util.NewKey()
	require.NoError(t, err)

	code := EDMCode{
		UserCode:      "ABCD2345",
		EncryptionKey: key,
		ChildClientID: "child-1",
	}
	s := code.String()
	assert.True(t, strings.HasPrefix(s, "0:ABCD2345:"))

	got, ok := DecodeEDMCode(s)
	require.True(t, ok)
	assert.Equal(t, code, got)
}

func TestEDMCodeRoundTripWithExtra(t *testing.T) {
	key, err := util.NewKey()
	require.NoError(t, err)

	code := EDMCode{
		UserCode:      "ABCD2345",
		EncryptionKey: key,
		ChildClientID: "child-1",
		Extra:         "hint",
	}
	got, ok := DecodeEDMCode(code.String())
	require.True(t, ok)
	assert.Equal(t, code, got)
	assert.Equal(t, 5, strings.Count(code.String(), ":")+1)
}

func TestDecodeEDMCodeMalformed(t *testing.T) {
	key, _ := util.NewKey()
	keyB64 := util.B64Encode(key)
	shortKeyB64 := util.B64Encode(key[:16])

	cases := []struct {
		name string
		in   string
	}{
		{"empty", ""},
		{"too few segments", "0:user:" + keyB64},
		{"too many segments", "0:user:" + keyB64 + ":child:extra:more"},
		{"wrong version", "1:user:" + keyB64 + ":child"},
		{"empty user code", "0::" + keyB64 + ":child"},
		{"empty child id", "0:user:" + keyB64 + ":"},
		{"empty extra", "0:user:" + keyB64 + ":child:"},
		{"not base64", "0:user:!!!!:child"},
		{"unpadded base64", "0:user:" + strings.TrimRight(keyB64, "=") + ":child"},
		{"wrong key size", "0:user:" + shortKeyB64 + ":child"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, ok := DecodeEDMCode(tc.in)
			assert.False(t, ok)
			assert.Equal(t, EDMCode{}, got, "malformed input must not leak partial fields")
		})
	}
}
