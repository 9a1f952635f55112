package vault

import (
	"bytes"
	"encoding/base64"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/buymybills/Incollabe-BE-sub001/pkg/autherr"
)

func newTestVault(t *testing.T) *Vault {
	t.Helper()

	key, err := GenerateKey()
	require.NoError(t, err)

	v, err := NewFromBase64(key, zerolog.Nop())
	require.NoError(t, err)

	return v
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	v := newTestVault(t)

	inputs := []string{
		"9876543210",
		"brand@example.com",
		"",
		"ünïcødé@exämple.org",
		"a very long identifier that spans more than one block of the stream cipher output",
	}

	for _, input := range inputs {
		ciphertext, err := v.Encrypt(input)
		require.NoError(t, err)

		plaintext, err := v.Decrypt(ciphertext)
		require.NoError(t, err)
		assert.Equal(t, input, plaintext)
	}
}

func TestEncryptIsNotDeterministic(t *testing.T) {
	v := newTestVault(t)

	first, err := v.Encrypt("9876543210")
	require.NoError(t, err)
	second, err := v.Encrypt("9876543210")
	require.NoError(t, err)

	assert.NotEqual(t, first, second)
}

func TestHashIsStableAndDistinct(t *testing.T) {
	v := newTestVault(t)

	assert.Equal(t, v.Hash("9876543210"), v.Hash("9876543210"))
	assert.NotEqual(t, v.Hash("9876543210"), v.Hash("9876543211"))
	assert.Len(t, v.Hash("x"), 64)

	// independent of the encryption key
	other := newTestVault(t)
	assert.Equal(t, v.Hash("brand@example.com"), other.Hash("brand@example.com"))
}

func TestDecryptMalformedIsDataIntegrity(t *testing.T) {
	v := newTestVault(t)

	cases := map[string]string{
		"not base64": "%%%",
		"too short":  base64.StdEncoding.EncodeToString([]byte("abc")),
		"tampered":   base64.StdEncoding.EncodeToString(bytes.Repeat([]byte{7}, 64)),
	}

	for name, input := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := v.Decrypt(input)
			require.Error(t, err)
			assert.True(t, errors.Is(err, autherr.ErrDataIntegrity))
		})
	}
}

func TestDecryptWithWrongKeyFails(t *testing.T) {
	v := newTestVault(t)
	other := newTestVault(t)

	ciphertext, err := v.Encrypt("9876543210")
	require.NoError(t, err)

	_, err = other.Decrypt(ciphertext)
	assert.True(t, errors.Is(err, autherr.ErrDataIntegrity))
}

func TestDecryptOrOpaque(t *testing.T) {
	v := newTestVault(t)

	ciphertext, err := v.Encrypt("new campaign invite")
	require.NoError(t, err)

	assert.Equal(t, "new campaign invite", v.DecryptOrOpaque(ciphertext))
	assert.Equal(t, "", v.DecryptOrOpaque("garbage"))
}

func TestNewRejectsShortKey(t *testing.T) {
	_, err := New([]byte("short"), zerolog.Nop())
	assert.ErrorIs(t, err, ErrInvalidKeyLength)
}

func TestNormalizePhone(t *testing.T) {
	cases := []struct {
		raw       string
		want      string
		formatted string
		wantErr   bool
	}{
		{raw: "9876543210", want: "9876543210", formatted: "+91 9876543210"},
		{raw: "+91 98765 43210", want: "9876543210", formatted: "+91 9876543210"},
		{raw: "09876543210", want: "9876543210", formatted: "+91 9876543210"},
		{raw: "12345", wantErr: true},
	}

	for _, tc := range cases {
		id, err := NormalizePhone(tc.raw, "+91")
		if tc.wantErr {
			assert.Error(t, err, tc.raw)
			continue
		}
		require.NoError(t, err, tc.raw)
		assert.Equal(t, tc.want, id.Value)
		assert.Equal(t, tc.formatted, id.Formatted())
	}
}

func TestNormalizeEmail(t *testing.T) {
	id, err := NormalizeEmail("  Brand@Example.COM ")
	require.NoError(t, err)
	assert.Equal(t, "brand@example.com", id.Value)
	assert.Equal(t, "brand@example.com", id.Formatted())

	_, err = NormalizeEmail("not-an-email")
	assert.Error(t, err)

	_, err = NormalizeEmail("Name <brand@example.com>")
	assert.Error(t, err)
}
