package vault

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"

	"github.com/rs/zerolog"
	"github.com/zeebo/blake3"
	"golang.org/x/crypto/chacha20poly1305"

	"github.com/buymybills/Incollabe-BE-sub001/pkg/autherr"
)

const KeySize = chacha20poly1305.KeySize

var ErrInvalidKeyLength = fmt.Errorf("invalid key length: want %d bytes", KeySize)

// Vault encrypts identifiers at rest and derives their lookup hash.
type Vault struct {
	key    []byte
	logger zerolog.Logger
}

func New(key []byte, logger zerolog.Logger) (*Vault, error) {
	if len(key) != KeySize {
		return nil, ErrInvalidKeyLength
	}

	k := make([]byte, KeySize)
	copy(k, key)

	return &Vault{
		key:    k,
		logger: logger.With().Str("component", "vault").Logger(),
	}, nil
}

// NewFromBase64 accepts the key in the form produced by GenerateKey.
func NewFromBase64(encoded string, logger zerolog.Logger) (*Vault, error) {
	key, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("decode vault key: %w", err)
	}

	return New(key, logger)
}

func GenerateKey() (string, error) {
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return "", err
	}

	return base64.StdEncoding.EncodeToString(key), nil
}

// Encrypt seals plaintext under a fresh random nonce, so equal inputs never share ciphertext.
func (v *Vault) Encrypt(plaintext string) (string, error) {
	aead, err := chacha20poly1305.NewX(v.key)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(plaintext)+aead.Overhead())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", err
	}

	sealed := aead.Seal(nonce, nonce, []byte(plaintext), nil)

	return base64.StdEncoding.EncodeToString(sealed), nil
}

func (v *Vault) Decrypt(ciphertext string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", autherr.Wrap(autherr.KindDataIntegrity, "ciphertext is not base64", err)
	}

	aead, err := chacha20poly1305.NewX(v.key)
	if err != nil {
		return "", err
	}

	if len(raw) < aead.NonceSize()+aead.Overhead() {
		return "", autherr.New(autherr.KindDataIntegrity, "ciphertext too short")
	}

	nonce, sealed := raw[:aead.NonceSize()], raw[aead.NonceSize():]

	plaintext, err := aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", autherr.Wrap(autherr.KindDataIntegrity, "ciphertext failed authentication", err)
	}

	return string(plaintext), nil
}

// DecryptOrOpaque is for advisory fields such as notification previews. A failure is logged
// and yields "" instead of an error.
func (v *Vault) DecryptOrOpaque(ciphertext string) string {
	plaintext, err := v.Decrypt(ciphertext)
	if err != nil {
		v.logger.Warn().Err(err).Msg("advisory field left opaque")
		return ""
	}

	return plaintext
}

// Hash is unsalted on purpose: it is the equality key for encrypted columns.
func (v *Vault) Hash(plaintext string) string {
	sum := blake3.Sum256([]byte(plaintext))
	return hex.EncodeToString(sum[:])
}
