package sealbox

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"strings"
)

// keyPartSeparator joins the encoded parts of a logical key. It cannot
// appear in the output of either part encoding, so encoded keys parse
// unambiguously.
const keyPartSeparator = "|"

// hashDomainSeparator splits table name from key part inside the HMAC
// input, so "ab"+"c" and "a"+"bc" never collide.
const hashDomainSeparator = 0x9c

// Codec maps logical record keys to physical storage keys and serializes
// record values, optionally applying a confidentiality transform.
//
// With no secret, keys are URL-escaped logical key parts and values are
// plain JSON. With a 32-byte secret, each key part is keyed-hashed
// (HMAC-SHA256, domain-separated by table name) and values are encrypted
// with AES-256-GCM, nonce prepended to the ciphertext.
//
// EncodeKey is deterministic for a fixed secret: the same table and
// logical key always produce the same physical key, and the physical key
// leaks nothing about the logical key when a secret is set.
type Codec struct {
	secret []byte // nil means no confidentiality transform
}

// NewCodec creates a codec. secret may be nil (no hashing/encryption) or
// exactly 32 bytes.
func NewCodec(secret []byte) (*Codec, error) {
	if secret != nil && len(secret) != SecretLength {
		return nil, WithContext(ErrInvalidConfig, map[string]interface{}{
			"expected_secret_length": SecretLength,
			"actual_secret_length":   len(secret),
			"reason":                 "AES-256 requires 32-byte secret",
		})
	}
	return &Codec{secret: secret}, nil
}

// EncodeKey derives the canonical physical key for a logical key in the
// given table. Each part is encoded independently and the parts are
// joined with "|".
func (c *Codec) EncodeKey(table string, parts ...string) []byte {
	encoded := make([]string, len(parts))
	for i, part := range parts {
		encoded[i] = c.encodeKeyPart(table, part)
	}
	return []byte(strings.Join(encoded, keyPartSeparator))
}

func (c *Codec) encodeKeyPart(table, part string) string {
	if c.secret == nil {
		return url.QueryEscape(part)
	}

	mac := hmac.New(sha256.New, c.secret)
	mac.Write([]byte(table))
	mac.Write([]byte{hashDomainSeparator})
	mac.Write([]byte(part))
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}

// SerializeValue marshals a value to its physical representation,
// encrypting it when a secret is configured.
func (c *Codec) SerializeValue(value interface{}) ([]byte, error) {
	data, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal value: %w", err)
	}
	if c.secret == nil {
		return data, nil
	}
	return c.encrypt(data)
}

// DeserializeValue reverses SerializeValue. Any failure, including a bad
// ciphertext or malformed JSON, is reported as ErrDecodeFailed.
func (c *Codec) DeserializeValue(data []byte, dest interface{}) error {
	if c.secret != nil {
		plaintext, err := c.decrypt(data)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrDecodeFailed, err)
		}
		data = plaintext
	}
	if err := json.Unmarshal(data, dest); err != nil {
		return fmt.Errorf("%w: %v", ErrDecodeFailed, err)
	}
	return nil
}

// encrypt uses AES-256-GCM with random nonce
func (c *Codec) encrypt(plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(c.secret)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	// Generate random nonce
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	// Encrypt and prepend nonce to ciphertext
	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

// decrypt reverses encryption
func (c *Codec) decrypt(ciphertext []byte) ([]byte, error) {
	block, err := aes.NewCipher(c.secret)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	nonceSize := gcm.NonceSize()
	if len(ciphertext) < nonceSize {
		return nil, fmt.Errorf("ciphertext too short: %d bytes", len(ciphertext))
	}

	nonce, ciphertext := ciphertext[:nonceSize], ciphertext[nonceSize:]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("decryption failed: %w", err)
	}

	return plaintext, nil
}
