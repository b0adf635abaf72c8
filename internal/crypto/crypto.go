// Package crypto decrypts the repository passwords stored in configuration.
//
// Ciphertexts are base64 Triple-DES in ECB mode with PKCS#5 padding under a
// base64 24-byte key, the format existing collector configurations already carry.
package crypto

import (
	"bytes"
	"crypto/des"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
)

// CredentialError is a failure to decrypt stored credentials. It is fatal for
// the sync that needed them.
type CredentialError struct {
	Err error
}

func (e *CredentialError) Error() string {
	return fmt.Sprintf("unable to decrypt SCM credentials: %v", e.Err)
}

func (e *CredentialError) Unwrap() error { return e.Err }

func tripleDESKey(key string) ([]byte, error) {
	if key == "" {
		return nil, errors.New("no encryption key configured")
	}
	raw, err := base64.StdEncoding.DecodeString(key)
	if err != nil {
		return nil, fmt.Errorf("key is not base64: %w", err)
	}
	if len(raw) != 24 {
		return nil, fmt.Errorf("key must be 24 bytes, got %d", len(raw))
	}
	return raw, nil
}

// Decrypt returns the plaintext of a base64 ciphertext.
func Decrypt(ciphertext, key string) (string, error) {
	k, err := tripleDESKey(key)
	if err != nil {
		return "", &CredentialError{Err: err}
	}
	block, err := des.NewTripleDESCipher(k)
	if err != nil {
		return "", &CredentialError{Err: err}
	}

	data, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", &CredentialError{Err: fmt.Errorf("ciphertext is not base64: %w", err)}
	}
	bs := block.BlockSize()
	if len(data) == 0 || len(data)%bs != 0 {
		return "", &CredentialError{Err: fmt.Errorf("ciphertext length %d is not a multiple of %d", len(data), bs)}
	}

	plain := make([]byte, len(data))
	for i := 0; i < len(data); i += bs {
		block.Decrypt(plain[i:i+bs], data[i:i+bs])
	}

	pad := int(plain[len(plain)-1])
	if pad == 0 || pad > bs || !bytes.Equal(plain[len(plain)-pad:], bytes.Repeat([]byte{byte(pad)}, pad)) {
		return "", &CredentialError{Err: errors.New("bad padding: wrong key or corrupted ciphertext")}
	}
	return string(plain[:len(plain)-pad]), nil
}

// Encrypt produces a ciphertext that Decrypt accepts under the same key.
func Encrypt(plaintext, key string) (string, error) {
	k, err := tripleDESKey(key)
	if err != nil {
		return "", &CredentialError{Err: err}
	}
	block, err := des.NewTripleDESCipher(k)
	if err != nil {
		return "", &CredentialError{Err: err}
	}

	bs := block.BlockSize()
	pad := bs - len(plaintext)%bs
	data := append([]byte(plaintext), bytes.Repeat([]byte{byte(pad)}, pad)...)

	out := make([]byte, len(data))
	for i := 0; i < len(data); i += bs {
		block.Encrypt(out[i:i+bs], data[i:i+bs])
	}
	return base64.StdEncoding.EncodeToString(out), nil
}

// GenerateKey returns a fresh base64 key for Encrypt and Decrypt.
func GenerateKey() (string, error) {
	k := make([]byte, 24)
	if _, err := rand.Read(k); err != nil {
		return "", fmt.Errorf("failed to generate key: %w", err)
	}
	return base64.StdEncoding.EncodeToString(k), nil
}
