// Package cryptox implements the cryptographic primitives of the credential
// store and the password transport: per-field AES-256-CBC sealing keyed by a
// database crypto key, and the RSA codec that carries one-time passwords to
// the server.
package cryptox

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"

	"github.com/f2dev/otpkeeper/internal/common"
)

// InitVectorBytes is the number of random bytes behind an init vector.
// Hex-encoded they yield exactly one AES block (16 ASCII characters),
// used byte-for-byte as the CBC IV.
const InitVectorBytes = 8

const keyInfo = "otpkeeper field cipher"

// DeriveKey expands a database crypto key string into the 32-byte AES key
// used to seal record fields. The input is high-entropy key material, so
// HKDF-SHA256 with a fixed info string is sufficient.
func DeriveKey(dbCryptoKey string) ([]byte, error) {
	if dbCryptoKey == "" {
		return nil, fmt.Errorf("%w: empty database crypto key", common.ErrInvalidArgument)
	}
	key := make([]byte, 32)
	r := hkdf.New(sha256.New, []byte(dbCryptoKey), nil, []byte(keyInfo))
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("failed to derive field key: %w", err)
	}
	return key, nil
}

// NewInitVector returns a fresh random init vector: the lowercase hex
// encoding of InitVectorBytes random bytes.
func NewInitVector() (string, error) {
	return common.MakeRandHexString(InitVectorBytes)
}

// EncryptField seals a single field value under the derived key and the
// record's current init vector. The output is base64 (std) text suitable
// for a TEXT column.
func EncryptField(value, initVector string, key []byte) (string, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return "", err
	}
	if len(initVector) != block.BlockSize() {
		return "", fmt.Errorf("%w: init vector must be %d bytes, got %d",
			common.ErrInvalidArgument, block.BlockSize(), len(initVector))
	}

	plaintext := pkcs7Pad([]byte(value), block.BlockSize())
	ciphertext := make([]byte, len(plaintext))
	cipher.NewCBCEncrypter(block, []byte(initVector)).CryptBlocks(ciphertext, plaintext)

	return base64.StdEncoding.EncodeToString(ciphertext), nil
}

// DecryptField reverses EncryptField. It fails on malformed base64, a
// ciphertext that is not a whole number of blocks, or bad padding.
func DecryptField(encoded, initVector string, key []byte) (string, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return "", err
	}
	if len(initVector) != block.BlockSize() {
		return "", fmt.Errorf("%w: init vector must be %d bytes, got %d",
			common.ErrInvalidArgument, block.BlockSize(), len(initVector))
	}

	ciphertext, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("failed to decode field ciphertext: %w", err)
	}
	if len(ciphertext) == 0 || len(ciphertext)%block.BlockSize() != 0 {
		return "", fmt.Errorf("%w: ciphertext length %d is not a whole number of blocks",
			common.ErrInvalidArgument, len(ciphertext))
	}

	plaintext := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, []byte(initVector)).CryptBlocks(plaintext, ciphertext)

	return pkcs7Unpad(plaintext, block.BlockSize())
}

func pkcs7Pad(data []byte, blockSize int) []byte {
	n := blockSize - len(data)%blockSize
	return append(data, bytes.Repeat([]byte{byte(n)}, n)...)
}

func pkcs7Unpad(data []byte, blockSize int) (string, error) {
	if len(data) == 0 {
		return "", fmt.Errorf("%w: empty plaintext", common.ErrInvalidArgument)
	}
	n := int(data[len(data)-1])
	if n == 0 || n > blockSize || n > len(data) {
		return "", fmt.Errorf("%w: bad padding", common.ErrInvalidArgument)
	}
	for _, b := range data[len(data)-n:] {
		if int(b) != n {
			return "", fmt.Errorf("%w: bad padding", common.ErrInvalidArgument)
		}
	}
	return string(data[:len(data)-n]), nil
}
