package credentials

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/pbkdf2"
)

const kdfSalt = "messnippets-provider-credentials"

// EncryptionService seals provider API keys at rest with AES-256-GCM.
type EncryptionService struct {
	masterKey []byte
	keyID     string
}

// NewEncryptionService derives a 32-byte AES key from masterKey using PBKDF2.
func NewEncryptionService(masterKey string, keyID string) (*EncryptionService, error) {
	if len(masterKey) == 0 {
		return nil, fmt.Errorf("master key cannot be empty")
	}

	derivedKey := pbkdf2.Key([]byte(masterKey), []byte(kdfSalt), 100000, 32, sha256.New)

	return &EncryptionService{
		masterKey: derivedKey,
		keyID:     keyID,
	}, nil
}

// EncryptString seals a credential. The nonce is prepended to the ciphertext.
func (e *EncryptionService) EncryptString(plaintext string) ([]byte, error) {
	gcm, err := e.gcm()
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	return gcm.Seal(nonce, nonce, []byte(plaintext), nil), nil
}

// DecryptString opens a credential sealed by EncryptString.
func (e *EncryptionService) DecryptString(ciphertext []byte) (string, error) {
	if len(ciphertext) == 0 {
		return "", fmt.Errorf("ciphertext is empty")
	}

	gcm, err := e.gcm()
	if err != nil {
		return "", err
	}

	nonceSize := gcm.NonceSize()
	if len(ciphertext) < nonceSize {
		return "", fmt.Errorf("ciphertext too short")
	}

	nonce, sealed := ciphertext[:nonceSize], ciphertext[nonceSize:]
	plaintext, err := gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", fmt.Errorf("failed to decrypt: %w", err)
	}

	return string(plaintext), nil
}

// KeyID returns the identifier of the master key in use.
func (e *EncryptionService) KeyID() string {
	return e.keyID
}

func (e *EncryptionService) gcm() (cipher.AEAD, error) {
	block, err := aes.NewCipher(e.masterKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return gcm, nil
}
