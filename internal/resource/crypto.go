package resource

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"sync"
)

// Encryption errors.
var (
	// ErrKeyNotFound is returned for an unknown encryption key id.
	ErrKeyNotFound = errors.New("encryption key not found")

	// ErrMalformedCiphertext is returned when a ciphertext component cannot
	// be decoded or is too short to contain a nonce.
	ErrMalformedCiphertext = errors.New("malformed ciphertext")
)

// EncryptedPayload is the sealed form of sensitive data. All fields are
// base64 encoded. AuthTag is carried separately so tampering with any
// component fails decryption.
type EncryptedPayload struct {
	IV         string `json:"iv"`
	AuthTag    string `json:"auth_tag"`
	Ciphertext string `json:"ciphertext"`
	Algorithm  string `json:"algorithm"`
	KeyID      string `json:"key_id"`
}

const gcmAlgorithm = "aes-256-gcm"

// Encryptor provides AES-256-GCM encryption of PHI payloads keyed by named
// key identifiers, plus RSA key-pair and random data-key generation.
type Encryptor struct {
	mu    sync.RWMutex
	aeads map[string]cipher.AEAD
}

// NewEncryptor creates an encryptor with no keys registered.
func NewEncryptor() *Encryptor {
	return &Encryptor{aeads: make(map[string]cipher.AEAD)}
}

// RegisterKey registers a 32-byte AES-256 key under the given id.
func (e *Encryptor) RegisterKey(keyID string, key []byte) error {
	if len(key) != 32 {
		return fmt.Errorf("key %s: must be 32 bytes, got %d", keyID, len(key))
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return fmt.Errorf("key %s: create cipher: %w", keyID, err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return fmt.Errorf("key %s: create GCM: %w", keyID, err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.aeads[keyID] = aead
	return nil
}

// Encrypt seals data under the named key. Every call draws a fresh random
// nonce, so identical plaintexts never produce identical ciphertexts.
func (e *Encryptor) Encrypt(data []byte, keyID string) (*EncryptedPayload, error) {
	if keyID == "" {
		keyID = "default"
	}

	e.mu.RLock()
	aead, ok := e.aeads[keyID]
	e.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrKeyNotFound, keyID)
	}

	nonce := make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}

	sealed := aead.Seal(nil, nonce, data, nil)
	// Seal appends the GCM tag to the ciphertext; split it out so the
	// payload mirrors the iv/tag/ciphertext wire shape.
	tagStart := len(sealed) - 16
	return &EncryptedPayload{
		IV:         base64.StdEncoding.EncodeToString(nonce),
		AuthTag:    base64.StdEncoding.EncodeToString(sealed[tagStart:]),
		Ciphertext: base64.StdEncoding.EncodeToString(sealed[:tagStart]),
		Algorithm:  gcmAlgorithm,
		KeyID:      keyID,
	}, nil
}

// Decrypt is the exact inverse of Encrypt. It fails closed: an unknown key
// id, a malformed component, or a failed authentication tag all error.
func (e *Encryptor) Decrypt(payload *EncryptedPayload) ([]byte, error) {
	keyID := payload.KeyID
	if keyID == "" {
		keyID = "default"
	}

	e.mu.RLock()
	aead, ok := e.aeads[keyID]
	e.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrKeyNotFound, keyID)
	}

	nonce, err := base64.StdEncoding.DecodeString(payload.IV)
	if err != nil {
		return nil, fmt.Errorf("%w: iv: %v", ErrMalformedCiphertext, err)
	}
	if len(nonce) != aead.NonceSize() {
		return nil, fmt.Errorf("%w: iv length %d", ErrMalformedCiphertext, len(nonce))
	}
	tag, err := base64.StdEncoding.DecodeString(payload.AuthTag)
	if err != nil {
		return nil, fmt.Errorf("%w: auth tag: %v", ErrMalformedCiphertext, err)
	}
	ciphertext, err := base64.StdEncoding.DecodeString(payload.Ciphertext)
	if err != nil {
		return nil, fmt.Errorf("%w: ciphertext: %v", ErrMalformedCiphertext, err)
	}

	plaintext, err := aead.Open(nil, nonce, append(ciphertext, tag...), nil)
	if err != nil {
		return nil, fmt.Errorf("decrypt: %w", err)
	}
	return plaintext, nil
}

// Clear drops all registered keys.
func (e *Encryptor) Clear() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.aeads = make(map[string]cipher.AEAD)
}

// KeyPair is a PEM-encoded RSA key pair.
type KeyPair struct {
	PublicKeyPEM  string
	PrivateKeyPEM string
}

// GenerateKeyPair generates a 2048-bit RSA key pair, PEM encoded.
func GenerateKeyPair() (*KeyPair, error) {
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, fmt.Errorf("generate rsa key: %w", err)
	}

	privPEM := pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(priv),
	})

	pubBytes, err := x509.MarshalPKIXPublicKey(&priv.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("marshal public key: %w", err)
	}
	pubPEM := pem.EncodeToMemory(&pem.Block{
		Type:  "PUBLIC KEY",
		Bytes: pubBytes,
	})

	return &KeyPair{
		PublicKeyPEM:  string(pubPEM),
		PrivateKeyPEM: string(privPEM),
	}, nil
}

// GenerateDataKey returns a fresh random 32-byte key suitable for AES-256.
func GenerateDataKey() ([]byte, error) {
	key := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, fmt.Errorf("generate data key: %w", err)
	}
	return key, nil
}
