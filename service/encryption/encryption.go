// Package encryption provides the payload encryption collaborator for card
// network APIs that require field-level encrypted request bodies. The rest
// of the system treats it as a black box behind the Encryptor interface.
package encryption

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"os"
)

// Encryptor encrypts an outbound JSON payload when the deployment is
// configured for it. Implementations replace the cleartext fields with the
// network's encrypted-envelope fields.
type Encryptor interface {
	EncryptPayload(payload map[string]any) (map[string]any, error)
}

// FieldLevelEncryptor wraps the whole payload in the network's field-level
// encryption envelope: the JSON body is AES-256-GCM encrypted under a fresh
// key, which is itself wrapped with RSA-OAEP-SHA256 using the network's
// encryption certificate.
type FieldLevelEncryptor struct {
	publicKey   *rsa.PublicKey
	fingerprint string
}

// NewFieldLevelEncryptor loads the encryption certificate from certPath and
// fails fast when it is missing or not an RSA certificate.
func NewFieldLevelEncryptor(certPath string) (*FieldLevelEncryptor, error) {
	raw, err := os.ReadFile(certPath)
	if err != nil {
		return nil, fmt.Errorf("encryption certificate not found: %w", err)
	}

	block, _ := pem.Decode(raw)
	if block == nil {
		return nil, fmt.Errorf("no PEM block in encryption certificate %s", certPath)
	}

	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse encryption certificate: %w", err)
	}

	publicKey, ok := cert.PublicKey.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("encryption certificate does not carry an RSA key")
	}

	sum := sha256.Sum256(cert.Raw)
	return &FieldLevelEncryptor{
		publicKey:   publicKey,
		fingerprint: hex.EncodeToString(sum[:]),
	}, nil
}

// EncryptPayload replaces the payload with the encrypted envelope.
func (e *FieldLevelEncryptor) EncryptPayload(payload map[string]any) (map[string]any, error) {
	cleartext, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode payload: %w", err)
	}

	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("failed to generate data key: %w", err)
	}

	blockCipher, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(blockCipher)
	if err != nil {
		return nil, err
	}

	iv := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(iv); err != nil {
		return nil, fmt.Errorf("failed to generate iv: %w", err)
	}
	ciphertext := gcm.Seal(nil, iv, cleartext, nil)

	wrappedKey, err := rsa.EncryptOAEP(sha256.New(), rand.Reader, e.publicKey, key, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to wrap data key: %w", err)
	}

	return map[string]any{
		"encryptedData":        base64.StdEncoding.EncodeToString(ciphertext),
		"encryptedKey":         base64.StdEncoding.EncodeToString(wrappedKey),
		"iv":                   base64.StdEncoding.EncodeToString(iv),
		"publicKeyFingerprint": e.fingerprint,
		"oaepHashingAlgorithm": "SHA256",
	}, nil
}
