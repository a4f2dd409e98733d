package cardnet

import (
	"bytes"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"encoding/pem"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"
)

// Signer attaches a signature to a prepared request. The signature scheme is
// opaque to the client; anything that can stamp an Authorization header on the
// outgoing request satisfies it.
type Signer interface {
	Sign(req *http.Request) error
}

// KeySigner signs requests with an RSA key loaded from a PEM file, in the
// one-legged OAuth style the card network expects: a body hash plus an
// RSA-SHA256 signature over the request line and OAuth parameters.
type KeySigner struct {
	consumerKey string
	key         *rsa.PrivateKey
}

// NewKeySigner loads the signing key and validates the signing material.
// It fails fast so a misconfigured deployment never reaches the network.
func NewKeySigner(consumerKey, keyPath, keyPassword string) (*KeySigner, error) {
	if consumerKey == "" {
		return nil, fmt.Errorf("missing required parameter: consumer key")
	}
	if keyPath == "" {
		return nil, fmt.Errorf("missing required parameter: signing key path")
	}

	raw, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, fmt.Errorf("signing key not found: %w", err)
	}

	key, err := parsePrivateKey(raw, keyPassword)
	if err != nil {
		return nil, fmt.Errorf("failed to parse signing key %s: %w", keyPath, err)
	}

	return &KeySigner{consumerKey: consumerKey, key: key}, nil
}

// Sign computes the OAuth-style Authorization header for the request. The
// request body is read and restored so the transport sees it unchanged.
func (s *KeySigner) Sign(req *http.Request) error {
	var body []byte
	if req.Body != nil {
		var err error
		body, err = io.ReadAll(req.Body)
		if err != nil {
			return fmt.Errorf("failed to read request body for signing: %w", err)
		}
		req.Body = io.NopCloser(bytes.NewReader(body))
	}

	bodyHash := sha256.Sum256(body)
	nonce, err := randomNonce()
	if err != nil {
		return err
	}
	timestamp := fmt.Sprintf("%d", time.Now().Unix())

	params := []string{
		"oauth_body_hash=" + base64.StdEncoding.EncodeToString(bodyHash[:]),
		"oauth_consumer_key=" + s.consumerKey,
		"oauth_nonce=" + nonce,
		"oauth_signature_method=RSA-SHA256",
		"oauth_timestamp=" + timestamp,
		"oauth_version=1.0",
	}

	base := req.Method + "&" + req.URL.String() + "&" + strings.Join(params, "&")
	digest := sha256.Sum256([]byte(base))
	signature, err := rsa.SignPKCS1v15(rand.Reader, s.key, crypto.SHA256, digest[:])
	if err != nil {
		return fmt.Errorf("failed to sign request: %w", err)
	}

	header := "OAuth " + strings.Join(append(params,
		"oauth_signature="+base64.StdEncoding.EncodeToString(signature)), ",")
	req.Header.Set("Authorization", header)
	return nil
}

func randomNonce() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// parsePrivateKey accepts PKCS#1 and PKCS#8 PEM-encoded RSA keys.
func parsePrivateKey(raw []byte, password string) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode(raw)
	if block == nil {
		return nil, fmt.Errorf("no PEM block found")
	}

	der := block.Bytes
	if password != "" && x509.IsEncryptedPEMBlock(block) { //nolint:staticcheck // legacy keystores
		decrypted, err := x509.DecryptPEMBlock(block, []byte(password)) //nolint:staticcheck
		if err != nil {
			return nil, fmt.Errorf("failed to decrypt key: %w", err)
		}
		der = decrypted
	}

	if key, err := x509.ParsePKCS1PrivateKey(der); err == nil {
		return key, nil
	}

	parsed, err := x509.ParsePKCS8PrivateKey(der)
	if err != nil {
		return nil, err
	}
	key, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("signing key is not an RSA key")
	}
	return key, nil
}
