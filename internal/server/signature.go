package server

import (
	"crypto"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"strings"
)

const (
	headerEventType      = "Kick-Event-Type"
	headerEventMessageID = "Kick-Event-Message-Id"
	headerEventTimestamp = "Kick-Event-Message-Timestamp"
	headerEventSignature = "Kick-Event-Signature"
)

var errInvalidSignature = errors.New("invalid_signature")

// signatureVerifier checks the platform's RSA-SHA256 signature over
// "<message id>.<timestamp>.<body>". A nil verifier accepts everything.
type signatureVerifier struct {
	key *rsa.PublicKey
}

func newSignatureVerifier(publicKeyPEM string) (*signatureVerifier, error) {
	publicKeyPEM = strings.TrimSpace(publicKeyPEM)
	if publicKeyPEM == "" {
		return nil, nil
	}
	// Env files often carry the PEM on one line with literal \n.
	publicKeyPEM = strings.ReplaceAll(publicKeyPEM, `\n`, "\n")

	block, _ := pem.Decode([]byte(publicKeyPEM))
	if block == nil {
		return nil, errors.New("webhook public key: no PEM block")
	}
	parsed, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("webhook public key: %w", err)
	}
	key, ok := parsed.(*rsa.PublicKey)
	if !ok {
		return nil, errors.New("webhook public key: not an RSA key")
	}
	return &signatureVerifier{key: key}, nil
}

func (v *signatureVerifier) Enabled() bool {
	return v != nil && v.key != nil
}

func (v *signatureVerifier) Verify(messageID, timestamp, signature string, body []byte) error {
	if !v.Enabled() {
		return nil
	}
	messageID = strings.TrimSpace(messageID)
	timestamp = strings.TrimSpace(timestamp)
	signature = strings.TrimSpace(signature)
	if messageID == "" || timestamp == "" || signature == "" {
		return errInvalidSignature
	}

	sig, err := base64.StdEncoding.DecodeString(signature)
	if err != nil {
		return errInvalidSignature
	}

	h := sha256.New()
	h.Write([]byte(messageID))
	h.Write([]byte("."))
	h.Write([]byte(timestamp))
	h.Write([]byte("."))
	h.Write(body)

	if err := rsa.VerifyPKCS1v15(v.key, crypto.SHA256, h.Sum(nil), sig); err != nil {
		return errInvalidSignature
	}
	return nil
}
