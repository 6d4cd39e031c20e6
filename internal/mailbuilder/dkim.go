package mailbuilder

import (
	"bytes"
	"crypto"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"strings"

	"github.com/emersion/go-msgauth/dkim"
)

// SignedHeaders are the header fields covered by the domain signature, in order
var SignedHeaders = []string{
	"To",
	"Cc",
	"From",
	"Date",
	"Subject",
	"Reply-To",
	"Message-ID",
	"In-Reply-To",
}

const dkimHeader = "DKIM-Signature"

// ErrInvalidPrivateKey is returned when a domain key cannot be decoded
var ErrInvalidPrivateKey = errors.New("invalid DKIM private key")

// ParsePrivateKey decodes a PEM encoded PKCS#1 or PKCS#8 private key
func ParsePrivateKey(keyPEM string) (crypto.Signer, error) {
	block, _ := pem.Decode([]byte(strings.TrimSpace(keyPEM)))
	if block == nil {
		return nil, ErrInvalidPrivateKey
	}

	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return key, nil
	}

	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPrivateKey, err)
	}
	signer, ok := key.(crypto.Signer)
	if !ok {
		return nil, ErrInvalidPrivateKey
	}
	return signer, nil
}

// SignMessage computes the DKIM-Signature value for a serialized message.
// The returned value is unfolded and carries no "DKIM-Signature:" label.
func SignMessage(message []byte, domain, selector, privateKeyPEM string) (string, error) {
	signer, err := ParsePrivateKey(privateKeyPEM)
	if err != nil {
		return "", err
	}

	s, err := dkim.NewSigner(&dkim.SignOptions{
		Domain:                 domain,
		Selector:               selector,
		Signer:                 signer,
		Hash:                   crypto.SHA256,
		HeaderCanonicalization: dkim.CanonicalizationRelaxed,
		BodyCanonicalization:   dkim.CanonicalizationRelaxed,
		HeaderKeys:             SignedHeaders,
	})
	if err != nil {
		return "", fmt.Errorf("failed to create DKIM signer: %w", err)
	}
	if _, err := s.Write(message); err != nil {
		s.Close()
		return "", fmt.Errorf("failed to sign message: %w", err)
	}
	if err := s.Close(); err != nil {
		return "", fmt.Errorf("failed to sign message: %w", err)
	}

	sig := strings.NewReplacer("\r", "", "\n", "").Replace(s.Signature())
	return strings.TrimSpace(strings.TrimPrefix(sig, dkimHeader+":")), nil
}

// prependHeader puts a header line on top of a serialized message
func prependHeader(message []byte, key, value string) []byte {
	var buf bytes.Buffer
	buf.Grow(len(message) + len(key) + len(value) + 4)
	buf.WriteString(key)
	buf.WriteString(": ")
	buf.WriteString(value)
	buf.WriteString("\r\n")
	buf.Write(message)
	return buf.Bytes()
}
