// Package secrets provides the concrete adapter this repository ships for
// the Secrets provider collaborator: signing key material and algorithm
// name for DIRAC access tokens, loaded from a PEM file or generated
// ephemerally for local/dev use. Grounded on the teacher's pattern of
// loading key material from a PEM file on disk (storage/sql/config.go's
// TLS-cert loading), applied here to a JWT signing key instead.
package secrets

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"

	"gopkg.in/square/go-jose.v2"
)

// Provider is the signing key and algorithm this server's TokenIssuer uses.
type Provider struct {
	Key       *rsa.PrivateKey
	Algorithm jose.SignatureAlgorithm
	KeyID     string
}

// FromPEMFile loads an RSA private key from a PEM-encoded file at path and
// pairs it with RS256, the algorithm DIRAC access tokens are signed with.
func FromPEMFile(path, keyID string) (*Provider, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read signing key %q: %w", path, err)
	}
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("no PEM block found in %q", path)
	}

	key, err := x509.ParsePKCS1PrivateKey(block.Bytes)
	if err != nil {
		k, err2 := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err2 != nil {
			return nil, fmt.Errorf("failed to parse signing key %q: %w", path, err)
		}
		rsaKey, ok := k.(*rsa.PrivateKey)
		if !ok {
			return nil, fmt.Errorf("signing key %q is not an RSA key", path)
		}
		key = rsaKey
	}

	return &Provider{Key: key, Algorithm: jose.RS256, KeyID: keyID}, nil
}

// Ephemeral generates a fresh in-process RSA signing key, for local
// development and tests where no PEM file is configured.
func Ephemeral(keyID string) (*Provider, error) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, fmt.Errorf("failed to generate ephemeral signing key: %w", err)
	}
	return &Provider{Key: key, Algorithm: jose.RS256, KeyID: keyID}, nil
}

// JSONWebKey returns the public half of the signing key as a JWKS entry,
// for a downstream service's own JWKS endpoint if one is exposed.
func (p *Provider) JSONWebKey() jose.JSONWebKey {
	return jose.JSONWebKey{
		Key:       p.Key.Public(),
		KeyID:     p.KeyID,
		Algorithm: string(p.Algorithm),
		Use:       "sig",
	}
}
