package main

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/ruteri/attestation-service/cryptoutils"
	"github.com/ruteri/attestation-service/interfaces"
)

// writeSigningKey generates a P-256 token signing key in the layout the
// token broker loads from token.key_path and token.cert_path. The certificate
// is skipped when certPath is empty. Returns the public key fingerprint.
func writeSigningKey(keyPath, certPath, commonName string, validity time.Duration) (*interfaces.Digest, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("could not generate key: %w", err)
	}

	keyPEM, err := cryptoutils.MarshalPrivateKeyPEM(key)
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(keyPath, keyPEM, 0600); err != nil {
		return nil, fmt.Errorf("could not write key: %w", err)
	}

	if certPath != "" {
		cert, err := cryptoutils.CreateSelfSignedCertificate(key, commonName, validity)
		if err != nil {
			return nil, err
		}
		certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: cert.Raw})
		if err := os.WriteFile(certPath, certPEM, 0644); err != nil {
			return nil, fmt.Errorf("could not write certificate: %w", err)
		}
	}

	der, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("could not marshal public key: %w", err)
	}
	return cryptoutils.AccumulateHash([][]byte{der}), nil
}

// checkBinding computes the binding digest of items and, when expected is
// set, compares it against the hex digest found in a report.
func checkBinding(items [][]byte, expected string) (*interfaces.Digest, error) {
	digest := cryptoutils.AccumulateHash(items)
	if digest == nil {
		return nil, errors.New("no binding materials given")
	}
	if expected == "" {
		return digest, nil
	}

	raw, err := hex.DecodeString(expected)
	if err != nil {
		return nil, fmt.Errorf("invalid expected digest: %w", err)
	}
	want, err := interfaces.NewDigestFromBytes(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid expected digest: %w", err)
	}
	if want != *digest {
		return digest, fmt.Errorf("digest mismatch: computed %s, expected %s", digest.Hex(), want.Hex())
	}
	return digest, nil
}
