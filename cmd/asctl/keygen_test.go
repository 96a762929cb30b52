package main

import (
	"crypto/x509"
	"encoding/hex"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ruteri/attestation-service/cryptoutils"
	"github.com/ruteri/attestation-service/token"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteSigningKey_LoadsIntoBroker(t *testing.T) {
	dir := t.TempDir()
	keyPath := filepath.Join(dir, "token.key")
	certPath := filepath.Join(dir, "token.crt")

	fingerprint, err := writeSigningKey(keyPath, certPath, "as-test", time.Hour)
	require.NoError(t, err)
	require.NotNil(t, fingerprint)

	info, err := os.Stat(keyPath)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	broker, err := token.NewSimpleBroker(token.Config{KeyPath: keyPath, CertPath: certPath}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)

	der, err := x509.MarshalPKIXPublicKey(broker.PublicKey())
	require.NoError(t, err)
	assert.Equal(t, cryptoutils.AccumulateHash([][]byte{der}).Hex(), fingerprint.Hex())

	certPEM, err := os.ReadFile(certPath)
	require.NoError(t, err)
	chain, err := cryptoutils.ParseCertificateChainPEM(certPEM)
	require.NoError(t, err)
	require.Len(t, chain, 1)
	assert.Equal(t, "as-test", chain[0].Subject.CommonName)
}

func TestWriteSigningKey_WithoutCertificate(t *testing.T) {
	dir := t.TempDir()
	keyPath := filepath.Join(dir, "token.key")

	_, err := writeSigningKey(keyPath, "", "as-test", time.Hour)
	require.NoError(t, err)

	_, err = token.NewSimpleBroker(token.Config{KeyPath: keyPath}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)

	_, err = writeSigningKey(filepath.Join(dir, "missing", "token.key"), "", "as-test", time.Hour)
	assert.Error(t, err)
}

func TestCheckBinding(t *testing.T) {
	items := [][]byte{[]byte("nonce"), []byte("pubkey")}
	want := cryptoutils.AccumulateHash(items)

	digest, err := checkBinding(items, "")
	require.NoError(t, err)
	assert.Equal(t, want.Hex(), digest.Hex())

	_, err = checkBinding(items, want.Hex())
	require.NoError(t, err)

	// Order is part of the binding
	_, err = checkBinding([][]byte{items[1], items[0]}, want.Hex())
	assert.ErrorContains(t, err, "digest mismatch")

	_, err = checkBinding(items, hex.EncodeToString(make([]byte, 32)))
	assert.ErrorContains(t, err, "invalid expected digest")

	_, err = checkBinding(items, "zz")
	assert.ErrorContains(t, err, "invalid expected digest")

	_, err = checkBinding(nil, "")
	assert.Error(t, err)
}
