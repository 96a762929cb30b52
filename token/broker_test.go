package token

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"encoding/hex"
	"encoding/pem"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/ruteri/attestation-service/cryptoutils"
	"github.com/ruteri/attestation-service/interfaces"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testPayload() interfaces.DecisionPayload {
	return interfaces.NewDecisionPayload(
		[]string{"p1"},
		interfaces.NormalizedClaims{"T1.measurement": "abc123"},
		map[string]interfaces.EvaluationOutcome{"p1": {Passed: true, Report: map[string]any{"allow": true}}},
	)
}

func parseToken(t *testing.T, signed string, pub *ecdsa.PublicKey) (*jwt.Token, *Claims) {
	t.Helper()
	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(signed, claims, func(token *jwt.Token) (any, error) {
		return pub, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodES256.Alg()}))
	require.NoError(t, err)
	require.True(t, parsed.Valid)
	return parsed, claims
}

func TestSimpleBroker_Issue(t *testing.T) {
	broker, err := NewSimpleBroker(Config{Issuer: "test-as", Duration: time.Minute}, testLogger())
	require.NoError(t, err)

	signed, err := broker.Issue(context.Background(), testPayload())
	require.NoError(t, err)

	parsed, claims := parseToken(t, signed, broker.PublicKey())

	assert.Equal(t, "test-as", claims.Issuer)
	assert.NotEmpty(t, claims.ID)
	assert.WithinDuration(t, claims.IssuedAt.Add(time.Minute), claims.ExpiresAt.Time, time.Second)
	assert.Equal(t, []string{"p1"}, claims.PolicyIDs)
	assert.Equal(t, "abc123", claims.TCBStatus["T1.measurement"])
	require.Len(t, claims.EvaluationReports, 1)
	assert.Equal(t, "p1", claims.EvaluationReports[0].PolicyID)
	assert.True(t, claims.EvaluationReports[0].Passed)

	jwk, ok := parsed.Header["jwk"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "EC", jwk["kty"])
	assert.Equal(t, "P-256", jwk["crv"])
	assert.NotContains(t, parsed.Header, "x5c")

	assert.Len(t, broker.JWKS().Keys, 1)
}

func TestSimpleBroker_SerializationFailure(t *testing.T) {
	broker, err := NewSimpleBroker(Config{}, testLogger())
	require.NoError(t, err)

	payload := testPayload()
	payload.EvaluationReports[0].EvaluationReport = map[string]any{"bad": make(chan int)}

	_, err = broker.Issue(context.Background(), payload)
	assert.ErrorIs(t, err, interfaces.ErrTokenIssuanceFailed)
}

func TestSimpleBroker_SeedIsDeterministic(t *testing.T) {
	seed := hex.EncodeToString(make([]byte, 32))

	first, err := NewSimpleBroker(Config{Seed: seed}, testLogger())
	require.NoError(t, err)
	second, err := NewSimpleBroker(Config{Seed: seed}, testLogger())
	require.NoError(t, err)
	assert.True(t, first.PublicKey().Equal(second.PublicKey()))

	signed, err := first.Issue(context.Background(), testPayload())
	require.NoError(t, err)
	parseToken(t, signed, second.PublicKey())

	_, err = NewSimpleBroker(Config{Seed: "zz"}, testLogger())
	assert.ErrorIs(t, err, interfaces.ErrTokenIssuanceFailed)
}

func TestSimpleBroker_KeyFile(t *testing.T) {
	dir := t.TempDir()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	keyPEM, err := cryptoutils.MarshalPrivateKeyPEM(key)
	require.NoError(t, err)
	keyPath := filepath.Join(dir, "token.key")
	require.NoError(t, os.WriteFile(keyPath, keyPEM, 0600))

	cert, err := cryptoutils.CreateSelfSignedCertificate(key, "as-token-signer", time.Hour)
	require.NoError(t, err)
	certPath := filepath.Join(dir, "token.crt")
	require.NoError(t, os.WriteFile(certPath, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: cert.Raw}), 0644))

	broker, err := NewSimpleBroker(Config{KeyPath: keyPath, CertPath: certPath}, testLogger())
	require.NoError(t, err)
	assert.True(t, key.PublicKey.Equal(broker.PublicKey()))

	signed, err := broker.Issue(context.Background(), testPayload())
	require.NoError(t, err)
	parsed, _ := parseToken(t, signed, &key.PublicKey)
	x5c, ok := parsed.Header["x5c"].([]any)
	require.True(t, ok)
	assert.Len(t, x5c, 1)

	// Missing key is unavailable
	_, err = NewSimpleBroker(Config{KeyPath: filepath.Join(dir, "missing.key")}, testLogger())
	assert.ErrorIs(t, err, interfaces.ErrTokenIssuanceFailed)

	// Certificate for another key is rejected
	other, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	otherCert, err := cryptoutils.CreateSelfSignedCertificate(other, "other", time.Hour)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(certPath, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: otherCert.Raw}), 0644))
	_, err = NewSimpleBroker(Config{KeyPath: keyPath, CertPath: certPath}, testLogger())
	assert.ErrorIs(t, err, interfaces.ErrTokenIssuanceFailed)
}
