package cryptoutils

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"encoding/pem"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeriveSigningKey(t *testing.T) {
	seed := make([]byte, 32)
	for i := range seed {
		seed[i] = byte(i)
	}

	key1, err := DeriveSigningKey(seed, "token")
	require.NoError(t, err)
	key2, err := DeriveSigningKey(seed, "token")
	require.NoError(t, err)
	other, err := DeriveSigningKey(seed, "other")
	require.NoError(t, err)

	// Deterministic per label
	assert.Equal(t, 0, key1.D.Cmp(key2.D))
	assert.NotEqual(t, 0, key1.D.Cmp(other.D))
	assert.True(t, key1.Curve.IsOnCurve(key1.X, key1.Y))

	// Derived key signs and verifies
	digest := sha256.Sum256([]byte("payload"))
	sig, err := ecdsa.SignASN1(rand.Reader, key1, digest[:])
	require.NoError(t, err)
	assert.True(t, ecdsa.VerifyASN1(&key1.PublicKey, digest[:], sig))

	_, err = DeriveSigningKey([]byte("short"), "token")
	assert.Error(t, err)
}

func TestPEMRoundTrip(t *testing.T) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	keyPEM, err := MarshalPrivateKeyPEM(key)
	require.NoError(t, err)
	parsed, err := ParsePrivateKeyPEM(keyPEM)
	require.NoError(t, err)
	assert.True(t, key.PublicKey.Equal(parsed.Public()))

	pubPEM, err := MarshalPublicKeyPEM(&key.PublicKey)
	require.NoError(t, err)
	pub, err := ParsePublicKeyPEM(pubPEM)
	require.NoError(t, err)
	assert.True(t, key.PublicKey.Equal(pub))

	_, err = ParsePrivateKeyPEM([]byte("not pem"))
	assert.Error(t, err)
}

func TestCreateSelfSignedCertificate(t *testing.T) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	cert, err := CreateSelfSignedCertificate(key, "as-token-signer", time.Hour)
	require.NoError(t, err)
	assert.Equal(t, "as-token-signer", cert.Subject.CommonName)
	assert.True(t, key.PublicKey.Equal(cert.PublicKey))

	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: cert.Raw})
	chain, err := ParseCertificateChainPEM(append(certPEM, certPEM...))
	require.NoError(t, err)
	assert.Len(t, chain, 2)

	pub, err := ParsePublicKeyPEM(certPEM)
	require.NoError(t, err)
	assert.True(t, key.PublicKey.Equal(pub))
}
