// Package token issues attestation results tokens.
//
// SimpleBroker signs the decision payload as an ES256 JWT. The payload fields
// (policy-ids, tcb-status, evaluation-reports) sit next to the registered
// claims; the header carries the public key as a JWK and, when a certificate
// is configured, its chain as x5c.
package token

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/ruteri/attestation-service/cryptoutils"
	"github.com/ruteri/attestation-service/interfaces"
)

const (
	// DefaultIssuer is the iss claim when none is configured.
	DefaultIssuer = "attestation-service"
	// DefaultDuration is the token lifetime when none is configured.
	DefaultDuration = 5 * time.Minute

	seedLabel = "attestation-service/token-signing-key/v1"
)

// Config selects the signing key and token lifetime.
// Key sources are tried in order: KeyPath, Seed, then an ephemeral key.
type Config struct {
	Issuer   string        `json:"issuer" yaml:"issuer"`
	Duration time.Duration `json:"duration" yaml:"duration"`
	// KeyPath is a PEM EC private key (SEC 1 or PKCS#8, P-256).
	KeyPath string `json:"key_path" yaml:"key_path"`
	// CertPath is an optional PEM certificate chain for the key, leaf first.
	CertPath string `json:"cert_path" yaml:"cert_path"`
	// Seed is a hex encoded secret of at least 32 bytes the key is derived from.
	Seed string `json:"seed" yaml:"seed"`
}

// Claims is the JWT body of an attestation results token.
type Claims struct {
	jwt.RegisteredClaims
	interfaces.DecisionPayload
}

// SimpleBroker implements interfaces.TokenBroker with a local signing key.
type SimpleBroker struct {
	issuer   string
	duration time.Duration
	key      *ecdsa.PrivateKey
	jwk      map[string]any
	x5c      []string
	log      *slog.Logger
	now      func() time.Time
}

// NewSimpleBroker loads or derives the signing key described by cfg.
func NewSimpleBroker(cfg Config, log *slog.Logger) (*SimpleBroker, error) {
	key, chain, err := loadSigningKey(cfg, log)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", interfaces.ErrTokenIssuanceFailed, err)
	}
	return newSimpleBroker(cfg, key, chain, log)
}

// NewSimpleBrokerWithKey creates a broker around an existing key.
func NewSimpleBrokerWithKey(cfg Config, key *ecdsa.PrivateKey, log *slog.Logger) (*SimpleBroker, error) {
	return newSimpleBroker(cfg, key, nil, log)
}

func newSimpleBroker(cfg Config, key *ecdsa.PrivateKey, chain []*x509.Certificate, log *slog.Logger) (*SimpleBroker, error) {
	if key == nil || key.Curve != elliptic.P256() {
		return nil, fmt.Errorf("%w: signing key must be P-256", interfaces.ErrTokenIssuanceFailed)
	}

	jwkJSON, err := jose.JSONWebKey{Key: &key.PublicKey, Algorithm: string(jose.ES256), Use: "sig"}.MarshalJSON()
	if err != nil {
		return nil, fmt.Errorf("%w: could not encode public key: %v", interfaces.ErrTokenIssuanceFailed, err)
	}
	var jwk map[string]any
	if err := json.Unmarshal(jwkJSON, &jwk); err != nil {
		return nil, fmt.Errorf("%w: could not encode public key: %v", interfaces.ErrTokenIssuanceFailed, err)
	}

	x5c := make([]string, 0, len(chain))
	for _, cert := range chain {
		x5c = append(x5c, base64.StdEncoding.EncodeToString(cert.Raw))
	}

	issuer := cfg.Issuer
	if issuer == "" {
		issuer = DefaultIssuer
	}
	duration := cfg.Duration
	if duration <= 0 {
		duration = DefaultDuration
	}

	return &SimpleBroker{
		issuer:   issuer,
		duration: duration,
		key:      key,
		jwk:      jwk,
		x5c:      x5c,
		log:      log,
		now:      time.Now,
	}, nil
}

func loadSigningKey(cfg Config, log *slog.Logger) (*ecdsa.PrivateKey, []*x509.Certificate, error) {
	switch {
	case cfg.KeyPath != "":
		data, err := os.ReadFile(cfg.KeyPath)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to read signing key: %w", err)
		}
		signer, err := cryptoutils.ParsePrivateKeyPEM(data)
		if err != nil {
			return nil, nil, err
		}
		key, ok := signer.(*ecdsa.PrivateKey)
		if !ok {
			return nil, nil, fmt.Errorf("signing key must be ECDSA, got %T", signer)
		}

		var chain []*x509.Certificate
		if cfg.CertPath != "" {
			certData, err := os.ReadFile(cfg.CertPath)
			if err != nil {
				return nil, nil, fmt.Errorf("failed to read certificate chain: %w", err)
			}
			if chain, err = cryptoutils.ParseCertificateChainPEM(certData); err != nil {
				return nil, nil, err
			}
			if !key.PublicKey.Equal(chain[0].PublicKey) {
				return nil, nil, fmt.Errorf("certificate does not match signing key")
			}
		}

		log.Info("Loaded token signing key", "path", cfg.KeyPath)
		return key, chain, nil

	case cfg.Seed != "":
		seed, err := hex.DecodeString(cfg.Seed)
		if err != nil {
			return nil, nil, fmt.Errorf("invalid seed encoding: %w", err)
		}
		key, err := cryptoutils.DeriveSigningKey(seed, seedLabel)
		if err != nil {
			return nil, nil, err
		}
		log.Info("Derived token signing key from seed")
		return key, nil, nil

	default:
		key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to generate signing key: %w", err)
		}
		log.Warn("Using ephemeral token signing key, tokens will not verify after restart")
		return key, nil, nil
	}
}

// Issue signs the decision payload.
func (b *SimpleBroker) Issue(ctx context.Context, payload interfaces.DecisionPayload) (string, error) {
	now := b.now().UTC()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Issuer:    b.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(b.duration)),
		},
		DecisionPayload: payload,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodES256, claims)
	token.Header["jwk"] = b.jwk
	if len(b.x5c) > 0 {
		token.Header["x5c"] = b.x5c
	}

	signed, err := token.SignedString(b.key)
	if err != nil {
		return "", fmt.Errorf("%w: %v", interfaces.ErrTokenIssuanceFailed, err)
	}

	b.log.Debug("Issued attestation token", "jti", claims.ID, "policies", len(payload.PolicyIDs))
	return signed, nil
}

// PublicKey returns the key relying parties verify tokens with.
func (b *SimpleBroker) PublicKey() *ecdsa.PublicKey {
	return &b.key.PublicKey
}

// JWKS returns the verification key set.
func (b *SimpleBroker) JWKS() jose.JSONWebKeySet {
	return jose.JSONWebKeySet{
		Keys: []jose.JSONWebKey{{Key: &b.key.PublicKey, Algorithm: string(jose.ES256), Use: "sig"}},
	}
}
