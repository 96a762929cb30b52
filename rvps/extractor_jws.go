package rvps

import (
	"crypto"
	"encoding/json"
	"fmt"
	"os"

	"github.com/go-jose/go-jose/v4"
	"github.com/ruteri/attestation-service/cryptoutils"
	"github.com/ruteri/attestation-service/interfaces"
)

// JWSExtractorType names the signed provenance extractor.
const JWSExtractorType = "jws"

var jwsAlgorithms = []jose.SignatureAlgorithm{jose.ES256, jose.ES384, jose.EdDSA, jose.RS256, jose.PS256}

// JWSPayload is the signed body of a jws provenance message.
type JWSPayload struct {
	ReferenceValues []interfaces.ReferenceValue `json:"reference_values"`
}

// JWSExtractor accepts compact JWS payloads signed by one of its trusted keys.
type JWSExtractor struct {
	trustedKeys []crypto.PublicKey
}

func NewJWSExtractor(trustedKeys []crypto.PublicKey) *JWSExtractor {
	return &JWSExtractor{trustedKeys: trustedKeys}
}

// LoadTrustedKeys reads PEM public keys or certificates from files.
func LoadTrustedKeys(paths []string) ([]crypto.PublicKey, error) {
	keys := make([]crypto.PublicKey, 0, len(paths))
	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read trusted key %s: %w", path, err)
		}
		key, err := cryptoutils.ParsePublicKeyPEM(data)
		if err != nil {
			return nil, fmt.Errorf("failed to parse trusted key %s: %w", path, err)
		}
		keys = append(keys, key)
	}
	return keys, nil
}

func (e *JWSExtractor) Verify(payload string) ([]interfaces.ReferenceValue, error) {
	if len(e.trustedKeys) == 0 {
		return nil, fmt.Errorf("%w: no trusted keys configured", interfaces.ErrInvalidProvenance)
	}

	sig, err := jose.ParseSigned(payload, jwsAlgorithms)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid jws: %v", interfaces.ErrInvalidProvenance, err)
	}

	var body []byte
	for _, key := range e.trustedKeys {
		if body, err = sig.Verify(key); err == nil {
			break
		}
	}
	if err != nil {
		return nil, fmt.Errorf("%w: signature not from a trusted key: %v", interfaces.ErrInvalidProvenance, err)
	}

	var parsed JWSPayload
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("%w: invalid jws payload: %v", interfaces.ErrInvalidProvenance, err)
	}

	for _, rv := range parsed.ReferenceValues {
		if err := validateReferenceValue(rv); err != nil {
			return nil, err
		}
	}

	return parsed.ReferenceValues, nil
}

func validateReferenceValue(rv interfaces.ReferenceValue) error {
	if rv.Name == "" {
		return fmt.Errorf("%w: reference value without name", interfaces.ErrInvalidProvenance)
	}
	for _, hv := range rv.HashValues {
		if hv.Value == "" {
			return fmt.Errorf("%w: %s: empty hash value", interfaces.ErrInvalidProvenance, rv.Name)
		}
	}
	return nil
}
