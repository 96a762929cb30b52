// Package config loads the attestation service configuration.
//
// Files are YAML; since YAML is a superset of JSON, JSON files load as well.
// Durations are written as Go duration strings ("5m", "1h30m").
//
//	work_dir: /var/lib/attestation-service
//	policy_engine: cel
//	rvps:
//	  store_uris: ["sqlite:///var/lib/attestation-service/rvps.db"]
//	  allow_sample: false
//	  trusted_keys: ["/etc/attestation-service/provenance.pub"]
//	token:
//	  issuer: attestation-service
//	  duration: 5m
//	  key_path: /etc/attestation-service/token.key
//	verifiers:
//	  snp:
//	    allow_debug: false
//	  tdx:
//	    skip_collateral: false
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/ruteri/attestation-service/interfaces"
	"github.com/ruteri/attestation-service/token"
	"github.com/ruteri/attestation-service/verifier"
	"gopkg.in/yaml.v3"
)

// Config is the complete service configuration.
type Config struct {
	// WorkDir holds persistent state such as stored policies.
	WorkDir string `yaml:"work_dir"`
	// PolicyEngine selects the policy language: "cel" or "cedar".
	PolicyEngine string         `yaml:"policy_engine"`
	RVPS         RVPSConfig     `yaml:"rvps"`
	Token        token.Config   `yaml:"token"`
	Verifiers    VerifierConfig `yaml:"verifiers"`
}

// RVPSConfig configures the reference value provider.
type RVPSConfig struct {
	// StoreURIs are the reference value backends. Several URIs replicate writes.
	StoreURIs []string `yaml:"store_uris"`
	// AllowSample accepts unauthenticated sample provenance. Development only.
	AllowSample bool `yaml:"allow_sample"`
	// TrustedKeys are PEM public keys or certificates jws provenance must be signed by.
	TrustedKeys []string `yaml:"trusted_keys"`
}

// VerifierConfig configures the built-in evidence verifiers.
type VerifierConfig struct {
	Snp struct {
		AllowDebug bool `yaml:"allow_debug"`
	} `yaml:"snp"`
	Tdx struct {
		SkipCollateral bool `yaml:"skip_collateral"`
	} `yaml:"tdx"`
}

// Options converts the section into verifier options.
func (c VerifierConfig) Options() verifier.Options {
	return verifier.Options{
		SnpAllowDebug:     c.Snp.AllowDebug,
		TdxSkipCollateral: c.Tdx.SkipCollateral,
	}
}

// Default returns a configuration suitable for local development.
func Default() *Config {
	return &Config{
		WorkDir:      "/var/lib/attestation-service",
		PolicyEngine: interfaces.PolicyTypeCEL,
		RVPS: RVPSConfig{
			StoreURIs: []string{"memory://"},
		},
		Token: token.Config{
			Issuer:   token.DefaultIssuer,
			Duration: token.DefaultDuration,
		},
	}
}

// Load reads a configuration file over the defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes a configuration document over the defaults. Unknown keys are rejected.
func Parse(data []byte) (*Config, error) {
	cfg := Default()

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks settings that would otherwise fail later at startup.
func (c *Config) Validate() error {
	switch c.PolicyEngine {
	case interfaces.PolicyTypeCEL, interfaces.PolicyTypeCedar:
	default:
		return fmt.Errorf("unsupported policy_engine %q", c.PolicyEngine)
	}

	if len(c.RVPS.StoreURIs) == 0 {
		return errors.New("rvps.store_uris must not be empty")
	}
	for _, uri := range c.RVPS.StoreURIs {
		if _, err := interfaces.NewStoreLocation(uri); err != nil {
			return fmt.Errorf("rvps.store_uris: %w", err)
		}
	}

	if c.Token.Duration < 0 {
		return errors.New("token.duration must not be negative")
	}
	if c.Token.CertPath != "" && c.Token.KeyPath == "" {
		return errors.New("token.cert_path requires token.key_path")
	}

	return nil
}
