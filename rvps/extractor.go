package rvps

import (
	"github.com/ruteri/attestation-service/interfaces"
)

// ProvenanceVersion is the only envelope version this service accepts.
const ProvenanceVersion = "0.1.0"

// Message is the envelope every provenance submission arrives in.
type Message struct {
	Version string `json:"version"`
	Type    string `json:"type"`
	Payload string `json:"payload"`
}

// Extractor verifies the authenticity of a provenance payload and returns the
// reference values it asserts.
type Extractor interface {
	Verify(payload string) ([]interfaces.ReferenceValue, error)
}
