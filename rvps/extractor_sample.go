package rvps

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/ruteri/attestation-service/interfaces"
)

// SampleExtractorType names the development extractor.
const SampleExtractorType = "sample"

// defaultSampleExpiration is how long sample reference values stay valid.
const defaultSampleExpiration = 365 * 24 * time.Hour

// SampleExtractor trusts its transport. The payload is base64 JSON mapping
// reference value names to digests.
type SampleExtractor struct {
	now func() time.Time
}

func NewSampleExtractor() *SampleExtractor {
	return &SampleExtractor{now: time.Now}
}

func (e *SampleExtractor) Verify(payload string) ([]interfaces.ReferenceValue, error) {
	raw, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid sample payload encoding: %v", interfaces.ErrInvalidProvenance, err)
	}

	var digests map[string][]string
	if err := json.Unmarshal(raw, &digests); err != nil {
		return nil, fmt.Errorf("%w: invalid sample payload: %v", interfaces.ErrInvalidProvenance, err)
	}

	names := make([]string, 0, len(digests))
	for name := range digests {
		names = append(names, name)
	}
	sort.Strings(names)

	expiration := e.now().Add(defaultSampleExpiration).UTC()
	values := make([]interfaces.ReferenceValue, 0, len(names))
	for _, name := range names {
		rv := interfaces.ReferenceValue{
			Version:    ProvenanceVersion,
			Name:       name,
			Expiration: expiration,
		}
		for _, d := range digests[name] {
			rv.HashValues = append(rv.HashValues, interfaces.HashValue{Alg: "sha384", Value: d})
		}
		values = append(values, rv)
	}

	return values, nil
}

// NewSampleMessage builds a sample provenance envelope for the given digests.
func NewSampleMessage(digests map[string][]string) (string, error) {
	payload, err := json.Marshal(digests)
	if err != nil {
		return "", err
	}
	msg, err := json.Marshal(Message{
		Version: ProvenanceVersion,
		Type:    SampleExtractorType,
		Payload: base64.StdEncoding.EncodeToString(payload),
	})
	if err != nil {
		return "", err
	}
	return string(msg), nil
}
