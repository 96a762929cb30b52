package storage

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/ruteri/attestation-service/interfaces"
)

func encodeReferenceValue(rv interfaces.ReferenceValue) ([]byte, error) {
	data, err := json.Marshal(rv)
	if err != nil {
		return nil, fmt.Errorf("failed to encode reference value %s: %w", rv.Name, err)
	}
	return data, nil
}

func decodeReferenceValue(name string, data []byte) (*interfaces.ReferenceValue, error) {
	var rv interfaces.ReferenceValue
	if err := json.Unmarshal(data, &rv); err != nil {
		return nil, fmt.Errorf("%w: corrupt reference value %s: %v", interfaces.ErrReferenceStoreUnavailable, name, err)
	}
	return &rv, nil
}

// nameKey maps an arbitrary reference value name to a path-safe identifier.
func nameKey(name string) string {
	hash := sha256.Sum256([]byte(name))
	return hex.EncodeToString(hash[:])
}

func unavailable(op, backend string, err error) error {
	return fmt.Errorf("%w: %s %s: %v", interfaces.ErrReferenceStoreUnavailable, backend, op, err)
}
