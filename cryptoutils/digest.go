package cryptoutils

import (
	"crypto/sha512"

	"github.com/ruteri/attestation-service/interfaces"
)

// AccumulateHash folds an ordered list of binding materials into one SHA-384 digest.
// Every blob is fed, in order, into a single hash context which is finalized once.
// Returns nil when materials is empty: no binding is distinct from a hash of empty input.
func AccumulateHash(materials [][]byte) *interfaces.Digest {
	if len(materials) == 0 {
		return nil
	}

	h := sha512.New384()
	for _, m := range materials {
		h.Write(m)
	}

	var d interfaces.Digest
	copy(d[:], h.Sum(nil))
	return &d
}

// PadReportData copies a digest into a 64-byte hardware report data field,
// zero-filling the remainder.
func PadReportData(d *interfaces.Digest) [64]byte {
	var reportData [64]byte
	if d != nil {
		copy(reportData[:], d[:])
	}
	return reportData
}
