package verifier

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/ruteri/attestation-service/cryptoutils"
	"github.com/ruteri/attestation-service/interfaces"
)

// SampleEvidence is the evidence format of the software-only sample TEE.
type SampleEvidence struct {
	SVN        string `json:"svn"`
	ReportData string `json:"report_data"`
	InitData   string `json:"init_data"`
}

// SampleVerifier accepts self-reported evidence. It checks bindings only and
// must never be trusted in production.
type SampleVerifier struct {
	log *slog.Logger
}

func NewSampleVerifier(log *slog.Logger) *SampleVerifier {
	return &SampleVerifier{log: log}
}

// NewSampleEvidence builds sample evidence bound to the given digests.
func NewSampleEvidence(svn string, reportData, initData *interfaces.Digest) ([]byte, error) {
	evidence := SampleEvidence{SVN: svn}
	if reportData != nil {
		padded := cryptoutils.PadReportData(reportData)
		evidence.ReportData = base64.StdEncoding.EncodeToString(padded[:])
	}
	if initData != nil {
		padded := cryptoutils.PadReportData(initData)
		evidence.InitData = base64.StdEncoding.EncodeToString(padded[:])
	}
	return json.Marshal(evidence)
}

func (v *SampleVerifier) Evaluate(ctx context.Context, evidence []byte, reportData *interfaces.Digest, initDataHash *interfaces.Digest) (interfaces.RawClaims, error) {
	var parsed SampleEvidence
	if err := json.Unmarshal(evidence, &parsed); err != nil {
		return nil, fmt.Errorf("%w: invalid sample evidence: %v", interfaces.ErrVerificationFailed, err)
	}

	rd, err := base64.StdEncoding.DecodeString(parsed.ReportData)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid report_data encoding: %v", interfaces.ErrVerificationFailed, err)
	}
	id, err := base64.StdEncoding.DecodeString(parsed.InitData)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid init_data encoding: %v", interfaces.ErrVerificationFailed, err)
	}

	if err := checkBinding("report_data", reportData, rd); err != nil {
		return nil, err
	}
	if err := checkBinding("init_data", initDataHash, id); err != nil {
		return nil, err
	}

	v.log.Debug("sample evidence verified", "svn", parsed.SVN)

	return interfaces.RawClaims{
		"svn":         parsed.SVN,
		"report_data": hex.EncodeToString(rd),
		"init_data":   hex.EncodeToString(id),
	}, nil
}

// checkBinding compares an optional expected digest against a 64-byte field.
// An absent digest places no constraint on the field.
func checkBinding(field string, expected *interfaces.Digest, actual []byte) error {
	if expected == nil {
		return nil
	}
	padded := cryptoutils.PadReportData(expected)
	if !bytes.Equal(padded[:], actual) {
		return fmt.Errorf("%w: %s mismatch: got %x, expected %x", interfaces.ErrVerificationFailed, field, actual, padded[:])
	}
	return nil
}
