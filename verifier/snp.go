package verifier

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"

	sabi "github.com/google/go-sev-guest/abi"
	spb "github.com/google/go-sev-guest/proto/sevsnp"
	"github.com/google/go-sev-guest/validate"
	sv "github.com/google/go-sev-guest/verify"
	"github.com/ruteri/attestation-service/cryptoutils"
	"github.com/ruteri/attestation-service/interfaces"
)

// hostDataSize is the length of the SEV-SNP HOST_DATA field.
const hostDataSize = 32

// SnpEvidence is the evidence format for AMD SEV-SNP guests.
type SnpEvidence struct {
	// Report is the base64 encoded raw attestation report.
	Report string `json:"report"`
	// CertChain is the optional base64 encoded GUID certificate table from the extended report.
	CertChain string `json:"cert_chain,omitempty"`
}

// SnpVerifier verifies SEV-SNP attestation reports against the AMD key hierarchy.
type SnpVerifier struct {
	allowDebug bool
	log        *slog.Logger
}

func NewSnpVerifier(allowDebug bool, log *slog.Logger) *SnpVerifier {
	return &SnpVerifier{allowDebug: allowDebug, log: log}
}

func (v *SnpVerifier) Evaluate(ctx context.Context, evidence []byte, reportData *interfaces.Digest, initDataHash *interfaces.Digest) (interfaces.RawClaims, error) {
	attestation, err := parseSnpEvidence(evidence)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", interfaces.ErrVerificationFailed, err)
	}

	// Signature must be checked before validation so the verify library fills in certificates
	if err := sv.SnpAttestation(attestation, &sv.Options{}); err != nil {
		return nil, fmt.Errorf("%w: report verification failed: %v", interfaces.ErrVerificationFailed, err)
	}

	if err := validate.SnpAttestation(attestation, snpValidateOptions(v.allowDebug, reportData, initDataHash)); err != nil {
		return nil, fmt.Errorf("%w: report validation failed: %v", interfaces.ErrVerificationFailed, err)
	}

	v.log.Debug("snp report verified", "measurement", hex.EncodeToString(attestation.GetReport().GetMeasurement()))

	return snpClaims(attestation.GetReport()), nil
}

func parseSnpEvidence(evidence []byte) (*spb.Attestation, error) {
	var parsed SnpEvidence
	if err := json.Unmarshal(evidence, &parsed); err != nil {
		return nil, fmt.Errorf("invalid snp evidence: %w", err)
	}

	rawReport, err := base64.StdEncoding.DecodeString(parsed.Report)
	if err != nil {
		return nil, fmt.Errorf("invalid report encoding: %w", err)
	}

	report, err := sabi.ReportToProto(rawReport)
	if err != nil {
		return nil, fmt.Errorf("could not parse report: %w", err)
	}

	attestation := &spb.Attestation{Report: report}
	if parsed.CertChain != "" {
		rawChain, err := base64.StdEncoding.DecodeString(parsed.CertChain)
		if err != nil {
			return nil, fmt.Errorf("invalid cert_chain encoding: %w", err)
		}
		table := new(sabi.CertTable)
		if err := table.Unmarshal(rawChain); err != nil {
			return nil, fmt.Errorf("failed to unmarshal certificates: %w", err)
		}
		attestation.CertificateChain = table.Proto()
	}

	return attestation, nil
}

// snpValidateOptions binds REPORT_DATA to the runtime digest and HOST_DATA to
// the leading 32 bytes of the init-data digest.
func snpValidateOptions(allowDebug bool, reportData *interfaces.Digest, initDataHash *interfaces.Digest) *validate.Options {
	opts := &validate.Options{
		GuestPolicy: sabi.SnpPolicy{Debug: allowDebug},
	}
	if reportData != nil {
		padded := cryptoutils.PadReportData(reportData)
		opts.ReportData = padded[:]
	}
	if initDataHash != nil {
		opts.HostData = initDataHash.Bytes()[:hostDataSize]
	}
	return opts
}

func snpClaims(report *spb.Report) interfaces.RawClaims {
	return interfaces.RawClaims{
		"report": map[string]any{
			"version":           report.GetVersion(),
			"guest_svn":         report.GetGuestSvn(),
			"policy":            report.GetPolicy(),
			"family_id":         hex.EncodeToString(report.GetFamilyId()),
			"image_id":          hex.EncodeToString(report.GetImageId()),
			"vmpl":              report.GetVmpl(),
			"current_tcb":       report.GetCurrentTcb(),
			"platform_info":     report.GetPlatformInfo(),
			"report_data":       hex.EncodeToString(report.GetReportData()),
			"measurement":       hex.EncodeToString(report.GetMeasurement()),
			"host_data":         hex.EncodeToString(report.GetHostData()),
			"id_key_digest":     hex.EncodeToString(report.GetIdKeyDigest()),
			"author_key_digest": hex.EncodeToString(report.GetAuthorKeyDigest()),
			"report_id":         hex.EncodeToString(report.GetReportId()),
			"reported_tcb":      report.GetReportedTcb(),
			"chip_id":           hex.EncodeToString(report.GetChipId()),
			"committed_tcb":     report.GetCommittedTcb(),
			"launch_tcb":        report.GetLaunchTcb(),
		},
	}
}
