package verifier

import (
	"bytes"
	"context"
	"encoding/hex"
	"fmt"
	"log/slog"

	tdx_abi "github.com/google/go-tdx-guest/abi"
	tdx_pb "github.com/google/go-tdx-guest/proto/tdx"
	tdx_verify "github.com/google/go-tdx-guest/verify"
	"github.com/ruteri/attestation-service/interfaces"
)

// TdxVerifier verifies raw Intel TDX v4 quotes produced by DCAP.
type TdxVerifier struct {
	skipCollateral bool
	log            *slog.Logger
}

func NewTdxVerifier(skipCollateral bool, log *slog.Logger) *TdxVerifier {
	return &TdxVerifier{skipCollateral: skipCollateral, log: log}
}

func (v *TdxVerifier) Evaluate(ctx context.Context, evidence []byte, reportData *interfaces.Digest, initDataHash *interfaces.Digest) (interfaces.RawClaims, error) {
	protoQuote, err := tdx_abi.QuoteToProto(evidence)
	if err != nil {
		return nil, fmt.Errorf("%w: could not parse quote: %v", interfaces.ErrVerificationFailed, err)
	}

	quote, ok := protoQuote.(*tdx_pb.QuoteV4)
	if !ok {
		return nil, fmt.Errorf("%w: unsupported quote type: %T", interfaces.ErrVerificationFailed, protoQuote)
	}

	options := tdx_verify.DefaultOptions()
	if !v.skipCollateral {
		options.GetCollateral = true
		options.CheckRevocations = true
	}
	if err := tdx_verify.TdxQuote(quote, options); err != nil {
		return nil, fmt.Errorf("%w: quote verification failed: %v", interfaces.ErrVerificationFailed, err)
	}

	if err := checkTdxBinding(quote, reportData, initDataHash); err != nil {
		return nil, err
	}

	v.log.Debug("tdx quote verified", "mr_td", hex.EncodeToString(quote.GetTdQuoteBody().GetMrTd()))

	return tdxClaims(quote), nil
}

// checkTdxBinding matches REPORTDATA against the runtime digest and
// MRCONFIGID against the init-data digest, each only when supplied.
func checkTdxBinding(quote *tdx_pb.QuoteV4, reportData *interfaces.Digest, initDataHash *interfaces.Digest) error {
	body := quote.GetTdQuoteBody()

	if err := checkBinding("report_data", reportData, body.GetReportData()); err != nil {
		return err
	}

	if initDataHash != nil && !bytes.Equal(body.GetMrConfigId(), initDataHash.Bytes()) {
		return fmt.Errorf("%w: mr_config_id mismatch: got %x, expected %x", interfaces.ErrVerificationFailed, body.GetMrConfigId(), initDataHash.Bytes())
	}

	return nil
}

func tdxClaims(quote *tdx_pb.QuoteV4) interfaces.RawClaims {
	header := quote.GetHeader()
	body := quote.GetTdQuoteBody()

	bodyClaims := map[string]any{
		"tee_tcb_svn":     hex.EncodeToString(body.GetTeeTcbSvn()),
		"mr_seam":         hex.EncodeToString(body.GetMrSeam()),
		"mr_signer_seam":  hex.EncodeToString(body.GetMrSignerSeam()),
		"seam_attributes": hex.EncodeToString(body.GetSeamAttributes()),
		"td_attributes":   hex.EncodeToString(body.GetTdAttributes()),
		"xfam":            hex.EncodeToString(body.GetXfam()),
		"mr_td":           hex.EncodeToString(body.GetMrTd()),
		"mr_config_id":    hex.EncodeToString(body.GetMrConfigId()),
		"mr_owner":        hex.EncodeToString(body.GetMrOwner()),
		"mr_owner_config": hex.EncodeToString(body.GetMrOwnerConfig()),
		"report_data":     hex.EncodeToString(body.GetReportData()),
	}
	for i, rtmr := range body.GetRtmrs() {
		bodyClaims[fmt.Sprintf("rtmr_%d", i)] = hex.EncodeToString(rtmr)
	}

	return interfaces.RawClaims{
		"quote": map[string]any{
			"header": map[string]any{
				"version":              header.GetVersion(),
				"attestation_key_type": header.GetAttestationKeyType(),
				"tee_type":             header.GetTeeType(),
				"qe_vendor_id":         hex.EncodeToString(header.GetQeVendorId()),
				"user_data":            hex.EncodeToString(header.GetUserData()),
			},
			"body": bodyClaims,
		},
	}
}
