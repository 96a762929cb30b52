package ashandler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-jose/go-jose/v4"
	"github.com/ruteri/attestation-service/api"
	"github.com/ruteri/attestation-service/interfaces"
)

// Client talks to an attestation service over HTTP.
type Client struct {
	BaseURL string
	Client  *http.Client
}

// NewClient creates a client for the service at baseURL.
func NewClient(baseURL string) *Client {
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Client:  http.DefaultClient,
	}
}

// APIError is returned for non-2xx responses.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("attestation service returned %d: %s", e.StatusCode, e.Message)
}

// Unwrap maps well-known status codes back onto sentinel errors.
func (e *APIError) Unwrap() error {
	switch e.StatusCode {
	case http.StatusUnauthorized:
		return interfaces.ErrVerificationFailed
	case http.StatusUnprocessableEntity:
		return interfaces.ErrPolicyEvaluationFailed
	case http.StatusNotImplemented:
		return interfaces.ErrNotSupported
	case http.StatusServiceUnavailable:
		return interfaces.ErrReferenceStoreUnavailable
	}
	return nil
}

// Attest submits evidence for appraisal and returns the signed token.
func (c *Client) Attest(ctx context.Context, req *api.AttestationRequest) (string, error) {
	var resp api.AttestationResponse
	if err := c.do(ctx, http.MethodPost, "/api/v1/attestation", req, &resp); err != nil {
		return "", err
	}
	return resp.Token, nil
}

// SetPolicy creates or replaces a policy. The policy source is encoded by the client.
func (c *Client) SetPolicy(ctx context.Context, policyType, policyID string, source []byte) error {
	req := api.SetPolicyRequest{
		Type:     policyType,
		PolicyID: policyID,
		Policy:   api.EncodeBytes(source),
	}
	return c.do(ctx, http.MethodPost, "/api/v1/policy", req, nil)
}

// ListPolicies returns stored policies.
func (c *Client) ListPolicies(ctx context.Context) ([]interfaces.PolicyDigest, error) {
	var resp api.ListPoliciesResponse
	if err := c.do(ctx, http.MethodGet, "/api/v1/policy", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Policies, nil
}

// RemovePolicy removes a policy.
func (c *Client) RemovePolicy(ctx context.Context, policyID string) error {
	return c.do(ctx, http.MethodDelete, "/api/v1/policy/"+url.PathEscape(policyID), nil, nil)
}

// RegisterReferenceValue submits a provenance message.
func (c *Client) RegisterReferenceValue(ctx context.Context, message string) error {
	req := api.RegisterReferenceValueRequest{Message: message}
	return c.do(ctx, http.MethodPost, "/api/v1/reference-value", req, nil)
}

// JWKS fetches the token verification keys.
func (c *Client) JWKS(ctx context.Context) (*jose.JSONWebKeySet, error) {
	var keys jose.JSONWebKeySet
	if err := c.do(ctx, http.MethodGet, "/api/v1/token/jwks", nil, &keys); err != nil {
		return nil, err
	}
	return &keys, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("could not encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, reader)
	if err != nil {
		return fmt.Errorf("could not initialize request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	httpClient := c.Client
	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	resp, err := httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("could not request attestation service: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("could not read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var errResp api.ErrorResponse
		if err := json.Unmarshal(respBody, &errResp); err != nil || errResp.Error == "" {
			errResp.Error = strings.TrimSpace(string(respBody))
		}
		return &APIError{StatusCode: resp.StatusCode, Message: errResp.Error}
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("could not parse response: %w", err)
	}
	return nil
}

// IsStatus reports whether err is an APIError with the given status code.
func IsStatus(err error, status int) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == status
}
