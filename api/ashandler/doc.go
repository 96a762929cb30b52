/*
Package ashandler exposes the attestation service over HTTP.

	POST   /api/v1/attestation                appraise evidence, returns a signed token
	POST   /api/v1/policy                     create or replace a policy
	GET    /api/v1/policy                     list stored policies
	DELETE /api/v1/policy/{policy_id}         remove a policy
	POST   /api/v1/reference-value            register reference value provenance
	GET    /api/v1/token/jwks                 token verification keys

Request and response bodies are the JSON types of package api. Failures are
reported as an api.ErrorResponse with a status code derived from the sentinel
errors of package interfaces. Evidence verification failures return a generic
message; details are only logged.

The Client type in this package is the matching HTTP client.
*/
package ashandler
