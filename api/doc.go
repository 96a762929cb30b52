/*
Package api holds the wire types of the attestation service HTTP API and the
shared HTTP server configuration.

Binary request fields (evidence, binding materials, policy sources) travel as
base64 strings. The handler and matching client live in api/ashandler.
*/
package api
