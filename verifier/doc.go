// Package verifier contains the evidence verifiers built into the attestation
// service and the Registry that selects one by TEE.
//
// Each verifier checks the authenticity of its evidence, then binds it to the
// caller's digests: the runtime digest must appear in the report data field
// and the init-data digest in the TEE's configuration field (MRCONFIGID on
// TDX, HOST_DATA on SNP). A nil digest places no constraint on its field.
package verifier
