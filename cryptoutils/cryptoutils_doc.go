// Package cryptoutils provides the cryptographic helpers shared by the
// attestation service.
//
// # Digests
//
// AccumulateHash folds an ordered list of binding materials into a single
// SHA-384 digest. Each blob is streamed into one hash state, so the result
// equals the SHA-384 of the concatenation. An empty list yields nil, which is
// distinct from the digest of a single empty blob.
//
// PadReportData zero-pads a digest to the 64-byte REPORTDATA field carried
// by TDX and SNP reports.
//
// # Keys
//
// DeriveSigningKey deterministically derives a P-256 signing key from a seed
// with HKDF-SHA256, so token signing keys survive restarts without being
// written to disk. The PEM helpers load and store keys and certificate chains
// for token issuance and provenance verification.
package cryptoutils
