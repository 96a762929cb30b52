// Package storage provides the reference value stores behind the RVPS.
//
// Every store implements interfaces.ReferenceValueStore. A missing value is
// reported as (nil, nil); any backend failure wraps
// interfaces.ErrReferenceStoreUnavailable so that it can never be mistaken for
// an absent reference value.
//
// # Storage URI Format
//
// Stores are specified using URI format:
//
//	[scheme]://[auth@]host[:port][/path][?params]
//
// Supported URI schemes:
//
//   - memory://
//   - file:///var/lib/attestation-service/reference-values/
//   - sqlite:///var/lib/attestation-service/rvps.db
//   - redis://:password@redis.example.com:6379/0?prefix=rvps
//   - s3://ACCESS_KEY:SECRET_KEY@bucket-name/prefix/?region=us-west-2&endpoint=minio:9000&path_style=true
//   - vault://vault.example.com:8200/secret/rvps?token=...&tls=true
//
// Object-style backends (file, S3, Vault) key values by the SHA-256 of the
// reference value name, so names may contain any characters.
//
// # Redundancy
//
// StoreFactory.CreateMultiStore combines several stores into a MultiStore
// that writes to every available store and reads from the first one holding
// the value.
//
// # Usage Example
//
//	factory := storage.NewStoreFactory(logger)
//	store, err := factory.StoreFor("sqlite:///var/lib/as/rvps.db")
//	if err != nil {
//	    return err
//	}
//	err = store.Set(ctx, interfaces.ReferenceValue{Name: "tdx.quote.body.mr_td", ...})
package storage
