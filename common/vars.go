package common

// Version is overridden at build time with -ldflags "-X .../common.Version=v1.2.3".
var Version = "dev"

// PackageName prefixes exported metric names.
const PackageName = "attestation_service"
