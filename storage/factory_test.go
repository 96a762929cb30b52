package storage

import (
	"path/filepath"
	"testing"

	"github.com/ruteri/attestation-service/interfaces"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStoreFactory(t *testing.T) {
	factory := NewStoreFactory(testLogger())
	dir := t.TempDir()

	tests := []struct {
		uri      string
		wantType any
	}{
		{"memory://", &MemoryStore{}},
		{"file://" + filepath.Join(dir, "values"), &FileStore{}},
		{"sqlite://" + filepath.Join(dir, "rvps.db"), &SQLiteStore{}},
		{"redis://127.0.0.1:6379/2?prefix=as", &RedisStore{}},
		{"s3://AK:SK@bucket/prefix?region=eu-west-1&endpoint=http://127.0.0.1:9000&path_style=true", &S3Store{}},
		{"vault://127.0.0.1:8200/secret/rvps?token=root", &VaultStore{}},
	}

	for _, tt := range tests {
		t.Run(tt.uri, func(t *testing.T) {
			store, err := factory.StoreFor(tt.uri)
			require.NoError(t, err)
			assert.IsType(t, tt.wantType, store)
		})
	}
}

func TestStoreFactoryErrors(t *testing.T) {
	factory := NewStoreFactory(testLogger())

	for _, uri := range []string{
		"ipfs://host",
		"redis://127.0.0.1:6379/notanumber",
		"vault://127.0.0.1:8200",
		"s3:///prefix",
		"file://",
	} {
		t.Run(uri, func(t *testing.T) {
			_, err := factory.StoreFor(uri)
			assert.ErrorIs(t, err, interfaces.ErrInvalidLocationURI)
		})
	}
}

func TestCreateMultiStore(t *testing.T) {
	factory := NewStoreFactory(testLogger())

	single, err := factory.CreateMultiStore([]string{"memory://"})
	require.NoError(t, err)
	assert.IsType(t, &MemoryStore{}, single)

	multi, err := factory.CreateMultiStore([]string{"memory://", "file://" + t.TempDir()})
	require.NoError(t, err)
	assert.IsType(t, &MultiStore{}, multi)
	testStoreContract(t, multi)

	_, err = factory.CreateMultiStore(nil)
	assert.ErrorIs(t, err, interfaces.ErrInvalidLocationURI)
}
