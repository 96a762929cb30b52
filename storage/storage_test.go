package storage

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/ruteri/attestation-service/interfaces"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func sampleValue(name string, digests ...string) interfaces.ReferenceValue {
	rv := interfaces.ReferenceValue{
		Version:    "0.1.0",
		Name:       name,
		Expiration: time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC),
	}
	for _, d := range digests {
		rv.HashValues = append(rv.HashValues, interfaces.HashValue{Alg: "sha384", Value: d})
	}
	return rv
}

// testStoreContract runs the behaviour every ReferenceValueStore must share.
func testStoreContract(t *testing.T, store interfaces.ReferenceValueStore) {
	ctx := context.Background()

	// Missing values are not errors
	rv, err := store.Get(ctx, "tdx.quote.body.mr_td")
	require.NoError(t, err)
	assert.Nil(t, rv)

	// Store and read back
	want := sampleValue("tdx.quote.body.mr_td", "aa", "bb")
	require.NoError(t, store.Set(ctx, want))

	got, err := store.Get(ctx, want.Name)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, want.Name, got.Name)
	assert.Equal(t, []string{"aa", "bb"}, got.Digests())
	assert.True(t, want.Expiration.Equal(got.Expiration))

	// Replace
	require.NoError(t, store.Set(ctx, sampleValue(want.Name, "cc")))
	got, err = store.Get(ctx, want.Name)
	require.NoError(t, err)
	assert.Equal(t, []string{"cc"}, got.Digests())

	// Names with path characters stay isolated
	require.NoError(t, store.Set(ctx, sampleValue("../escape/name", "dd")))
	got, err = store.Get(ctx, "../escape/name")
	require.NoError(t, err)
	assert.Equal(t, []string{"dd"}, got.Digests())

	// Delete is idempotent and leaves other values alone
	require.NoError(t, store.Delete(ctx, want.Name))
	require.NoError(t, store.Delete(ctx, want.Name))
	got, err = store.Get(ctx, want.Name)
	require.NoError(t, err)
	assert.Nil(t, got)
	got, err = store.Get(ctx, "../escape/name")
	require.NoError(t, err)
	require.NotNil(t, got)

	assert.True(t, store.Available(ctx))
	assert.NotEmpty(t, store.Name())
}

func TestMemoryStore(t *testing.T) {
	testStoreContract(t, NewMemoryStore())
}

func TestMemoryStoreCopiesValues(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	rv := sampleValue("sample.svn", "1")
	require.NoError(t, store.Set(ctx, rv))
	rv.HashValues[0].Value = "mutated"

	got, err := store.Get(ctx, "sample.svn")
	require.NoError(t, err)
	assert.Equal(t, []string{"1"}, got.Digests())
}

func TestFileStore(t *testing.T) {
	store, err := NewFileStore(t.TempDir(), testLogger())
	require.NoError(t, err)
	testStoreContract(t, store)
}

func TestFileStoreCorruptValue(t *testing.T) {
	dir := t.TempDir()
	store, err := NewFileStore(dir, testLogger())
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(dir, nameKey("broken")+".json"), []byte("{"), 0644))
	_, err = store.Get(context.Background(), "broken")
	assert.ErrorIs(t, err, interfaces.ErrReferenceStoreUnavailable)
}

func TestSQLiteStore(t *testing.T) {
	store, err := OpenSQLiteStore(filepath.Join(t.TempDir(), "rvps.db"), testLogger())
	require.NoError(t, err)
	defer store.Close()

	testStoreContract(t, store)
}

func TestSQLiteStoreClosed(t *testing.T) {
	store, err := OpenSQLiteStore(filepath.Join(t.TempDir(), "rvps.db"), testLogger())
	require.NoError(t, err)
	require.NoError(t, store.Close())

	// A closed database is a backend failure, not a miss
	_, err = store.Get(context.Background(), "sample.svn")
	assert.ErrorIs(t, err, interfaces.ErrReferenceStoreUnavailable)
	assert.False(t, store.Available(context.Background()))
}

func TestRedisStore(t *testing.T) {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set")
	}

	client := redis.NewClient(&redis.Options{Addr: addr})
	defer client.Close()

	testStoreContract(t, NewRedisStore(client, "rvps-test-"+time.Now().Format("150405.000"), testLogger()))
}

func TestRedisStoreUnreachable(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1", DialTimeout: 100 * time.Millisecond, MaxRetries: -1})
	defer client.Close()

	store := NewRedisStore(client, "", testLogger())
	_, err := store.Get(context.Background(), "sample.svn")
	assert.ErrorIs(t, err, interfaces.ErrReferenceStoreUnavailable)
	assert.False(t, store.Available(context.Background()))
}

func TestWriteFileAtomic(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "out.json")

	require.NoError(t, WriteFileAtomic(path, []byte("one"), 0600))
	require.NoError(t, WriteFileAtomic(path, []byte("two"), 0600))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "two", string(data))

	// No temporary files left behind
	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}
