package verifier

import (
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/require"
)

func mustHexDecode(t *testing.T, s string) []byte {
	t.Helper()
	b, err := hex.DecodeString(s)
	require.NoError(t, err)
	return b
}
