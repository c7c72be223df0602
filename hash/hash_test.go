package hash

import (
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/zeebo/blake3"
)

func TestSumChunks(t *testing.T) {
	whole := blake3.Sum256([]byte("transfer:alice:bob"))
	require.Equal(t, whole, Sum([]byte("transfer:"), []byte("alice:"), []byte("bob")))
	require.Equal(t, whole, Sum([]byte("transfer:alice:bob")))
}

func TestSumReusesHasher(t *testing.T) {
	first := Sum([]byte("a"))
	_ = Sum([]byte("b"), []byte("c"))
	require.Equal(t, first, Sum([]byte("a")))
}
