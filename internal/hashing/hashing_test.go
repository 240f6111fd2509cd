package hashing_test

import (
	"testing"

	"github.com/bearerworks/go-session-service/internal/hashing"
	"github.com/stretchr/testify/require"
)

func TestDigestIsDeterministic(t *testing.T) {
	a := hashing.Digest("some-refresh-token")
	b := hashing.Digest("some-refresh-token")
	require.Equal(t, a, b)
}

func TestDigestDiffersPerInput(t *testing.T) {
	require.NotEqual(t, hashing.Digest("token-a"), hashing.Digest("token-b"))
}

func TestDigestNeverEchoesInput(t *testing.T) {
	raw := "super-secret-refresh-token"
	require.NotContains(t, hashing.Digest(raw), raw)
}
