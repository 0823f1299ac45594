package usecase

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDeriveSessionKey_Deterministic(t *testing.T) {
	a := DeriveSessionKey("oc_chat", "ou_sender")
	b := DeriveSessionKey("oc_chat", "ou_sender")
	require.Equal(t, a, b)
}

func TestDeriveSessionKey_DistinctPairsNeverCollide(t *testing.T) {
	pairs := [][2]string{
		{"12", "3"},
		{"1", "23"},
		{"123", ""},
		{"", "123"},
		{"1:2", "3"},
		{"1", "2:3"},
		{"1%3A2", "3"},
	}

	seen := map[string][2]string{}
	for _, p := range pairs {
		key := DeriveSessionKey(p[0], p[1])
		prev, dup := seen[key]
		require.False(t, dup, "pairs %v and %v collided on %q", prev, p, key)
		seen[key] = p
	}
}

func TestDeriveSessionKey_PlainIdentifiersStayReadable(t *testing.T) {
	require.Equal(t, "oc_abc123:ou_def456", DeriveSessionKey("oc_abc123", "ou_def456"))
}
