package util

import (
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func TestNewIDWithPrefix(t *testing.T) {
	id := NewID("br")
	require.True(t, strings.HasPrefix(id, "br_"))
	_, err := uuid.Parse(strings.TrimPrefix(id, "br_"))
	require.NoError(t, err)
}

func TestNewIDWithoutPrefixIsUnique(t *testing.T) {
	seen := make(map[string]struct{})
	for i := 0; i < 100; i++ {
		id := NewID("")
		_, dup := seen[id]
		require.False(t, dup, "duplicate id %s", id)
		seen[id] = struct{}{}
	}
}
