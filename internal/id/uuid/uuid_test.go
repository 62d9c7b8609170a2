package uuid

import (
	"testing"

	goUUID "github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func TestGeneratorNewID(t *testing.T) {
	t.Parallel()

	gen := New()
	id1, err := gen.NewID()
	require.NoError(t, err)
	id2, err := gen.NewID()
	require.NoError(t, err)
	require.NotEqual(t, id1, id2)

	parsed, err := goUUID.Parse(id1)
	require.NoError(t, err)
	require.Equal(t, goUUID.Version(7), parsed.Version())
}

func TestGeneratorIDsSortByCreation(t *testing.T) {
	t.Parallel()

	gen := New()
	prev, err := gen.NewID()
	require.NoError(t, err)
	for i := 0; i < 100; i++ {
		next, err := gen.NewID()
		require.NoError(t, err)
		require.Less(t, prev, next)
		prev = next
	}
}
