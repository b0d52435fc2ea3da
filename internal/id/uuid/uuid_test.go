package uuid

import (
	"testing"

	guuid "github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func TestNewIDProducesValidUUID7(t *testing.T) {
	t.Parallel()

	gen := NewUUIDGenerator()
	id, err := gen.NewID()
	require.NoError(t, err)

	parsed, err := guuid.Parse(id)
	require.NoError(t, err)
	require.Equal(t, guuid.Version(7), parsed.Version())

	other, err := gen.NewID()
	require.NoError(t, err)
	require.NotEqual(t, id, other)
}
