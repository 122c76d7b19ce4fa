package testutil

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/opensha/aafs/internal/store"
)

// FixedIDGenerator returns one id forever, so session ids in relay status
// items are predictable.
type FixedIDGenerator struct {
	token string
}

// NewFixedIDGenerator creates a generator. If token is empty, Generate
// returns "test-session".
func NewFixedIDGenerator(token string) *FixedIDGenerator {
	if token == "" {
		token = "test-session"
	}
	return &FixedIDGenerator{token: token}
}

func (g *FixedIDGenerator) Generate() string {
	return g.token
}

// OpenStore opens a fresh store in a temporary directory and closes it at
// the end of the test.
func OpenStore(t *testing.T, name string) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), name+".db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}
