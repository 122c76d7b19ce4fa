package testutil

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFixedIDGenerator(t *testing.T) {
	assert.Equal(t, "test-session", NewFixedIDGenerator("").Generate())
	g := NewFixedIDGenerator("s-1")
	assert.Equal(t, "s-1", g.Generate())
	assert.Equal(t, "s-1", g.Generate())
}

func TestOpenStore(t *testing.T) {
	s := OpenStore(t, "fixture")
	require.NoError(t, s.Ping(context.Background()))
	n, err := s.CountTasks(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}
