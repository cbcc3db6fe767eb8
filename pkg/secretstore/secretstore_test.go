package secretstore

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetOrGeneratePersists(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir)
	require.NoError(t, err)

	tok1, err := s.GetOrGenerate("api_key")
	require.NoError(t, err)
	assert.Len(t, tok1, tokenLen*2)

	s2, err := Open(dir)
	require.NoError(t, err)
	tok2, err := s2.GetOrGenerate("api_key")
	require.NoError(t, err)
	assert.Equal(t, tok1, tok2)
}

func TestSetAndGet(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir)
	require.NoError(t, err)

	_, ok, err := s.Get("missing")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.Set("k", "v"))
	v, ok, err := s.Get("k")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "v", v)
}
