package station

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTokenStore_PutGet(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tokens.json")
	s, err := NewTokenStore(path)
	require.NoError(t, err)

	_, ok := s.Get("AA:BB:CC:DD:EE:FF")
	assert.False(t, ok)

	require.NoError(t, s.Put("AA:BB:CC:DD:EE:FF", 42))
	token, ok := s.Get("AA:BB:CC:DD:EE:FF")
	assert.True(t, ok)
	assert.EqualValues(t, 42, token)
}

func TestTokenStore_PersistsAcrossReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tokens.json")
	s1, err := NewTokenStore(path)
	require.NoError(t, err)
	require.NoError(t, s1.Put("addr-1", 7))

	s2, err := NewTokenStore(path)
	require.NoError(t, err)
	token, ok := s2.Get("addr-1")
	assert.True(t, ok)
	assert.EqualValues(t, 7, token)
}

func TestTokenStore_Clear(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tokens.json")
	s, err := NewTokenStore(path)
	require.NoError(t, err)
	require.NoError(t, s.Put("addr-1", 9))

	require.NoError(t, s.Clear("addr-1"))
	_, ok := s.Get("addr-1")
	assert.False(t, ok)
}

func TestTokenStore_LoadsMissingFileAsEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "does-not-exist.json")
	s, err := NewTokenStore(path)
	require.NoError(t, err)
	_, ok := s.Get("anything")
	assert.False(t, ok)
}
