package memory

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetGetDelete(t *testing.T) {
	s, err := Open(t.TempDir())
	require.NoError(t, err)

	_, err = s.Get("main", "missing")
	assert.ErrorIs(t, err, ErrKeyNotFound)

	require.NoError(t, s.Set("main", "city", json.RawMessage(`"Hanoi"`)))

	v, err := s.Get("main", "city")
	require.NoError(t, err)
	assert.JSONEq(t, `"Hanoi"`, string(v))

	require.NoError(t, s.Delete("main", "city"))
	_, err = s.Get("main", "city")
	assert.ErrorIs(t, err, ErrKeyNotFound)

	// Deleting an absent key is a no-op.
	assert.NoError(t, s.Delete("main", "city"))
}

func TestGroupsAreIsolated(t *testing.T) {
	s, err := Open(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, s.Set("main", "k", json.RawMessage(`1`)))
	require.NoError(t, s.Set("side", "k", json.RawMessage(`2`)))

	v, err := s.Get("main", "k")
	require.NoError(t, err)
	assert.JSONEq(t, `1`, string(v))

	v, err = s.Get("side", "k")
	require.NoError(t, err)
	assert.JSONEq(t, `2`, string(v))

	keys, err := s.Keys("main")
	require.NoError(t, err)
	assert.Equal(t, []string{"k"}, keys)
}

func TestPersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()

	s, err := Open(dir)
	require.NoError(t, err)
	require.NoError(t, s.Set("main", "k", json.RawMessage(`{"a":1}`)))

	s2, err := Open(dir)
	require.NoError(t, err)
	v, err := s2.Get("main", "k")
	require.NoError(t, err)
	assert.JSONEq(t, `{"a":1}`, string(v))
}
