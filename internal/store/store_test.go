package store

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewDirMode(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "auth-1.json"), []byte(`{"accountName":"alice"}`), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "auth-3.json"), []byte(`{"accountName":"bob"}`), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "auth-2.json"), []byte(`not json`), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "ignored.json"), []byte(`{}`), 0o600))

	s, err := New(dir)
	require.NoError(t, err)
	require.Equal(t, []int{1, 3}, s.AvailableIndices())
	require.Equal(t, "alice", *s.NameOf(1))
	require.Equal(t, "bob", *s.NameOf(3))
	require.Nil(t, s.NameOf(2))
	require.Equal(t, 3, s.MaxIndex())
}

func TestNewEnvMode(t *testing.T) {
	t.Setenv("AUTH_JSON_1", `{"accountName":"primary"}`)
	t.Setenv("AUTH_JSON_2", `{}`)

	s, err := New(t.TempDir())
	require.NoError(t, err)
	require.ElementsMatch(t, []int{1, 2}, s.AvailableIndices())
	require.Equal(t, ModeEnv, s.Mode())
}

func TestNewFailsWhenEmpty(t *testing.T) {
	_, err := New(t.TempDir())
	require.Error(t, err)
}

func TestLoadRereadsSource(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "auth-1.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"accountName":"v1"}`), 0o600))

	s, err := New(dir)
	require.NoError(t, err)

	b := s.Load(1)
	require.NotNil(t, b)
	require.Equal(t, "v1", b.AccountName)

	require.NoError(t, os.WriteFile(path, []byte(`{"accountName":"v2"}`), 0o600))
	b2 := s.Load(1)
	require.NotNil(t, b2)
	require.Equal(t, "v2", b2.AccountName)
}

func TestLoadMissingIndex(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "auth-1.json"), []byte(`{}`), 0o600))
	s, err := New(dir)
	require.NoError(t, err)
	require.Nil(t, s.Load(99))
}
