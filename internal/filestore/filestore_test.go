package filestore

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SRI-CSL/etb/internal/term"
)

func TestPutGetRoundTrip(t *testing.T) {
	s, err := New(filepath.Join(t.TempDir(), "store"))
	require.NoError(t, err)

	body := []byte("the quick brown fox")
	ref, err := s.Put(body, "docs/fox.txt")
	require.NoError(t, err)
	assert.Equal(t, "docs/fox.txt", ref.Path)
	assert.Equal(t, Hash(body), ref.SHA1)

	got, err := s.Get(context.Background(), ref)
	require.NoError(t, err)
	assert.Equal(t, body, got)
}

func TestBlobLayout(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "store")
	s, err := New(dir)
	require.NoError(t, err)
	ref, err := s.Put([]byte("x"), "x")
	require.NoError(t, err)
	_, err = os.Stat(filepath.Join(dir, ref.SHA1[:2], ref.SHA1[2:]))
	assert.NoError(t, err, "two-level hex prefix layout")
}

func TestPutIsIdempotent(t *testing.T) {
	s, err := New(filepath.Join(t.TempDir(), "store"))
	require.NoError(t, err)
	r1, err := s.Put([]byte("same"), "a.txt")
	require.NoError(t, err)
	r2, err := s.Put([]byte("same"), "b.txt")
	require.NoError(t, err)
	assert.Equal(t, r1.SHA1, r2.SHA1)
	assert.Len(t, s.Hashes(), 1)
}

func TestMissingBlob(t *testing.T) {
	s, err := New(filepath.Join(t.TempDir(), "store"))
	require.NoError(t, err)
	_, err = s.ReadBlob(term.FileRef{Path: "nope", SHA1: "0000000000000000000000000000000000000000"})
	assert.ErrorIs(t, err, ErrNotFound)
}

type fakeSource struct {
	blobs map[string][]byte
	calls int
}

func (f *fakeSource) FetchBlob(_ context.Context, sha1hex string) ([]byte, string, error) {
	f.calls++
	data, ok := f.blobs[sha1hex]
	if !ok {
		return nil, "", fmt.Errorf("no peer stores %s", sha1hex)
	}
	return data, "peer-1", nil
}

func TestEnsureFetchesFromPeer(t *testing.T) {
	s, err := New(filepath.Join(t.TempDir(), "store"))
	require.NoError(t, err)
	body := []byte("remote blob")
	hash := Hash(body)
	s.SetSource(&fakeSource{blobs: map[string][]byte{hash: body}})

	ref := term.FileRef{Path: "remote.txt", SHA1: hash}
	require.NoError(t, err)
	require.NoError(t, s.Ensure(context.Background(), ref))
	got, err := s.ReadBlob(ref)
	require.NoError(t, err)
	assert.Equal(t, body, got)
}

func TestEnsureIntegrityMismatch(t *testing.T) {
	s, err := New(filepath.Join(t.TempDir(), "store"))
	require.NoError(t, err)
	wantHash := Hash([]byte("expected"))
	s.SetSource(&fakeSource{blobs: map[string][]byte{wantHash: []byte("tampered")}})

	err = s.Ensure(context.Background(), term.FileRef{Path: "f", SHA1: wantHash})
	assert.ErrorIs(t, err, ErrIntegrity)
	assert.False(t, s.Has(wantHash), "nothing stored on mismatch")
}

func TestLsClassification(t *testing.T) {
	base := t.TempDir()
	s, err := New(filepath.Join(base, "store"))
	require.NoError(t, err)

	require.NoError(t, os.MkdirAll(filepath.Join(base, "docs"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(base, "synced.txt"), []byte("synced"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(base, "stale.txt"), []byte("new content"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(base, "loose.txt"), []byte("loose"), 0o644))

	_, err = s.Put([]byte("synced"), "synced.txt")
	require.NoError(t, err)
	_, err = s.Put([]byte("old content"), "stale.txt")
	require.NoError(t, err)

	listing, err := s.Ls(base, ".")
	require.NoError(t, err)
	assert.Contains(t, listing.Dirs, "docs")
	assert.Equal(t, []string{"synced.txt"}, listing.InSync)
	assert.Equal(t, []string{"stale.txt"}, listing.Outdated)
	assert.Contains(t, listing.Untracked, "loose.txt")
}
