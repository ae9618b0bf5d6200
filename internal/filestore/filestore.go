// Package filestore implements the content-addressed file store: blobs keyed
// by SHA-1 under a two-level hex-prefix layout, a mirror of named paths to
// blob hashes, and on-demand blob resolution from fabric peers.
package filestore

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/SRI-CSL/etb/internal/term"
	"golang.org/x/sync/singleflight"
)

// ErrNotFound is returned when a blob is not stored locally.
var ErrNotFound = errors.New("filestore: blob not found")

// ErrIntegrity is returned when transferred bytes hash to something other
// than the requested reference. Fatal for the fetch, not for the store.
var ErrIntegrity = errors.New("filestore: blob hash mismatch")

// Hash returns the hex SHA-1 of data.
func Hash(data []byte) string {
	sum := sha1.Sum(data)
	return hex.EncodeToString(sum[:])
}

// Store is a node's local blob store plus the named-path mirror.
type Store struct {
	root string // <workdir>/store

	mu     sync.RWMutex
	mirror map[string]string // named path -> hash

	fetch  singleflight.Group
	source PeerSource
}

// PeerSource fetches a blob from some fabric peer advertised as holding it.
// The returned peer id is recorded for diagnostics only.
type PeerSource interface {
	FetchBlob(ctx context.Context, sha1hex string) (data []byte, peer string, err error)
}

// New opens (creating if needed) the store rooted at dir.
func New(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &Store{root: dir, mirror: make(map[string]string)}, nil
}

// SetSource installs the cross-node fetch path. May be nil on isolated nodes.
func (s *Store) SetSource(src PeerSource) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.source = src
}

func (s *Store) blobPath(hash string) string {
	if len(hash) < 3 {
		return filepath.Join(s.root, hash)
	}
	return filepath.Join(s.root, hash[:2], hash[2:])
}

// Put stores data under its content hash and records destPath in the mirror.
// The blob write is atomic: temp file then rename.
func (s *Store) Put(data []byte, destPath string) (term.FileRef, error) {
	hash := Hash(data)
	path := s.blobPath(hash)
	if _, err := os.Stat(path); err != nil {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return term.FileRef{}, err
		}
		tmp, err := os.CreateTemp(filepath.Dir(path), ".put-*")
		if err != nil {
			return term.FileRef{}, err
		}
		if _, err := tmp.Write(data); err != nil {
			tmp.Close()
			os.Remove(tmp.Name())
			return term.FileRef{}, err
		}
		if err := tmp.Close(); err != nil {
			os.Remove(tmp.Name())
			return term.FileRef{}, err
		}
		if err := os.Rename(tmp.Name(), path); err != nil {
			os.Remove(tmp.Name())
			return term.FileRef{}, err
		}
	}
	destPath = filepath.ToSlash(destPath)
	s.mu.Lock()
	s.mirror[destPath] = hash
	s.mu.Unlock()
	return term.FileRef{Path: destPath, SHA1: hash}, nil
}

// Has reports whether the blob is stored locally.
func (s *Store) Has(hash string) bool {
	_, err := os.Stat(s.blobPath(hash))
	return err == nil
}

// ReadBlob returns the bytes of a locally stored blob.
func (s *Store) ReadBlob(ref term.FileRef) ([]byte, error) {
	data, err := os.ReadFile(s.blobPath(ref.SHA1))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s (%s)", ErrNotFound, ref.Path, ref.SHA1)
		}
		return nil, err
	}
	return data, nil
}

// Get returns the blob for ref, pulling it from a peer when it is not local.
func (s *Store) Get(ctx context.Context, ref term.FileRef) ([]byte, error) {
	if err := s.Ensure(ctx, ref); err != nil {
		return nil, err
	}
	return s.ReadBlob(ref)
}

// Ensure makes the blob of ref locally resolvable, fetching from a peer when
// needed. Concurrent fetches of the same hash are collapsed. Transferred
// bytes are re-hashed; a mismatch fails with ErrIntegrity and nothing is
// stored.
func (s *Store) Ensure(ctx context.Context, ref term.FileRef) error {
	if s.Has(ref.SHA1) {
		return nil
	}
	s.mu.RLock()
	src := s.source
	s.mu.RUnlock()
	if src == nil {
		return fmt.Errorf("%w: %s (%s)", ErrNotFound, ref.Path, ref.SHA1)
	}
	_, err, _ := s.fetch.Do(ref.SHA1, func() (any, error) {
		if s.Has(ref.SHA1) {
			return nil, nil
		}
		data, peer, err := src.FetchBlob(ctx, ref.SHA1)
		if err != nil {
			return nil, err
		}
		if got := Hash(data); got != ref.SHA1 {
			return nil, fmt.Errorf("%w: got %s from peer %s, want %s", ErrIntegrity, got, peer, ref.SHA1)
		}
		_, err = s.Put(data, ref.Path)
		return nil, err
	})
	return err
}

// Mirror returns the recorded hash for a named path.
func (s *Store) Mirror(path string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	h, ok := s.mirror[filepath.ToSlash(path)]
	return h, ok
}

// Hashes returns every blob hash recorded in the mirror.
func (s *Store) Hashes() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	seen := make(map[string]bool, len(s.mirror))
	var out []string
	for _, h := range s.mirror {
		if !seen[h] {
			seen[h] = true
			out = append(out, h)
		}
	}
	sort.Strings(out)
	return out
}

// Listing classifies the entries of a directory against the mirror.
type Listing struct {
	Dirs      []string
	InSync    []string
	Outdated  []string
	Untracked []string
}

// Ls lists dir (relative to base) and classifies each regular file: in-sync
// if its bytes hash to the mirrored hash, outdated if mirrored under a
// different hash, untracked if the mirror has no entry for it.
func (s *Store) Ls(base, dir string) (*Listing, error) {
	full := filepath.Join(base, dir)
	entries, err := os.ReadDir(full)
	if err != nil {
		return nil, err
	}
	out := &Listing{}
	for _, e := range entries {
		name := e.Name()
		rel := filepath.ToSlash(filepath.Join(dir, name))
		if e.IsDir() {
			out.Dirs = append(out.Dirs, name)
			continue
		}
		mirrored, ok := s.Mirror(rel)
		if !ok {
			out.Untracked = append(out.Untracked, name)
			continue
		}
		data, err := os.ReadFile(filepath.Join(full, name))
		if err != nil {
			out.Outdated = append(out.Outdated, name)
			continue
		}
		if Hash(data) == mirrored {
			out.InSync = append(out.InSync, name)
		} else {
			out.Outdated = append(out.Outdated, name)
		}
	}
	sort.Strings(out.Dirs)
	sort.Strings(out.InSync)
	sort.Strings(out.Outdated)
	sort.Strings(out.Untracked)
	return out, nil
}

// Import stores the contents of a real file and mirrors it under its path
// relative to base.
func (s *Store) Import(base, path string) (term.FileRef, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return term.FileRef{}, err
	}
	rel, err := filepath.Rel(base, path)
	if err != nil || strings.HasPrefix(rel, "..") {
		rel = filepath.Base(path)
	}
	return s.Put(data, rel)
}
