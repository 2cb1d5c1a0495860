package keystore

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// Store is a directory-backed collection of keys, each saved as a
// <key_id>.key file holding the raw key bytes (mode 0600) and a
// matching <key_id>.info file holding its KeyInfo metadata as JSON.
// Storing raw bytes rather than a structured container keeps key
// files readable by anything that needs them at rest (e.g. a
// hand-rolled recovery tool) without this package's involvement.
type Store struct {
	mu   sync.RWMutex
	path string
}

// NewStore opens (creating if necessary) a key store rooted at path.
func NewStore(path string) (*Store, error) {
	if err := os.MkdirAll(path, 0700); err != nil {
		return nil, fmt.Errorf("keystore: failed to create store directory: %w", err)
	}
	return &Store{path: path}, nil
}

// Put writes key under id, expiring at now+lifetime (or never, if
// lifetime is zero). A prior entry with the same id is overwritten.
func (s *Store) Put(id string, key []byte, lifetime time.Duration) error {
	if err := validateKeyID(id); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	info := KeyInfo{ID: id, KeyType: classifyKeyID(id), CreatedAt: now}
	if lifetime > 0 {
		info.ExpiresAt = now.Add(lifetime)
	}

	if err := os.WriteFile(s.keyPath(id), key, 0600); err != nil {
		return fmt.Errorf("keystore: failed to write key %q: %w", id, err)
	}

	infoJSON, err := json.MarshalIndent(info, "", "  ")
	if err != nil {
		return fmt.Errorf("keystore: failed to marshal info for %q: %w", id, err)
	}
	if err := os.WriteFile(s.infoPath(id), infoJSON, 0600); err != nil {
		return fmt.Errorf("keystore: failed to write info for %q: %w", id, err)
	}

	return nil
}

// Get reads the raw key bytes stored under id. If the key has expired
// its files are removed and ErrKeyExpired is returned.
func (s *Store) Get(id string) ([]byte, error) {
	if err := validateKeyID(id); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	info, err := s.readInfo(id)
	if err != nil {
		return nil, err
	}
	if info.IsExpired(time.Now()) {
		s.removeLocked(id)
		return nil, fmt.Errorf("%w: %s", ErrKeyExpired, id)
	}

	key, err := os.ReadFile(s.keyPath(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrKeyNotFound, id)
		}
		return nil, fmt.Errorf("keystore: failed to read key %q: %w", id, err)
	}
	return key, nil
}

// Info returns the metadata for id without reading the key material.
func (s *Store) Info(id string) (KeyInfo, error) {
	if err := validateKeyID(id); err != nil {
		return KeyInfo{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.readInfo(id)
}

// Exists reports whether id has both a key and info file present,
// regardless of expiry.
func (s *Store) Exists(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, err := os.Stat(s.keyPath(id)); err != nil {
		return false
	}
	_, err := os.Stat(s.infoPath(id))
	return err == nil
}

// Delete removes id's key and info files. It is not an error to
// delete an id that does not exist.
func (s *Store) Delete(id string) error {
	if err := validateKeyID(id); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeLocked(id)
	return nil
}

// List returns the metadata of every key currently in the store,
// sorted by id.
func (s *Store) List() ([]KeyInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries, err := os.ReadDir(s.path)
	if err != nil {
		return nil, fmt.Errorf("keystore: failed to list store directory: %w", err)
	}

	var infos []KeyInfo
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".info") {
			continue
		}
		id := strings.TrimSuffix(entry.Name(), ".info")
		info, err := s.readInfo(id)
		if err != nil {
			continue
		}
		infos = append(infos, info)
	}

	sort.Slice(infos, func(i, j int) bool { return infos[i].ID < infos[j].ID })
	return infos, nil
}

// CleanupExpired deletes every key whose lifetime has passed as of
// now, returning the number removed.
func (s *Store) CleanupExpired(now time.Time) (int, error) {
	infos, err := s.List()
	if err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for _, info := range infos {
		if info.IsExpired(now) {
			s.removeLocked(info.ID)
			removed++
		}
	}
	return removed, nil
}

func (s *Store) readInfo(id string) (KeyInfo, error) {
	data, err := os.ReadFile(s.infoPath(id))
	if err != nil {
		if os.IsNotExist(err) {
			return KeyInfo{}, fmt.Errorf("%w: %s", ErrKeyNotFound, id)
		}
		return KeyInfo{}, fmt.Errorf("keystore: failed to read info for %q: %w", id, err)
	}
	var info KeyInfo
	if err := json.Unmarshal(data, &info); err != nil {
		return KeyInfo{}, fmt.Errorf("keystore: corrupted info for %q: %w", id, err)
	}
	return info, nil
}

func (s *Store) removeLocked(id string) {
	_ = os.Remove(s.keyPath(id))
	_ = os.Remove(s.infoPath(id))
}

func (s *Store) keyPath(id string) string  { return filepath.Join(s.path, id+".key") }
func (s *Store) infoPath(id string) string { return filepath.Join(s.path, id+".info") }

func validateKeyID(id string) error {
	if id == "" || strings.ContainsAny(id, "/\\") {
		return fmt.Errorf("%w: %q", ErrInvalidKeyID, id)
	}
	return nil
}
