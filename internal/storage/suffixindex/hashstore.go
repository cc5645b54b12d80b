package suffixindex

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/devrev/pairdb/objectnode/internal/ring"
)

// HashesFile is the name of the per-partition digest file.
const HashesFile = "hashes.json"

// HashStore persists the suffix digests of partitions. Losing or corrupting
// a stored map only forces recomputation.
type HashStore interface {
	Load(partition int) (map[string]string, error)
	Save(partition int, hashes map[string]string) error
}

// FileHashStore keeps <root>/<partition>/hashes.json.
type FileHashStore struct {
	Root string
}

func NewFileHashStore(root string) *FileHashStore {
	return &FileHashStore{Root: root}
}

func (s *FileHashStore) path(partition int) string {
	return filepath.Join(s.Root, ring.PartitionDir(partition), HashesFile)
}

// Load returns nil without error when the file does not exist.
func (s *FileHashStore) Load(partition int) (map[string]string, error) {
	data, err := os.ReadFile(s.path(partition))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read hashes: %w", err)
	}
	var hashes map[string]string
	if err := json.Unmarshal(data, &hashes); err != nil {
		return nil, fmt.Errorf("failed to decode hashes: %w", err)
	}
	return hashes, nil
}

// Save writes atomically via a temp file and rename. Nothing is written for a
// partition whose directory no longer exists.
func (s *FileHashStore) Save(partition int, hashes map[string]string) error {
	dir := filepath.Dir(s.path(partition))
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return nil
	}

	data, err := json.Marshal(hashes)
	if err != nil {
		return fmt.Errorf("failed to encode hashes: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".hashes-")
	if err != nil {
		return fmt.Errorf("failed to create temp hashes file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write hashes: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close hashes: %w", err)
	}
	return os.Rename(tmp.Name(), s.path(partition))
}

// MemoryHashStore keeps digests in memory.
type MemoryHashStore struct {
	mu     sync.Mutex
	hashes map[int]map[string]string
	saves  int
}

func NewMemoryHashStore() *MemoryHashStore {
	return &MemoryHashStore{hashes: make(map[int]map[string]string)}
}

func (s *MemoryHashStore) Load(partition int) (map[string]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return copyHashes(s.hashes[partition]), nil
}

func (s *MemoryHashStore) Save(partition int, hashes map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hashes[partition] = copyHashes(hashes)
	s.saves++
	return nil
}

// Saves returns how many times Save was called.
func (s *MemoryHashStore) Saves() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saves
}

func copyHashes(in map[string]string) map[string]string {
	if in == nil {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
