package devicestore

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sync"

	"github.com/sirupsen/logrus"
)

// Store is a device-local keyed record store. Records survive restarts and
// are never shared with other devices.
type Store interface {
	Load(key string, v interface{}) (bool, error)
	Save(key string, v interface{}) error
	Delete(key string) error
}

func SyncKey(restaurantID string) string      { return "sync:" + restaurantID }
func DismissedKey(restaurantID string) string { return "dismissed:" + restaurantID }
func DraftKey(restaurantID string) string     { return "draft:" + restaurantID }
func OutboxKey(restaurantID string) string    { return "outbox:" + restaurantID }

// FileStore keeps one JSON file per key under dir.
type FileStore struct {
	dir    string
	mutex  sync.Mutex
	logger *logrus.Logger
}

func NewFileStore(dir string, logger *logrus.Logger) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create device store directory: %w", err)
	}
	return &FileStore{dir: dir, logger: logger}, nil
}

func (s *FileStore) Load(key string, v interface{}) (bool, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	data, err := os.ReadFile(s.path(key))
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to read %s: %w", key, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("failed to decode %s: %w", key, err)
	}
	return true, nil
}

// Save writes through a temp file and rename so a crash never leaves a
// half-written record.
func (s *FileStore) Save(key string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", key, err)
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()

	tmp, err := os.CreateTemp(s.dir, ".record-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to write %s: %w", key, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to write %s: %w", key, err)
	}
	if err := os.Rename(tmp.Name(), s.path(key)); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to store %s: %w", key, err)
	}

	s.logger.WithFields(logrus.Fields{
		"key":   key,
		"bytes": len(data),
	}).Debug("Device record saved")
	return nil
}

func (s *FileStore) Delete(key string) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if err := os.Remove(s.path(key)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to delete %s: %w", key, err)
	}
	return nil
}

// path escapes key so distinct keys never share a file.
func (s *FileStore) path(key string) string {
	return filepath.Join(s.dir, url.QueryEscape(key)+".json")
}

// MemoryStore is a Store for tests and ephemeral devices.
type MemoryStore struct {
	mutex   sync.Mutex
	records map[string][]byte
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string][]byte)}
}

func (s *MemoryStore) Load(key string, v interface{}) (bool, error) {
	s.mutex.Lock()
	data, ok := s.records[key]
	s.mutex.Unlock()
	if !ok {
		return false, nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("failed to decode %s: %w", key, err)
	}
	return true, nil
}

func (s *MemoryStore) Save(key string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", key, err)
	}
	s.mutex.Lock()
	s.records[key] = data
	s.mutex.Unlock()
	return nil
}

func (s *MemoryStore) Delete(key string) error {
	s.mutex.Lock()
	delete(s.records, key)
	s.mutex.Unlock()
	return nil
}
