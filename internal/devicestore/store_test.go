package devicestore

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
)

type record struct {
	IDs []string `json:"ids"`
}

func TestFileStoreRoundTripsAcrossInstances(t *testing.T) {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	dir := t.TempDir()

	s, err := NewFileStore(dir, logger)
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	if err := s.Save(DismissedKey("rest/1"), record{IDs: []string{"a", "b"}}); err != nil {
		t.Fatalf("Save: %v", err)
	}

	reopened, err := NewFileStore(dir, logger)
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	var got record
	ok, err := reopened.Load(DismissedKey("rest/1"), &got)
	if err != nil || !ok {
		t.Fatalf("Load: ok=%v err=%v", ok, err)
	}
	if len(got.IDs) != 2 || got.IDs[1] != "b" {
		t.Errorf("loaded %+v", got)
	}

	// keys never escape the store directory
	entries, _ := os.ReadDir(dir)
	for _, e := range entries {
		if filepath.Ext(e.Name()) != ".json" {
			t.Errorf("unexpected file %s", e.Name())
		}
	}
}

func TestFileStoreMissingAndDelete(t *testing.T) {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)

	s, err := NewFileStore(t.TempDir(), logger)
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	var got record
	if ok, err := s.Load("missing", &got); ok || err != nil {
		t.Errorf("Load missing: ok=%v err=%v", ok, err)
	}
	if err := s.Save("k", record{IDs: []string{"x"}}); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := s.Delete("k"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if err := s.Delete("k"); err != nil {
		t.Errorf("second Delete: %v", err)
	}
	if ok, _ := s.Load("k", &got); ok {
		t.Error("record survived delete")
	}
}

func TestFileStoreKeepsSimilarKeysApart(t *testing.T) {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)

	s, err := NewFileStore(t.TempDir(), logger)
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	keys := []string{"sync:r_1", "sync:r:1", "sync:r/1", "sync:r%3A1", "sync:r 1", "sync:r+1"}
	for i, key := range keys {
		if err := s.Save(key, record{IDs: []string{key}}); err != nil {
			t.Fatalf("Save %d: %v", i, err)
		}
	}
	for _, key := range keys {
		var got record
		if ok, err := s.Load(key, &got); err != nil || !ok {
			t.Fatalf("Load %q: ok=%v err=%v", key, ok, err)
		}
		if len(got.IDs) != 1 || got.IDs[0] != key {
			t.Errorf("Load %q returned %v", key, got.IDs)
		}
	}
}

func TestMemoryStore(t *testing.T) {
	s := NewMemoryStore()
	if err := s.Save("k", record{IDs: []string{"x"}}); err != nil {
		t.Fatalf("Save: %v", err)
	}
	var got record
	if ok, err := s.Load("k", &got); !ok || err != nil || got.IDs[0] != "x" {
		t.Errorf("Load: ok=%v err=%v got=%+v", ok, err, got)
	}
}
