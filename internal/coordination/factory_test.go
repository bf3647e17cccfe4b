package coordination

import (
	"errors"
	"path/filepath"
	"testing"
)

func TestBuildBackendFromDSNMemory(t *testing.T) {
	backend, err := BuildBackendFromDSN("memory://")
	if err != nil {
		t.Fatalf("build memory backend failed: %v", err)
	}
	if _, ok := backend.(*MemoryBackend); !ok {
		t.Fatalf("expected *MemoryBackend, got %T", backend)
	}
}

func TestBuildBackendFromDSNFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	backend, err := BuildBackendFromDSN("file://" + path)
	if err != nil {
		t.Fatalf("build file backend failed: %v", err)
	}
	fb, ok := backend.(*FileBackend)
	if !ok {
		t.Fatalf("expected *FileBackend, got %T", backend)
	}
	if fb.Path != path {
		t.Fatalf("expected path %q, got %q", path, fb.Path)
	}

	bare, err := BuildBackendFromDSN(path)
	if err != nil {
		t.Fatalf("build bare path backend failed: %v", err)
	}
	if _, ok := bare.(*FileBackend); !ok {
		t.Fatalf("expected bare path to select *FileBackend, got %T", bare)
	}
}

func TestBuildBackendFromDSNSQLite(t *testing.T) {
	backend, err := BuildBackendFromDSN("sqlite://data/coord.db")
	if err != nil {
		t.Fatalf("build sqlite backend failed: %v", err)
	}
	sb, ok := backend.(*SQLiteBackend)
	if !ok {
		t.Fatalf("expected *SQLiteBackend, got %T", backend)
	}
	if sb.path != "data/coord.db" {
		t.Fatalf("expected relative path data/coord.db, got %q", sb.path)
	}
	mem, err := BuildBackendFromDSN("sqlite::memory:")
	if err != nil {
		t.Fatalf("build in-memory sqlite backend failed: %v", err)
	}
	if mem.(*SQLiteBackend).path != ":memory:" {
		t.Fatalf("expected :memory: path, got %q", mem.(*SQLiteBackend).path)
	}
}

func TestBuildBackendFromDSNPostgresAndUnsupported(t *testing.T) {
	backend, err := BuildBackendFromDSN("postgres://localhost/batchloader?sslmode=disable")
	if err != nil {
		t.Fatalf("expected postgres backend to be available, got %v", err)
	}
	if _, ok := backend.(*PostgresBackend); !ok {
		t.Fatalf("expected *PostgresBackend, got %T", backend)
	}
	if _, err := BuildBackendFromDSN("mysql://localhost/batchloader"); !errors.Is(err, ErrNotImplemented) {
		t.Fatalf("expected not implemented error for mysql, got %v", err)
	}
	if _, err := BuildBackendFromDSN("redis://localhost"); err == nil {
		t.Fatalf("expected error for unsupported scheme")
	}
	if _, err := BuildBackendFromDSN("  "); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for empty dsn, got %v", err)
	}
}

func TestRegisteredFactoryTakesPrecedence(t *testing.T) {
	custom := NewMemoryBackend()
	RegisterBackendFactory("  CustomKV ", func(dsn string) (Backend, error) {
		return custom, nil
	})
	t.Cleanup(func() {
		backendFactoryRegistry.mu.Lock()
		delete(backendFactoryRegistry.factories, "customkv")
		backendFactoryRegistry.mu.Unlock()
	})

	backend, err := BuildBackendFromDSN("customkv://anything")
	if err != nil {
		t.Fatalf("build custom backend failed: %v", err)
	}
	if backend != custom {
		t.Fatalf("expected registered factory result")
	}
}
