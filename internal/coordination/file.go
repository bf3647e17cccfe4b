package coordination

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// FileBackend keeps every table in one JSON file. Writes take an exclusive
// flock on a sibling lock file, so several processes sharing a data
// directory still see atomic mutations.
type FileBackend struct {
	Path string

	mu sync.Mutex
}

type fileSnapshot struct {
	Tables map[string]map[string]json.RawMessage `json:"tables"`
}

func NewFileBackend(path string) (*FileBackend, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidInput
	}
	return &FileBackend{Path: path}, nil
}

func (b *FileBackend) Get(ctx context.Context, table, key string) ([]byte, error) {
	if err := validateKey(table, key); err != nil {
		return nil, err
	}
	var out []byte
	err := b.withLock(ctx, false, func(snapshot *fileSnapshot) (bool, error) {
		doc, ok := snapshot.Tables[table][key]
		if !ok {
			return false, ErrNotFound
		}
		out = cloneBytes(doc)
		return false, nil
	})
	return out, err
}

func (b *FileBackend) Mutate(ctx context.Context, table, key string, fn MutateFunc) ([]byte, error) {
	if err := validateKey(table, key); err != nil {
		return nil, err
	}
	if fn == nil {
		return nil, ErrInvalidInput
	}
	var out []byte
	err := b.withLock(ctx, true, func(snapshot *fileSnapshot) (bool, error) {
		rows := snapshot.Tables[table]
		if rows == nil {
			rows = map[string]json.RawMessage{}
			snapshot.Tables[table] = rows
		}
		var current []byte
		if doc, ok := rows[key]; ok {
			current = cloneBytes(doc)
		}
		next, err := fn(current)
		if err != nil {
			return false, err
		}
		if next == nil || !json.Valid(next) {
			return false, ErrInvalidInput
		}
		rows[key] = cloneBytes(next)
		out = cloneBytes(next)
		return true, nil
	})
	return out, err
}

func (b *FileBackend) Delete(ctx context.Context, table, key string) error {
	if err := validateKey(table, key); err != nil {
		return err
	}
	return b.withLock(ctx, true, func(snapshot *fileSnapshot) (bool, error) {
		if _, ok := snapshot.Tables[table][key]; !ok {
			return false, ErrNotFound
		}
		delete(snapshot.Tables[table], key)
		return true, nil
	})
}

func (b *FileBackend) Scan(ctx context.Context, table string, fn func(key string, doc []byte) error) error {
	if table == "" || fn == nil {
		return ErrInvalidInput
	}
	var keys []string
	var docs [][]byte
	err := b.withLock(ctx, false, func(snapshot *fileSnapshot) (bool, error) {
		rows := snapshot.Tables[table]
		keys = make([]string, 0, len(rows))
		for key := range rows {
			keys = append(keys, key)
		}
		sort.Strings(keys)
		docs = make([][]byte, len(keys))
		for i, key := range keys {
			docs[i] = cloneBytes(rows[key])
		}
		return false, nil
	})
	if err != nil {
		return err
	}
	for i, key := range keys {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(key, docs[i]); err != nil {
			return err
		}
	}
	return nil
}

func (b *FileBackend) Close() error {
	return nil
}

// withLock loads the snapshot under the process mutex and the file lock,
// runs fn and persists the snapshot when fn reports a change.
func (b *FileBackend) withLock(ctx context.Context, exclusive bool, fn func(*fileSnapshot) (bool, error)) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if dir := filepath.Dir(b.Path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	unlock, err := lockFile(b.Path+".lock", exclusive)
	if err != nil {
		return err
	}
	defer unlock()

	snapshot, err := b.load()
	if err != nil {
		return err
	}
	changed, err := fn(snapshot)
	if err != nil {
		return err
	}
	if !changed {
		return nil
	}
	return b.save(snapshot)
}

func (b *FileBackend) load() (*fileSnapshot, error) {
	snapshot := &fileSnapshot{Tables: map[string]map[string]json.RawMessage{}}
	data, err := os.ReadFile(b.Path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return snapshot, nil
		}
		return nil, err
	}
	if len(data) == 0 {
		return snapshot, nil
	}
	if err := json.Unmarshal(data, snapshot); err != nil {
		return nil, err
	}
	if snapshot.Tables == nil {
		snapshot.Tables = map[string]map[string]json.RawMessage{}
	}
	return snapshot, nil
}

func (b *FileBackend) save(snapshot *fileSnapshot) error {
	data, err := json.Marshal(snapshot)
	if err != nil {
		return err
	}
	tmp := b.Path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, b.Path)
}
