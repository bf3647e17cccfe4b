package coordination

import (
	"context"
	"sort"
	"sync"
)

type MemoryBackend struct {
	mu     sync.Mutex
	tables map[string]map[string][]byte
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{tables: map[string]map[string][]byte{}}
}

func (b *MemoryBackend) Get(ctx context.Context, table, key string) ([]byte, error) {
	if err := validateKey(table, key); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	doc, ok := b.tables[table][key]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneBytes(doc), nil
}

func (b *MemoryBackend) Mutate(ctx context.Context, table, key string, fn MutateFunc) ([]byte, error) {
	if err := validateKey(table, key); err != nil {
		return nil, err
	}
	if fn == nil {
		return nil, ErrInvalidInput
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	rows := b.tables[table]
	if rows == nil {
		rows = map[string][]byte{}
		b.tables[table] = rows
	}
	next, err := fn(cloneBytes(rows[key]))
	if err != nil {
		return nil, err
	}
	if next == nil {
		return nil, ErrInvalidInput
	}
	rows[key] = cloneBytes(next)
	return cloneBytes(next), nil
}

func (b *MemoryBackend) Delete(ctx context.Context, table, key string) error {
	if err := validateKey(table, key); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.tables[table][key]; !ok {
		return ErrNotFound
	}
	delete(b.tables[table], key)
	return nil
}

func (b *MemoryBackend) Scan(ctx context.Context, table string, fn func(key string, doc []byte) error) error {
	if table == "" || fn == nil {
		return ErrInvalidInput
	}
	b.mu.Lock()
	rows := b.tables[table]
	keys := make([]string, 0, len(rows))
	for key := range rows {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	docs := make([][]byte, len(keys))
	for i, key := range keys {
		docs[i] = cloneBytes(rows[key])
	}
	b.mu.Unlock()

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

func (b *MemoryBackend) Close() error {
	return nil
}
