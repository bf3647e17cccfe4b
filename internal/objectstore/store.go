// Package objectstore provides a bucket/key object store on a filesystem
// root and a watcher that turns object creations into load events.
//
// Layout under the root:
//
//	<bucket>/<key>                   object bytes
//	.meta/<bucket>/<key>.json        content type and user metadata
//	.meta/tmp/                       staging area for atomic writes
//
// Every write lands with a rename, so a watcher sees exactly one create
// per stored object, including in-place copies.
package objectstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/spf13/afero"

	"github.com/agentworkforce/batchloader/internal/batchload"
)

const metaDir = ".meta"

var (
	ErrNoSuchKey     = errors.New("no such key")
	ErrInvalidObject = errors.New("invalid bucket or key")
)

type sidecar struct {
	ContentType string            `json:"contentType,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// FSStore implements batchload.ObjectStore over an afero filesystem.
type FSStore struct {
	root string
	fs   afero.Fs
	mu   sync.Mutex
}

func NewFSStore(root string) *FSStore {
	return &FSStore{root: root, fs: afero.NewOsFs()}
}

// SetFS sets the filesystem for testing.
func (s *FSStore) SetFS(fs afero.Fs) {
	s.fs = fs
}

func (s *FSStore) Root() string {
	return s.root
}

func (s *FSStore) objectPath(bucket, key string) (string, error) {
	if bucket == "" || strings.ContainsAny(bucket, `/\`) || strings.HasPrefix(bucket, ".") {
		return "", fmt.Errorf("%w: bucket %q", ErrInvalidObject, bucket)
	}
	clean := path.Clean("/" + key)
	if key == "" || clean == "/" || strings.HasSuffix(key, "/") {
		return "", fmt.Errorf("%w: key %q", ErrInvalidObject, key)
	}
	return filepath.Join(s.root, bucket, filepath.FromSlash(clean)), nil
}

func (s *FSStore) sidecarPath(bucket, key string) string {
	return filepath.Join(s.root, metaDir, bucket, filepath.FromSlash(path.Clean("/"+key))+".json")
}

func (s *FSStore) PutObject(ctx context.Context, bucket, key string, body []byte, contentType string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	target, err := s.objectPath(bucket, key)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.writeSidecar(bucket, key, sidecar{ContentType: contentType}); err != nil {
		return err
	}
	return s.writeAtomic(target, body)
}

// GetObject reads an object's bytes.
func (s *FSStore) GetObject(ctx context.Context, bucket, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	target, err := s.objectPath(bucket, key)
	if err != nil {
		return nil, err
	}
	body, err := afero.ReadFile(s.fs, target)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s/%s", ErrNoSuchKey, bucket, key)
	}
	return body, err
}

func (s *FSStore) HeadObject(ctx context.Context, bucket, key string) (batchload.ObjectInfo, error) {
	if err := ctx.Err(); err != nil {
		return batchload.ObjectInfo{}, err
	}
	target, err := s.objectPath(bucket, key)
	if err != nil {
		return batchload.ObjectInfo{}, err
	}
	st, err := s.fs.Stat(target)
	if errors.Is(err, fs.ErrNotExist) {
		return batchload.ObjectInfo{}, fmt.Errorf("%w: %s/%s", ErrNoSuchKey, bucket, key)
	}
	if err != nil {
		return batchload.ObjectInfo{}, err
	}
	if st.IsDir() {
		return batchload.ObjectInfo{}, fmt.Errorf("%w: %s/%s is a prefix", ErrNoSuchKey, bucket, key)
	}
	meta, err := s.readSidecar(bucket, key)
	if err != nil {
		return batchload.ObjectInfo{}, err
	}
	return batchload.ObjectInfo{
		Size:         st.Size(),
		ContentType:  meta.ContentType,
		Metadata:     meta.Metadata,
		LastModified: st.ModTime().UTC(),
	}, nil
}

// CopyObject copies the source object. Without ReplaceMetadata the source
// metadata is carried over.
func (s *FSStore) CopyObject(ctx context.Context, in batchload.CopyObjectInput) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	source, err := s.objectPath(in.SourceBucket, in.SourceKey)
	if err != nil {
		return err
	}
	target, err := s.objectPath(in.Bucket, in.Key)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	body, err := afero.ReadFile(s.fs, source)
	if errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%w: %s/%s", ErrNoSuchKey, in.SourceBucket, in.SourceKey)
	}
	if err != nil {
		return err
	}
	meta, err := s.readSidecar(in.SourceBucket, in.SourceKey)
	if err != nil {
		return err
	}
	if in.ReplaceMetadata {
		meta.Metadata = in.Metadata
	}
	if err := s.writeSidecar(in.Bucket, in.Key, meta); err != nil {
		return err
	}
	return s.writeAtomic(target, body)
}

func (s *FSStore) writeAtomic(target string, body []byte) error {
	tmpDir := filepath.Join(s.root, metaDir, "tmp")
	if err := s.fs.MkdirAll(tmpDir, 0o755); err != nil {
		return err
	}
	if err := s.fs.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}
	tmp := filepath.Join(tmpDir, uuid.NewString())
	if err := afero.WriteFile(s.fs, tmp, body, 0o644); err != nil {
		return err
	}
	if err := s.fs.Rename(tmp, target); err != nil {
		_ = s.fs.Remove(tmp)
		return err
	}
	return nil
}

func (s *FSStore) readSidecar(bucket, key string) (sidecar, error) {
	raw, err := afero.ReadFile(s.fs, s.sidecarPath(bucket, key))
	if errors.Is(err, fs.ErrNotExist) {
		return sidecar{}, nil
	}
	if err != nil {
		return sidecar{}, err
	}
	var meta sidecar
	if err := json.Unmarshal(raw, &meta); err != nil {
		return sidecar{}, fmt.Errorf("decode metadata of %s/%s: %w", bucket, key, err)
	}
	return meta, nil
}

func (s *FSStore) writeSidecar(bucket, key string, meta sidecar) error {
	p := s.sidecarPath(bucket, key)
	if err := s.fs.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return err
	}
	raw, err := json.Marshal(meta)
	if err != nil {
		return err
	}
	return afero.WriteFile(s.fs, p, raw, 0o644)
}

// ObjectFromPath maps a file under root back to its bucket and key. ok is
// false for directories, metadata and anything outside a bucket.
func ObjectFromPath(root, file string) (bucket, key string, ok bool) {
	rel, err := filepath.Rel(root, file)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return "", "", false
	}
	rel = filepath.ToSlash(rel)
	bucket, key, found := strings.Cut(rel, "/")
	if !found || key == "" || strings.HasPrefix(bucket, ".") {
		return "", "", false
	}
	return bucket, key, true
}

var _ batchload.ObjectStore = (*FSStore)(nil)

