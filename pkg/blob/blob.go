// Package blob stores photo payloads captured offline until they are uploaded.
package blob

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"

	"github.com/fieldops/fieldsync/pkg/status"
	"github.com/rs/xid"
	"github.com/spf13/afero"
)

// Store keeps blobs as files under a root directory of an afero filesystem
type Store struct {
	fs   afero.Fs
	root string
}

// New creates a blob store rooted at dir on fs. Use afero.NewOsFs() in
// production and afero.NewMemMapFs() in tests.
func New(fs afero.Fs, dir string) (*Store, error) {
	if err := fs.MkdirAll(dir, 0o755); err != nil {
		return nil, status.Wrap(status.StorageUnavailable, err, "create blob dir")
	}
	return &Store{fs: fs, root: dir}, nil
}

func (s *Store) path(id string) string {
	return path.Join(s.root, id)
}

// Put copies r into a new blob and returns its id and size
func (s *Store) Put(ctx context.Context, r io.Reader) (string, int64, error) {
	id := xid.New().String()

	f, err := s.fs.Create(s.path(id))
	if err != nil {
		return "", 0, status.Wrap(status.StorageUnavailable, err, "create blob")
	}

	n, err := io.Copy(f, &ctxReader{ctx: ctx, r: r})
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = s.fs.Remove(s.path(id))
		if ctx.Err() != nil {
			return "", 0, ctx.Err()
		}
		return "", 0, status.Wrap(status.StorageUnavailable, err, "write blob")
	}
	return id, n, nil
}

// Open returns a reader for the blob. The caller closes it.
func (s *Store) Open(id string) (io.ReadCloser, error) {
	f, err := s.fs.Open(s.path(id))
	if errors.Is(err, os.ErrNotExist) {
		return nil, status.Errorf(status.NotFound, "blob %s not found", id)
	}
	if err != nil {
		return nil, status.Wrap(status.StorageUnavailable, err, "open blob")
	}
	return f, nil
}

// Exists reports whether the blob is stored
func (s *Store) Exists(id string) bool {
	ok, err := afero.Exists(s.fs, s.path(id))
	return err == nil && ok
}

// Delete removes the blob. Deleting a missing blob is not an error.
func (s *Store) Delete(id string) error {
	err := s.fs.Remove(s.path(id))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return status.Wrap(status.StorageUnavailable, err, fmt.Sprintf("delete blob %s", id))
	}
	return nil
}

// IDs lists stored blob ids
func (s *Store) IDs() ([]string, error) {
	infos, err := afero.ReadDir(s.fs, s.root)
	if err != nil {
		return nil, status.Wrap(status.StorageUnavailable, err, "list blobs")
	}
	ids := make([]string, 0, len(infos))
	for _, fi := range infos {
		if !fi.IsDir() {
			ids = append(ids, fi.Name())
		}
	}
	return ids, nil
}

type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
