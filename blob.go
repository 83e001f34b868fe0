package bdm

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"sort"

	"github.com/google/uuid"
)

// blobStore maps blob identifiers to byte content. Newly added or rewritten
// blobs live as files in a per-session staging directory so that large
// payloads never sit in memory; blobs already committed to the container are
// read back through the open zip reader. Staging always wins over the
// container.
type blobStore struct {
	dir     string            // staging files directory, "" in read mode
	names   map[string]string // identifier -> internal container name
	staged  map[string]struct{}
	maxBlob uint64 // per-blob size cap, 0 means unbounded

	// committed opens a blob from the open container by internal name.
	committed func(internalName string) (io.ReadCloser, error)
}

func newBlobStore(dir string, names map[string]string, committed func(string) (io.ReadCloser, error)) *blobStore {
	if names == nil {
		names = make(map[string]string)
	}
	return &blobStore{
		dir:       dir,
		names:     names,
		staged:    make(map[string]struct{}),
		committed: committed,
	}
}

// internalName derives the persisted container name for a new blob,
// preserving the original file extension.
func internalName(originalName string) string {
	return uuid.New().String() + path.Ext(originalName)
}

func (b *blobStore) has(id string) bool {
	_, ok := b.names[id]
	return ok
}

// ids returns all blob identifiers, sorted.
func (b *blobStore) ids() []string {
	ids := make([]string, 0, len(b.names))
	for id := range b.names {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// put registers a new blob under the given internal container name and
// stages its content immediately.
func (b *blobStore) put(id, name string, src io.Reader) error {
	if _, ok := b.names[id]; ok {
		return fmt.Errorf("%w: file %q", ErrDuplicateID, id)
	}
	if err := validateInternalName(name); err != nil {
		return err
	}
	for _, existing := range b.names {
		if existing == name {
			return fmt.Errorf("%w: internal name %q", ErrDuplicateID, name)
		}
	}
	if err := b.stage(name, src); err != nil {
		return err
	}
	b.names[id] = name
	b.staged[id] = struct{}{}
	return nil
}

// stage copies src into the staging directory under name, going through a
// scratch file so a failed copy leaves no partial blob behind.
func (b *blobStore) stage(name string, src io.Reader) error {
	scratch := filepath.Join(b.dir, "scratch-"+uuid.New().String())
	f, err := os.OpenFile(scratch, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return err
	}
	if b.maxBlob > 0 {
		src = io.LimitReader(src, int64(b.maxBlob)+1)
	}
	n, err := io.Copy(f, src)
	if err != nil {
		f.Close()
		os.Remove(scratch)
		return err
	}
	if b.maxBlob > 0 && uint64(n) > b.maxBlob {
		f.Close()
		os.Remove(scratch)
		return fmt.Errorf("%w: blob larger than %d bytes", ErrLimitExceeded, b.maxBlob)
	}
	if err := f.Close(); err != nil {
		os.Remove(scratch)
		return err
	}
	return os.Rename(scratch, filepath.Join(b.dir, name))
}

// reader opens the blob for reading, staging first.
func (b *blobStore) reader(id string) (io.ReadCloser, error) {
	name, ok := b.names[id]
	if !ok {
		return nil, fmt.Errorf("%w: file %q", ErrNotFound, id)
	}
	if _, ok := b.staged[id]; ok {
		return os.Open(filepath.Join(b.dir, name))
	}
	return b.committed(name)
}

// writer opens the blob for (re)writing. The content becomes visible under
// id only when the returned writer is closed; closing is guaranteed to
// release the underlying file handle even when the copy failed earlier.
func (b *blobStore) writer(id string) (io.WriteCloser, error) {
	name, ok := b.names[id]
	if !ok {
		return nil, fmt.Errorf("%w: file %q", ErrNotFound, id)
	}
	scratch := filepath.Join(b.dir, "scratch-"+uuid.New().String())
	f, err := os.OpenFile(scratch, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return nil, err
	}
	return &stageCloser{
		file:    f,
		scratch: scratch,
		target:  filepath.Join(b.dir, name),
		done:    func() { b.staged[id] = struct{}{} },
	}, nil
}

// readBytes returns the blob's full content.
func (b *blobStore) readBytes(id string) ([]byte, error) {
	r, err := b.reader(id)
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}

// writeBytes replaces the blob's content.
func (b *blobStore) writeBytes(id string, data []byte) error {
	name, ok := b.names[id]
	if !ok {
		return fmt.Errorf("%w: file %q", ErrNotFound, id)
	}
	if err := b.stage(name, bytes.NewReader(data)); err != nil {
		return err
	}
	b.staged[id] = struct{}{}
	return nil
}

// remove drops the blob's bookkeeping and any staged bytes. Committed bytes
// in the container are reclaimed on the next save.
func (b *blobStore) remove(id string) error {
	name, ok := b.names[id]
	if !ok {
		return fmt.Errorf("%w: file %q", ErrNotFound, id)
	}
	if _, ok := b.staged[id]; ok {
		if err := os.Remove(filepath.Join(b.dir, name)); err != nil && !os.IsNotExist(err) {
			return err
		}
		delete(b.staged, id)
	}
	delete(b.names, id)
	return nil
}

// stageCloser writes to a scratch file and installs it into the staging
// directory when closed.
type stageCloser struct {
	file    *os.File
	scratch string
	target  string
	done    func()
	closed  bool
}

func (w *stageCloser) Write(p []byte) (int, error) { return w.file.Write(p) }

func (w *stageCloser) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true
	if err := w.file.Close(); err != nil {
		os.Remove(w.scratch)
		return err
	}
	if err := os.Rename(w.scratch, w.target); err != nil {
		os.Remove(w.scratch)
		return err
	}
	w.done()
	return nil
}
