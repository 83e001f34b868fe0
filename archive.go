package bdm

import (
	"archive/zip"
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// Function variables for testing injection.
var (
	renameFile = os.Rename
	syncFile   = func(f *os.File) error { return f.Sync() }
	zipCreate  = func(zw *zip.Writer, name string) (io.Writer, error) { return zw.Create(name) }
	zipClose   = func(zw *zip.Writer) error { return zw.Close() }
)

// Archive is one open session over a BDM container file.
//
// An Archive is not safe for concurrent use.
type Archive struct {
	path   string
	mode   Mode
	cfg    openConfig
	closed bool

	info  *Info
	data  *Data
	blobs *blobStore

	reader  *zip.ReadCloser
	entries map[string]*zip.File

	stagingRoot string
	filesDir    string

	streamSeq int
	streams   map[int]io.Closer
}

// Open opens the container at path in the given mode.
//
// ModeWrite starts from an empty container without touching disk; ModeRead
// and ModeReadWrite load the existing file and fail with ErrInvalidFile if
// it is not a well-formed container, or ErrVersion if its stored format
// version differs from Version.
func Open(path string, mode Mode, opts ...OpenOption) (*Archive, error) {
	switch mode {
	case ModeRead, ModeWrite, ModeReadWrite:
	default:
		return nil, fmt.Errorf("%w: invalid mode %d", ErrUnsupportedOperation, mode)
	}
	cfg := openConfig{limits: defaultLimits(), compression: CompZSTD}
	for _, opt := range opts {
		opt(&cfg)
	}
	cfg.limits = cfg.limits.withDefaults()

	a := &Archive{
		path:    path,
		mode:    mode,
		cfg:     cfg,
		streams: make(map[int]io.Closer),
	}

	if mode.writable() {
		if err := a.setupStaging(); err != nil {
			return nil, err
		}
	}

	if mode == ModeWrite {
		a.info = &Info{archive: a, name: defaultInfoName}
		a.data = newData(a)
		a.blobs = newBlobStore(a.filesDir, nil, a.openCommitted)
		a.blobs.maxBlob = cfg.limits.MaxBlobSize
		return a, nil
	}

	if err := a.load(); err != nil {
		a.teardown()
		return nil, err
	}
	return a, nil
}

// Session opens an archive, runs fn, and guarantees that Close runs exactly
// once on every exit path, including a panic in fn.
func Session(path string, mode Mode, fn func(*Archive) error, opts ...OpenOption) (err error) {
	a, err := Open(path, mode, opts...)
	if err != nil {
		return err
	}
	defer func() {
		err = errors.Join(err, a.Close())
	}()
	return fn(a)
}

func (a *Archive) setupStaging() error {
	root, err := os.MkdirTemp(a.cfg.stagingDir, "bdm-*")
	if err != nil {
		return err
	}
	filesDir := filepath.Join(root, "files")
	if err := os.Mkdir(filesDir, 0o700); err != nil {
		os.RemoveAll(root)
		return err
	}
	a.stagingRoot = root
	a.filesDir = filesDir
	return nil
}

// load opens the existing container and decodes the two metadata entries.
func (a *Archive) load() error {
	r, err := zip.OpenReader(a.path)
	if err != nil {
		if errors.Is(err, zip.ErrFormat) {
			return fmt.Errorf("%w: %s is not a zip archive", ErrInvalidFile, a.path)
		}
		return err
	}
	a.reader = r
	a.entries = make(map[string]*zip.File, len(r.File))
	for _, f := range r.File {
		a.entries[f.Name] = f
	}

	infoEntry, ok := a.entries[entryInfo]
	if !ok {
		return fmt.Errorf("%w: missing %q entry", ErrInvalidFile, entryInfo)
	}
	dataEntry, ok := a.entries[entryData]
	if !ok {
		return fmt.Errorf("%w: missing %q entry", ErrInvalidFile, entryData)
	}

	info, files, err := decodeEntryWith(infoEntry, func(er io.Reader) (*Info, map[string]string, error) {
		return decodeInfo(er, a, a.cfg.limits)
	})
	if err != nil {
		return err
	}
	a.info = info
	a.blobs = newBlobStore(a.filesDir, files, a.openCommitted)
	a.blobs.maxBlob = a.cfg.limits.MaxBlobSize

	var data *Data
	data, _, err = decodeEntryWith(dataEntry, func(er io.Reader) (*Data, map[string]string, error) {
		d, derr := decodeData(er, a, a.cfg.limits)
		return d, nil, derr
	})
	if err != nil {
		return err
	}
	a.data = data
	return nil
}

// decodeEntryWith opens a zip entry and runs decode over its contents.
func decodeEntryWith[T any](zf *zip.File, decode func(io.Reader) (T, map[string]string, error)) (T, map[string]string, error) {
	var zero T
	rc, err := zf.Open()
	if err != nil {
		return zero, nil, fmt.Errorf("%w: opening %q entry: %v", ErrInvalidFile, zf.Name, err)
	}
	defer rc.Close()
	return decode(rc)
}

// openCommitted opens a blob already committed to the container.
func (a *Archive) openCommitted(internalName string) (io.ReadCloser, error) {
	if a.reader == nil {
		return nil, fmt.Errorf("%w: no committed container content", ErrNotFound)
	}
	zf, ok := a.entries[filesPrefix+internalName]
	if !ok {
		return nil, fmt.Errorf("%w: missing blob entry %q", ErrInvalidFile, filesPrefix+internalName)
	}
	return zf.Open()
}

func (a *Archive) checkOpen() error {
	if a.closed {
		return fmt.Errorf("%w: session is closed", ErrUnsupportedOperation)
	}
	return nil
}

// checkReadable gates every read accessor. All open modes may read, so the
// only condition is that the session is still open.
func (a *Archive) checkReadable() error {
	return a.checkOpen()
}

func (a *Archive) checkWritable() error {
	if err := a.checkOpen(); err != nil {
		return err
	}
	if !a.mode.writable() {
		return fmt.Errorf("%w: session is %s-only", ErrUnsupportedOperation, a.mode)
	}
	return nil
}

// Path returns the path the session was opened at.
func (a *Archive) Path() string { return a.path }

// Mode returns the session's open mode.
func (a *Archive) Mode() Mode { return a.mode }

// Info returns the container metadata.
func (a *Archive) Info() *Info { return a.info }

// Data returns the root of the record tree.
func (a *Archive) Data() *Data { return a.data }

// Files returns the blob identifiers in the archive, sorted.
func (a *Archive) Files() ([]string, error) {
	if err := a.checkReadable(); err != nil {
		return nil, err
	}
	return a.blobs.ids(), nil
}

// HasFile reports whether a blob with the given identifier exists. It
// reports false once the session is closed.
func (a *Archive) HasFile(id string) bool {
	if a.checkReadable() != nil {
		return false
	}
	return a.blobs.has(id)
}

// AddFile reads the external file at srcPath and stores its content under
// id, preserving the file extension for the persisted entry name.
func (a *Archive) AddFile(id, srcPath string) error {
	return a.AddFileNamed(id, srcPath, "")
}

// AddFileNamed is AddFile with an explicit internal container name. An
// empty name derives one from srcPath's extension.
func (a *Archive) AddFileNamed(id, srcPath, name string) error {
	if err := a.checkWritable(); err != nil {
		return err
	}
	f, err := os.Open(srcPath)
	if err != nil {
		return err
	}
	defer f.Close()
	if name == "" {
		name = internalName(filepath.Base(srcPath))
	}
	return a.blobs.put(id, name, f)
}

// AddFileBytes stores data under id. originalName supplies the file
// extension for the persisted entry name.
func (a *Archive) AddFileBytes(id, originalName string, data []byte) error {
	if err := a.checkWritable(); err != nil {
		return err
	}
	return a.blobs.put(id, internalName(originalName), bytes.NewReader(data))
}

// ReadFile returns the blob's content, staged bytes taking precedence over
// the committed container.
func (a *Archive) ReadFile(id string) ([]byte, error) {
	if err := a.checkReadable(); err != nil {
		return nil, err
	}
	return a.blobs.readBytes(id)
}

// WriteFile replaces the content of an existing blob.
func (a *Archive) WriteFile(id string, data []byte) error {
	if err := a.checkWritable(); err != nil {
		return err
	}
	return a.blobs.writeBytes(id, data)
}

// OpenFile opens a blob for streamed reading. The stream is closed
// automatically if it is still open when the session closes.
func (a *Archive) OpenFile(id string) (io.ReadCloser, error) {
	if err := a.checkReadable(); err != nil {
		return nil, err
	}
	rc, err := a.blobs.reader(id)
	if err != nil {
		return nil, err
	}
	return &sessionStream{Closer: rc, r: rc, release: a.track(rc)}, nil
}

// CreateFile opens an existing blob for streamed writing. The new content
// becomes visible only when the returned writer is closed.
func (a *Archive) CreateFile(id string) (io.WriteCloser, error) {
	if err := a.checkWritable(); err != nil {
		return nil, err
	}
	wc, err := a.blobs.writer(id)
	if err != nil {
		return nil, err
	}
	return &sessionStream{Closer: wc, w: wc, release: a.track(wc)}, nil
}

// RemoveFile deletes a blob. It fails with ErrInvalidParent while any item
// still references id; clear the reference first.
func (a *Archive) RemoveFile(id string) error {
	if err := a.checkWritable(); err != nil {
		return err
	}
	if !a.blobs.has(id) {
		return fmt.Errorf("%w: file %q", ErrNotFound, id)
	}
	if section, item, found := referencingItem(a.data, id); found {
		return fmt.Errorf("%w: file %q is still referenced by item %q in section %q",
			ErrInvalidParent, id, item, section)
	}
	return a.blobs.remove(id)
}

// Save atomically rewrites the container at the originally opened path.
func (a *Archive) Save() error {
	return a.saveTo(a.path)
}

// SaveAs writes a complete container to path, leaving the originally opened
// path untouched. The session stays bound to its original path.
func (a *Archive) SaveAs(path string) error {
	if path == a.path {
		return a.Save()
	}
	if err := a.checkWritable(); err != nil {
		return err
	}
	if err := validateGraph(a.data, a.blobs, a.cfg.limits); err != nil {
		return err
	}
	return a.writeContainer(path)
}

func (a *Archive) saveTo(target string) error {
	if err := a.checkWritable(); err != nil {
		return err
	}
	if err := validateGraph(a.data, a.blobs, a.cfg.limits); err != nil {
		return err
	}
	if err := a.writeContainer(target); err != nil {
		return err
	}
	// The session's committed reader still sees the replaced file's old
	// bytes through its open descriptor; rebind it to the new container.
	return a.reopen(target)
}

// writeContainer builds a brand-new container in a temporary file next to
// target and renames it into place only after it is fully written and
// synced. Any earlier failure discards the temporary file and leaves target
// byte-for-byte unchanged.
func (a *Archive) writeContainer(target string) (err error) {
	dir := filepath.Dir(target)
	tmp, err := os.CreateTemp(dir, ".bdm-tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer func() {
		if err != nil {
			tmp.Close()
			os.Remove(tmpName)
		}
	}()

	zw := zip.NewWriter(tmp)
	if err = a.writeEntries(zw); err != nil {
		zipClose(zw)
		return err
	}
	if err = zipClose(zw); err != nil {
		return err
	}
	if err = syncFile(tmp); err != nil {
		return err
	}
	if err = tmp.Close(); err != nil {
		return err
	}
	if err = renameFile(tmpName, target); err != nil {
		os.Remove(tmpName)
		return err
	}
	return nil
}

func (a *Archive) writeEntries(zw *zip.Writer) error {
	w, err := zipCreate(zw, entryData)
	if err != nil {
		return err
	}
	if err := encodeData(w, a.data, a.cfg.compression); err != nil {
		return err
	}
	w, err = zipCreate(zw, entryInfo)
	if err != nil {
		return err
	}
	if err := encodeInfo(w, a.info, a.blobs.names, a.cfg.compression); err != nil {
		return err
	}
	for _, id := range a.blobs.ids() {
		if err := a.writeBlobEntry(zw, id); err != nil {
			return err
		}
	}
	return nil
}

func (a *Archive) writeBlobEntry(zw *zip.Writer, id string) error {
	src, err := a.blobs.reader(id)
	if err != nil {
		return err
	}
	defer src.Close()
	// Blobs are stored uncompressed: typical payloads (images, media) are
	// already compressed and deflating them again wastes time.
	w, err := zw.CreateHeader(&zip.FileHeader{
		Name:   filesPrefix + a.blobs.names[id],
		Method: zip.Store,
	})
	if err != nil {
		return err
	}
	_, err = io.Copy(w, src)
	return err
}

// reopen rebinds the committed reader after an in-place save.
func (a *Archive) reopen(path string) error {
	if a.reader != nil {
		if err := a.reader.Close(); err != nil {
			return err
		}
		a.reader = nil
		a.entries = nil
	}
	r, err := zip.OpenReader(path)
	if err != nil {
		return err
	}
	a.reader = r
	a.entries = make(map[string]*zip.File, len(r.File))
	for _, f := range r.File {
		a.entries[f.Name] = f
	}
	return nil
}

// Close releases the open container, closes any streams still open, and
// deletes the staging area. It is idempotent; every data-access method on a
// closed session fails with ErrUnsupportedOperation.
func (a *Archive) Close() error {
	if a.closed {
		return nil
	}
	a.closed = true
	var errs []error
	for _, c := range a.streams {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	a.streams = nil
	errs = append(errs, a.teardown())
	return errors.Join(errs...)
}

func (a *Archive) teardown() error {
	var errs []error
	if a.reader != nil {
		errs = append(errs, a.reader.Close())
		a.reader = nil
		a.entries = nil
	}
	if a.stagingRoot != "" {
		errs = append(errs, os.RemoveAll(a.stagingRoot))
		a.stagingRoot = ""
	}
	return errors.Join(errs...)
}

// track registers a handed-out stream so Close can release it; the returned
// function unregisters it again.
func (a *Archive) track(c io.Closer) func() {
	a.streamSeq++
	id := a.streamSeq
	a.streams[id] = c
	return func() { delete(a.streams, id) }
}

// sessionStream wraps a blob stream so that closing it unregisters it from
// the session.
type sessionStream struct {
	io.Closer
	r       io.Reader
	w       io.Writer
	release func()
	closed  bool
}

func (s *sessionStream) Read(p []byte) (int, error) {
	if s.r == nil {
		return 0, fmt.Errorf("%w: stream is write-only", ErrUnsupportedOperation)
	}
	return s.r.Read(p)
}

func (s *sessionStream) Write(p []byte) (int, error) {
	if s.w == nil {
		return 0, fmt.Errorf("%w: stream is read-only", ErrUnsupportedOperation)
	}
	return s.w.Write(p)
}

func (s *sessionStream) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	s.release()
	return s.Closer.Close()
}
