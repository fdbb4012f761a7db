package object

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/klauspost/compress/zlib"
)

// DefaultCacheSize is the number of decoded objects kept in memory.
const DefaultCacheSize = 4096

// Objects larger than this are never cached.
const maxCachedObjectSize = 1 << 20

// ErrTypeMismatch is returned by the typed readers when the stored object has
// a different type than requested.
var ErrTypeMismatch = errors.New("object type mismatch")

// StoreOptions tunes a Store.
type StoreOptions struct {
	// CacheSize is the number of objects kept in the LRU. Zero or negative
	// selects DefaultCacheSize.
	CacheSize int
}

type cachedObject struct {
	objType ObjectType
	data    []byte
}

// Store reads and writes Git objects in a repository directory: loose
// zlib-compressed objects under objects/ab/cdef0123... and pack files under
// objects/pack. It is safe for concurrent use.
type Store struct {
	root  string
	cache *lru.Cache[Hash, cachedObject]
	packs *packSet
}

// NewStore creates a Store for the Git directory root.
func NewStore(root string, opts StoreOptions) *Store {
	size := opts.CacheSize
	if size <= 0 {
		size = DefaultCacheSize
	}
	// lru.New only fails for a non-positive size.
	cache, _ := lru.New[Hash, cachedObject](size)
	return &Store{
		root:  root,
		cache: cache,
		packs: newPackSet(filepath.Join(root, "objects", "pack")),
	}
}

// Close releases open pack files.
func (s *Store) Close() error {
	return s.packs.close()
}

// objectPath returns the filesystem path for a given hash.
func (s *Store) objectPath(h Hash) string {
	return filepath.Join(s.root, "objects", string(h[:2]), string(h[2:]))
}

// Has reports whether the store contains an object with the given hash.
func (s *Store) Has(h Hash) bool {
	if !h.IsValid() {
		return false
	}
	if s.cache.Contains(h) {
		return true
	}
	if _, err := os.Stat(s.objectPath(h)); err == nil {
		return true
	}
	_, _, ok := s.packs.find(h)
	return ok
}

// Write stores an object and returns its id. The on-disk format is
// "type len\0content" compressed with zlib. Writes are atomic: data is
// written to a temp file, synced and then renamed into place. Writing an
// object that already exists is a no-op.
func (s *Store) Write(objType ObjectType, data []byte) (Hash, error) {
	h := HashObject(objType, data)

	// Fast path: already exists.
	if s.Has(h) {
		return h, nil
	}

	dir := filepath.Join(s.root, "objects", string(h[:2]))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("object write mkdir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, "tmp_obj_*")
	if err != nil {
		return "", fmt.Errorf("object write tmpfile: %w", err)
	}
	tmpName := tmp.Name()
	fail := func(stage string, err error) (Hash, error) {
		tmp.Close()
		os.Remove(tmpName)
		return "", fmt.Errorf("object write %s: %w", stage, err)
	}

	zw := zlib.NewWriter(tmp)
	if _, err := fmt.Fprintf(zw, "%s %d\x00", objType, len(data)); err != nil {
		return fail("header", err)
	}
	if _, err := zw.Write(data); err != nil {
		return fail("content", err)
	}
	if err := zw.Close(); err != nil {
		return fail("compress", err)
	}
	if err := tmp.Sync(); err != nil {
		return fail("sync", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return "", fmt.Errorf("object write close: %w", err)
	}
	if err := os.Chmod(tmpName, 0o444); err != nil {
		os.Remove(tmpName)
		return "", fmt.Errorf("object write chmod: %w", err)
	}

	if err := os.Rename(tmpName, s.objectPath(h)); err != nil {
		os.Remove(tmpName)
		// Another writer may have won the race with identical content.
		if _, statErr := os.Stat(s.objectPath(h)); statErr == nil {
			return h, nil
		}
		return "", fmt.Errorf("object write rename: %w", err)
	}

	return h, nil
}

// Read retrieves an object by hash, returning its type and raw content. The
// returned slice may be shared with the cache and must not be modified.
// Missing objects yield an error wrapping os.ErrNotExist.
func (s *Store) Read(h Hash) (ObjectType, []byte, error) {
	if !h.IsValid() {
		return "", nil, fmt.Errorf("object read %q: invalid id: %w", h, os.ErrNotExist)
	}
	if obj, ok := s.cache.Get(h); ok {
		return obj.objType, obj.data, nil
	}

	objType, data, err := s.readLoose(h)
	if errors.Is(err, os.ErrNotExist) {
		objType, data, err = s.readPacked(h)
	}
	if err != nil {
		return "", nil, err
	}

	if len(data) <= maxCachedObjectSize {
		s.cache.Add(h, cachedObject{objType: objType, data: data})
	}
	return objType, data, nil
}

func (s *Store) readLoose(h Hash) (ObjectType, []byte, error) {
	f, err := os.Open(s.objectPath(h))
	if err != nil {
		return "", nil, fmt.Errorf("object read %s: %w", h, err)
	}
	defer f.Close()

	zr, err := zlib.NewReader(f)
	if err != nil {
		return "", nil, fmt.Errorf("object read %s: zlib: %w", h, err)
	}
	defer zr.Close()

	raw, err := io.ReadAll(zr)
	if err != nil {
		return "", nil, fmt.Errorf("object read %s: decompress: %w", h, err)
	}
	objType, content, err := parseObjectEnvelope(raw)
	if err != nil {
		return "", nil, fmt.Errorf("object read %s: %w", h, err)
	}
	return objType, content, nil
}

// parseObjectEnvelope splits "type len\0content".
func parseObjectEnvelope(raw []byte) (ObjectType, []byte, error) {
	nulIdx := bytes.IndexByte(raw, 0)
	if nulIdx < 0 {
		return "", nil, fmt.Errorf("invalid format (no NUL)")
	}
	header := string(raw[:nulIdx])
	content := raw[nulIdx+1:]

	typ, lenStr, ok := strings.Cut(header, " ")
	if !ok {
		return "", nil, fmt.Errorf("invalid header %q", header)
	}
	length, err := strconv.Atoi(lenStr)
	if err != nil {
		return "", nil, fmt.Errorf("invalid length %q: %w", lenStr, err)
	}
	if len(content) != length {
		return "", nil, fmt.Errorf("length mismatch (header=%d, actual=%d)", length, len(content))
	}
	return ObjectType(typ), content, nil
}

// ---------------------------------------------------------------------------
// Typed convenience methods
// ---------------------------------------------------------------------------

func (s *Store) readTyped(h Hash, want ObjectType) ([]byte, error) {
	objType, data, err := s.Read(h)
	if err != nil {
		return nil, err
	}
	if objType != want {
		return nil, fmt.Errorf("object %s: got %q, want %q: %w", h, objType, want, ErrTypeMismatch)
	}
	return data, nil
}

// WriteBlob serializes and stores a Blob.
func (s *Store) WriteBlob(b *Blob) (Hash, error) {
	return s.Write(TypeBlob, MarshalBlob(b))
}

// ReadBlob reads and deserializes a Blob.
func (s *Store) ReadBlob(h Hash) (*Blob, error) {
	data, err := s.readTyped(h, TypeBlob)
	if err != nil {
		return nil, err
	}
	return UnmarshalBlob(data)
}

// WriteTree serializes and stores a TreeObj.
func (s *Store) WriteTree(tr *TreeObj) (Hash, error) {
	data, err := MarshalTree(tr)
	if err != nil {
		return "", err
	}
	return s.Write(TypeTree, data)
}

// ReadTree reads and deserializes a TreeObj.
func (s *Store) ReadTree(h Hash) (*TreeObj, error) {
	data, err := s.readTyped(h, TypeTree)
	if err != nil {
		return nil, err
	}
	return UnmarshalTree(data)
}

// WriteCommit serializes and stores a CommitObj.
func (s *Store) WriteCommit(c *CommitObj) (Hash, error) {
	return s.Write(TypeCommit, MarshalCommit(c))
}

// ReadCommit reads and deserializes a CommitObj.
func (s *Store) ReadCommit(h Hash) (*CommitObj, error) {
	data, err := s.readTyped(h, TypeCommit)
	if err != nil {
		return nil, err
	}
	return UnmarshalCommit(data)
}

// ReadTag reads and deserializes an annotated tag.
func (s *Store) ReadTag(h Hash) (*TagObj, error) {
	data, err := s.readTyped(h, TypeTag)
	if err != nil {
		return nil, err
	}
	return UnmarshalTag(data)
}
