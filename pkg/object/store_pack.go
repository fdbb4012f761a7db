package object

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// packSet tracks the packs in objects/pack. It is loaded lazily and
// rescanned when a lookup misses and the directory has changed, so packs
// written by a concurrent git gc or push become visible.
type packSet struct {
	dir string

	mu      sync.RWMutex
	packs   map[string]*packFile // keyed by idx path
	order   []string
	scanned time.Time
	loaded  bool
}

func newPackSet(dir string) *packSet {
	return &packSet{dir: dir, packs: make(map[string]*packFile)}
}

func (ps *packSet) find(h Hash) (*packFile, PackIndexEntry, bool) {
	ps.mu.RLock()
	defer ps.mu.RUnlock()
	for _, key := range ps.order {
		p := ps.packs[key]
		if e, ok := p.idx.Find(h); ok {
			return p, e, true
		}
	}
	return nil, PackIndexEntry{}, false
}

// rescan opens packs that appeared since the last scan and closes packs whose
// index disappeared. It is a no-op when the directory is unchanged.
func (ps *packSet) rescan() error {
	st, err := os.Stat(ps.dir)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("stat pack dir: %w", err)
	}
	var mtime time.Time
	if st != nil {
		mtime = st.ModTime()
	}

	ps.mu.Lock()
	defer ps.mu.Unlock()
	if ps.loaded && mtime.Equal(ps.scanned) {
		return nil
	}

	idxPaths, err := listPackIndexPaths(ps.dir)
	if err != nil {
		return err
	}
	seen := make(map[string]bool, len(idxPaths))
	var order []string
	for _, idxPath := range idxPaths {
		seen[idxPath] = true
		if _, ok := ps.packs[idxPath]; !ok {
			p, err := openPackFile(idxPath, packPathForIndex(idxPath))
			if err != nil {
				// A pack still being written has no matching idx yet; an
				// idx without a usable pack is skipped until it becomes valid.
				continue
			}
			ps.packs[idxPath] = p
		}
		order = append(order, idxPath)
	}
	for key, p := range ps.packs {
		if !seen[key] {
			p.close()
			delete(ps.packs, key)
		}
	}
	ps.order = order
	ps.scanned = mtime
	ps.loaded = true
	return nil
}

func (ps *packSet) close() error {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	var firstErr error
	for key, p := range ps.packs {
		if err := p.close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(ps.packs, key)
	}
	ps.order = nil
	ps.loaded = false
	return firstErr
}

func (s *Store) readPacked(h Hash) (ObjectType, []byte, error) {
	p, entry, ok := s.packs.find(h)
	if !ok {
		if err := s.packs.rescan(); err != nil {
			return "", nil, fmt.Errorf("object read %s: %w", h, err)
		}
		p, entry, ok = s.packs.find(h)
	}
	if !ok {
		return "", nil, fmt.Errorf("object read %s: %w", h, os.ErrNotExist)
	}

	objType, data, err := p.readAt(entry.Offset, s.Read, 0)
	if err != nil {
		return "", nil, fmt.Errorf("object read %s from %s: %w", h, filepath.Base(p.name), err)
	}
	if computed := HashObject(objType, data); computed != h {
		return "", nil, fmt.Errorf("object read %s: packed object hash mismatch (computed %s)", h, computed)
	}
	return objType, data, nil
}

func listPackIndexPaths(packDir string) ([]string, error) {
	entries, err := os.ReadDir(packDir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read pack dir: %w", err)
	}

	idxPaths := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".idx") {
			continue
		}
		idxPaths = append(idxPaths, filepath.Join(packDir, entry.Name()))
	}
	sort.Strings(idxPaths)
	return idxPaths, nil
}

func packPathForIndex(idxPath string) string {
	return strings.TrimSuffix(idxPath, ".idx") + ".pack"
}
