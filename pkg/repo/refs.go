package repo

import (
	"bufio"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/odvcencio/barehub/pkg/object"
)

const (
	refLockRetryDelay = 5 * time.Millisecond
	refLockWaitLimit  = 2 * time.Second

	// maxSymrefDepth matches git's limit on chained symbolic refs.
	maxSymrefDepth = 5
)

// RefUpdate describes a single ref change applied by ApplyRefUpdate.
type RefUpdate struct {
	Name string      // full ref name, e.g. refs/heads/main
	New  object.Hash // value to store
	// Old is compared against the current value when CheckOld is set. An
	// empty Old requires the ref to be absent.
	Old      object.Hash
	CheckOld bool
	// Committer and Message are recorded in the reflog.
	Committer object.Signature
	Message   string
}

// Head reads HEAD. If HEAD is symbolic it returns the target ref name (e.g.
// "refs/heads/main"); otherwise it returns the detached hash.
func (r *Repo) Head() (string, error) {
	data, err := os.ReadFile(filepath.Join(r.GitDir, "HEAD"))
	if err != nil {
		return "", fmt.Errorf("head: %w", err)
	}
	content := strings.TrimSpace(string(data))
	if target, ok := strings.CutPrefix(content, "ref:"); ok {
		return strings.TrimSpace(target), nil
	}
	return content, nil
}

// ResolveRef resolves a full ref name ("HEAD" or "refs/...") to the object
// id it holds, following symbolic refs. Loose refs take precedence over
// packed-refs. A ref that does not exist yields an error wrapping
// os.ErrNotExist.
func (r *Repo) ResolveRef(name string) (object.Hash, error) {
	for depth := 0; depth <= maxSymrefDepth; depth++ {
		if name != "HEAD" && !ValidRefName(name) {
			return "", fmt.Errorf("resolve ref %q: invalid name: %w", name, os.ErrNotExist)
		}
		value, err := r.readLooseRef(name)
		if errors.Is(err, os.ErrNotExist) {
			packed, perr := r.readPackedRefs()
			if perr != nil {
				return "", fmt.Errorf("resolve ref %q: %w", name, perr)
			}
			h, ok := packed[name]
			if !ok {
				return "", fmt.Errorf("resolve ref %q: %w", name, os.ErrNotExist)
			}
			return h, nil
		}
		if err != nil {
			return "", fmt.Errorf("resolve ref %q: %w", name, err)
		}
		if target, ok := strings.CutPrefix(value, "ref:"); ok {
			name = strings.TrimSpace(target)
			continue
		}
		h, err := object.ParseHash(value)
		if err != nil {
			return "", fmt.Errorf("resolve ref %q: %w", name, err)
		}
		return h, nil
	}
	return "", fmt.Errorf("resolve ref %q: symbolic ref chain too deep", name)
}

// ResolveSymref follows symbolic refs from name and returns the name of the
// ref that holds an object id. The returned ref may not exist yet; packed
// refs are never symbolic.
func (r *Repo) ResolveSymref(name string) (string, error) {
	for depth := 0; depth <= maxSymrefDepth; depth++ {
		if name != "HEAD" && !ValidRefName(name) {
			return "", fmt.Errorf("resolve symref %q: invalid name", name)
		}
		value, err := r.readLooseRef(name)
		if errors.Is(err, os.ErrNotExist) {
			return name, nil
		}
		if err != nil {
			return "", fmt.Errorf("resolve symref %q: %w", name, err)
		}
		target, ok := strings.CutPrefix(value, "ref:")
		if !ok {
			return name, nil
		}
		name = strings.TrimSpace(target)
	}
	return "", fmt.Errorf("resolve symref %q: symbolic ref chain too deep", name)
}

func (r *Repo) readLooseRef(name string) (string, error) {
	data, err := os.ReadFile(filepath.Join(r.GitDir, filepath.FromSlash(name)))
	if err != nil {
		// refs/heads/a when refs/heads/a/ is a directory reads as EISDIR.
		var pathErr *fs.PathError
		if errors.As(err, &pathErr) {
			if info, serr := os.Stat(pathErr.Path); serr == nil && info.IsDir() {
				return "", os.ErrNotExist
			}
		}
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}

// readPackedRefs parses packed-refs. Peeled lines ("^<id>") are skipped.
func (r *Repo) readPackedRefs() (map[string]object.Hash, error) {
	refs := make(map[string]object.Hash)
	f, err := os.Open(filepath.Join(r.GitDir, "packed-refs"))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return refs, nil
		}
		return nil, fmt.Errorf("read packed-refs: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || line[0] == '#' || line[0] == '^' {
			continue
		}
		hash, name, ok := strings.Cut(line, " ")
		if !ok {
			continue
		}
		h, err := object.ParseHash(hash)
		if err != nil {
			continue
		}
		refs[strings.TrimSpace(name)] = h
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read packed-refs: %w", err)
	}
	return refs, nil
}

// ListRefs returns every ref under prefix (e.g. "refs/heads/") with its
// resolved value, merging loose refs over packed-refs. Names are full ref
// names.
func (r *Repo) ListRefs(prefix string) (map[string]object.Hash, error) {
	packed, err := r.readPackedRefs()
	if err != nil {
		return nil, fmt.Errorf("list refs: %w", err)
	}
	refs := make(map[string]object.Hash)
	for name, h := range packed {
		if strings.HasPrefix(name, prefix) {
			refs[name] = h
		}
	}

	dir := filepath.Join(r.GitDir, filepath.FromSlash(strings.TrimSuffix(prefix, "/")))
	err = filepath.WalkDir(dir, func(path string, d os.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if d.IsDir() || strings.HasSuffix(d.Name(), ".lock") {
			return nil
		}
		rel, err := filepath.Rel(r.GitDir, path)
		if err != nil {
			return err
		}
		name := filepath.ToSlash(rel)
		if !ValidRefName(name) {
			return nil
		}
		h, err := r.ResolveRef(name)
		if err != nil {
			// A dangling symbolic ref or a ref deleted mid-walk is not listed.
			return nil
		}
		refs[name] = h
		return nil
	})
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("list refs: %w", err)
	}
	return refs, nil
}

// UpdateRef unconditionally points name at h.
func (r *Repo) UpdateRef(name string, h object.Hash) error {
	return r.ApplyRefUpdate(RefUpdate{Name: name, New: h, Message: "update"})
}

// UpdateRefCAS points name at h using lockfile + rename atomic semantics. If
// expectedOld is provided, the update only succeeds when the current value
// matches it ("" meaning the ref must not exist); otherwise it fails with
// ErrRefCASMismatch.
func (r *Repo) UpdateRefCAS(name string, h object.Hash, expectedOld ...object.Hash) error {
	if len(expectedOld) > 1 {
		return fmt.Errorf("update ref %q: expected at most one old hash", name)
	}
	u := RefUpdate{Name: name, New: h, Message: "update"}
	if len(expectedOld) == 1 {
		u.Old = expectedOld[0]
		u.CheckOld = true
	}
	return r.ApplyRefUpdate(u)
}

// ApplyRefUpdate performs u under the ref's lockfile: acquire <ref>.lock
// with O_EXCL, compare the current value (loose or packed), write and fsync
// the new value and rename the lock over the ref.
//
// The reflog is appended after the rename; a reflog failure leaves the ref
// updated and is only logged.
func (r *Repo) ApplyRefUpdate(u RefUpdate) error {
	name := u.Name
	if !ValidRefName(name) || !strings.HasPrefix(name, "refs/") {
		return fmt.Errorf("update ref %q: invalid ref name", name)
	}
	if !u.New.IsValid() {
		return fmt.Errorf("update ref %q: invalid value %q", name, u.New)
	}

	refPath := filepath.Join(r.GitDir, filepath.FromSlash(name))
	if err := os.MkdirAll(filepath.Dir(refPath), 0o755); err != nil {
		return fmt.Errorf("update ref %q: mkdir: %w", name, err)
	}

	lockPath := refPath + ".lock"
	lockFile, err := acquireRefLock(lockPath)
	if err != nil {
		return fmt.Errorf("update ref %q: lock: %w", name, err)
	}
	cleanupLock := true
	defer func() {
		if lockFile != nil {
			_ = lockFile.Close()
		}
		if cleanupLock {
			_ = os.Remove(lockPath)
		}
	}()

	oldHash, err := r.currentRefValue(name)
	if err != nil {
		return fmt.Errorf("update ref %q: read old hash: %w", name, err)
	}
	if u.CheckOld && oldHash != u.Old {
		return fmt.Errorf(
			"update ref %q: %w (expected %s, found %s)",
			name,
			ErrRefCASMismatch,
			displayHash(u.Old),
			displayHash(oldHash),
		)
	}

	if _, err := lockFile.WriteString(string(u.New) + "\n"); err != nil {
		return fmt.Errorf("update ref %q: write: %w", name, err)
	}
	if err := lockFile.Sync(); err != nil {
		return fmt.Errorf("update ref %q: sync: %w", name, err)
	}
	if err := lockFile.Close(); err != nil {
		lockFile = nil
		return fmt.Errorf("update ref %q: close: %w", name, err)
	}
	lockFile = nil

	if err := os.Rename(lockPath, refPath); err != nil {
		return fmt.Errorf("update ref %q: rename: %w", name, err)
	}
	cleanupLock = false

	if err := r.appendReflog(name, oldHash, u.New, u.Committer, u.Message); err != nil {
		r.Logger.Warn("ref updated but reflog append failed",
			zap.String("ref", name),
			zap.String("old", string(oldHash)),
			zap.String("new", string(u.New)),
			zap.Error(err),
		)
	}
	return nil
}

// currentRefValue returns the ref's direct value, or "" when it does not
// exist. Callers hold the ref lock.
func (r *Repo) currentRefValue(name string) (object.Hash, error) {
	value, err := r.readLooseRef(name)
	if err == nil {
		if strings.HasPrefix(value, "ref:") {
			return "", fmt.Errorf("refusing to overwrite symbolic ref")
		}
		return object.ParseHash(value)
	}
	if !errors.Is(err, os.ErrNotExist) {
		return "", err
	}
	packed, err := r.readPackedRefs()
	if err != nil {
		return "", err
	}
	return packed[name], nil
}

func acquireRefLock(lockPath string) (*os.File, error) {
	deadline := time.Now().Add(refLockWaitLimit)
	for {
		f, err := os.OpenFile(lockPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if err == nil {
			return f, nil
		}
		if os.IsExist(err) {
			if time.Now().After(deadline) {
				return nil, fmt.Errorf("timeout waiting for lock %q", lockPath)
			}
			time.Sleep(refLockRetryDelay)
			continue
		}
		return nil, err
	}
}

func displayHash(h object.Hash) string {
	if h == "" {
		return "<none>"
	}
	return string(h)
}

// ValidRefName applies git check-ref-format rules to a full ref name. Names
// that could escape the refs directory are always rejected.
func ValidRefName(name string) bool {
	if name == "" || name == "@" || strings.HasPrefix(name, "/") || strings.HasSuffix(name, "/") ||
		strings.HasSuffix(name, ".") || strings.Contains(name, "..") || strings.Contains(name, "//") ||
		strings.Contains(name, "@{") {
		return false
	}
	for _, c := range name {
		if c < 0x20 || c == 0x7f {
			return false
		}
		switch c {
		case ' ', '~', '^', ':', '?', '*', '[', '\\':
			return false
		}
	}
	for _, comp := range strings.Split(name, "/") {
		if comp == "" || strings.HasPrefix(comp, ".") || strings.HasSuffix(comp, ".lock") {
			return false
		}
	}
	return true
}
