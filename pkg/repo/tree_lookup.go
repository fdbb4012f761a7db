package repo

import (
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/odvcencio/barehub/pkg/object"
)

// Object is what a path resolves to inside a commit.
type Object struct {
	Hash object.Hash
	Kind object.EntryKind
	Mode string
}

// splitPath breaks a slash-separated path into components. A single leading
// and a single trailing slash are ignored; "" and "/" yield no components.
// Components are matched literally, so an empty interior component cannot
// match anything.
func splitPath(p string) ([]string, error) {
	p = strings.TrimPrefix(p, "/")
	p = strings.TrimSuffix(p, "/")
	if p == "" {
		return nil, nil
	}
	parts := strings.Split(p, "/")
	for _, part := range parts {
		if part == "" {
			return nil, errorf(ErrPathNotFound, "path '%s': empty component", p)
		}
	}
	return parts, nil
}

// ResolvePath descends from the commit's root tree one entry per path
// component. The empty path resolves to the root tree.
func (r *Repo) ResolvePath(c *object.CommitObj, path string) (Object, error) {
	parts, err := splitPath(path)
	if err != nil {
		return Object{}, err
	}
	return r.resolveComponents(c.TreeHash, parts)
}

func (r *Repo) resolveComponents(root object.Hash, parts []string) (Object, error) {
	cur := Object{Hash: root, Kind: object.KindTree, Mode: object.TreeModeDir}
	for i, part := range parts {
		if cur.Kind != object.KindTree {
			return Object{}, errorf(ErrWrongKind, "path '%s' is not a tree", strings.Join(parts[:i], "/"))
		}
		tr, err := r.readTree(cur.Hash)
		if err != nil {
			return Object{}, err
		}
		entry, ok := tr.Find(part)
		if !ok {
			return Object{}, errorf(ErrPathNotFound, "path '%s' not found", strings.Join(parts[:i+1], "/"))
		}
		cur = Object{Hash: entry.Hash, Kind: entry.Kind(), Mode: entry.Mode}
	}
	return cur, nil
}

// readTree reads a tree that history refers to; failures mean the
// repository is damaged.
func (r *Repo) readTree(h object.Hash) (*object.TreeObj, error) {
	tr, err := r.Store.ReadTree(h)
	if err != nil {
		return nil, fmt.Errorf("read tree %s: %v: %w", h, err, ErrCorruptHistory)
	}
	return tr, nil
}

// ListTree returns the tree at path, which must name a directory.
func (r *Repo) ListTree(c *object.CommitObj, path string) (*object.TreeObj, error) {
	obj, err := r.ResolvePath(c, path)
	if err != nil {
		return nil, err
	}
	if obj.Kind != object.KindTree {
		return nil, errorf(ErrWrongKind, "path '%s' is not a tree", path)
	}
	return r.readTree(obj.Hash)
}

// ReadText returns the content of the file at path, which must be a blob
// holding valid UTF-8.
func (r *Repo) ReadText(c *object.CommitObj, path string) (string, error) {
	obj, err := r.ResolvePath(c, path)
	if err != nil {
		return "", err
	}
	if obj.Kind != object.KindBlob {
		return "", errorf(ErrWrongKind, "path '%s' is a %s, not a file", path, obj.Kind)
	}
	blob, err := r.Store.ReadBlob(obj.Hash)
	if err != nil {
		if errors.Is(err, object.ErrTypeMismatch) {
			return "", fmt.Errorf("path '%s': %v: %w", path, err, ErrWrongKind)
		}
		return "", fmt.Errorf("read blob %s: %v: %w", obj.Hash, err, ErrCorruptHistory)
	}
	if !utf8.Valid(blob.Data) {
		return "", errorf(ErrNotText, "file '%s' is not valid UTF-8 text", path)
	}
	return string(blob.Data), nil
}

// ReadFile resolves branch and returns the text of the file at path.
func (r *Repo) ReadFile(branch, path string) (string, error) {
	_, c, err := r.ResolveBranch(branch)
	if err != nil {
		return "", err
	}
	text, err := r.ReadText(c, path)
	if errors.Is(err, ErrPathNotFound) {
		return "", errorf(ErrPathNotFound, "file '%s' not found in branch '%s'", path, branch)
	}
	return text, err
}
