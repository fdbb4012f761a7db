package repo

import (
	"fmt"
	"strings"

	"github.com/odvcencio/barehub/pkg/object"
)

// EditTree returns the id of a new root tree equal to root except that the
// file at path holds blob with mode 100644. Only the trees along path are
// rewritten, leaf first; every sibling entry is carried over by id. Missing
// intermediate directories are created. root may be "" for an empty tree.
//
// An intermediate component that is not a directory, or a final component
// that is a directory or submodule, fails with ErrWrongKind.
func (r *Repo) EditTree(root object.Hash, path []string, blob object.Hash) (object.Hash, error) {
	if len(path) == 0 {
		return "", errorf(ErrInvalidInput, "edit tree: empty path")
	}
	return r.editTree(root, path, 0, blob)
}

func (r *Repo) editTree(treeHash object.Hash, path []string, depth int, blob object.Hash) (object.Hash, error) {
	var entries []object.TreeEntry
	if treeHash != "" {
		tr, err := r.readTree(treeHash)
		if err != nil {
			return "", err
		}
		entries = tr.Entries
	}

	name := path[depth]
	here := strings.Join(path[:depth+1], "/")

	next := make([]object.TreeEntry, 0, len(entries)+1)
	var (
		existing object.TreeEntry
		found    bool
	)
	for _, e := range entries {
		if e.Name == name {
			existing, found = e, true
			continue
		}
		next = append(next, e)
	}

	var entry object.TreeEntry
	if depth == len(path)-1 {
		if found && existing.Kind() != object.KindBlob {
			return "", errorf(ErrWrongKind, "path '%s' is a %s, not a file", here, existing.Kind())
		}
		entry = object.TreeEntry{Name: name, Mode: object.TreeModeFile, Hash: blob}
	} else {
		var child object.Hash
		if found {
			if existing.Kind() != object.KindTree {
				return "", errorf(ErrWrongKind, "path '%s' is not a tree", here)
			}
			child = existing.Hash
		}
		newChild, err := r.editTree(child, path, depth+1, blob)
		if err != nil {
			return "", err
		}
		entry = object.TreeEntry{Name: name, Mode: object.TreeModeDir, Hash: newChild}
	}
	next = append(next, entry)

	h, err := r.Store.WriteTree(&object.TreeObj{Entries: next})
	if err != nil {
		return "", fmt.Errorf("write tree for '%s': %v: %w", here, err, ErrWriteFailed)
	}
	return h, nil
}
