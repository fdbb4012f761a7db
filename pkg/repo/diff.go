package repo

import (
	"fmt"

	"github.com/odvcencio/barehub/pkg/object"
)

// ChangeKind classifies a tree difference.
type ChangeKind int

const (
	ChangeAdded ChangeKind = iota + 1
	ChangeDeleted
	ChangeModified
)

func (k ChangeKind) String() string {
	switch k {
	case ChangeAdded:
		return "added"
	case ChangeDeleted:
		return "deleted"
	case ChangeModified:
		return "modified"
	default:
		return "unknown"
	}
}

// Change is one differing path between two trees. Path is relative to the
// diff prefix. A whole added or deleted subtree is reported once, at its
// root.
type Change struct {
	Path string
	Kind ChangeKind
	Old  object.TreeEntry
	New  object.TreeEntry
}

// DiffOptions scopes DiffTrees.
type DiffOptions struct {
	// Prefix restricts the diff to the subtree at this slash-separated path.
	// A side where Prefix is missing or not a tree counts as empty.
	Prefix string
}

// DiffTrees compares two root trees ("" meaning the empty tree) and returns
// the paths that differ. Subtrees with identical ids are skipped without
// being read.
func (r *Repo) DiffTrees(oldRoot, newRoot object.Hash, opts DiffOptions) ([]Change, error) {
	parts, err := splitPath(opts.Prefix)
	if err != nil {
		return nil, err
	}
	oldTree, err := r.subtreeAt(oldRoot, parts)
	if err != nil {
		return nil, err
	}
	newTree, err := r.subtreeAt(newRoot, parts)
	if err != nil {
		return nil, err
	}

	var changes []Change
	if err := r.diffTree(oldTree, newTree, "", &changes); err != nil {
		return nil, err
	}
	return changes, nil
}

// subtreeAt returns the id of the tree at parts under root, or "" when the
// path does not name a tree there.
func (r *Repo) subtreeAt(root object.Hash, parts []string) (object.Hash, error) {
	cur := root
	for _, part := range parts {
		if cur == "" {
			return "", nil
		}
		tr, err := r.readTree(cur)
		if err != nil {
			return "", err
		}
		entry, ok := tr.Find(part)
		if !ok || entry.Kind() != object.KindTree {
			return "", nil
		}
		cur = entry.Hash
	}
	return cur, nil
}

func (r *Repo) diffTree(oldHash, newHash object.Hash, base string, out *[]Change) error {
	if oldHash == newHash {
		return nil
	}
	oldEntries, err := r.treeEntries(oldHash)
	if err != nil {
		return err
	}
	newEntries, err := r.treeEntries(newHash)
	if err != nil {
		return err
	}

	oldByName := make(map[string]object.TreeEntry, len(oldEntries))
	for _, e := range oldEntries {
		oldByName[e.Name] = e
	}

	for _, ne := range newEntries {
		path := joinPath(base, ne.Name)
		oe, ok := oldByName[ne.Name]
		if !ok {
			*out = append(*out, Change{Path: path, Kind: ChangeAdded, New: ne})
			continue
		}
		delete(oldByName, ne.Name)
		if oe.Hash == ne.Hash && oe.Mode == ne.Mode {
			continue
		}
		if oe.Kind() == object.KindTree && ne.Kind() == object.KindTree {
			if err := r.diffTree(oe.Hash, ne.Hash, path, out); err != nil {
				return err
			}
			continue
		}
		*out = append(*out, Change{Path: path, Kind: ChangeModified, Old: oe, New: ne})
	}
	for _, oe := range oldEntries {
		if _, ok := oldByName[oe.Name]; ok {
			*out = append(*out, Change{Path: joinPath(base, oe.Name), Kind: ChangeDeleted, Old: oe})
		}
	}
	return nil
}

func (r *Repo) treeEntries(h object.Hash) ([]object.TreeEntry, error) {
	if h == "" {
		return nil, nil
	}
	tr, err := r.readTree(h)
	if err != nil {
		return nil, fmt.Errorf("diff: %w", err)
	}
	return tr.Entries, nil
}

func joinPath(base, name string) string {
	if base == "" {
		return name
	}
	return base + "/" + name
}
