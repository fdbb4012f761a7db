package repo

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/odvcencio/barehub/pkg/object"
)

// FileInfo annotates one directory entry with the last first-parent commit
// that changed it or anything beneath it.
type FileInfo struct {
	Name                string `json:"name"`
	LastCommitMessage   string `json:"last_commit_message"`
	LastCommitTimestamp string `json:"last_commit_timestamp"`
	LastCommitID        string `json:"last_commit_id"`
}

// Listing is an attributed directory, files and subdirectories in tree
// order. Submodule entries are not listed.
type Listing struct {
	Blobs []FileInfo `json:"blobs"`
	Trees []FileInfo `json:"trees"`
}

type listingKey struct {
	head    object.Hash
	dir     string
	// shallow is the shallow file's content; deepening a clone changes
	// attribution for the same head.
	shallow string
}

// ListDirectory lists the directory at path on branch with each entry
// attributed. Results are cached per (head commit, directory); a moved
// branch yields a new key, so entries never go stale.
func (r *Repo) ListDirectory(branch, path string) (*Listing, error) {
	head, c, err := r.ResolveBranch(branch)
	if err != nil {
		return nil, err
	}
	parts, err := splitPath(path)
	if err != nil {
		return nil, err
	}
	dir := strings.Join(parts, "/")

	shallow, err := r.shallowCommits()
	if err != nil {
		return nil, err
	}
	key := listingKey{head: head, dir: dir, shallow: shallow.raw}
	if cached, ok := r.listings.Get(key); ok {
		return cloneListing(cached), nil
	}

	tr, err := r.ListTree(c, dir)
	if err != nil {
		return nil, err
	}

	var names []string
	for _, e := range tr.Entries {
		if e.Kind() != object.KindSubmodule {
			names = append(names, e.Name)
		}
	}
	infos, err := r.attribute(head, dir, names, shallow)
	if err != nil {
		return nil, err
	}

	listing := &Listing{Blobs: []FileInfo{}, Trees: []FileInfo{}}
	for _, e := range tr.Entries {
		switch e.Kind() {
		case object.KindBlob:
			listing.Blobs = append(listing.Blobs, infos[e.Name])
		case object.KindTree:
			listing.Trees = append(listing.Trees, infos[e.Name])
		}
	}
	r.listings.Add(key, listing)
	return cloneListing(listing), nil
}

// Attribute finds, for each name in directory dir, the newest commit on the
// first-parent history of head whose diff against its first parent touches
// dir/name or a path beneath it. All names share one walk, which stops as
// soon as every name is resolved. A name that history never introduced
// fails with ErrAttributionFailure.
func (r *Repo) Attribute(head object.Hash, dir string, names []string) (map[string]FileInfo, error) {
	shallow, err := r.shallowCommits()
	if err != nil {
		return nil, err
	}
	return r.attribute(head, dir, names, shallow)
}

func (r *Repo) attribute(head object.Hash, dir string, names []string, shallow shallowSet) (map[string]FileInfo, error) {
	out := make(map[string]FileInfo, len(names))
	pending := make(map[string]struct{}, len(names))
	for _, name := range names {
		pending[name] = struct{}{}
	}
	if len(pending) == 0 {
		return out, nil
	}

	err := r.walk(head, shallow, func(id object.Hash, c *object.CommitObj) (bool, error) {
		var parentTree object.Hash
		if p := shallow.firstParent(id, c); p != "" {
			pc, err := r.Store.ReadCommit(p)
			if err != nil {
				return false, fmt.Errorf("attribute: read parent %s: %v: %w", p, err, ErrCorruptHistory)
			}
			parentTree = pc.TreeHash
		}

		changes, err := r.DiffTrees(parentTree, c.TreeHash, DiffOptions{Prefix: dir})
		if err != nil {
			return false, err
		}
		for _, ch := range changes {
			name, _, _ := strings.Cut(ch.Path, "/")
			if _, ok := pending[name]; !ok {
				continue
			}
			delete(pending, name)
			out[name] = FileInfo{
				Name:                name,
				LastCommitMessage:   c.Summary(),
				LastCommitTimestamp: strconv.FormatInt(c.Author.When.Unix(), 10),
				LastCommitID:        string(id),
			}
		}
		return len(pending) > 0, nil
	})
	if err != nil {
		return nil, err
	}

	if len(pending) > 0 {
		for _, name := range names {
			if _, ok := pending[name]; ok {
				return nil, errorf(ErrAttributionFailure, "no commit found for '%s'", joinPath(dir, name))
			}
		}
	}
	return out, nil
}

func cloneListing(l *Listing) *Listing {
	return &Listing{
		Blobs: append([]FileInfo{}, l.Blobs...),
		Trees: append([]FileInfo{}, l.Trees...),
	}
}
