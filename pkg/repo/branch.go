package repo

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/odvcencio/barehub/pkg/object"
)

const headsPrefix = "refs/heads/"

// maxPeelDepth bounds tag-to-tag chains when peeling a branch target.
const maxPeelDepth = 8

// BranchRef returns the full ref name for a branch.
func BranchRef(name string) string {
	return headsPrefix + name
}

// ListBranches returns local branch names, loose and packed, sorted. Nested
// names such as "feature/x" are included. A repository without branches
// yields an empty, non-nil slice.
func (r *Repo) ListBranches() ([]string, error) {
	heads, err := r.BranchHeads()
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(heads))
	for name := range heads {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// BranchHeads maps every local branch name to the id it points at.
func (r *Repo) BranchHeads() (map[string]object.Hash, error) {
	refs, err := r.ListRefs(headsPrefix)
	if err != nil {
		return nil, fmt.Errorf("list branches: %w", err)
	}
	heads := make(map[string]object.Hash, len(refs))
	for ref, h := range refs {
		heads[strings.TrimPrefix(ref, headsPrefix)] = h
	}
	return heads, nil
}

// ResolveBranch follows refs/heads/<name> to its head commit, peeling
// annotated tags. A missing or malformed branch name fails with
// ErrBranchNotFound; a target that cannot be read or peeled to a commit
// fails with ErrCorruptHistory.
func (r *Repo) ResolveBranch(name string) (object.Hash, *object.CommitObj, error) {
	b, err := r.resolveBranch(name)
	if err != nil {
		return "", nil, err
	}
	return b.head, b.commit, nil
}

// resolvedBranch is a branch as UpdateFile needs it.
type resolvedBranch struct {
	// ref holds the object id: refs/heads/<name>, or the end of its
	// symbolic ref chain.
	ref    string
	// value is ref's stored id. It differs from head when the branch points
	// at an annotated tag.
	value  object.Hash
	head   object.Hash
	commit *object.CommitObj
}

func (r *Repo) resolveBranch(name string) (*resolvedBranch, error) {
	ref := BranchRef(name)
	if name == "" || !ValidRefName(ref) {
		return nil, errorf(ErrBranchNotFound, "branch '%s' not found", name)
	}
	target, err := r.ResolveSymref(ref)
	if err != nil {
		return nil, fmt.Errorf("branch '%s': %v: %w", name, err, ErrCorruptHistory)
	}
	raw, err := r.ResolveRef(target)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, errorf(ErrBranchNotFound, "branch '%s' not found", name)
		}
		return nil, fmt.Errorf("branch '%s': %v: %w", name, err, ErrCorruptHistory)
	}
	h, c, err := r.peelToCommit(name, raw)
	if err != nil {
		return nil, err
	}
	return &resolvedBranch{ref: target, value: raw, head: h, commit: c}, nil
}

func (r *Repo) peelToCommit(name string, h object.Hash) (object.Hash, *object.CommitObj, error) {
	for depth := 0; depth < maxPeelDepth; depth++ {
		objType, data, err := r.Store.Read(h)
		if err != nil {
			return "", nil, fmt.Errorf("branch '%s': read %s: %v: %w", name, h, err, ErrCorruptHistory)
		}
		switch objType {
		case object.TypeCommit:
			c, err := object.UnmarshalCommit(data)
			if err != nil {
				return "", nil, fmt.Errorf("branch '%s': commit %s: %v: %w", name, h, err, ErrCorruptHistory)
			}
			return h, c, nil
		case object.TypeTag:
			tag, err := object.UnmarshalTag(data)
			if err != nil {
				return "", nil, fmt.Errorf("branch '%s': tag %s: %v: %w", name, h, err, ErrCorruptHistory)
			}
			h = tag.Object
		default:
			return "", nil, fmt.Errorf("branch '%s' points at a %s, not a commit: %w", name, objType, ErrCorruptHistory)
		}
	}
	return "", nil, fmt.Errorf("branch '%s': tag chain too deep: %w", name, ErrCorruptHistory)
}

// DefaultBranch returns the branch HEAD names, only when HEAD is symbolic
// and that branch resolves.
func (r *Repo) DefaultBranch() (string, bool) {
	head, err := r.Head()
	if err != nil {
		return "", false
	}
	name, ok := strings.CutPrefix(head, headsPrefix)
	if !ok {
		return "", false
	}
	if _, _, err := r.ResolveBranch(name); err != nil {
		return "", false
	}
	return name, true
}

// CreateBranch creates a new branch pointing at target. Returns an error if
// the branch already exists.
func (r *Repo) CreateBranch(name string, target object.Hash) error {
	if name == "" || !ValidRefName(BranchRef(name)) {
		return errorf(ErrInvalidInput, "invalid branch name %q", name)
	}
	if err := r.UpdateRefCAS(BranchRef(name), target, ""); err != nil {
		if errors.Is(err, ErrRefCASMismatch) {
			return fmt.Errorf("create branch: branch %q already exists", name)
		}
		return fmt.Errorf("create branch %q: %w", name, err)
	}
	return nil
}
