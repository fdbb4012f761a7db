package repo

import (
	"fmt"

	"github.com/odvcencio/barehub/pkg/object"
)

// WalkFunc is called for each commit of a first-parent walk, newest first.
// Returning false stops the walk.
type WalkFunc func(id object.Hash, c *object.CommitObj) (bool, error)

// Walk visits start and its first-parent ancestors until fn returns false or
// the root commit has been visited. Second and later parents of merges are
// never followed; a shallow clone's boundary commits count as roots.
func (r *Repo) Walk(start object.Hash, fn WalkFunc) error {
	shallow, err := r.shallowCommits()
	if err != nil {
		return err
	}
	return r.walk(start, shallow, fn)
}

func (r *Repo) walk(start object.Hash, shallow shallowSet, fn WalkFunc) error {
	seen := make(map[object.Hash]struct{})
	cur := start
	for cur != "" {
		if _, ok := seen[cur]; ok {
			return fmt.Errorf("walk: commit %s repeats in first-parent chain: %w", cur, ErrCorruptHistory)
		}
		seen[cur] = struct{}{}

		c, err := r.Store.ReadCommit(cur)
		if err != nil {
			return fmt.Errorf("walk: read commit %s: %v: %w", cur, err, ErrCorruptHistory)
		}
		more, err := fn(cur, c)
		if err != nil {
			return err
		}
		if !more {
			return nil
		}
		cur = shallow.firstParent(cur, c)
	}
	return nil
}
