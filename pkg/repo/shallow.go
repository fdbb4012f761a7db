package repo

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/odvcencio/barehub/pkg/object"
)

// shallowSet holds the boundary commits of a shallow clone, listed one per
// line in <gitdir>/shallow. Their parents are not in the repository and
// history treats them as roots.
type shallowSet struct {
	raw string
	ids map[object.Hash]struct{}
}

func (s shallowSet) has(h object.Hash) bool {
	_, ok := s.ids[h]
	return ok
}

// shallowCommits reads the shallow file. A repository without one is
// complete and yields an empty set.
func (r *Repo) shallowCommits() (shallowSet, error) {
	data, err := os.ReadFile(filepath.Join(r.GitDir, "shallow"))
	if errors.Is(err, os.ErrNotExist) {
		return shallowSet{}, nil
	}
	if err != nil {
		return shallowSet{}, fmt.Errorf("read shallow: %v: %w", err, ErrCorruptHistory)
	}

	set := shallowSet{raw: strings.TrimSpace(string(data)), ids: make(map[object.Hash]struct{})}
	for _, line := range strings.Split(set.raw, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		h, err := object.ParseHash(line)
		if err != nil {
			return shallowSet{}, fmt.Errorf("read shallow: %v: %w", err, ErrCorruptHistory)
		}
		set.ids[h] = struct{}{}
	}
	return set, nil
}

// firstParent is c's first parent, or "" for a root or shallow boundary.
func (s shallowSet) firstParent(id object.Hash, c *object.CommitObj) object.Hash {
	if s.has(id) {
		return ""
	}
	return c.FirstParent()
}
