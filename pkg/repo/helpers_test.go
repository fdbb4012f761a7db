package repo

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/odvcencio/barehub/pkg/object"
)

const testEpoch = 1700000000

func newTestRepo(t *testing.T) *Repo {
	t.Helper()
	r, err := Init(filepath.Join(t.TempDir(), "project.git"))
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	t.Cleanup(func() { _ = r.Close() })
	return r
}

func testHash(i int) object.Hash {
	return object.Hash(fmt.Sprintf("%040x", i))
}

// writeTree stores files (slash-separated path -> content) as nested trees
// and returns the root tree id.
func writeTree(t *testing.T, r *Repo, files map[string]string) object.Hash {
	t.Helper()
	var entries []object.TreeEntry
	subdirs := make(map[string]map[string]string)
	for path, content := range files {
		dir, rest, nested := strings.Cut(path, "/")
		if nested {
			if subdirs[dir] == nil {
				subdirs[dir] = make(map[string]string)
			}
			subdirs[dir][rest] = content
			continue
		}
		h, err := r.Store.WriteBlob(&object.Blob{Data: []byte(content)})
		if err != nil {
			t.Fatalf("WriteBlob(%s): %v", path, err)
		}
		entries = append(entries, object.TreeEntry{Name: path, Mode: object.TreeModeFile, Hash: h})
	}
	for name, sub := range subdirs {
		entries = append(entries, object.TreeEntry{Name: name, Mode: object.TreeModeDir, Hash: writeTree(t, r, sub)})
	}
	h, err := r.Store.WriteTree(&object.TreeObj{Entries: entries})
	if err != nil {
		t.Fatalf("WriteTree: %v", err)
	}
	return h
}

func writeCommit(t *testing.T, r *Repo, tree object.Hash, msg string, when int64, parents ...object.Hash) object.Hash {
	t.Helper()
	who := object.Signature{Name: "Test Author", Email: "test@example.com", When: time.Unix(when, 0).UTC()}
	h, err := r.Store.WriteCommit(&object.CommitObj{
		TreeHash:  tree,
		Parents:   parents,
		Author:    who,
		Committer: who,
		Message:   msg + "\n",
	})
	if err != nil {
		t.Fatalf("WriteCommit(%q): %v", msg, err)
	}
	return h
}

// history builds a linear branch one snapshot at a time.
type history struct {
	t      *testing.T
	r      *Repo
	branch string
	files  map[string]string
	head   object.Hash
	when   int64
}

func newHistory(t *testing.T, r *Repo, branch string) *history {
	return &history{t: t, r: r, branch: branch, files: make(map[string]string), when: testEpoch}
}

// commit applies changes (an empty value deletes the path), commits the
// resulting snapshot and advances the branch.
func (h *history) commit(msg string, changes map[string]string) object.Hash {
	h.t.Helper()
	for path, content := range changes {
		if content == "" {
			delete(h.files, path)
			continue
		}
		h.files[path] = content
	}
	tree := writeTree(h.t, h.r, h.files)
	var parents []object.Hash
	if h.head != "" {
		parents = append(parents, h.head)
	}
	h.head = writeCommit(h.t, h.r, tree, msg, h.when, parents...)
	h.when += 60
	if err := h.r.UpdateRef(BranchRef(h.branch), h.head); err != nil {
		h.t.Fatalf("UpdateRef(%s): %v", h.branch, err)
	}
	return h.head
}

func writePackedRefs(t *testing.T, r *Repo, refs map[string]object.Hash) {
	t.Helper()
	names := make([]string, 0, len(refs))
	for name := range refs {
		names = append(names, name)
	}
	sort.Strings(names)
	var b strings.Builder
	b.WriteString("# pack-refs with: peeled fully-peeled sorted \n")
	for _, name := range names {
		fmt.Fprintf(&b, "%s %s\n", refs[name], name)
	}
	if err := os.WriteFile(filepath.Join(r.GitDir, "packed-refs"), []byte(b.String()), 0o644); err != nil {
		t.Fatalf("write packed-refs: %v", err)
	}
}

func writeRepoFile(t *testing.T, r *Repo, rel, content string) {
	t.Helper()
	path := filepath.Join(r.GitDir, filepath.FromSlash(rel))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir %s: %v", rel, err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", rel, err)
	}
}
