package object

import (
	"strings"
	"time"
)

// Hash is a 40-character lowercase hex-encoded SHA-1 object id.
type Hash string

// Short returns the abbreviated form used in log lines.
func (h Hash) Short() string {
	if len(h) > 7 {
		return string(h[:7])
	}
	return string(h)
}

// ObjectType identifies the kind of object stored.
type ObjectType string

const (
	TypeBlob   ObjectType = "blob"
	TypeTree   ObjectType = "tree"
	TypeCommit ObjectType = "commit"
	TypeTag    ObjectType = "tag"
)

const (
	// Tree mode constants in Git's canonical (unpadded) form.
	TreeModeDir        = "40000"
	TreeModeFile       = "100644"
	TreeModeExecutable = "100755"
	TreeModeSymlink    = "120000"
	TreeModeSubmodule  = "160000"
)

// EntryKind says what a tree entry points at.
type EntryKind int

const (
	KindBlob EntryKind = iota + 1
	KindTree
	KindSubmodule
)

func (k EntryKind) String() string {
	switch k {
	case KindBlob:
		return "blob"
	case KindTree:
		return "tree"
	case KindSubmodule:
		return "submodule"
	default:
		return "unknown"
	}
}

// Blob holds raw file data.
type Blob struct {
	Data []byte
}

// TreeEntry is one entry in a tree object.
type TreeEntry struct {
	Name string
	Mode string
	Hash Hash
}

// Kind derives the entry kind from its mode.
func (e TreeEntry) Kind() EntryKind {
	switch e.Mode {
	case TreeModeDir:
		return KindTree
	case TreeModeSubmodule:
		return KindSubmodule
	default:
		return KindBlob
	}
}

// Executable reports whether the entry is a regular file with the executable
// bit set.
func (e TreeEntry) Executable() bool {
	return e.Mode == TreeModeExecutable
}

// TreeObj holds tree entries in Git canonical order.
type TreeObj struct {
	Entries []TreeEntry
}

// Find returns the entry with the given name.
func (t *TreeObj) Find(name string) (TreeEntry, bool) {
	if t == nil {
		return TreeEntry{}, false
	}
	for _, e := range t.Entries {
		if e.Name == name {
			return e, true
		}
	}
	return TreeEntry{}, false
}

// Signature identifies an author or committer at a point in time.
type Signature struct {
	Name  string
	Email string
	When  time.Time
}

// CommitObj represents a commit pointing to a tree with metadata.
type CommitObj struct {
	TreeHash  Hash
	Parents   []Hash
	Author    Signature
	Committer Signature
	Signature string // armored gpgsig payload, empty when unsigned
	Message   string
}

// FirstParent returns the first parent, or "" for a root commit.
func (c *CommitObj) FirstParent() Hash {
	if c == nil || len(c.Parents) == 0 {
		return ""
	}
	return c.Parents[0]
}

// Summary returns the first paragraph of the message collapsed onto one line.
func (c *CommitObj) Summary() string {
	msg := strings.TrimLeft(c.Message, "\n")
	if idx := strings.Index(msg, "\n\n"); idx >= 0 {
		msg = msg[:idx]
	}
	lines := strings.Split(msg, "\n")
	parts := lines[:0]
	for _, line := range lines {
		if line = strings.TrimSpace(line); line != "" {
			parts = append(parts, line)
		}
	}
	return strings.Join(parts, " ")
}

// TagObj is an annotated tag; only the target is interpreted.
type TagObj struct {
	Object  Hash
	Type    ObjectType
	Name    string
	Message string
}
