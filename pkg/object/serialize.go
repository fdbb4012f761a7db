package object

import (
	"bytes"
	"fmt"
	"sort"
	"strings"
)

// ---------------------------------------------------------------------------
// Blob
// ---------------------------------------------------------------------------

// MarshalBlob serializes a Blob to raw bytes (identity).
func MarshalBlob(b *Blob) []byte {
	out := make([]byte, len(b.Data))
	copy(out, b.Data)
	return out
}

// UnmarshalBlob deserializes raw bytes into a Blob.
func UnmarshalBlob(data []byte) (*Blob, error) {
	out := make([]byte, len(data))
	copy(out, data)
	return &Blob{Data: out}, nil
}

// ---------------------------------------------------------------------------
// TreeObj
// ---------------------------------------------------------------------------

// MarshalTree serializes a TreeObj in Git's binary tree format. Each entry is
//
//	<mode> SP <name> NUL <20-byte id>
//
// Entries are written in canonical order (see SortEntries) so rebuilding a
// tree from the same entries always yields the same id.
func MarshalTree(tr *TreeObj) ([]byte, error) {
	sorted := make([]TreeEntry, len(tr.Entries))
	copy(sorted, tr.Entries)
	SortEntries(sorted)

	var buf bytes.Buffer
	for i, e := range sorted {
		if e.Name == "" || strings.ContainsAny(e.Name, "/\x00") {
			return nil, fmt.Errorf("marshal tree: invalid entry name %q", e.Name)
		}
		if i > 0 && sorted[i-1].Name == e.Name {
			return nil, fmt.Errorf("marshal tree: duplicate entry %q", e.Name)
		}
		raw, err := hashToRaw(e.Hash)
		if err != nil {
			return nil, fmt.Errorf("marshal tree: entry %q: %w", e.Name, err)
		}
		mode := e.Mode
		if mode == "" {
			mode = TreeModeFile
		}
		buf.WriteString(mode)
		buf.WriteByte(' ')
		buf.WriteString(e.Name)
		buf.WriteByte(0)
		buf.Write(raw)
	}
	return buf.Bytes(), nil
}

// SortEntries orders entries the way Git does: by name bytes, with tree names
// compared as if they ended in "/".
func SortEntries(entries []TreeEntry) {
	sort.SliceStable(entries, func(i, j int) bool {
		return entrySortKey(entries[i]) < entrySortKey(entries[j])
	})
}

func entrySortKey(e TreeEntry) string {
	if e.Kind() == KindTree {
		return e.Name + "/"
	}
	return e.Name
}

// UnmarshalTree parses a TreeObj from Git's binary tree format.
func UnmarshalTree(data []byte) (*TreeObj, error) {
	tr := &TreeObj{}
	for len(data) > 0 {
		sp := bytes.IndexByte(data, ' ')
		if sp <= 0 {
			return nil, fmt.Errorf("unmarshal tree: malformed mode")
		}
		mode := string(data[:sp])
		data = data[sp+1:]

		nul := bytes.IndexByte(data, 0)
		if nul <= 0 {
			return nil, fmt.Errorf("unmarshal tree: malformed entry name")
		}
		name := string(data[:nul])
		data = data[nul+1:]

		if len(data) < 20 {
			return nil, fmt.Errorf("unmarshal tree: truncated id for %q", name)
		}
		h, err := hashFromRaw(data[:20])
		if err != nil {
			return nil, fmt.Errorf("unmarshal tree: %w", err)
		}
		data = data[20:]

		tr.Entries = append(tr.Entries, TreeEntry{
			Name: name,
			Mode: normalizeMode(mode),
			Hash: h,
		})
	}
	return tr, nil
}

// normalizeMode maps the zero-padded directory mode some old tools wrote to
// the canonical one. Other modes are kept verbatim.
func normalizeMode(mode string) string {
	if mode == "040000" {
		return TreeModeDir
	}
	return mode
}

// ---------------------------------------------------------------------------
// CommitObj
// ---------------------------------------------------------------------------

// MarshalCommit serializes a CommitObj:
//
//	tree H
//	parent H       (zero or more)
//	author SIG
//	committer SIG
//	gpgsig LINE    (optional, continuation lines start with a space)
//
//	message
func MarshalCommit(c *CommitObj) []byte {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "tree %s\n", c.TreeHash)
	for _, p := range c.Parents {
		fmt.Fprintf(&buf, "parent %s\n", p)
	}
	fmt.Fprintf(&buf, "author %s\n", FormatSignature(c.Author))
	fmt.Fprintf(&buf, "committer %s\n", FormatSignature(c.Committer))
	if sig := strings.TrimRight(c.Signature, "\n"); sig != "" {
		lines := strings.Split(sig, "\n")
		fmt.Fprintf(&buf, "gpgsig %s\n", lines[0])
		for _, line := range lines[1:] {
			fmt.Fprintf(&buf, " %s\n", line)
		}
	}
	buf.WriteByte('\n')
	buf.WriteString(c.Message)
	return buf.Bytes()
}

// UnmarshalCommit parses a CommitObj. Headers other than tree, parent,
// author, committer and gpgsig are skipped.
func UnmarshalCommit(data []byte) (*CommitObj, error) {
	header, message := splitHeader(data)

	c := &CommitObj{Message: message}
	var (
		lastKey string
		sig     []string
	)
	for _, line := range strings.Split(header, "\n") {
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, " ") {
			if lastKey == "gpgsig" {
				sig = append(sig, line[1:])
			}
			continue
		}
		key, val, ok := strings.Cut(line, " ")
		if !ok {
			return nil, fmt.Errorf("unmarshal commit: malformed header line %q", line)
		}
		lastKey = key
		switch key {
		case "tree":
			h, err := ParseHash(val)
			if err != nil {
				return nil, fmt.Errorf("unmarshal commit: tree: %w", err)
			}
			c.TreeHash = h
		case "parent":
			h, err := ParseHash(val)
			if err != nil {
				return nil, fmt.Errorf("unmarshal commit: parent: %w", err)
			}
			c.Parents = append(c.Parents, h)
		case "author":
			s, err := ParseSignature(val)
			if err != nil {
				return nil, fmt.Errorf("unmarshal commit: author: %w", err)
			}
			c.Author = s
		case "committer":
			s, err := ParseSignature(val)
			if err != nil {
				return nil, fmt.Errorf("unmarshal commit: committer: %w", err)
			}
			c.Committer = s
		case "gpgsig":
			sig = append(sig, val)
		}
	}
	if c.TreeHash == "" {
		return nil, fmt.Errorf("unmarshal commit: missing tree header")
	}
	if len(sig) > 0 {
		c.Signature = strings.Join(sig, "\n") + "\n"
	}
	return c, nil
}

// ---------------------------------------------------------------------------
// TagObj
// ---------------------------------------------------------------------------

// UnmarshalTag parses the headers of an annotated tag.
func UnmarshalTag(data []byte) (*TagObj, error) {
	header, message := splitHeader(data)

	t := &TagObj{Message: message}
	for _, line := range strings.Split(header, "\n") {
		key, val, ok := strings.Cut(line, " ")
		if !ok {
			continue
		}
		switch key {
		case "object":
			h, err := ParseHash(val)
			if err != nil {
				return nil, fmt.Errorf("unmarshal tag: object: %w", err)
			}
			t.Object = h
		case "type":
			t.Type = ObjectType(val)
		case "tag":
			t.Name = val
		}
	}
	if t.Object == "" {
		return nil, fmt.Errorf("unmarshal tag: missing object header")
	}
	return t, nil
}

// splitHeader splits an object at the first blank line.
func splitHeader(data []byte) (string, string) {
	idx := bytes.Index(data, []byte("\n\n"))
	if idx < 0 {
		return strings.TrimRight(string(data), "\n"), ""
	}
	return string(data[:idx]), string(data[idx+2:])
}
