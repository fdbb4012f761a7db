package repo

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/odvcencio/barehub/pkg/object"
)

// ReflogEntry is one line of logs/<ref>.
type ReflogEntry struct {
	Ref       string
	OldHash   object.Hash
	NewHash   object.Hash
	Committer object.Signature
	Message   string
}

func (r *Repo) reflogPath(ref string) string {
	return filepath.Join(r.GitDir, "logs", filepath.FromSlash(ref))
}

// shouldLogRef follows git: append when the log already exists, or when
// core.logAllRefUpdates asks for it.
func (r *Repo) shouldLogRef(ref string) bool {
	if _, err := os.Stat(r.reflogPath(ref)); err == nil {
		return true
	}
	cfg, err := r.ReadConfig()
	if err != nil {
		return false
	}
	if cfg.LogAlways {
		return true
	}
	return cfg.LogAllRefUpdates &&
		(strings.HasPrefix(ref, "refs/heads/") || strings.HasPrefix(ref, "refs/remotes/") || strings.HasPrefix(ref, "refs/notes/"))
}

// appendReflog writes "<old> <new> <ident>\t<message>" to logs/<ref>.
func (r *Repo) appendReflog(ref string, oldHash, newHash object.Hash, who object.Signature, message string) error {
	if !r.shouldLogRef(ref) {
		return nil
	}
	if oldHash == "" {
		oldHash = object.ZeroHash
	}
	if newHash == "" {
		newHash = object.ZeroHash
	}
	if who.Name == "" {
		who.Name = "barehub"
	}
	if who.When.IsZero() {
		who.When = r.now()
	}
	message = strings.ReplaceAll(strings.TrimSpace(message), "\n", " ")

	logPath := r.reflogPath(ref)
	if err := os.MkdirAll(filepath.Dir(logPath), 0o755); err != nil {
		return fmt.Errorf("reflog mkdir: %w", err)
	}
	f, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("reflog open: %w", err)
	}
	defer f.Close()

	line := fmt.Sprintf("%s %s %s\t%s\n", oldHash, newHash, object.FormatSignature(who), message)
	if _, err := f.WriteString(line); err != nil {
		return fmt.Errorf("reflog write: %w", err)
	}
	return nil
}

// ReadReflog returns up to limit entries for ref, newest first. A ref
// without a log yields no entries.
func (r *Repo) ReadReflog(ref string, limit int) ([]ReflogEntry, error) {
	f, err := os.Open(r.reflogPath(ref))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read reflog: %w", err)
	}
	defer f.Close()

	var entries []ReflogEntry
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		head, message, _ := strings.Cut(line, "\t")
		parts := strings.SplitN(head, " ", 3)
		if len(parts) < 3 {
			continue
		}
		who, err := object.ParseSignature(parts[2])
		if err != nil {
			continue
		}
		entries = append(entries, ReflogEntry{
			Ref:       ref,
			OldHash:   object.Hash(parts[0]),
			NewHash:   object.Hash(parts[1]),
			Committer: who,
			Message:   message,
		})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read reflog: %w", err)
	}

	// Return newest first.
	for i, j := 0, len(entries)-1; i < j; i, j = i+1, j-1 {
		entries[i], entries[j] = entries[j], entries[i]
	}
	if limit > 0 && len(entries) > limit {
		entries = entries[:limit]
	}
	return entries, nil
}
