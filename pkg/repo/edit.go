package repo

import (
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/odvcencio/barehub/pkg/object"
)

// CommitSigner signs canonical commit payload bytes and returns an armored
// signature to be stored in the commit's gpgsig header.
type CommitSigner func(payload []byte) (string, error)

// EditRequest replaces the content of one file on a branch.
type EditRequest struct {
	Branch      string
	Path        string
	Content     string
	Message     string
	AuthorName  string
	AuthorEmail string
}

// EditResult describes the commit UpdateFile created.
type EditResult struct {
	Branch string
	Path   string
	Commit object.Hash
	Parent object.Hash
	Tree   object.Hash
}

// UpdateFile commits req.Content at req.Path on top of the branch head and
// advances the branch with compare-and-swap.
//
//  1. Validate the request
//  2. Resolve the branch head H
//  3. Write the blob
//  4. Rewrite the trees along the path, leaf to root
//  5. Write a commit with parent H, signed when a signer is configured
//  6. Move refs/heads/<branch> from H to the new commit. A symbolic branch
//     moves the ref its chain ends at.
//
// A branch that moved since step 2 fails with ErrConcurrentModification and
// leaves it untouched; the objects already written stay unreferenced.
func (r *Repo) UpdateFile(req EditRequest) (*EditResult, error) {
	parts, err := validateEdit(req)
	if err != nil {
		return nil, err
	}

	branch, err := r.resolveBranch(req.Branch)
	if err != nil {
		return nil, err
	}
	head, headCommit := branch.head, branch.commit

	blob, err := r.Store.WriteBlob(&object.Blob{Data: []byte(req.Content)})
	if err != nil {
		return nil, fmt.Errorf("write blob: %v: %w", err, ErrWriteFailed)
	}

	tree, err := r.EditTree(headCommit.TreeHash, parts, blob)
	if err != nil {
		return nil, err
	}

	message := req.Message
	if message != "" && !strings.HasSuffix(message, "\n") {
		message += "\n"
	}
	who := object.Signature{Name: req.AuthorName, Email: req.AuthorEmail, When: r.now()}
	commitObj := &object.CommitObj{
		TreeHash:  tree,
		Parents:   []object.Hash{head},
		Author:    who,
		Committer: who,
		Message:   message,
	}
	if r.Signer != nil {
		signature, err := r.Signer(object.CommitSigningPayload(commitObj))
		if err != nil {
			return nil, fmt.Errorf("sign commit: %v: %w", err, ErrWriteFailed)
		}
		commitObj.Signature = signature
	}

	commit, err := r.Store.WriteCommit(commitObj)
	if err != nil {
		return nil, fmt.Errorf("write commit: %v: %w", err, ErrWriteFailed)
	}

	err = r.ApplyRefUpdate(RefUpdate{
		Name:      branch.ref,
		New:       commit,
		Old:       branch.value,
		CheckOld:  true,
		Committer: who,
		Message:   "commit: " + commitObj.Summary(),
	})
	if err != nil {
		if errors.Is(err, ErrRefCASMismatch) {
			return nil, errorf(ErrConcurrentModification, "branch '%s' moved while committing", req.Branch)
		}
		return nil, fmt.Errorf("advance branch '%s': %v: %w", req.Branch, err, ErrRefUpdateFailed)
	}

	r.Logger.Debug("file updated",
		zap.String("branch", req.Branch),
		zap.String("path", req.Path),
		zap.String("commit", string(commit)),
		zap.String("parent", string(head)),
	)

	return &EditResult{
		Branch: req.Branch,
		Path:   req.Path,
		Commit: commit,
		Parent: head,
		Tree:   tree,
	}, nil
}

// validateEdit checks the request and returns the path components.
func validateEdit(req EditRequest) ([]string, error) {
	if strings.ContainsRune(req.Path, 0) {
		return nil, errorf(ErrInvalidInput, "path contains NUL")
	}
	parts, err := splitPath(req.Path)
	if err != nil || len(parts) == 0 {
		return nil, errorf(ErrInvalidInput, "path '%s' does not name a file", req.Path)
	}
	for _, part := range parts {
		if part == "." || part == ".." || strings.EqualFold(part, ".git") {
			return nil, errorf(ErrInvalidInput, "path '%s': component '%s' not allowed", req.Path, part)
		}
	}
	if err := validateIdent("name", req.AuthorName); err != nil {
		return nil, err
	}
	if err := validateIdent("email", req.AuthorEmail); err != nil {
		return nil, err
	}
	return parts, nil
}

func validateIdent(field, v string) error {
	if strings.TrimSpace(v) == "" {
		return errorf(ErrInvalidInput, "author %s is required", field)
	}
	if strings.ContainsAny(v, "<>\n\x00") {
		return errorf(ErrInvalidInput, "author %s contains '<', '>' or a newline", field)
	}
	return nil
}

// Confirmation renders the message returned to clients after an edit.
func (e *EditResult) Confirmation() string {
	return fmt.Sprintf("Updated '%s' in branch '%s' with commit %s", e.Path, e.Branch, e.Commit)
}
