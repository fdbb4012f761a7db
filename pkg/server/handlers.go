package server

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"go.uber.org/zap"

	"github.com/odvcencio/barehub/pkg/repo"
)

// maxEditBody bounds the JSON body of an edit.
const maxEditBody = 32 << 20

type infoResponse struct {
	Name       string  `json:"name"`
	MainBranch *string `json:"main_branch"`
}

// editRequest is the body of POST /api/blob/{branch}/{path...}. Every field
// must be present.
type editRequest struct {
	Content *string `json:"content"`
	Message *string `json:"message"`
	Name    *string `json:"name"`
	Email   *string `json:"email"`
}

func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	resp := infoResponse{Name: s.repo.Name()}
	if branch, ok := s.repo.DefaultBranch(); ok {
		resp.MainBranch = &branch
	}
	s.writeJSON(w, r, http.StatusOK, resp)
}

func (s *Server) handleBranches(w http.ResponseWriter, r *http.Request) {
	branches, err := s.repo.ListBranches()
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, r, http.StatusOK, branches)
}

func (s *Server) handleTree(w http.ResponseWriter, r *http.Request) {
	listing, err := s.repo.ListDirectory(r.PathValue("branch"), r.PathValue("path"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, r, http.StatusOK, listing)
}

func (s *Server) handleBlob(w http.ResponseWriter, r *http.Request) {
	text, err := s.repo.ReadFile(r.PathValue("branch"), r.PathValue("path"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = io.WriteString(w, text)
}

func (s *Server) handleEdit(w http.ResponseWriter, r *http.Request) {
	var body editRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxEditBody))
	if err := dec.Decode(&body); err != nil {
		if statusFor(err) == http.StatusRequestEntityTooLarge {
			s.writeError(w, r, err)
			return
		}
		s.writeError(w, r, fmt.Errorf("%w: %v", errBadRequestBody, err))
		return
	}
	for _, f := range []struct {
		name  string
		value *string
	}{
		{"content", body.Content},
		{"message", body.Message},
		{"name", body.Name},
		{"email", body.Email},
	} {
		if f.value == nil {
			s.writeError(w, r, fmt.Errorf("%w: missing field '%s'", errBadRequestBody, f.name))
			return
		}
	}

	res, err := s.repo.UpdateFile(repo.EditRequest{
		Branch:      r.PathValue("branch"),
		Path:        r.PathValue("path"),
		Content:     *body.Content,
		Message:     *body.Message,
		AuthorName:  *body.Name,
		AuthorEmail: *body.Email,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.hub.Notify()

	s.logger.WithRequestID(r.Context()).Info("file updated",
		zap.String("branch", res.Branch),
		zap.String("path", res.Path),
		zap.String("commit", string(res.Commit)),
	)
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = io.WriteString(w, res.Confirmation())
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = io.WriteString(w, "ok")
}

func (s *Server) writeJSON(w http.ResponseWriter, r *http.Request, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		s.writeError(w, r, fmt.Errorf("encode response: %w", err))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(data)
}
