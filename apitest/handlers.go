package apitest

import (
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/StatsLateral/bonsaiway/core"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
	"github.com/sirupsen/logrus"
)

const maxUploadMemory = 32 << 20

type createInsightRequest struct {
	UserQuestion string `json:"user_question"`
}

// Seed creates n bonsais titled "Bonsai 1".."Bonsai n" for subject.
func (s *Server) Seed(subject string, n int) []core.Bonsai {
	out := make([]core.Bonsai, 0, n)
	for i := 1; i <= n; i++ {
		b := s.store.create(subject, core.BonsaiInput{Title: fmt.Sprintf("Bonsai %d", i)})
		out = append(out, *b)
	}
	return out
}

// Bonsais returns subject's collection as stored on the server.
func (s *Server) Bonsais(subject string) []core.Bonsai {
	return s.store.list(subject)
}

func (s *Server) handleListBonsais(w http.ResponseWriter, r *http.Request) {
	render.JSON(w, r, s.store.list(subjectFrom(r)))
}

func (s *Server) handleGetBonsai(w http.ResponseWriter, r *http.Request) {
	b, err := s.store.get(subjectFrom(r), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, http.StatusNotFound, "Bonsai not found")
		return
	}
	render.JSON(w, r, b)
}

func (s *Server) handleCreateBonsai(w http.ResponseWriter, r *http.Request) {
	var in core.BonsaiInput
	if err := render.DecodeJSON(r.Body, &in); err != nil {
		logrus.WithField("error", err).Warn("Failed to decode bonsai")
		writeError(w, r, http.StatusBadRequest, "Invalid request body")
		return
	}
	if strings.TrimSpace(in.Title) == "" {
		writeError(w, r, http.StatusUnprocessableEntity, "title is required")
		return
	}
	render.Status(r, http.StatusCreated)
	render.JSON(w, r, s.store.create(subjectFrom(r), in))
}

func (s *Server) handleCreateWithImage(w http.ResponseWriter, r *http.Request) {
	content, ok := readUpload(w, r)
	if !ok {
		return
	}
	in := core.BonsaiInput{
		Title:       r.FormValue("title"),
		Description: r.FormValue("description"),
	}
	if strings.TrimSpace(in.Title) == "" {
		writeError(w, r, http.StatusUnprocessableEntity, "title is required")
		return
	}

	subject := subjectFrom(r)
	created := s.store.create(subject, in)
	if _, err := s.store.addImage(subject, created.ID, s.URL, content); err != nil {
		writeError(w, r, http.StatusInternalServerError, "Failed to store image")
		return
	}
	b, err := s.store.get(subject, created.ID)
	if err != nil {
		writeError(w, r, http.StatusNotFound, "Bonsai not found")
		return
	}
	render.Status(r, http.StatusCreated)
	render.JSON(w, r, b)
}

func (s *Server) handleUpdateBonsai(w http.ResponseWriter, r *http.Request) {
	var in core.BonsaiInput
	if err := render.DecodeJSON(r.Body, &in); err != nil {
		writeError(w, r, http.StatusBadRequest, "Invalid request body")
		return
	}
	if strings.TrimSpace(in.Title) == "" {
		writeError(w, r, http.StatusUnprocessableEntity, "title is required")
		return
	}
	b, err := s.store.update(subjectFrom(r), chi.URLParam(r, "id"), in)
	if err != nil {
		writeError(w, r, http.StatusNotFound, "Bonsai not found")
		return
	}
	render.JSON(w, r, b)
}

func (s *Server) handleDeleteBonsai(w http.ResponseWriter, r *http.Request) {
	if err := s.store.delete(subjectFrom(r), chi.URLParam(r, "id")); err != nil {
		writeError(w, r, http.StatusNotFound, "Bonsai not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleUploadImage(w http.ResponseWriter, r *http.Request) {
	content, ok := readUpload(w, r)
	if !ok {
		return
	}
	img, err := s.store.addImage(subjectFrom(r), chi.URLParam(r, "id"), s.URL, content)
	if err != nil {
		writeError(w, r, http.StatusNotFound, "Bonsai not found")
		return
	}
	render.Status(r, http.StatusCreated)
	render.JSON(w, r, img)
}

func (s *Server) handleDeleteImage(w http.ResponseWriter, r *http.Request) {
	err := s.store.deleteImage(subjectFrom(r), chi.URLParam(r, "id"), chi.URLParam(r, "imageId"))
	if err != nil {
		writeError(w, r, http.StatusNotFound, "Image not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleFile(w http.ResponseWriter, r *http.Request) {
	content, ok := s.store.blob(chi.URLParam(r, "imageId"))
	if !ok {
		writeError(w, r, http.StatusNotFound, "File not found")
		return
	}
	w.Header().Set("Content-Type", content.ContentType)
	w.Write(content.Data)
}

func (s *Server) handleListInsights(w http.ResponseWriter, r *http.Request) {
	insights, err := s.store.listInsights(subjectFrom(r), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, http.StatusNotFound, "Bonsai not found")
		return
	}
	render.JSON(w, r, insights)
}

func (s *Server) handleCreateInsight(w http.ResponseWriter, r *http.Request) {
	var req createInsightRequest
	if err := render.DecodeJSON(r.Body, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, "Invalid request body")
		return
	}
	if strings.TrimSpace(req.UserQuestion) == "" {
		writeError(w, r, http.StatusUnprocessableEntity, "user_question is required")
		return
	}
	in, err := s.store.createInsight(subjectFrom(r), chi.URLParam(r, "id"), req.UserQuestion)
	if err != nil {
		writeError(w, r, http.StatusNotFound, "Bonsai not found")
		return
	}
	if s.AutoAnswer {
		// The created insight is returned pending; the answer shows up on the
		// next list, like a generation that finished in the background.
		s.AnswerPending()
	}
	render.Status(r, http.StatusCreated)
	render.JSON(w, r, in)
}

func (s *Server) handleDeleteInsight(w http.ResponseWriter, r *http.Request) {
	err := s.store.deleteInsight(subjectFrom(r), chi.URLParam(r, "id"), chi.URLParam(r, "insightId"))
	if err != nil {
		writeError(w, r, http.StatusNotFound, "Insight not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// readUpload reads the multipart "file" field. It writes the error response
// itself and reports false when the upload is unusable.
func readUpload(w http.ResponseWriter, r *http.Request) (blob, bool) {
	if err := r.ParseMultipartForm(maxUploadMemory); err != nil {
		logrus.WithField("error", err).Warn("Failed to parse multipart form")
		writeError(w, r, http.StatusBadRequest, "Invalid multipart body")
		return blob{}, false
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, r, http.StatusUnprocessableEntity, "file is required")
		return blob{}, false
	}
	defer file.Close()

	contentType := header.Header.Get("Content-Type")
	if !strings.HasPrefix(contentType, "image/") {
		writeError(w, r, http.StatusBadRequest, "File must be an image")
		return blob{}, false
	}
	data, err := io.ReadAll(file)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "Failed to read file")
		return blob{}, false
	}
	return blob{ContentType: contentType, Data: data}, true
}
