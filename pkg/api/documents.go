package api

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/regtrace/regtrace/pkg/errkind"
	"github.com/regtrace/regtrace/pkg/ingest"
)

const multipartMemoryLimit = 10 << 20

func (s *Server) handleUploadDocument(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(multipartMemoryLimit); err != nil {
		writeProblem(w, r, http.StatusBadRequest, "VALIDATION", "expected multipart form with company_id, title, file")
		return
	}
	companyID := r.FormValue("company_id")
	title := r.FormValue("title")
	if companyID == "" {
		writeProblem(w, r, http.StatusBadRequest, "VALIDATION", "company_id is required")
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		writeProblem(w, r, http.StatusBadRequest, "VALIDATION", "file part is required")
		return
	}
	defer func() { _ = file.Close() }()

	data, err := io.ReadAll(io.LimitReader(file, ingest.MaxDocumentBytes+1))
	if err != nil {
		writeError(w, r, errkind.Wrap(errkind.Dependency, err, "read upload"))
		return
	}
	if title == "" {
		title = header.Filename
	}

	result, err := s.ingest.Upload(r.Context(), ingest.UploadInput{
		TenantID:    tenant(r),
		CompanyID:   companyID,
		Title:       title,
		ContentType: header.Header.Get("Content-Type"),
		Data:        data,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"document_id": result.Document.DocHash,
		"duplicate":   result.Duplicate,
		"pages":       result.Pages,
		"chunks":      result.Chunks,
	})
}

type autoDiscoverRequest struct {
	CompanyID    string `json:"company_id"`
	MaxDocuments int    `json:"max_documents"`
}

func (s *Server) handleAutoDiscover(w http.ResponseWriter, r *http.Request) {
	if s.discovery == nil {
		writeError(w, r, errkind.E(errkind.Dependency, "auto-discovery is not configured"))
		return
	}
	var req autoDiscoverRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeProblem(w, r, http.StatusBadRequest, "VALIDATION", "malformed JSON body")
		return
	}
	if req.CompanyID == "" {
		writeProblem(w, r, http.StatusBadRequest, "VALIDATION", "company_id is required")
		return
	}

	result, err := s.discovery.Discover(r.Context(), tenant(r), req.CompanyID, req.MaxDocuments)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}
