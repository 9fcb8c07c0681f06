// Copyright 2025 Kadir Pekel
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package server

import (
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/kadirpekel/warder/pkg/orchestrator"
)

// multipartOverhead is allowed on top of the upload limit for the form
// framing and the other fields.
const multipartOverhead = 1 << 20

// handleUploadDocument accepts a multipart form with the document in the
// "file" field and an optional "strategy".
func (s *HTTPServer) handleUploadDocument(w http.ResponseWriter, r *http.Request) {
	limit := int64(s.serverCfg.MaxUploadBytes)
	if limit <= 0 {
		limit = 32 << 20
	}
	r.Body = http.MaxBytesReader(w, r.Body, limit+multipartOverhead)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "document too large")
			return
		}
		writeError(w, http.StatusBadRequest, "invalid multipart form: "+err.Error())
		return
	}
	defer func() { _ = r.MultipartForm.RemoveAll() }()

	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "missing file field")
		return
	}
	defer file.Close()

	data, err := io.ReadAll(io.LimitReader(file, limit+1))
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read upload: "+err.Error())
		return
	}
	if int64(len(data)) > limit {
		writeError(w, http.StatusRequestEntityTooLarge, "document too large")
		return
	}

	d, err := s.orch.UploadDocument(r.Context(), orchestrator.UploadRequest{
		OwnerID:  owner(r, r.FormValue("owner")),
		Filename: header.Filename,
		MimeType: header.Header.Get("Content-Type"),
		Strategy: r.FormValue("strategy"),
		Data:     data,
	})
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, d)
}

func (s *HTTPServer) handleListDocuments(w http.ResponseWriter, r *http.Request) {
	docs, err := s.orch.ListDocuments(r.Context(), owner(r, r.URL.Query().Get("owner")))
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"documents": docs, "count": len(docs)})
}

func (s *HTTPServer) handleGetDocument(w http.ResponseWriter, r *http.Request) {
	d, err := s.orch.GetDocument(r.Context(), owner(r, ""), chi.URLParam(r, "id"))
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

type updateDocumentBody struct {
	Filename *string           `json:"filename,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// handleUpdateDocument renames a document or merges its metadata.
func (s *HTTPServer) handleUpdateDocument(w http.ResponseWriter, r *http.Request) {
	var body updateDocumentBody
	if err := decodeJSON(w, r, &body); err != nil {
		fail(w, r, err)
		return
	}
	d, err := s.orch.UpdateDocument(r.Context(), owner(r, ""), chi.URLParam(r, "id"), orchestrator.UpdateDocumentRequest{
		Filename: body.Filename,
		Metadata: body.Metadata,
	})
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (s *HTTPServer) handleDeleteDocument(w http.ResponseWriter, r *http.Request) {
	if err := s.orch.DeleteDocument(r.Context(), owner(r, ""), chi.URLParam(r, "id")); err != nil {
		fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleIngestDocument re-runs ingestion of a document.
func (s *HTTPServer) handleIngestDocument(w http.ResponseWriter, r *http.Request) {
	d, err := s.orch.IngestDocument(r.Context(), owner(r, ""), chi.URLParam(r, "id"))
	if err != nil {
		// the failure is recorded on the document
		if d != nil {
			writeJSON(w, http.StatusUnprocessableEntity, d)
			return
		}
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}
