package server

import (
	"errors"
	"io"
	"log/slog"
	"mime"
	"mime/multipart"
	"net/http"
	"path"
	"strconv"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	"github.com/go-chi/chi/v5"

	"dealerdesk/internal/engine"
)

// maxMultipartMemory is kept in memory per request; larger parts spill to
// temporary files.
const maxMultipartMemory = 32 << 20

// formOverhead covers multipart boundaries, part headers and text fields on
// top of the files themselves.
const formOverhead = 1 << 20

// registerUploads wires the multipart and download routes that huma's JSON
// binding does not cover.
func registerUploads(r chi.Router, basePath string, e engine.Engine) {
	maxBody := e.Rules.MaxBatchBytes() + formOverhead
	r.Post(path.Join(basePath, "tasks/{id}/status"), func(w http.ResponseWriter, req *http.Request) {
		actorID, authErr := actorIDFromContext(req.Context())
		if authErr != nil {
			respondStatusError(w, authErr)
			return
		}
		form, files, ferr := readProofForm(w, req, maxBody)
		if ferr != nil {
			respondStatusError(w, ferr)
			return
		}
		defer form.RemoveAll()
		defer closeUploads(files)
		status := formString(form, "status")
		if status == nil {
			respondStatusError(w, badRequest("status is required", map[string]any{"field": "status"}))
			return
		}
		sr := engine.StatusRequest{
			Status:         *status,
			CompleteForAll: formBool(form, "complete_for_all"),
			PreserveProofs: formBool(form, "preserve_proofs"),
			UserID:         formString(form, "user_id"),
			Comment:        formString(form, "comment"),
			Files:          uploadsOf(files),
		}
		v, err := e.UpdateStatus(req.Context(), actorID, chi.URLParam(req, "id"), sr)
		if err != nil {
			respondStatusError(w, handleError(err))
			return
		}
		respondJSON(w, http.StatusOK, v)
	})

	r.Post(path.Join(basePath, "responses/{id}/proofs"), func(w http.ResponseWriter, req *http.Request) {
		actorID, authErr := actorIDFromContext(req.Context())
		if authErr != nil {
			respondStatusError(w, authErr)
			return
		}
		form, files, ferr := readProofForm(w, req, maxBody)
		if ferr != nil {
			respondStatusError(w, ferr)
			return
		}
		defer form.RemoveAll()
		defer closeUploads(files)
		v, err := e.StoreProofs(req.Context(), actorID, chi.URLParam(req, "id"), uploadsOf(files))
		if err != nil {
			respondStatusError(w, handleError(err))
			return
		}
		respondJSON(w, http.StatusCreated, v)
	})

	r.Get(path.Join(basePath, "proofs/{kind}/{id}/download"), func(w http.ResponseWriter, req *http.Request) {
		q := req.URL.Query()
		f, err := e.OpenProof(req.Context(), chi.URLParam(req, "kind"), chi.URLParam(req, "id"), q.Get("expires"), q.Get("signature"))
		if err != nil {
			respondStatusError(w, handleError(err))
			return
		}
		defer f.Body.Close()
		w.Header().Set("Content-Type", f.MimeType)
		w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": f.Filename}))
		if f.Size > 0 {
			w.Header().Set("Content-Length", strconv.FormatInt(f.Size, 10))
		}
		w.Header().Set("Cache-Control", "private, no-store")
		w.WriteHeader(http.StatusOK)
		if _, err := io.Copy(w, f.Body); err != nil {
			slog.Warn("proof download interrupted", "proof_id", chi.URLParam(req, "id"), "error", err)
		}
	})
}

type openedUpload struct {
	header *multipart.FileHeader
	file   multipart.File
}

// readProofForm parses a multipart request of at most maxBody bytes and opens
// every proof_files part. The "proof_files[]" spelling is accepted too.
func readProofForm(w http.ResponseWriter, req *http.Request, maxBody int64) (*multipart.Form, []openedUpload, huma.StatusError) {
	req.Body = http.MaxBytesReader(w, req.Body, maxBody)
	if err := req.ParseMultipartForm(maxMultipartMemory); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return nil, nil, newAPIError(http.StatusRequestEntityTooLarge, "", "request body too large",
				map[string]any{"limit_bytes": tooLarge.Limit})
		}
		return nil, nil, badRequest("multipart/form-data body required", map[string]any{"error": err.Error()})
	}
	form := req.MultipartForm
	headers := append(form.File["proof_files"], form.File["proof_files[]"]...)
	files := make([]openedUpload, 0, len(headers))
	for _, h := range headers {
		f, err := h.Open()
		if err != nil {
			closeUploads(files)
			form.RemoveAll()
			return nil, nil, badRequest("unreadable upload", map[string]any{"filename": h.Filename})
		}
		files = append(files, openedUpload{header: h, file: f})
	}
	return form, files, nil
}

func badRequest(msg string, details map[string]any) huma.StatusError {
	return newAPIError(http.StatusBadRequest, "bad_request", msg, details)
}

func uploadsOf(files []openedUpload) []engine.FileUpload {
	out := make([]engine.FileUpload, 0, len(files))
	for _, f := range files {
		out = append(out, engine.FileUpload{
			Filename: f.header.Filename,
			MimeType: f.header.Header.Get("Content-Type"),
			Size:     f.header.Size,
			Body:     f.file,
		})
	}
	return out
}

func closeUploads(files []openedUpload) {
	for _, f := range files {
		f.file.Close()
	}
}

func formString(form *multipart.Form, key string) *string {
	vals := form.Value[key]
	if len(vals) == 0 {
		return nil
	}
	v := strings.TrimSpace(vals[0])
	if v == "" {
		return nil
	}
	return &v
}

func formBool(form *multipart.Form, key string) bool {
	v := formString(form, key)
	if v == nil {
		return false
	}
	b, err := strconv.ParseBool(*v)
	return err == nil && b
}
