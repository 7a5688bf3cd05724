package pipeline

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/oswin26/Invoice-AI/internal/compare"
	"github.com/oswin26/Invoice-AI/internal/invoice"
	"github.com/oswin26/Invoice-AI/internal/vision"
)

// maxUploadSize bounds multipart uploads (high-resolution phone photos can
// be large).
const maxUploadSize = int64(50 << 20) // 50MB

// setCORSHeaders sets CORS headers on a response.
func setCORSHeaders(w http.ResponseWriter) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
	w.Header().Set("Access-Control-Max-Age", "3600")
}

// writeJSON writes a JSON response with CORS headers.
func writeJSON(w http.ResponseWriter, status int, payload any) {
	setCORSHeaders(w)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		slog.Error("Error encoding response", "error", err)
	}
}

// writeError writes a JSON error response with a status derived from the
// pipeline's error taxonomy: input-stage and misuse errors are the
// caller's to fix, model-dependency failures are upstream problems.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, vision.ErrUnsupportedFormat):
		status = http.StatusUnsupportedMediaType
	case errors.Is(err, vision.ErrCorruptDocument),
		errors.Is(err, compare.ErrInsufficientInput):
		status = http.StatusBadRequest
	case errors.Is(err, invoice.ErrMalformedResponse),
		errors.Is(err, vision.ErrModelRejected):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, vision.ErrModelUnavailable):
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

// handleInfo reports the service name so callers can probe the API root.
func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"service": "invoice-ai",
		"schema":  vision.SchemaVersion,
	})
}

// handleListInvoices returns a list of all stored invoices.
func (s *Server) handleListInvoices(w http.ResponseWriter, r *http.Request) {
	invoices, err := s.service.ListInvoices()
	if err != nil {
		slog.Error("Error listing invoices", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "Internal server error"})
		return
	}
	writeJSON(w, http.StatusOK, invoices)
}

// readUpload pulls the uploaded document out of a multipart form.
func readUpload(r *http.Request) (data []byte, filename, contentType string, err error) {
	if err := r.ParseMultipartForm(maxUploadSize); err != nil {
		return nil, "", "", errors.New("error parsing form; maximum upload size is 50MB")
	}

	f, header, err := r.FormFile("file")
	if err != nil {
		return nil, "", "", errors.New("no file was provided; choose a file to upload")
	}
	defer f.Close()

	if header.Size > maxUploadSize {
		return nil, "", "", errors.New("file is too large; maximum size is 50MB")
	}

	data, err = io.ReadAll(f)
	if err != nil {
		return nil, "", "", errors.New("error reading file")
	}

	return data, header.Filename, uploadContentType(header), nil
}

// uploadContentType resolves the document media type from the part header,
// falling back to the file extension when the browser did not send one.
func uploadContentType(header *multipart.FileHeader) string {
	contentType := header.Header.Get("Content-Type")
	if contentType != "" && contentType != "application/octet-stream" {
		return contentType
	}
	switch strings.ToLower(filepath.Ext(header.Filename)) {
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".png":
		return "image/png"
	case ".gif":
		return "image/gif"
	case ".heic":
		return "image/heic"
	case ".heif":
		return "image/heif"
	case ".pdf":
		return "application/pdf"
	default:
		return contentType
	}
}

// handleUploadInvoice extracts an uploaded document and stores the record.
func (s *Server) handleUploadInvoice(w http.ResponseWriter, r *http.Request) {
	data, filename, contentType, err := readUpload(r)
	if err != nil {
		slog.Error("Error reading upload", "error", err)
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	stored, err := s.service.ProcessInvoice(r.Context(), filename, data, contentType)
	if err != nil {
		slog.Error("Error processing invoice", "filename", filename, "error", err)
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, stored)
}

// handleGetInvoice returns one stored invoice.
func (s *Server) handleGetInvoice(w http.ResponseWriter, r *http.Request) {
	stored, err := s.service.GetInvoice(r.PathValue("id"))
	if err != nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "Invoice not found"})
		return
	}
	writeJSON(w, http.StatusOK, stored)
}

// handleDeleteInvoice removes a stored invoice.
func (s *Server) handleDeleteInvoice(w http.ResponseWriter, r *http.Request) {
	if err := s.service.DeleteInvoice(r.PathValue("id")); err != nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "Invoice not found"})
		return
	}
	setCORSHeaders(w)
	w.WriteHeader(http.StatusNoContent)
}

// handleGetInvoiceFile serves the original uploaded document.
func (s *Server) handleGetInvoiceFile(w http.ResponseWriter, r *http.Request) {
	data, contentType, err := s.service.GetInvoiceFile(r.PathValue("id"))
	if err != nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "Invoice not found"})
		return
	}
	setCORSHeaders(w)
	w.Header().Set("Content-Type", contentType)
	w.Write(data)
}

// handleCompare diffs stored invoices referenced by ID.
func (s *Server) handleCompare(w http.ResponseWriter, r *http.Request) {
	var req struct {
		InvoiceIDs []string `json:"invoice_ids"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "Invalid request body"})
		return
	}

	report, err := s.service.CompareStored(req.InvoiceIDs)
	if err != nil {
		slog.Error("Error comparing invoices", "invoice_ids", req.InvoiceIDs, "error", err)
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// handleAsk answers a free-form question about an uploaded document.
func (s *Server) handleAsk(w http.ResponseWriter, r *http.Request) {
	data, filename, contentType, err := readUpload(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	question := r.FormValue("question")
	if strings.TrimSpace(question) == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "question is required"})
		return
	}

	answer, err := s.service.Ask(r.Context(), vision.RawDocument{Data: data, MediaType: contentType}, question)
	if err != nil {
		slog.Error("Error answering question", "filename", filename, "error", err)
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"answer": answer})
}

// handleStats aggregates stored invoices.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.service.GetStats()
	if err != nil {
		slog.Error("Error computing stats", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "Internal server error"})
		return
	}
	writeJSON(w, http.StatusOK, stats)
}
