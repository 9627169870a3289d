package api

import (
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/dunamismax/mdflow/internal/domain"
)

const (
	multipartOverhead = 1 << 20
	maxFieldBytes     = 64 << 10
	sniffLen          = 512
)

var allowedUploadTypes = map[string]bool{
	"application/pdf":          true,
	"application/x-pdf":        true,
	"application/octet-stream": true,
}

type upload struct {
	path       string
	filename   string
	size       int64
	settings   []byte
	webhookURL string
}

func (s *Server) handleConvert(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxUploadBytes+multipartOverhead)

	u, err := s.readUpload(r)
	if err != nil {
		s.discard(u.path)
		writeError(w, err)
		return
	}

	settings, err := domain.ParseSettings(u.settings)
	if err == nil {
		err = validateWebhookURL(u.webhookURL)
	}
	if err != nil {
		s.discard(u.path)
		writeError(w, err)
		return
	}

	job, err := s.jobStore.Create(r.Context(), domain.NewJob{
		Input:      domain.NewInputDescriptor(u.filename, u.size),
		Settings:   settings,
		WebhookURL: u.webhookURL,
	})
	if err != nil {
		s.discard(u.path)
		s.logger.Error("create conversion failed", zap.Error(err))
		writeError(w, &requestError{status: http.StatusInternalServerError, message: "failed to create conversion"})
		return
	}

	logger := s.logger.With(zap.String("job_id", job.ID))
	logger.Info("conversion accepted",
		zap.String("filename", job.Input.Filename),
		zap.Int64("size_bytes", job.Input.Size),
		zap.String("dispatcher", s.dispatcher.Name()),
	)

	if err := s.dispatcher.Dispatch(r.Context(), job, u.path); err != nil {
		s.metrics.dispatchTotal.WithLabelValues(s.dispatcher.Name(), "error").Inc()
		s.discard(u.path)
		logger.Error("dispatch conversion failed", zap.Error(err))
		if _, uerr := s.jobStore.Update(r.Context(), job.ID, domain.FailedPatch("Failed to dispatch conversion: "+err.Error())); uerr != nil {
			logger.Error("record dispatch failure failed", zap.Error(uerr))
		}
		writeError(w, &requestError{status: http.StatusInternalServerError, message: "failed to start conversion"})
		return
	}
	s.metrics.dispatchTotal.WithLabelValues(s.dispatcher.Name(), "ok").Inc()

	writeJSON(w, http.StatusOK, job)
}

func (s *Server) readUpload(r *http.Request) (upload, error) {
	var u upload

	mr, err := r.MultipartReader()
	if err != nil {
		return u, &domain.ValidationError{Message: "expected a multipart/form-data body"}
	}

	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return u, s.bodyError(err)
		}

		switch part.FormName() {
		case "file":
			if u.path != "" {
				part.Close()
				return u, &domain.ValidationError{Field: "file", Message: "only one file may be uploaded"}
			}
			err = s.saveUpload(part, &u)
		case "settings":
			u.settings, err = readField(part)
		case "webhookUrl":
			var raw []byte
			raw, err = readField(part)
			u.webhookURL = strings.TrimSpace(string(raw))
		}
		part.Close()
		if err != nil {
			return u, s.bodyError(err)
		}
	}

	if u.path == "" {
		return u, &domain.ValidationError{Message: "No file uploaded"}
	}
	return u, nil
}

func (s *Server) saveUpload(part *multipart.Part, u *upload) error {
	u.filename = uploadFilename(part.FileName())

	if declared := part.Header.Get("Content-Type"); declared != "" {
		mediaType, _, err := mime.ParseMediaType(declared)
		if err != nil || !allowedUploadTypes[strings.ToLower(mediaType)] {
			return errNotPDF
		}
	}

	head := make([]byte, sniffLen)
	n, err := io.ReadFull(part, head)
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
		return err
	}
	head = head[:n]
	if n == 0 {
		return &domain.ValidationError{Field: "file", Message: "uploaded file is empty"}
	}
	if http.DetectContentType(head) != "application/pdf" {
		return errNotPDF
	}

	f, err := os.CreateTemp(s.uploadsDir, "upload-*.pdf")
	if err != nil {
		return fmt.Errorf("create upload file: %w", err)
	}
	u.path = f.Name()
	defer f.Close()

	if _, err := f.Write(head); err != nil {
		return fmt.Errorf("write upload file: %w", err)
	}
	copied, err := io.Copy(f, io.LimitReader(part, s.maxUploadBytes-int64(n)+1))
	if err != nil {
		return err
	}
	u.size = int64(n) + copied
	if u.size > s.maxUploadBytes {
		return s.tooLarge()
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close upload file: %w", err)
	}
	return nil
}

var errNotPDF = &domain.ValidationError{Field: "file", Message: "Only PDF files are allowed"}

func (s *Server) tooLarge() error {
	return &domain.ValidationError{
		Field:   "file",
		Message: fmt.Sprintf("file exceeds the maximum upload size of %.0f MB", float64(s.maxUploadBytes)/1024/1024),
	}
}

func (s *Server) bodyError(err error) error {
	var maxErr *http.MaxBytesError
	switch {
	case errors.As(err, &maxErr):
		return s.tooLarge()
	case domain.IsValidation(err):
		return err
	case errors.Is(err, io.ErrUnexpectedEOF), strings.Contains(err.Error(), "multipart"):
		return &domain.ValidationError{Message: "malformed multipart body"}
	default:
		return err
	}
}

func readField(r io.Reader) ([]byte, error) {
	raw, err := io.ReadAll(io.LimitReader(r, maxFieldBytes+1))
	if err != nil {
		return nil, err
	}
	if len(raw) > maxFieldBytes {
		return nil, &domain.ValidationError{Message: "form field exceeds 64 KiB"}
	}
	return raw, nil
}

func uploadFilename(name string) string {
	name = strings.ReplaceAll(name, "\\", "/")
	name = strings.TrimSpace(filepath.Base(name))
	if name == "" || name == "." || name == "/" {
		return "document.pdf"
	}
	return name
}

func validateWebhookURL(raw string) error {
	if raw == "" {
		return nil
	}
	parsed, err := url.Parse(raw)
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") || parsed.Host == "" {
		return &domain.ValidationError{Field: "webhookUrl", Message: "must be an absolute http(s) URL"}
	}
	return nil
}

func (s *Server) discard(path string) {
	if path == "" {
		return
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		s.logger.Warn("remove upload failed", zap.String("path", path), zap.Error(err))
	}
}
