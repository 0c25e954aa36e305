package web

import (
	"errors"
	"fmt"
	"net/http"
	"path"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/JonMunkholm/stockimport/internal/core"
	"github.com/JonMunkholm/stockimport/internal/logging"
	"github.com/JonMunkholm/stockimport/internal/sheet"
)

// Multipart field names besides the option flags.
const (
	fieldFile          = "file"
	fieldOptions       = "options"
	fieldEstimatedRows = "estimated-rows"
)

// formMemory is how much of a multipart upload is kept in memory; the
// rest spills to temporary files.
const formMemory = 32 << 20

// uploadResponse is the body of POST /imports/{importType}.
type uploadResponse struct {
	JobID    string                `json:"jobId"`
	Status   core.JobStatus        `json:"status"`
	Decision core.ChannelDecision  `json:"decision"`
	Snapshot core.ProgressSnapshot `json:"snapshot"`
}

// handleUpload accepts a CSV or XLSX file and starts its import. Small
// files that finish within the inline wait answer 200 with the final
// snapshot; everything else answers 202 with the pending job.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	importType := chi.URLParam(r, "importType")
	if _, err := core.ParseImportType(importType); err != nil {
		s.respondError(w, r, err, http.StatusBadRequest)
		return
	}

	// Leave room for the form fields around the file.
	r.Body = http.MaxBytesReader(w, r.Body, s.service.MaxFileSize()+1<<20)
	if err := r.ParseMultipartForm(formMemory); err != nil {
		var maxBytes *http.MaxBytesError
		if errors.As(err, &maxBytes) {
			s.respondError(w, r, fmt.Errorf("%w: %v", core.ErrFileTooLarge, err), http.StatusRequestEntityTooLarge)
			return
		}
		s.respondError(w, r, fmt.Errorf("%w: %v", core.ErrNoFile, err), http.StatusBadRequest)
		return
	}

	file, header, err := r.FormFile(fieldFile)
	if err != nil {
		s.respondError(w, r, core.ErrNoFile, http.StatusBadRequest)
		return
	}
	defer file.Close()

	contentType := header.Header.Get("Content-Type")
	fileName, err := uploadFileName(header.Filename, contentType)
	if err != nil {
		s.respondError(w, r, err, http.StatusBadRequest)
		return
	}

	opts, err := parseUploadOptions(r)
	if err != nil {
		s.respondError(w, r, err, http.StatusBadRequest)
		return
	}

	rows, rowsUnparseable := core.ParseRowCount(r.FormValue(fieldEstimatedRows))
	ticket, err := s.service.StartImport(r.Context(), core.ImportRequest{
		TenantID:        tenantOf(r),
		ImportType:      importType,
		FileName:        fileName,
		ContentType:     contentType,
		Size:            header.Size,
		EstimatedRows:   rows,
		RowsUnparseable: rowsUnparseable,
		Body:            file,
		Options:         opts,
	})
	if err != nil {
		s.respondServiceError(w, r, err)
		return
	}

	status := http.StatusAccepted
	if ticket.Inline {
		status = http.StatusOK
	}
	writeJSON(w, status, uploadResponse{
		JobID:    ticket.Snapshot.JobID,
		Status:   ticket.Snapshot.Status,
		Decision: ticket.Decision,
		Snapshot: ticket.Snapshot,
	})
}

// uploadFileName validates the upload's format. Workers detect the format
// from the stored name alone, so a name without a known extension gets the
// one its content type implies.
func uploadFileName(name, contentType string) (string, error) {
	name = path.Base(strings.ReplaceAll(strings.TrimSpace(name), "\\", "/"))
	if name == "." || name == "/" {
		name = "upload"
	}
	format, err := sheet.DetectFormat(name, contentType)
	if err != nil {
		return "", err
	}
	if _, err := sheet.DetectFormat(name, ""); err != nil {
		name += "." + string(format)
	}
	return name, nil
}

// parseUploadOptions reads the options JSON field if present, otherwise
// the individual option flags.
func parseUploadOptions(r *http.Request) (core.ImportOptions, error) {
	if raw := r.FormValue(fieldOptions); strings.TrimSpace(raw) != "" {
		return core.ParseOptions([]byte(raw))
	}
	return core.ParseOptionFlags(map[string]string{
		core.FlagSkipHeader:              r.FormValue(core.FlagSkipHeader),
		core.FlagOverwriteExisting:       r.FormValue(core.FlagOverwriteExisting),
		core.FlagCreateMissingReferences: r.FormValue(core.FlagCreateMissingReferences),
		core.FlagSheet:                   r.FormValue(core.FlagSheet),
	})
}

// handleJobStatus returns the current snapshot of a job.
func (s *Server) handleJobStatus(w http.ResponseWriter, r *http.Request) {
	snap, err := s.service.Status(r.Context(), tenantOf(r), jobIDParam(r))
	if err != nil {
		s.respondServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// handleCancelJob requests cancellation. Cancelling a finished job is a
// no-op that returns its final snapshot.
func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	snap, err := s.service.Cancel(r.Context(), tenantOf(r), jobIDParam(r))
	if err != nil {
		s.respondServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// handleClassify runs the channel classifier on client supplied metadata.
func (s *Server) handleClassify(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	decision := s.service.ClassifyRaw(q.Get("size"), q.Get("rows"), q.Get("type"))
	writeJSON(w, http.StatusOK, decision)
}

// handleHealth reports liveness, worker slot usage and the number of jobs
// that have not finished.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := s.service.LimiterStatus()
	jobs := s.service.Registry().Active()
	logging.FromContext(r.Context()).Debug("health check", "active_imports", status.Active, "active_jobs", jobs)
	writeJSON(w, http.StatusOK, map[string]any{
		"status":      "ok",
		"workers":     status,
		"active_jobs": jobs,
	})
}
