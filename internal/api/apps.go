package api

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/kvross/apphost/internal/lifecycle"
	"github.com/kvross/apphost/internal/metastore"
)

// appResponse is the JSON shape returned for a single app record.
type appResponse struct {
	AppID              string `json:"app_id"`
	Name               string `json:"name,omitempty"`
	CreatedAt          string `json:"created_at"`
	UpdatedAt          string `json:"updated_at"`
	Status             string `json:"status"`
	Port               int    `json:"port,omitempty"`
	PID                int    `json:"pid,omitempty"`
	Error              string `json:"error,omitempty"`
	RequirementsDigest string `json:"requirements_digest,omitempty"`
	EntryDigest        string `json:"entry_digest,omitempty"`
	AccessURL          string `json:"access_url,omitempty"`
}

func (s *Server) recordToResponse(rec *metastore.Record) appResponse {
	resp := appResponse{
		AppID:              rec.AppID,
		Name:               rec.Name,
		CreatedAt:          rec.CreatedAt.Format(time.RFC3339Nano),
		UpdatedAt:          rec.UpdatedAt.Format(time.RFC3339Nano),
		Status:             string(rec.Status),
		Port:               rec.Port,
		PID:                rec.PID,
		Error:              rec.Error,
		RequirementsDigest: rec.RequirementsDigest,
		EntryDigest:        rec.EntryDigest,
	}
	if s.cfg.PublicBase != "" {
		resp.AccessURL = fmt.Sprintf("%s/apps/%s/", strings.TrimRight(s.cfg.PublicBase, "/"), rec.AppID)
	}
	return resp
}

// handleListApps returns every app, sorted by creation time descending.
func (s *Server) handleListApps(w http.ResponseWriter, r *http.Request) {
	recs, err := s.lifecycle.List()
	if err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("list apps: %v", err))
		return
	}
	resp := make([]appResponse, 0, len(recs))
	for _, rec := range recs {
		resp = append(resp, s.recordToResponse(rec))
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleGetApp returns one app's record.
func (s *Server) handleGetApp(w http.ResponseWriter, r *http.Request) {
	rec, err := s.lifecycle.Get(pathParam(r, "id"))
	if err != nil {
		s.writeLifecycleError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.recordToResponse(rec))
}

// handleCreateApp stages the uploaded manifest and entry script under the
// tmp directory and dispatches app creation. Both files are required.
func (s *Server) handleCreateApp(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("parse upload: %v", err))
		return
	}

	staging, err := os.MkdirTemp(s.cfg.TmpDir, "upload-")
	if err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("stage upload: %v", err))
		return
	}
	defer os.RemoveAll(staging)

	name := r.FormValue("name")
	requirementsPath, err := stageFormFile(r, "requirements", staging)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("requirements: %v", err))
		return
	}
	entryPath, err := stageFormFile(r, "app", staging)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("app: %v", err))
		return
	}
	if requirementsPath == "" || entryPath == "" {
		writeError(w, http.StatusBadRequest, "both requirements and app files are required")
		return
	}

	rec, err := s.lifecycle.Create(name, requirementsPath, entryPath)
	if err != nil {
		s.writeLifecycleError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.recordToResponse(rec))
}

// handleUpdateApp replaces whichever of name/requirements/app were
// supplied in the multipart body; all are optional.
func (s *Server) handleUpdateApp(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("parse upload: %v", err))
		return
	}

	staging, err := os.MkdirTemp(s.cfg.TmpDir, "upload-")
	if err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("stage upload: %v", err))
		return
	}
	defer os.RemoveAll(staging)

	var namePtr *string
	if r.MultipartForm != nil {
		if _, ok := r.MultipartForm.Value["name"]; ok {
			name := r.FormValue("name")
			namePtr = &name
		}
	}

	requirementsPath, err := stageFormFile(r, "requirements", staging)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("requirements: %v", err))
		return
	}
	entryPath, err := stageFormFile(r, "app", staging)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("app: %v", err))
		return
	}

	rec, err := s.lifecycle.Update(pathParam(r, "id"), namePtr, requirementsPath, entryPath)
	if err != nil {
		s.writeLifecycleError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.recordToResponse(rec))
}

// handleStartApp (re)dispatches provisioning for an app.
func (s *Server) handleStartApp(w http.ResponseWriter, r *http.Request) {
	rec, err := s.lifecycle.Start(pathParam(r, "id"))
	if err != nil {
		s.writeLifecycleError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"app_id": rec.AppID,
		"status": rec.Status,
		"port":   rec.Port,
	})
}

// handleStopApp kills the app's process tree, idempotently.
func (s *Server) handleStopApp(w http.ResponseWriter, r *http.Request) {
	rec, err := s.lifecycle.Stop(pathParam(r, "id"))
	if err != nil {
		s.writeLifecycleError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"app_id": rec.AppID,
		"status": rec.Status,
	})
}

// handleDeleteApp stops (best-effort) and removes an app's directory.
func (s *Server) handleDeleteApp(w http.ResponseWriter, r *http.Request) {
	appID := pathParam(r, "id")
	if err := s.lifecycle.Delete(appID); err != nil {
		s.writeLifecycleError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"deleted": true,
		"app_id":  appID,
	})
}

// handleTailLogs returns the last n lines of an app's run log; n is
// clamped to [50, 5000] by the log writer.
func (s *Server) handleTailLogs(w http.ResponseWriter, r *http.Request) {
	appID := pathParam(r, "id")
	n := 200
	if v := r.URL.Query().Get("tail"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			n = parsed
		}
	}

	logs, err := s.lifecycle.TailLogs(appID, n)
	if err != nil {
		s.writeLifecycleError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"app_id": appID,
		"logs":   logs,
	})
}

// writeLifecycleError translates a lifecycle sentinel error into its
// HTTP status code.
func (s *Server) writeLifecycleError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, lifecycle.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, lifecycle.ErrIdCollision):
		writeError(w, http.StatusInternalServerError, err.Error())
	case errors.Is(err, lifecycle.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, lifecycle.ErrConflictingState):
		writeError(w, http.StatusConflict, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

const maxUploadBytes = 32 << 20 // 32MiB, generous for a requirements.txt + a single entry script

// stageFormFile copies a multipart file field into dir and returns the
// staged path, or "" if the field was not supplied at all.
func stageFormFile(r *http.Request, field, dir string) (string, error) {
	f, _, err := r.FormFile(field)
	if err != nil {
		if err == http.ErrMissingFile {
			return "", nil
		}
		return "", err
	}
	defer f.Close()

	path := filepath.Join(dir, field)
	dst, err := os.Create(path)
	if err != nil {
		return "", err
	}
	defer dst.Close()
	if _, err := io.Copy(dst, f); err != nil {
		return "", err
	}
	return path, nil
}
