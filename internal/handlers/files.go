package handlers

import (
	"fmt"
	"io"
	"net/http"
	"path"

	"github.com/go-chi/chi/v5"

	"github.com/yangjarod117/webssh/internal/sftpio"
)

// Files is set from main.go during init.
var Files *sftpio.Router

// maxUploadMemory bounds the in-memory portion of multipart parsing.
const maxUploadMemory = 32 << 20

// ListFiles returns the entries of a remote directory.
func ListFiles(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "id")
	dirPath := r.URL.Query().Get("path")
	if dirPath == "" {
		writeError(w, http.StatusBadRequest, CodeInvalidRequest, "path is required")
		return
	}

	entries, err := Files.List(sessionID, dirPath)
	if err != nil {
		writeMappedError(w, err, "failed to list directory")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"path": dirPath, "files": entries})
}

type createEntryRequest struct {
	Path string `json:"path"`
	Type string `json:"type"`
}

// CreateEntry creates an empty file or a directory.
func CreateEntry(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "id")
	var req createEntryRequest
	if err := decodeBody(r, &req); err != nil || req.Path == "" {
		writeError(w, http.StatusBadRequest, CodeInvalidRequest, "path is required")
		return
	}

	var err error
	switch req.Type {
	case "file":
		err = Files.CreateFile(sessionID, req.Path)
	case "directory":
		err = Files.CreateDirectory(sessionID, req.Path)
	default:
		writeError(w, http.StatusBadRequest, CodeInvalidRequest, "type must be file or directory")
		return
	}
	if err != nil {
		writeMappedError(w, err, "failed to create entry")
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"path": req.Path, "type": req.Type})
}

type renameRequest struct {
	Path    string `json:"path"`
	NewPath string `json:"newPath"`
}

// RenameEntry moves a remote path.
func RenameEntry(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "id")
	var req renameRequest
	if err := decodeBody(r, &req); err != nil || req.Path == "" || req.NewPath == "" {
		writeError(w, http.StatusBadRequest, CodeInvalidRequest, "path and newPath are required")
		return
	}

	if err := Files.Rename(sessionID, req.Path, req.NewPath); err != nil {
		writeMappedError(w, err, "failed to rename entry")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"oldPath": req.Path, "newPath": req.NewPath})
}

// DeleteEntry removes a file or (recursively) a directory.
func DeleteEntry(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "id")
	p := r.URL.Query().Get("path")
	if p == "" {
		writeError(w, http.StatusBadRequest, CodeInvalidRequest, "path is required")
		return
	}

	var err error
	if r.URL.Query().Get("type") == "directory" {
		err = Files.DeleteDirectory(sessionID, p)
	} else {
		err = Files.DeleteFile(sessionID, p)
	}
	if err != nil {
		writeMappedError(w, err, "failed to delete entry")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ReadFileContent returns a remote file's contents as a string.
func ReadFileContent(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "id")
	p := r.URL.Query().Get("path")
	if p == "" {
		writeError(w, http.StatusBadRequest, CodeInvalidRequest, "path is required")
		return
	}

	data, err := Files.Read(sessionID, p)
	if err != nil {
		writeMappedError(w, err, "failed to read file")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"path":    p,
		"content": string(data),
		"size":    len(data),
	})
}

type writeContentRequest struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

// WriteFileContent replaces a remote file's contents.
func WriteFileContent(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "id")
	var req writeContentRequest
	if err := decodeBody(r, &req); err != nil || req.Path == "" {
		writeError(w, http.StatusBadRequest, CodeInvalidRequest, "path is required")
		return
	}

	if err := Files.Write(sessionID, req.Path, []byte(req.Content)); err != nil {
		writeMappedError(w, err, "failed to write file")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"path": req.Path, "success": true})
}

// UploadFile receives a multipart upload and writes it to the remote
// directory given in the path field. The body is read fully into memory
// before the SFTP write starts.
func UploadFile(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "id")
	if err := r.ParseMultipartForm(maxUploadMemory); err != nil {
		writeError(w, http.StatusBadRequest, CodeInvalidRequest, "invalid multipart body")
		return
	}

	dir := r.FormValue("path")
	if dir == "" {
		writeError(w, http.StatusBadRequest, CodeInvalidRequest, "path is required")
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, CodeInvalidRequest, "file is required")
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		writeError(w, http.StatusInternalServerError, CodeInternal, "failed to read upload")
		return
	}

	dest := path.Join(dir, path.Base(header.Filename))
	if err := Files.Write(sessionID, dest, data); err != nil {
		writeMappedError(w, err, "failed to store upload")
		return
	}
	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"path":    dest,
		"size":    len(data),
		"success": true,
	})
}

// DownloadFile streams a remote file back as an attachment. The file is
// buffered fully before the response starts; directories are rejected.
func DownloadFile(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "id")
	p := r.URL.Query().Get("path")
	if p == "" {
		writeError(w, http.StatusBadRequest, CodeInvalidRequest, "path is required")
		return
	}

	entry, err := Files.Stat(sessionID, p)
	if err != nil {
		writeMappedError(w, err, "failed to stat file")
		return
	}
	if entry.Type == sftpio.TypeDirectory {
		writeError(w, http.StatusBadRequest, CodeInvalidRequest, "cannot download a directory")
		return
	}

	data, err := Files.Read(sessionID, p)
	if err != nil {
		writeMappedError(w, err, "failed to read file")
		return
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", path.Base(p)))
	w.Header().Set("Content-Length", fmt.Sprintf("%d", len(data)))
	w.Write(data)
}

// EntryExists reports whether a remote path exists.
func EntryExists(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "id")
	p := r.URL.Query().Get("path")
	if p == "" {
		writeError(w, http.StatusBadRequest, CodeInvalidRequest, "path is required")
		return
	}

	exists, err := Files.Exists(sessionID, p)
	if err != nil {
		writeMappedError(w, err, "failed to check path")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"path": p, "exists": exists})
}
