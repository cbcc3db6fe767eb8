package routes

import (
	"encoding/json"
	"fmt"
	"log"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gorilla/mux"
)

// FilesystemRoutes handles the filesystem browse/mkdir endpoints, which
// the teacher's web UI depends on to let an operator pick a working
// directory before creating a session.
type FilesystemRoutes struct{}

// NewFilesystemRoutes creates a FilesystemRoutes handler.
func NewFilesystemRoutes() *FilesystemRoutes {
	return &FilesystemRoutes{}
}

// RegisterRoutes registers the filesystem endpoints.
func (fr *FilesystemRoutes) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/fs/browse", fr.handleBrowseFS).Methods("GET")
	r.HandleFunc("/fs/info", fr.handleFileInfo).Methods("GET")
	r.HandleFunc("/mkdir", fr.handleMkdir).Methods("POST")
}

// FSEntry describes one entry in a directory listing.
type FSEntry struct {
	Name    string `json:"name"`
	Path    string `json:"path"`
	IsDir   bool   `json:"isDir"`
	Size    int64  `json:"size"`
	ModTime string `json:"modTime"`
}

// FileInfo describes a single file's metadata.
type FileInfo struct {
	Name     string    `json:"name"`
	Size     int64     `json:"size"`
	MimeType string    `json:"mimeType"`
	ModTime  time.Time `json:"modTime"`
	IsDir    bool      `json:"isDir"`
}

func resolvePath(path string) (string, error) {
	if path == "" {
		path = "~"
	}
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		if path == "~" {
			path = home
		} else {
			path = filepath.Join(home, path[2:])
		}
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("resolve absolute path: %w", err)
	}
	return abs, nil
}

// browseDirectory lists a directory's immediate children in the name order
// os.ReadDir returns; directories are not grouped first here (the web
// client sorts).
func browseDirectory(path string) ([]FSEntry, error) {
	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, err
	}
	out := make([]FSEntry, 0, len(entries))
	for _, e := range entries {
		info, err := e.Info()
		if err != nil {
			continue
		}
		out = append(out, FSEntry{
			Name:    e.Name(),
			Path:    filepath.Join(path, e.Name()),
			IsDir:   e.IsDir(),
			Size:    info.Size(),
			ModTime: info.ModTime().Format(time.RFC3339),
		})
	}
	return out, nil
}

func getFileInfo(path string) (FileInfo, error) {
	stat, err := os.Stat(path)
	if err != nil {
		return FileInfo{}, err
	}
	mimeType := mime.TypeByExtension(filepath.Ext(path))
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}
	return FileInfo{
		Name:     stat.Name(),
		Size:     stat.Size(),
		MimeType: mimeType,
		ModTime:  stat.ModTime(),
		IsDir:    stat.IsDir(),
	}, nil
}

func (fr *FilesystemRoutes) handleBrowseFS(w http.ResponseWriter, r *http.Request) {
	absPath, err := resolvePath(r.URL.Query().Get("path"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	entries, err := browseDirectory(absPath)
	if err != nil {
		if os.IsNotExist(err) {
			writeError(w, http.StatusNotFound, "directory not found")
			return
		}
		log.Printf("browse directory %s: %v", absPath, err)
		writeError(w, http.StatusInternalServerError, "failed to read directory")
		return
	}

	writeJSON(w, http.StatusOK, struct {
		AbsolutePath string    `json:"absolutePath"`
		Files        []FSEntry `json:"files"`
	}{AbsolutePath: absPath, Files: entries})
}

func (fr *FilesystemRoutes) handleFileInfo(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Query().Get("path")
	if path == "" {
		writeError(w, http.StatusBadRequest, "path parameter is required")
		return
	}

	info, err := getFileInfo(path)
	if err != nil {
		if os.IsNotExist(err) {
			writeError(w, http.StatusNotFound, "file not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (fr *FilesystemRoutes) handleMkdir(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Path string `json:"path"`
		Name string `json:"name,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	fullPath := req.Path
	if req.Name != "" {
		fullPath = filepath.Join(req.Path, req.Name)
	}
	if fullPath == "" {
		writeError(w, http.StatusBadRequest, "path is required")
		return
	}

	resolved, err := resolvePath(fullPath)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := os.MkdirAll(resolved, 0o755); err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("failed to create directory: %v", err))
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true, "path": resolved})
}
