package api

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"assetvault/internal/service"
)

// FolderHandler 提供虚拟目录的增删改查。
type FolderHandler struct {
	folders *service.FolderService
	logger  *slog.Logger
}

func NewFolderHandler(folders *service.FolderService, logger *slog.Logger) *FolderHandler {
	return &FolderHandler{folders: folders, logger: logger.With(slog.String("component", "api.folders"))}
}

type createFolderRequest struct {
	Name       string `json:"name"`
	ParentPath string `json:"parentPath"`
}

type renameFolderRequest struct {
	Name string `json:"name"`
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxJSONBodyBytes))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func (h *FolderHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req createFolderRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, service.KindBadRequest, "invalid JSON body: "+err.Error())
		return
	}

	folder, err := h.folders.CreateFolder(r.Context(), req.Name, req.ParentPath)
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, folder)
}

func (h *FolderHandler) List(w http.ResponseWriter, r *http.Request) {
	parent := r.URL.Query().Get("parentPath")
	folders, err := h.folders.ListFolders(r.Context(), parent)
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"folders": folders})
}

func (h *FolderHandler) Rename(w http.ResponseWriter, r *http.Request) {
	id, ok := parseIDParam(w, r)
	if !ok {
		return
	}
	var req renameFolderRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, service.KindBadRequest, "invalid JSON body: "+err.Error())
		return
	}

	folder, err := h.folders.RenameFolder(r.Context(), id, req.Name)
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, folder)
}

// Delete 只删除空目录，非空时返回 400 NotEmpty。
func (h *FolderHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id, ok := parseIDParam(w, r)
	if !ok {
		return
	}
	if err := h.folders.DeleteFolder(r.Context(), id); err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "deleted": true})
}
