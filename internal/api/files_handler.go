package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"

	"assetvault/internal/middleware"
	"assetvault/internal/service"

	"github.com/go-chi/chi/v5"
)

const (
	multipartMemoryBudget int64 = 16 * 1024 * 1024
	maxJSONBodyBytes      int64 = 1 << 20
)

// 上传表单中可承载文件的字段名，按优先级排列。
var uploadFields = []string{"files[]", "files", "file"}

// FileHandler 提供上传与文件元数据管理端点。
type FileHandler struct {
	upload        *service.UploadService
	catalog       *service.CatalogService
	maxUploadSize int64
	logger        *slog.Logger
}

func NewFileHandler(upload *service.UploadService, catalog *service.CatalogService, maxUploadSize int64, logger *slog.Logger) *FileHandler {
	return &FileHandler{
		upload:        upload,
		catalog:       catalog,
		maxUploadSize: maxUploadSize,
		logger:        logger.With(slog.String("component", "api.files")),
	}
}

// Upload 接受 multipart/form-data 批量上传。部分文件失败时仍返回 200，失败项列在 errors 中。
func (h *FileHandler) Upload(w http.ResponseWriter, r *http.Request) {
	if r.Body == nil {
		writeError(w, http.StatusBadRequest, service.KindBadRequest, "request body is empty")
		return
	}

	if h.maxUploadSize > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, h.maxUploadSize+multipartMemoryBudget)
	}
	defer r.Body.Close()

	if err := r.ParseMultipartForm(multipartMemoryBudget); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, service.KindBadRequest,
				fmt.Sprintf("request exceeds the %d byte upload limit", h.maxUploadSize))
			return
		}
		writeError(w, http.StatusBadRequest, service.KindBadRequest, fmt.Sprintf("invalid multipart form: %v", err))
		return
	}
	defer func() {
		if r.MultipartForm != nil {
			_ = r.MultipartForm.RemoveAll()
		}
	}()

	headers := collectFileHeaders(r.MultipartForm)
	if len(headers) == 0 {
		writeError(w, http.StatusBadRequest, service.KindBadRequest, "files[] field is required")
		return
	}

	expiresIn, err := parseOptionalInt64(r.FormValue("expiresIn"))
	if err != nil {
		writeError(w, http.StatusBadRequest, service.KindBadRequest, "invalid expiresIn: "+err.Error())
		return
	}

	uploadUser := strings.TrimSpace(r.FormValue("uploadUser"))
	if uploadUser == "" {
		uploadUser = middleware.Identity(r.Context())
	}

	files := make([]service.UploadFile, 0, len(headers))
	for _, fh := range headers {
		fh := fh
		files = append(files, service.UploadFile{
			Filename:    fh.Filename,
			Size:        fh.Size,
			ContentType: fh.Header.Get("Content-Type"),
			Open: func() (io.ReadCloser, error) {
				return fh.Open()
			},
		})
	}

	result, err := h.upload.Upload(r.Context(), service.UploadRequest{
		Files:      files,
		Path:       r.FormValue("path"),
		ExpiresIn:  expiresIn,
		UploadUser: uploadUser,
	})
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func collectFileHeaders(form *multipart.Form) []*multipart.FileHeader {
	if form == nil {
		return nil
	}
	var out []*multipart.FileHeader
	for _, field := range uploadFields {
		out = append(out, form.File[field]...)
	}
	return out
}

// List 分页列出某个目录下的文件以及它的直接子目录。
func (h *FileHandler) List(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	page, err := parseOptionalInt(q.Get("page"))
	if err != nil {
		writeError(w, http.StatusBadRequest, service.KindBadRequest, "invalid page")
		return
	}
	limit, err := parseOptionalInt(q.Get("limit"))
	if err != nil {
		writeError(w, http.StatusBadRequest, service.KindBadRequest, "invalid limit")
		return
	}

	result, err := h.catalog.List(r.Context(), service.ListQuery{
		Path:      q.Get("path"),
		Type:      q.Get("type"),
		Search:    q.Get("search"),
		SortBy:    q.Get("sortBy"),
		SortOrder: q.Get("sortOrder"),
		Page:      page,
		Limit:     limit,
	})
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// Update 修改文件名、目录或过期时间。expiresIn 为 0 或 null 表示清除过期时间。
func (h *FileHandler) Update(w http.ResponseWriter, r *http.Request) {
	id, ok := parseIDParam(w, r)
	if !ok {
		return
	}

	req, err := decodeUpdateRequest(http.MaxBytesReader(w, r.Body, maxJSONBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, service.KindBadRequest, err.Error())
		return
	}

	updated, err := h.catalog.Update(r.Context(), id, req)
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

// decodeUpdateRequest 区分字段缺失与显式 null：只有出现的字段才会被修改。
func decodeUpdateRequest(body io.Reader) (service.UpdateRequest, error) {
	var req service.UpdateRequest
	var raw map[string]json.RawMessage
	if err := json.NewDecoder(body).Decode(&raw); err != nil {
		return req, fmt.Errorf("invalid JSON body: %w", err)
	}

	for field, value := range raw {
		switch field {
		case "filename":
			var name string
			if err := json.Unmarshal(value, &name); err != nil {
				return req, fmt.Errorf("filename must be a string")
			}
			req.Filename = &name
		case "path":
			var p string
			if err := json.Unmarshal(value, &p); err != nil {
				return req, fmt.Errorf("path must be a string")
			}
			req.Path = &p
		case "expiresIn":
			req.SetExpiry = true
			if bytes.Equal(bytes.TrimSpace(value), []byte("null")) {
				continue
			}
			if err := json.Unmarshal(value, &req.ExpiresIn); err != nil {
				return req, fmt.Errorf("expiresIn must be an integer number of seconds")
			}
		default:
			return req, fmt.Errorf("unknown field %q", field)
		}
	}
	return req, nil
}

// Delete 删除对象并把记录标记为 purged；?hard=true 时直接删除元数据行。
func (h *FileHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id, ok := parseIDParam(w, r)
	if !ok {
		return
	}

	hard, _ := strconv.ParseBool(r.URL.Query().Get("hard"))
	var err error
	if hard {
		err = h.catalog.HardDelete(r.Context(), id)
	} else {
		err = h.catalog.Delete(r.Context(), id)
	}
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "deleted": true})
}

func parseIDParam(w http.ResponseWriter, r *http.Request) (int64, bool) {
	raw := chi.URLParam(r, "id")
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, service.KindBadRequest, fmt.Sprintf("invalid id %q", raw))
		return 0, false
	}
	return id, true
}

func parseOptionalInt(raw string) (int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	return strconv.Atoi(raw)
}

func parseOptionalInt64(raw string) (*int64, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return nil, err
	}
	return &v, nil
}
