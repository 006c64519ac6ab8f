package api

import (
	"bytes"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"assetvault/internal/imaging"
	"assetvault/internal/service"

	"github.com/go-chi/chi/v5"
)

const immutableCacheControl = "public, max-age=31536000, immutable"

// DeliveryHandler 按 storage key 投递对象内容，支持区间请求与按需缩放。
type DeliveryHandler struct {
	delivery *service.DeliveryService
	pipeline *imaging.Pipeline
	logger   *slog.Logger
}

func NewDeliveryHandler(delivery *service.DeliveryService, pipeline *imaging.Pipeline, logger *slog.Logger) *DeliveryHandler {
	return &DeliveryHandler{
		delivery: delivery,
		pipeline: pipeline,
		logger:   logger.With(slog.String("component", "api.delivery")),
	}
}

// wildcardKey 取出通配段作为 storage key。chi 在存在 RawPath 时按转义后的路径匹配，这里统一解码。
func wildcardKey(r *http.Request) string {
	key := chi.URLParam(r, "*")
	if r.URL.RawPath != "" {
		if decoded, err := url.PathUnescape(key); err == nil {
			key = decoded
		}
	}
	return key
}

func etagFor(key string) string {
	return `"` + strings.ReplaceAll(key, `"`, "") + `"`
}

// noSniff 禁止浏览器对投递内容做 MIME 嗅探，错误响应同样适用。
func noSniff(w http.ResponseWriter) {
	w.Header().Set("X-Content-Type-Options", "nosniff")
}

func wantsDownload(r *http.Request) bool {
	v := strings.ToLower(strings.TrimSpace(r.URL.Query().Get("download")))
	return v == "1" || v == "true" || v == "yes"
}

// ServeFile 处理 GET / HEAD /files/{key...}。
func (h *DeliveryHandler) ServeFile(w http.ResponseWriter, r *http.Request) {
	noSniff(w)
	asset, err := h.delivery.Resolve(r.Context(), wildcardKey(r))
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	h.serveAsset(w, r, asset)
}

func (h *DeliveryHandler) serveAsset(w http.ResponseWriter, r *http.Request, asset *service.Asset) {
	etag := etagFor(asset.Key)
	if match := r.Header.Get("If-None-Match"); match != "" && match == etag {
		w.Header().Set("ETag", etag)
		w.Header().Set("Cache-Control", immutableCacheControl)
		w.WriteHeader(http.StatusNotModified)
		return
	}

	byteRange, err := service.ParseRange(r.Header.Get("Range"), asset.Size)
	if err != nil {
		if service.KindOf(err) == service.KindRangeNotSatisfiable {
			w.Header().Set("Content-Range", "bytes */"+strconv.FormatInt(asset.Size, 10))
		}
		writeServiceError(w, r, h.logger, err)
		return
	}

	var body io.ReadCloser
	if r.Method != http.MethodHead {
		body, err = h.delivery.Open(r.Context(), asset, byteRange)
		if err != nil {
			writeServiceError(w, r, h.logger, err)
			return
		}
		defer body.Close()
	}

	header := w.Header()
	header.Set("Content-Type", asset.MimeType)
	header.Set("Cache-Control", immutableCacheControl)
	header.Set("ETag", etag)
	header.Set("Accept-Ranges", "bytes")
	header.Set("Content-Disposition", service.ContentDisposition(asset.Filename, asset.MimeType, wantsDownload(r)))

	status := http.StatusOK
	length := asset.Size
	if byteRange != nil {
		status = http.StatusPartialContent
		length = byteRange.Length()
		header.Set("Content-Range", byteRange.ContentRange(asset.Size))
	}
	header.Set("Content-Length", strconv.FormatInt(length, 10))
	w.WriteHeader(status)

	if body == nil {
		return
	}
	if _, err := io.CopyN(w, body, length); err != nil {
		// 头部已发出，只能记录日志；客户端中途断开也会走到这里
		h.logger.Debug("copy interrupted", slog.String("key", asset.Key), slog.Any("error", err))
	}
}

// ServeImage 处理 GET /images/{key...}?width&height&quality&format&fit。
// 非图片或超出处理上限的对象按原样投递；缩放失败同样回退到原图。
func (h *DeliveryHandler) ServeImage(w http.ResponseWriter, r *http.Request) {
	noSniff(w)
	opts, err := parseImageOptions(r.URL.Query())
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}

	asset, err := h.delivery.Resolve(r.Context(), wildcardKey(r))
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}

	isImage, _ := service.Classify(asset.MimeType)
	if !isImage || h.pipeline == nil || !h.pipeline.Accepts(asset.Size) {
		h.serveAsset(w, r, asset)
		return
	}

	data, err := h.delivery.ReadAll(r.Context(), asset)
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}

	result := h.pipeline.Transform(r.Context(), imaging.Source{Key: asset.Key, Data: data, MimeType: asset.MimeType}, opts)
	mimeType := result.MimeType
	if mimeType == "" {
		mimeType = asset.MimeType
	}

	header := w.Header()
	header.Set("Content-Type", mimeType)
	header.Set("Cache-Control", immutableCacheControl)
	header.Set("ETag", etagFor(asset.Key+"?"+r.URL.RawQuery))
	header.Set("Content-Length", strconv.Itoa(len(result.Data)))
	header.Set("Content-Disposition", service.ContentDisposition(asset.Filename, mimeType, wantsDownload(r)))
	header.Set("X-Image-Width", strconv.Itoa(result.Width))
	header.Set("X-Image-Height", strconv.Itoa(result.Height))
	header.Set("X-Image-Transformed", strconv.FormatBool(result.Transformed))
	w.WriteHeader(http.StatusOK)

	if r.Method == http.MethodHead {
		return
	}
	if _, err := io.Copy(w, bytes.NewReader(result.Data)); err != nil {
		h.logger.Debug("copy interrupted", slog.String("key", asset.Key), slog.Any("error", err))
	}
}

func parseImageOptions(q url.Values) (imaging.Options, error) {
	var opts imaging.Options
	for _, p := range []struct {
		name string
		dst  *int
	}{
		{"width", &opts.Width},
		{"height", &opts.Height},
		{"quality", &opts.Quality},
	} {
		raw := strings.TrimSpace(q.Get(p.name))
		if raw == "" {
			continue
		}
		v, err := strconv.Atoi(raw)
		if err != nil || v < 0 {
			return opts, &service.Error{Kind: service.KindBadRequest, Detail: "invalid " + p.name}
		}
		*p.dst = v
	}
	opts.Format = q.Get("format")
	opts.Fit = q.Get("fit")
	return opts, nil
}
