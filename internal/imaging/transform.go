package imaging

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	"image/jpeg"
	"image/png"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp"
	"golang.org/x/sync/singleflight"
)

// 适配模式。
const (
	FitInside = "inside"
	FitCover  = "cover"
)

var transformsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "assetvault_image_transforms_total",
	Help: "Image transform requests by outcome.",
}, []string{"outcome"})

// ErrTimeout 表示缩放超过了时间上限。
var ErrTimeout = errors.New("imaging: transform timed out")

// Config 是处理管线的资源上限。
// MaxPixels 按头部尺寸限制宽 × 高，超限的源图不解码。
type Config struct {
	MaxBytes       int64
	MaxPixels      int64
	MinDimension   int
	Timeout        time.Duration
	DefaultQuality int
}

// Options 是单次请求的目标参数。Width / Height 为 0 表示该方向不限制。
type Options struct {
	Width   int
	Height  int
	Quality int
	Format  string
	Fit     string
}

// Source 是待处理的原始对象。
type Source struct {
	Key      string
	Data     []byte
	MimeType string
}

// Result 是处理结果。Transformed 为 false 时 Data 就是原始内容。
type Result struct {
	Data        []byte
	Width       int
	Height      int
	MimeType    string
	Transformed bool
}

// Pipeline 是无状态的图片处理器，不读写元数据，可随意重试或水平扩展。
// 相同参数的并发请求只计算一次。
type Pipeline struct {
	cfg    Config
	group  singleflight.Group
	logger *slog.Logger
}

func NewPipeline(cfg Config, logger *slog.Logger) *Pipeline {
	if cfg.DefaultQuality <= 0 || cfg.DefaultQuality > 100 {
		cfg.DefaultQuality = 80
	}
	return &Pipeline{cfg: cfg, logger: logger.With(slog.String("component", "imaging"))}
}

// Accepts 报告 size 字节的源图是否在处理上限内，超限的源图应直接按原样投递。
func (p *Pipeline) Accepts(size int64) bool {
	return p.cfg.MaxBytes <= 0 || size <= p.cfg.MaxBytes
}

// Transform 按需缩放并转码。任何失败（解码、超时、超限）都退回原图，不会返回错误。
func (p *Pipeline) Transform(ctx context.Context, src Source, opts Options) Result {
	original := Result{Data: src.Data, MimeType: src.MimeType}

	format := DetectFormat(src.Data)
	if format == FormatSVG || strings.EqualFold(src.MimeType, "image/svg+xml") {
		transformsTotal.WithLabelValues("vector").Inc()
		return original
	}

	w, h := Dimensions(src.Data)
	original.Width, original.Height = w, h

	if opts.Width <= 0 && opts.Height <= 0 {
		return original
	}
	if p.cfg.MaxBytes > 0 && int64(len(src.Data)) > p.cfg.MaxBytes {
		transformsTotal.WithLabelValues("too_large").Inc()
		return original
	}
	if w == 0 || h == 0 {
		transformsTotal.WithLabelValues("unknown_dimensions").Inc()
		return original
	}
	if p.cfg.MaxPixels > 0 && int64(w)*int64(h) > p.cfg.MaxPixels {
		transformsTotal.WithLabelValues("too_many_pixels").Inc()
		p.logger.Warn("image exceeds pixel limit, serving original",
			slog.String("key", src.Key),
			slog.Int("width", w),
			slog.Int("height", h),
		)
		return original
	}
	if w < p.cfg.MinDimension && h < p.cfg.MinDimension {
		transformsTotal.WithLabelValues("too_small").Inc()
		return original
	}

	opts = p.normalize(opts)
	plan, ok := planResize(w, h, opts)
	if !ok {
		transformsTotal.WithLabelValues("no_downscale").Inc()
		return original
	}

	flightKey := fmt.Sprintf("%s|%dx%d|q%d|%s|%s", src.Key, opts.Width, opts.Height, opts.Quality, opts.Format, opts.Fit)
	v, err, _ := p.group.Do(flightKey, func() (any, error) {
		return p.runWithTimeout(ctx, src.Data, format, plan, opts)
	})
	if err != nil {
		outcome := "failed"
		if errors.Is(err, ErrTimeout) {
			outcome = "timeout"
		}
		transformsTotal.WithLabelValues(outcome).Inc()
		p.logger.Warn("transform failed, serving original", slog.String("key", src.Key), slog.Any("error", err))
		return original
	}

	transformsTotal.WithLabelValues("resized").Inc()
	return *(v.(*Result))
}

func (p *Pipeline) normalize(opts Options) Options {
	switch {
	case opts.Quality == 0:
		opts.Quality = p.cfg.DefaultQuality
	case opts.Quality < 1:
		opts.Quality = 1
	case opts.Quality > 100:
		opts.Quality = 100
	}
	opts.Format = strings.ToLower(strings.TrimSpace(opts.Format))
	if opts.Format == "jpg" {
		opts.Format = FormatJPEG
	}
	opts.Fit = strings.ToLower(strings.TrimSpace(opts.Fit))
	if opts.Fit != FitCover || opts.Width <= 0 || opts.Height <= 0 {
		opts.Fit = FitInside
	}
	return opts
}

// runWithTimeout 在独立 goroutine 中缩放，超时后直接返回，结果被丢弃。
func (p *Pipeline) runWithTimeout(ctx context.Context, data []byte, format string, plan resizePlan, opts Options) (*Result, error) {
	if p.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.cfg.Timeout)
		defer cancel()
	}

	type outcome struct {
		res *Result
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := resize(data, format, plan, opts)
		done <- outcome{res, err}
	}()

	select {
	case o := <-done:
		return o.res, o.err
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %v", ErrTimeout, ctx.Err())
	}
}

// resizePlan 描述缩放后的尺寸，以及 cover 模式下从源图裁切的区域。
type resizePlan struct {
	dstW, dstH int
	srcRect    image.Rectangle
}

// planResize 计算目标尺寸；不需要缩小时返回 false（从不放大）。
func planResize(w, h int, opts Options) (resizePlan, bool) {
	full := image.Rect(0, 0, w, h)

	if opts.Fit == FitCover {
		scale := math.Max(float64(opts.Width)/float64(w), float64(opts.Height)/float64(h))
		if scale >= 1 {
			if w <= opts.Width && h <= opts.Height {
				return resizePlan{}, false
			}
			scale = 1
		}
		scaledW := int(math.Round(float64(w) * scale))
		scaledH := int(math.Round(float64(h) * scale))
		dstW, dstH := min(opts.Width, scaledW), min(opts.Height, scaledH)

		cropW := clamp(int(math.Round(float64(dstW)/scale)), 1, w)
		cropH := clamp(int(math.Round(float64(dstH)/scale)), 1, h)
		x0, y0 := (w-cropW)/2, (h-cropH)/2
		return resizePlan{
			dstW:    max(dstW, 1),
			dstH:    max(dstH, 1),
			srcRect: image.Rect(x0, y0, x0+cropW, y0+cropH),
		}, true
	}

	scale := 1.0
	if opts.Width > 0 {
		scale = math.Min(scale, float64(opts.Width)/float64(w))
	}
	if opts.Height > 0 {
		scale = math.Min(scale, float64(opts.Height)/float64(h))
	}
	if scale >= 1 {
		return resizePlan{}, false
	}
	return resizePlan{
		dstW:    max(int(math.Round(float64(w)*scale)), 1),
		dstH:    max(int(math.Round(float64(h)*scale)), 1),
		srcRect: full,
	}, true
}

func clamp(v, lo, hi int) int {
	return max(lo, min(v, hi))
}

// outputFormat：PNG 源保持 PNG（保留透明），除非显式要求 jpeg；format=png 强制 PNG；其余一律 JPEG。
func outputFormat(srcFormat, requested string) string {
	switch {
	case requested == FormatPNG:
		return FormatPNG
	case requested == FormatJPEG:
		return FormatJPEG
	case srcFormat == FormatPNG:
		return FormatPNG
	default:
		return FormatJPEG
	}
}

func resize(data []byte, srcFormat string, plan resizePlan, opts Options) (*Result, error) {
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}

	// 解码后的 bounds 不一定从 (0,0) 开始
	sr := plan.srcRect.Add(img.Bounds().Min).Intersect(img.Bounds())
	if sr.Empty() {
		return nil, fmt.Errorf("empty source rect")
	}

	out := outputFormat(srcFormat, opts.Format)
	dst := image.NewRGBA(image.Rect(0, 0, plan.dstW, plan.dstH))
	if out == FormatJPEG {
		// JPEG 没有透明通道，先铺白底
		draw.Draw(dst, dst.Bounds(), image.White, image.Point{}, draw.Src)
	}
	draw.CatmullRom.Scale(dst, dst.Bounds(), img, sr, draw.Over, nil)

	var buf bytes.Buffer
	mimeType := "image/jpeg"
	if out == FormatPNG {
		mimeType = "image/png"
		if err := png.Encode(&buf, dst); err != nil {
			return nil, fmt.Errorf("encode png: %w", err)
		}
	} else {
		if err := jpeg.Encode(&buf, dst, &jpeg.Options{Quality: opts.Quality}); err != nil {
			return nil, fmt.Errorf("encode jpeg: %w", err)
		}
	}

	return &Result{
		Data:        buf.Bytes(),
		Width:       plan.dstW,
		Height:      plan.dstH,
		MimeType:    mimeType,
		Transformed: true,
	}, nil
}
