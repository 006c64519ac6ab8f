package imaging

import (
	"bytes"
	"context"
	"encoding/binary"
	"image"
	"image/color"
	"image/gif"
	"image/jpeg"
	"image/png"
	"testing"
	"time"

	"assetvault/internal/logging"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func encodeJPEG(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y += 7 {
		for x := 0; x < w; x += 7 {
			img.Set(x, y, color.RGBA{R: uint8(x), G: uint8(y), B: 128, A: 255})
		}
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 90}); err != nil {
		t.Fatalf("encode jpeg: %v", err)
	}
	return buf.Bytes()
}

func encodePNG(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	img.Set(0, 0, color.NRGBA{R: 255, A: 128})
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode png: %v", err)
	}
	return buf.Bytes()
}

func encodeGIF(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewPaletted(image.Rect(0, 0, w, h), color.Palette{color.Black, color.White})
	var buf bytes.Buffer
	if err := gif.Encode(&buf, img, nil); err != nil {
		t.Fatalf("encode gif: %v", err)
	}
	return buf.Bytes()
}

func webpHeader(chunk string, payload []byte) []byte {
	data := []byte("RIFF\x00\x00\x00\x00WEBP" + chunk)
	data = binary.LittleEndian.AppendUint32(data, uint32(len(payload)))
	return append(data, payload...)
}

func TestDimensions(t *testing.T) {
	vp8 := make([]byte, 10)
	copy(vp8[3:6], []byte{0x9d, 0x01, 0x2a})
	binary.LittleEndian.PutUint16(vp8[6:8], 640)
	binary.LittleEndian.PutUint16(vp8[8:10], 480)

	// VP8L: 宽 300、高 200，分别以 (值-1) 存 14 位
	vp8l := make([]byte, 5)
	vp8l[0] = 0x2f
	binary.LittleEndian.PutUint32(vp8l[1:5], uint32(299)|uint32(199)<<14)

	vp8x := make([]byte, 10)
	vp8x[4], vp8x[5], vp8x[6] = 0xff, 0x0f, 0x00 // 4095 + 1
	vp8x[7], vp8x[8], vp8x[9] = 0x01, 0x00, 0x00 // 1 + 1

	cases := []struct {
		name string
		data []byte
		w, h int
	}{
		{"jpeg", encodeJPEG(t, 320, 240), 320, 240},
		{"png", encodePNG(t, 17, 33), 17, 33},
		{"gif", encodeGIF(t, 12, 5), 12, 5},
		{"webp lossy", webpHeader("VP8 ", vp8), 640, 480},
		{"webp lossless", webpHeader("VP8L", vp8l), 300, 200},
		{"webp extended", webpHeader("VP8X", vp8x), 4096, 2},
		{"truncated jpeg", []byte{0xFF, 0xD8, 0xFF, 0xE0, 0x00}, 0, 0},
		{"truncated png", encodePNG(t, 4, 4)[:20], 0, 0},
		{"bad vp8 start code", webpHeader("VP8 ", make([]byte, 10)), 0, 0},
		{"garbage", []byte("hello world"), 0, 0},
		{"empty", nil, 0, 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w, h := Dimensions(tc.data)
			if w != tc.w || h != tc.h {
				t.Fatalf("Dimensions = %dx%d, want %dx%d", w, h, tc.w, tc.h)
			}
		})
	}
}

func TestDetectFormat_SVG(t *testing.T) {
	svg := []byte("  <?xml version=\"1.0\"?>\n<svg xmlns=\"http://www.w3.org/2000/svg\"></svg>")
	if got := DetectFormat(svg); got != FormatSVG {
		t.Fatalf("expected svg, got %q", got)
	}
}

func newTestPipeline() *Pipeline {
	return NewPipeline(Config{
		MaxBytes:       10 << 20,
		MinDimension:   100,
		Timeout:        10 * time.Second,
		DefaultQuality: 80,
	}, logging.Discard())
}

func TestTransform_DownscalesJPEGPreservingAspect(t *testing.T) {
	p := newTestPipeline()
	src := encodeJPEG(t, 1000, 1000)

	res := p.Transform(context.Background(), Source{Key: "a.jpg", Data: src, MimeType: "image/jpeg"}, Options{Width: 100})
	if !res.Transformed {
		t.Fatal("expected transformed result")
	}
	if res.Width != 100 || res.Height != 100 {
		t.Fatalf("unexpected size %dx%d", res.Width, res.Height)
	}
	if w, h := Dimensions(res.Data); w != 100 || h != 100 {
		t.Fatalf("encoded output is %dx%d", w, h)
	}
	if res.MimeType != "image/jpeg" {
		t.Fatalf("unexpected mime %s", res.MimeType)
	}

	wide := encodeJPEG(t, 1000, 500)
	res = p.Transform(context.Background(), Source{Key: "b.jpg", Data: wide}, Options{Width: 200, Height: 200})
	if res.Width != 200 || res.Height != 100 {
		t.Fatalf("inside fit should give 200x100, got %dx%d", res.Width, res.Height)
	}
}

func TestTransform_NeverUpscalesOrTouchesSmallImages(t *testing.T) {
	p := newTestPipeline()

	small := encodeJPEG(t, 80, 60)
	res := p.Transform(context.Background(), Source{Key: "s.jpg", Data: small}, Options{Width: 100})
	if res.Transformed || !bytes.Equal(res.Data, small) {
		t.Fatal("images under the minimum dimension must be returned untouched")
	}

	medium := encodeJPEG(t, 300, 200)
	res = p.Transform(context.Background(), Source{Key: "m.jpg", Data: medium}, Options{Width: 600, Height: 600})
	if res.Transformed || res.Width != 300 || res.Height != 200 {
		t.Fatalf("expected original 300x200, got %dx%d transformed=%v", res.Width, res.Height, res.Transformed)
	}
}

func TestTransform_PNGStaysPNGUnlessJPEGRequested(t *testing.T) {
	p := newTestPipeline()
	src := encodePNG(t, 400, 400)

	res := p.Transform(context.Background(), Source{Key: "p.png", Data: src, MimeType: "image/png"}, Options{Width: 200, Format: "webp"})
	if !res.Transformed || res.MimeType != "image/png" {
		t.Fatalf("expected png output, got %s transformed=%v", res.MimeType, res.Transformed)
	}

	res = p.Transform(context.Background(), Source{Key: "p.png", Data: src, MimeType: "image/png"}, Options{Width: 200, Format: "jpeg", Quality: 500})
	if res.MimeType != "image/jpeg" {
		t.Fatalf("expected jpeg output, got %s", res.MimeType)
	}
}

func TestTransform_CoverCropsToBox(t *testing.T) {
	p := newTestPipeline()
	src := encodeJPEG(t, 1000, 500)

	res := p.Transform(context.Background(), Source{Key: "c.jpg", Data: src}, Options{Width: 100, Height: 100, Fit: "cover"})
	if res.Width != 100 || res.Height != 100 {
		t.Fatalf("cover should fill the box, got %dx%d", res.Width, res.Height)
	}
}

func TestTransform_FallsBackToOriginal(t *testing.T) {
	p := newTestPipeline()
	ctx := context.Background()

	svg := []byte(`<svg xmlns="http://www.w3.org/2000/svg" width="1000" height="1000"></svg>`)
	if res := p.Transform(ctx, Source{Key: "v.svg", Data: svg, MimeType: "image/svg+xml"}, Options{Width: 10}); res.Transformed {
		t.Fatal("svg must never be rasterized")
	}

	src := encodeJPEG(t, 1000, 1000)
	if res := p.Transform(ctx, Source{Key: "n.jpg", Data: src}, Options{}); res.Transformed {
		t.Fatal("no target size means original")
	}

	// 头部声称 1000x1000，但数据被截断，解码失败后返回原图
	broken := src[:len(src)/3]
	res := p.Transform(ctx, Source{Key: "x.jpg", Data: broken, MimeType: "image/jpeg"}, Options{Width: 100})
	if res.Transformed || !bytes.Equal(res.Data, broken) || res.MimeType != "image/jpeg" {
		t.Fatal("decode failure must fall back to the original bytes")
	}

	tiny := NewPipeline(Config{MaxBytes: 10, MinDimension: 100}, logging.Discard())
	if res := tiny.Transform(ctx, Source{Key: "big.jpg", Data: src}, Options{Width: 100}); res.Transformed {
		t.Fatal("payload over MaxBytes must be skipped")
	}
}

func TestTransform_PixelLimit(t *testing.T) {
	ctx := context.Background()
	src := encodePNG(t, 400, 400)
	p := NewPipeline(Config{MaxBytes: 10 << 20, MaxPixels: 100_000, MinDimension: 100}, logging.Discard())

	before := testutil.ToFloat64(transformsTotal.WithLabelValues("too_many_pixels"))
	res := p.Transform(ctx, Source{Key: "huge.png", Data: src, MimeType: "image/png"}, Options{Width: 100})
	if res.Transformed || !bytes.Equal(res.Data, src) {
		t.Fatal("image over the pixel limit must be served as is")
	}
	if res.Width != 400 || res.Height != 400 {
		t.Fatalf("original dimensions should still be reported, got %dx%d", res.Width, res.Height)
	}
	if got := testutil.ToFloat64(transformsTotal.WithLabelValues("too_many_pixels")) - before; got != 1 {
		t.Fatalf("expected one too_many_pixels outcome, got %v", got)
	}

	wide := NewPipeline(Config{MaxBytes: 10 << 20, MaxPixels: 160_000, MinDimension: 100}, logging.Discard())
	if res := wide.Transform(ctx, Source{Key: "edge.png", Data: src, MimeType: "image/png"}, Options{Width: 100}); !res.Transformed {
		t.Fatal("an image exactly at the pixel limit should be resized")
	}
}

func TestTransform_TimeoutServesOriginal(t *testing.T) {
	p := NewPipeline(Config{MaxBytes: 10 << 20, MinDimension: 100, Timeout: time.Nanosecond}, logging.Discard())
	src := encodeJPEG(t, 2000, 2000)

	before := testutil.ToFloat64(transformsTotal.WithLabelValues("timeout"))
	res := p.Transform(context.Background(), Source{Key: "slow.jpg", Data: src, MimeType: "image/jpeg"}, Options{Width: 100})
	if res.Transformed || !bytes.Equal(res.Data, src) || res.MimeType != "image/jpeg" {
		t.Fatal("a transform past its deadline must fall back to the original bytes")
	}
	if res.Width != 2000 || res.Height != 2000 {
		t.Fatalf("unexpected dimensions %dx%d", res.Width, res.Height)
	}
	if got := testutil.ToFloat64(transformsTotal.WithLabelValues("timeout")) - before; got != 1 {
		t.Fatalf("expected one timeout outcome, got %v", got)
	}
}

func TestPlanResize_NoUpscale(t *testing.T) {
	if _, ok := planResize(50, 50, Options{Width: 100, Height: 100, Fit: FitCover}); ok {
		t.Fatal("cover must not upscale an image that already fits")
	}
	plan, ok := planResize(1000, 1000, Options{Height: 250, Fit: FitInside})
	if !ok || plan.dstW != 250 || plan.dstH != 250 {
		t.Fatalf("unexpected plan %+v", plan)
	}
}
