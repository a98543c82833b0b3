// Package diff 像素级比对与差异区域聚类
package diff

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	_ "image/jpeg"
	"image/png"
	"math"

	"github.com/qs3c/ui_diff_server/config"
	"github.com/qs3c/ui_diff_server/internal/model"
)

// ComputeError 输入图片无法解析或比对被中断
type ComputeError struct {
	Input string // design / actual
	Err   error
}

func (e *ComputeError) Error() string {
	if e.Input == "" {
		return fmt.Sprintf("diff compute failed: %v", e.Err)
	}
	return fmt.Sprintf("diff compute failed (%s image): %v", e.Input, e.Err)
}

func (e *ComputeError) Unwrap() error {
	return e.Err
}

// Options 单次比对参数
type Options struct {
	IgnoreAntialiasing bool
	Tolerance          float64 // 0-100
	IgnoreRegions      []model.BoundingBox
}

// Result 比对结果，Mask 与 Image 覆盖两图的公共区域
type Result struct {
	Similarity      float64
	DiffPixelCount  int64
	TotalPixelCount int64
	Width           int
	Height          int
	Mask            *Mask
	Image           *image.NRGBA
}

// Mask 差异掩码
type Mask struct {
	Width  int
	Height int
	bits   []bool
}

func NewMask(w, h int) *Mask {
	return &Mask{Width: w, Height: h, bits: make([]bool, w*h)}
}

func (m *Mask) Set(x, y int) {
	m.bits[y*m.Width+x] = true
}

func (m *Mask) At(x, y int) bool {
	if x < 0 || y < 0 || x >= m.Width || y >= m.Height {
		return false
	}
	return m.bits[y*m.Width+x]
}

func (m *Mask) Count() int64 {
	var n int64
	for _, b := range m.bits {
		if b {
			n++
		}
	}
	return n
}

var (
	diffColor = color.NRGBA{R: 255, G: 0, B: 0, A: 255}
	// 忽略区域以浅蓝覆盖
	ignoredColor = color.NRGBA{R: 200, G: 220, B: 255, A: 255}
)

// Engine 像素比对引擎，AA 阈值来自配置以便按参考图校准
type Engine struct {
	aaEdgeContrast     float64
	aaRelaxedTolerance float64
}

func NewEngine(cfg config.DiffConfig) *Engine {
	return &Engine{
		aaEdgeContrast:     cfg.AAEdgeContrast,
		aaRelaxedTolerance: cfg.AARelaxedTolerance,
	}
}

// CompareBytes 解码后比对
func (e *Engine) CompareBytes(ctx context.Context, design, actual []byte, opts Options) (*Result, error) {
	a, _, err := image.Decode(bytes.NewReader(design))
	if err != nil {
		return nil, &ComputeError{Input: "design", Err: err}
	}
	b, _, err := image.Decode(bytes.NewReader(actual))
	if err != nil {
		return nil, &ComputeError{Input: "actual", Err: err}
	}
	return e.Compare(ctx, a, b, opts)
}

// Compare 在公共最小区域上逐像素比对；ctx 取消时返回 ComputeError
func (e *Engine) Compare(ctx context.Context, a, b image.Image, opts Options) (*Result, error) {
	if a == nil || b == nil {
		return nil, &ComputeError{Err: fmt.Errorf("nil image")}
	}

	na, nb := toNRGBA(a), toNRGBA(b)
	w := minInt(na.Rect.Dx(), nb.Rect.Dx())
	h := minInt(na.Rect.Dy(), nb.Rect.Dy())

	res := &Result{Width: w, Height: h, Mask: NewMask(w, h)}
	res.Image = image.NewNRGBA(image.Rect(0, 0, maxInt(w, 1), maxInt(h, 1)))

	threshold := channelThreshold(opts.Tolerance)
	relaxed := channelThreshold(e.aaRelaxedTolerance)
	ignored := ignoreMask(opts.IgnoreRegions, w, h)

	for y := 0; y < h; y++ {
		if y%64 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, &ComputeError{Err: err}
			}
		}
		for x := 0; x < w; x++ {
			if ignored != nil && ignored.At(x, y) {
				res.Image.SetNRGBA(x, y, ignoredColor)
				continue
			}
			res.TotalPixelCount++

			pa, pb := na.NRGBAAt(x, y), nb.NRGBAAt(x, y)
			delta := channelDelta(pa, pb)
			same := delta <= threshold
			if !same && opts.IgnoreAntialiasing && delta <= relaxed {
				same = e.antialiased(na, x, y) || e.antialiased(nb, x, y)
			}

			if same {
				res.Image.SetNRGBA(x, y, dimmed(pb))
				continue
			}
			res.DiffPixelCount++
			res.Mask.Set(x, y)
			res.Image.SetNRGBA(x, y, diffColor)
		}
	}

	res.Similarity = similarity(res.DiffPixelCount, res.TotalPixelCount)
	return res, nil
}

// similarity 总像素为 0 时视为完全一致
func similarity(diff, total int64) float64 {
	if total <= 0 {
		return 100
	}
	s := 100 * (1 - float64(diff)/float64(total))
	if s < 0 {
		s = 0
	}
	if s > 100 {
		s = 100
	}
	if diff > 0 && s >= 100 {
		s = math.Nextafter(100, 0)
	}
	return s
}

// antialiased 像素亮度严格介于邻域极值之间，且邻域存在明显边缘
func (e *Engine) antialiased(img *image.NRGBA, x, y int) bool {
	b := img.Rect
	center := luminance(img.NRGBAAt(b.Min.X+x, b.Min.Y+y))
	lo, hi := math.MaxFloat64, -math.MaxFloat64
	neighbors := 0

	for dy := -1; dy <= 1; dy++ {
		for dx := -1; dx <= 1; dx++ {
			if dx == 0 && dy == 0 {
				continue
			}
			nx, ny := b.Min.X+x+dx, b.Min.Y+y+dy
			if !(image.Point{X: nx, Y: ny}).In(b) {
				continue
			}
			l := luminance(img.NRGBAAt(nx, ny))
			lo = math.Min(lo, l)
			hi = math.Max(hi, l)
			neighbors++
		}
	}

	if neighbors < 3 {
		return false
	}
	return hi-lo >= e.aaEdgeContrast && center > lo && center < hi
}

func toNRGBA(img image.Image) *image.NRGBA {
	if n, ok := img.(*image.NRGBA); ok && n.Rect.Min == (image.Point{}) {
		return n
	}
	b := img.Bounds()
	dst := image.NewNRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(dst, dst.Bounds(), img, b.Min, draw.Src)
	return dst
}

func ignoreMask(regions []model.BoundingBox, w, h int) *Mask {
	if len(regions) == 0 {
		return nil
	}
	m := NewMask(w, h)
	for _, r := range regions {
		x0, y0 := maxInt(r.X, 0), maxInt(r.Y, 0)
		x1, y1 := minInt(r.X+r.Width, w), minInt(r.Y+r.Height, h)
		for y := y0; y < y1; y++ {
			for x := x0; x < x1; x++ {
				m.Set(x, y)
			}
		}
	}
	return m
}

// channelThreshold 容差百分比映射为单通道阈值
func channelThreshold(tolerance float64) float64 {
	if tolerance < 0 {
		tolerance = 0
	}
	if tolerance > 100 {
		tolerance = 100
	}
	return tolerance / 100 * 255
}

func channelDelta(a, b color.NRGBA) float64 {
	d := absDiff(a.R, b.R)
	d = maxUint8(d, absDiff(a.G, b.G))
	d = maxUint8(d, absDiff(a.B, b.B))
	d = maxUint8(d, absDiff(a.A, b.A))
	return float64(d)
}

func luminance(c color.NRGBA) float64 {
	return 0.299*float64(c.R) + 0.587*float64(c.G) + 0.114*float64(c.B)
}

func dimmed(c color.NRGBA) color.NRGBA {
	v := uint8(255 - (255-luminance(c))*0.25)
	return color.NRGBA{R: v, G: v, B: v, A: 255}
}

// EncodePNG 编码比对图
func EncodePNG(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, &ComputeError{Err: err}
	}
	return buf.Bytes(), nil
}

func absDiff(a, b uint8) uint8 {
	if a > b {
		return a - b
	}
	return b - a
}

func maxUint8(a, b uint8) uint8 {
	if a > b {
		return a
	}
	return b
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
