package diff

import (
	"fmt"
	"math"
	"sort"

	"github.com/qs3c/ui_diff_server/config"
	"github.com/qs3c/ui_diff_server/internal/model"
)

// 分数到类型/优先级的分级阈值
const (
	ScoreLayout = 80.0
	ScoreMajor  = 50.0
	ScoreMedium = 20.0
)

// 评分权重：面积占比与像素数
const (
	areaWeight  = 0.6
	pixelWeight = 0.4
	// 面积占比达到 20% 即满分
	areaSaturation = 0.2
	// 像素数达到 50000 即满分
	pixelSaturation = 50000
)

// Analyzer 差异区域聚类（8 连通）
type Analyzer struct {
	minPixels     int
	mergeDistance int
}

func NewAnalyzer(cfg config.DiffConfig) *Analyzer {
	return &Analyzer{
		minPixels:     cfg.MinRegionPixels,
		mergeDistance: cfg.MergeDistance,
	}
}

type component struct {
	minX, minY, maxX, maxY int
	pixels                 int
}

// Analyze 聚类掩码，返回按分数降序排列的区域，ID 按顺序分配
func (a *Analyzer) Analyze(mask *Mask, width, height int) []model.DiffRegion {
	if mask == nil || mask.Width == 0 || mask.Height == 0 {
		return []model.DiffRegion{}
	}

	comps := a.components(mask)

	kept := comps[:0]
	for _, c := range comps {
		if c.pixels >= a.minPixels {
			kept = append(kept, c)
		}
	}
	kept = a.merge(kept)

	totalArea := float64(width * height)
	regions := make([]model.DiffRegion, 0, len(kept))
	for _, c := range kept {
		box := model.BoundingBox{
			X:      c.minX,
			Y:      c.minY,
			Width:  c.maxX - c.minX + 1,
			Height: c.maxY - c.minY + 1,
		}
		score := Score(c.pixels, box.Area(), totalArea)
		regionType, priority := Classify(score)
		regions = append(regions, model.DiffRegion{
			BoundingBox: box,
			PixelCount:  c.pixels,
			Type:        regionType,
			Priority:    priority,
			Score:       score,
		})
	}

	sort.SliceStable(regions, func(i, j int) bool {
		ri, rj := regions[i], regions[j]
		if ri.Score != rj.Score {
			return ri.Score > rj.Score
		}
		if ri.BoundingBox.Y != rj.BoundingBox.Y {
			return ri.BoundingBox.Y < rj.BoundingBox.Y
		}
		return ri.BoundingBox.X < rj.BoundingBox.X
	})

	for i := range regions {
		regions[i].ID = i
		regions[i].Description = describe(regions[i])
	}
	return regions
}

// components 按扫描顺序做 8 连通 BFS
func (a *Analyzer) components(mask *Mask) []component {
	w, h := mask.Width, mask.Height
	visited := make([]bool, w*h)
	var comps []component
	var queue []int

	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			idx := y*w + x
			if visited[idx] || !mask.bits[idx] {
				continue
			}

			c := component{minX: x, minY: y, maxX: x, maxY: y}
			visited[idx] = true
			queue = append(queue[:0], idx)

			for len(queue) > 0 {
				cur := queue[0]
				queue = queue[1:]
				cx, cy := cur%w, cur/w
				c.pixels++
				c.minX, c.maxX = minInt(c.minX, cx), maxInt(c.maxX, cx)
				c.minY, c.maxY = minInt(c.minY, cy), maxInt(c.maxY, cy)

				for dy := -1; dy <= 1; dy++ {
					for dx := -1; dx <= 1; dx++ {
						nx, ny := cx+dx, cy+dy
						if nx < 0 || ny < 0 || nx >= w || ny >= h {
							continue
						}
						n := ny*w + nx
						if !visited[n] && mask.bits[n] {
							visited[n] = true
							queue = append(queue, n)
						}
					}
				}
			}
			comps = append(comps, c)
		}
	}
	return comps
}

// merge 合并间距不超过 mergeDistance 的候选框，直到不再变化
func (a *Analyzer) merge(comps []component) []component {
	if a.mergeDistance < 0 {
		return comps
	}
	for {
		merged := false
		for i := 0; i < len(comps); i++ {
			for j := i + 1; j < len(comps); j++ {
				if !near(comps[i], comps[j], a.mergeDistance) {
					continue
				}
				comps[i] = union(comps[i], comps[j])
				comps = append(comps[:j], comps[j+1:]...)
				j--
				merged = true
			}
		}
		if !merged {
			return comps
		}
	}
}

func near(a, b component, dist int) bool {
	gapX := maxInt(0, maxInt(a.minX-b.maxX-1, b.minX-a.maxX-1))
	gapY := maxInt(0, maxInt(a.minY-b.maxY-1, b.minY-a.maxY-1))
	return gapX <= dist && gapY <= dist
}

func union(a, b component) component {
	return component{
		minX:   minInt(a.minX, b.minX),
		minY:   minInt(a.minY, b.minY),
		maxX:   maxInt(a.maxX, b.maxX),
		maxY:   maxInt(a.maxY, b.maxY),
		pixels: a.pixels + b.pixels,
	}
}

// Score 区域评分 0-100，保留两位小数
func Score(pixels, boxArea int, totalArea float64) float64 {
	var areaScore float64
	if totalArea > 0 {
		areaScore = math.Min(100, float64(boxArea)/totalArea/areaSaturation*100)
	}
	pixelScore := math.Min(100, math.Log10(float64(pixels)+1)/math.Log10(pixelSaturation+1)*100)

	s := areaWeight*areaScore + pixelWeight*pixelScore
	return math.Round(s*100) / 100
}

// Classify 分数映射为类型与优先级
func Classify(score float64) (string, string) {
	switch {
	case score >= ScoreLayout:
		return model.RegionLayout, model.PriorityCritical
	case score >= ScoreMajor:
		return model.RegionMajor, model.PriorityHigh
	case score >= ScoreMedium:
		return model.RegionMedium, model.PriorityMedium
	default:
		return model.RegionMinor, model.PriorityLow
	}
}

func describe(r model.DiffRegion) string {
	b := r.BoundingBox
	return fmt.Sprintf("位于 (%d,%d) 的 %dx%d 区域，差异像素 %d 个", b.X, b.Y, b.Width, b.Height, r.PixelCount)
}
