package diff

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/qs3c/ui_diff_server/internal/model"
)

func maskFromRects(w, h int, rects ...[4]int) *Mask {
	m := NewMask(w, h)
	for _, r := range rects {
		for y := r[1]; y < r[1]+r[3]; y++ {
			for x := r[0]; x < r[0]+r[2]; x++ {
				m.Set(x, y)
			}
		}
	}
	return m
}

func TestAnalyze_NoiseFiltered(t *testing.T) {
	a := NewAnalyzer(testDiffConfig())

	// 单个像素低于阈值被丢弃
	mask := maskFromRects(50, 50, [4]int{1, 1, 1, 1}, [4]int{30, 30, 3, 3})
	regions := a.Analyze(mask, 50, 50)

	require.Len(t, regions, 1)
	assert.Equal(t, model.BoundingBox{X: 30, Y: 30, Width: 3, Height: 3}, regions[0].BoundingBox)
}

func TestAnalyze_MergeNearby(t *testing.T) {
	a := NewAnalyzer(testDiffConfig())

	// 间距 5 < 8，合并
	mask := maskFromRects(100, 100, [4]int{10, 10, 4, 4}, [4]int{19, 10, 4, 4})
	regions := a.Analyze(mask, 100, 100)

	require.Len(t, regions, 1)
	assert.Equal(t, model.BoundingBox{X: 10, Y: 10, Width: 13, Height: 4}, regions[0].BoundingBox)
	assert.Equal(t, 32, regions[0].PixelCount)
}

func TestAnalyze_DiagonalConnectivity(t *testing.T) {
	cfg := testDiffConfig()
	cfg.MergeDistance = -1
	a := NewAnalyzer(cfg)

	mask := NewMask(10, 10)
	for i := 0; i < 5; i++ {
		mask.Set(i, i)
	}
	regions := a.Analyze(mask, 10, 10)

	require.Len(t, regions, 1)
	assert.Equal(t, 5, regions[0].PixelCount)
}

func TestAnalyze_OrderedByScore(t *testing.T) {
	a := NewAnalyzer(testDiffConfig())

	mask := maskFromRects(200, 200, [4]int{0, 0, 3, 3}, [4]int{100, 100, 60, 60}, [4]int{0, 150, 10, 10})
	regions := a.Analyze(mask, 200, 200)

	require.Len(t, regions, 3)
	for i, r := range regions {
		assert.Equal(t, i, r.ID)
		assert.NotEmpty(t, r.Description)
		if i > 0 {
			assert.GreaterOrEqual(t, regions[i-1].Score, r.Score)
		}
	}
	assert.Equal(t, 100, regions[0].BoundingBox.X)
}

func TestScoreAndClassify(t *testing.T) {
	tests := []struct {
		score    float64
		typ      string
		priority string
	}{
		{100, model.RegionLayout, model.PriorityCritical},
		{80, model.RegionLayout, model.PriorityCritical},
		{79.99, model.RegionMajor, model.PriorityHigh},
		{50, model.RegionMajor, model.PriorityHigh},
		{20, model.RegionMedium, model.PriorityMedium},
		{19.99, model.RegionMinor, model.PriorityLow},
		{0, model.RegionMinor, model.PriorityLow},
	}
	for _, tt := range tests {
		typ, priority := Classify(tt.score)
		assert.Equal(t, tt.typ, typ, "score %v", tt.score)
		assert.Equal(t, tt.priority, priority, "score %v", tt.score)
	}

	assert.Equal(t, 100.0, Score(50000, 10000, 10000))
	assert.Less(t, Score(4, 4, 10000), ScoreMedium)
	assert.Equal(t, Score(100, 100, 10000), Score(100, 100, 10000))
}

func TestAnalyze_Properties(t *testing.T) {
	a := NewAnalyzer(testDiffConfig())

	rapid.Check(t, func(t *rapid.T) {
		w := rapid.IntRange(1, 40).Draw(t, "w")
		h := rapid.IntRange(1, 40).Draw(t, "h")
		mask := NewMask(w, h)
		for i := 0; i < w*h; i++ {
			if rapid.IntRange(0, 9).Draw(t, "bit") == 0 {
				mask.Set(i%w, i/w)
			}
		}

		r1 := a.Analyze(mask, w, h)
		r2 := a.Analyze(mask, w, h)
		if len(r1) != len(r2) {
			t.Fatalf("non-deterministic region count")
		}

		var total int64
		for i := range r1 {
			if r1[i] != r2[i] {
				t.Fatalf("region %d differs between runs", i)
			}
			if r1[i].ID != i {
				t.Fatalf("id %d at position %d", r1[i].ID, i)
			}
			if i > 0 && r1[i-1].Score < r1[i].Score {
				t.Fatalf("regions not sorted by score")
			}
			if r1[i].Score < 0 || r1[i].Score > 100 {
				t.Fatalf("score out of range")
			}
			total += int64(r1[i].PixelCount)
		}
		if total > mask.Count() {
			t.Fatalf("regions cover %d pixels, mask has %d", total, mask.Count())
		}
	})
}
