package suggest

import (
	"fmt"
	"sort"
	"strings"

	"github.com/qs3c/ui_diff_server/internal/model"
)

const systemPrompt = `你是一名资深前端工程师，负责比对设计稿与实际页面截图并给出 CSS 修复建议。
只输出 JSON 数组，不要输出其他文字。数组元素字段：
- priority: critical | high | medium | low
- type: color | font | spacing | layout
- selector: 需要修改的 CSS 选择器
- currentCSS: 当前推测的样式
- suggestedCSS: 建议的样式
- description: 问题描述
- impact: 影响说明（可选）
- regionId: 对应的差异区域编号（可选）`

// topRegions 按分数取前 n 个区域，分数相同按 id 保持稳定
func topRegions(regions []model.DiffRegion, n int) []model.DiffRegion {
	sorted := make([]model.DiffRegion, len(regions))
	copy(sorted, regions)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].Score != sorted[j].Score {
			return sorted[i].Score > sorted[j].Score
		}
		return sorted[i].ID < sorted[j].ID
	})
	if n > 0 && len(sorted) > n {
		sorted = sorted[:n]
	}
	return sorted
}

func buildPrompt(regions []model.DiffRegion) string {
	var b strings.Builder
	b.WriteString("两张图中检测到以下差异区域（坐标单位为像素）：\n")
	for _, r := range regions {
		box := r.BoundingBox
		fmt.Fprintf(&b, "- 区域 %d: x=%d y=%d w=%d h=%d, 差异像素 %d, 类型 %s, 优先级 %s, 分数 %.2f\n",
			r.ID, box.X, box.Y, box.Width, box.Height, r.PixelCount, r.Type, r.Priority, r.Score)
	}
	b.WriteString("请针对这些区域给出 CSS 修复建议。")
	return b.String()
}
