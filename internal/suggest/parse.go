package suggest

import (
	"encoding/json"
	"errors"
	"strings"

	"github.com/qs3c/ui_diff_server/internal/model"
)

var errUnparseable = errors.New("response contains no JSON payload")

var (
	validPriorities = map[string]bool{
		model.PriorityCritical: true,
		model.PriorityHigh:     true,
		model.PriorityMedium:   true,
		model.PriorityLow:      true,
	}
	validFixTypes = map[string]bool{
		model.FixColor:   true,
		model.FixFont:    true,
		model.FixSpacing: true,
		model.FixLayout:  true,
	}
)

// parseFixes 容错解析模型输出，丢弃缺少必填字段的条目；返回被丢弃的条数
func parseFixes(text string) ([]model.CSSFix, int, error) {
	entries, err := extractEntries(text)
	if err != nil {
		return nil, 0, err
	}

	fixes := make([]model.CSSFix, 0, len(entries))
	dropped := 0
	for _, raw := range entries {
		var m map[string]interface{}
		if err := json.Unmarshal(raw, &m); err != nil {
			dropped++
			continue
		}
		fix, ok := toFix(m)
		if !ok {
			dropped++
			continue
		}
		fixes = append(fixes, fix)
	}
	return fixes, dropped, nil
}

// extractEntries 去掉代码块标记，取出 JSON 数组或 {"fixes": [...]} 中的元素
func extractEntries(text string) ([]json.RawMessage, error) {
	text = stripFences(text)

	start := strings.IndexAny(text, "[{")
	if start < 0 {
		return nil, errUnparseable
	}

	var entries []json.RawMessage
	if text[start] == '[' {
		end := strings.LastIndex(text, "]")
		if end < start {
			return nil, errUnparseable
		}
		if err := json.Unmarshal([]byte(text[start:end+1]), &entries); err != nil {
			return nil, err
		}
		return entries, nil
	}

	end := strings.LastIndex(text, "}")
	if end < start {
		return nil, errUnparseable
	}
	var wrapper struct {
		Fixes []json.RawMessage `json:"fixes"`
	}
	if err := json.Unmarshal([]byte(text[start:end+1]), &wrapper); err != nil {
		return nil, err
	}
	if wrapper.Fixes == nil {
		// 单个对象
		return []json.RawMessage{json.RawMessage(text[start : end+1])}, nil
	}
	return wrapper.Fixes, nil
}

func stripFences(text string) string {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "```") {
		return text
	}
	text = strings.TrimPrefix(text, "```")
	if nl := strings.IndexByte(text, '\n'); nl >= 0 {
		text = text[nl+1:]
	}
	if end := strings.LastIndex(text, "```"); end >= 0 {
		text = text[:end]
	}
	return strings.TrimSpace(text)
}

func toFix(m map[string]interface{}) (model.CSSFix, bool) {
	fix := model.CSSFix{
		Priority:     strings.ToLower(field(m, "priority")),
		Type:         strings.ToLower(field(m, "type")),
		Selector:     field(m, "selector"),
		CurrentCSS:   field(m, "currentCSS", "current_css"),
		SuggestedCSS: field(m, "suggestedCSS", "suggested_css"),
		Description:  field(m, "description"),
		Impact:       field(m, "impact"),
	}
	if !validPriorities[fix.Priority] || !validFixTypes[fix.Type] {
		return fix, false
	}
	if fix.Selector == "" || fix.SuggestedCSS == "" {
		return fix, false
	}

	for _, k := range []string{"regionId", "region_id"} {
		if v, ok := m[k].(float64); ok && v >= 0 {
			id := int(v)
			fix.RegionID = &id
			break
		}
	}
	return fix, true
}

func field(m map[string]interface{}, keys ...string) string {
	for _, k := range keys {
		if s, ok := m[k].(string); ok {
			if s = strings.TrimSpace(s); s != "" {
				return s
			}
		}
	}
	return ""
}
