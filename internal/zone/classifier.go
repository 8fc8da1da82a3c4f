package zone

import "strings"

// Zone 逻辑UI区域，用于给交互事件打粗粒度的位置标签
type Zone string

const (
	ZoneHeader        Zone = "header"
	ZoneFooter        Zone = "footer"
	ZoneNavigation    Zone = "navigation"
	ZoneSearchBar     Zone = "search-bar"
	ZoneGallery       Zone = "gallery"
	ZoneEditorCanvas  Zone = "editor-canvas"
	ZoneEditorToolbar Zone = "editor-toolbar"
	ZoneModal         Zone = "modal"
	ZoneCheckoutForm  Zone = "checkout-form"
	ZoneMainContent   Zone = "main-content"
	ZoneUnknown       Zone = "unknown"
)

// ZoneAttribute 元素上的显式区域标注属性，优先级最高
const ZoneAttribute = "data-zone"

// Element 交互涉及的单个DOM元素快照（由UI层采集后传入）
type Element struct {
	Tag        string
	ID         string
	Role       string
	Classes    []string
	Attributes map[string]string
}

// Target 交互目标及其祖先链，祖先按由近到远排列
type Target struct {
	Element   Element
	Ancestors []Element
}

// validZones 显式标注允许的取值
var validZones = map[Zone]bool{
	ZoneHeader:        true,
	ZoneFooter:        true,
	ZoneNavigation:    true,
	ZoneSearchBar:     true,
	ZoneGallery:       true,
	ZoneEditorCanvas:  true,
	ZoneEditorToolbar: true,
	ZoneModal:         true,
	ZoneCheckoutForm:  true,
	ZoneMainContent:   true,
}

// classRule 类名关键字到区域的映射，顺序即优先级
type classRule struct {
	keyword string
	zone    Zone
}

// toolbar 必须排在 editor 之前，否则 "editor-toolbar" 会被归入画布
var classRules = []classRule{
	{"search", ZoneSearchBar},
	{"gallery", ZoneGallery},
	{"grid", ZoneGallery},
	{"toolbar", ZoneEditorToolbar},
	{"editor", ZoneEditorCanvas},
	{"canvas", ZoneEditorCanvas},
	{"modal", ZoneModal},
	{"dialog", ZoneModal},
	{"checkout", ZoneCheckoutForm},
	{"payment", ZoneCheckoutForm},
}

// Classify 把交互目标映射为逻辑区域。
// 解析顺序：显式 data-zone 标注 → 结构性地标（标签/role）→ 类名关键字 → 主内容区。
// 纯函数，无副作用，任何输入都有确定结果。
func Classify(target Target) Zone {
	chain := make([]Element, 0, len(target.Ancestors)+1)
	chain = append(chain, target.Element)
	chain = append(chain, target.Ancestors...)

	if len(chain) == 1 && chain[0].Tag == "" {
		return ZoneUnknown
	}

	// 1. 最近祖先上的显式标注
	for _, el := range chain {
		if el.Attributes == nil {
			continue
		}
		if v, ok := el.Attributes[ZoneAttribute]; ok {
			z := Zone(strings.ToLower(strings.TrimSpace(v)))
			if validZones[z] {
				return z
			}
		}
	}

	// 2. 结构性地标
	for _, el := range chain {
		if z, ok := landmarkZone(el); ok {
			return z
		}
	}

	// 3. 类名关键字，按规则顺序匹配整条祖先链
	for _, rule := range classRules {
		for _, el := range chain {
			for _, class := range el.Classes {
				if strings.Contains(strings.ToLower(class), rule.keyword) {
					return rule.zone
				}
			}
		}
	}

	return ZoneMainContent
}

// landmarkZone 根据HTML标签和ARIA role识别结构性地标
func landmarkZone(el Element) (Zone, bool) {
	switch strings.ToLower(el.Tag) {
	case "header":
		return ZoneHeader, true
	case "footer":
		return ZoneFooter, true
	case "nav":
		return ZoneNavigation, true
	}

	switch strings.ToLower(el.Role) {
	case "banner":
		return ZoneHeader, true
	case "contentinfo":
		return ZoneFooter, true
	case "navigation":
		return ZoneNavigation, true
	case "search":
		return ZoneSearchBar, true
	case "dialog", "alertdialog":
		return ZoneModal, true
	}

	return ZoneUnknown, false
}
