package telemetry

import (
	"time"

	"github.com/google/uuid"

	"KioskTelemetryAgent/internal/zone"
)

// EventType 事件类型
type EventType string

const (
	EventPageView       EventType = "page_view"
	EventPageExit       EventType = "page_exit"
	EventClick          EventType = "click"
	EventSearch         EventType = "search"
	EventTileSelect     EventType = "tile_select"
	EventSessionStart   EventType = "session_start"
	EventSessionEnd     EventType = "session_end"
	EventSessionTimeout EventType = "session_timeout"
)

// 带动作后缀的事件族，如 sticker_select / editor_save / checkout_confirm
const (
	PrefixSticker  = "sticker_"
	PrefixCard     = "card_"
	PrefixGiftCard = "giftcard_"
	PrefixEditor   = "editor_"
	PrefixCheckout = "checkout_"
	PrefixPayment  = "payment_"
	PrefixOutput   = "output_"
)

// StickerEvent 构造贴纸事件类型
func StickerEvent(action string) EventType { return EventType(PrefixSticker + action) }

// CardEvent 构造贺卡事件类型
func CardEvent(action string) EventType { return EventType(PrefixCard + action) }

// GiftCardEvent 构造礼品卡事件类型
func GiftCardEvent(action string) EventType { return EventType(PrefixGiftCard + action) }

// EditorEvent 构造编辑器事件类型
func EditorEvent(action string) EventType { return EventType(PrefixEditor + action) }

// CheckoutEvent 构造结账事件类型
func CheckoutEvent(action string) EventType { return EventType(PrefixCheckout + action) }

// PaymentEvent 构造支付事件类型
func PaymentEvent(action string) EventType { return EventType(PrefixPayment + action) }

// OutputEvent 构造出件事件类型（打印/出卡等）
func OutputEvent(action string) EventType { return EventType(PrefixOutput + action) }

// Pointer 指针坐标及当时的视口尺寸
type Pointer struct {
	X              int `json:"x"`
	Y              int `json:"y"`
	ViewportWidth  int `json:"viewport_width"`
	ViewportHeight int `json:"viewport_height"`
}

// Event 单条遥测事件，入队后不可变
type Event struct {
	ID        string                 `json:"id"`
	Type      EventType              `json:"type"`
	Page      string                 `json:"page"`
	Zone      zone.Zone              `json:"zone,omitempty"`
	Detail    map[string]interface{} `json:"detail,omitempty"`
	Pointer   *Pointer               `json:"pointer,omitempty"`
	Timestamp string                 `json:"timestamp"`
}

// New 创建事件，自动分配ID和ISO时间戳
func New(eventType EventType, page string) *Event {
	return &Event{
		ID:        uuid.NewString(),
		Type:      eventType,
		Page:      page,
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
	}
}

// WithDetail 附加详情字段，返回事件本身便于链式构造
func (e *Event) WithDetail(detail map[string]interface{}) *Event {
	e.Detail = detail
	return e
}

// WithZone 标注逻辑区域
func (e *Event) WithZone(z zone.Zone) *Event {
	e.Zone = z
	return e
}

// WithPointer 附加指针坐标
func (e *Event) WithPointer(p *Pointer) *Event {
	e.Pointer = p
	return e
}
