package recording

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"time"

	xdraw "golang.org/x/image/draw"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

// ErrStrategyUnavailable 策略当前不可用（如未授予屏幕捕获权限）。
// 这不是错误，管道会静默尝试下一个策略。
var ErrStrategyUnavailable = errors.New("capture strategy unavailable")

// Frame 单帧截图，仅在一次录制期间驻留内存
type Frame struct {
	Index     int
	Timestamp time.Time
	PNG       []byte
	Width     int
	Height    int
}

// CaptureState 每帧捕获时的上下文
type CaptureState struct {
	SessionID  string
	KioskID    string
	FrameIndex int
	Width      int
	Height     int
	Now        time.Time
}

// CaptureStrategy 帧捕获策略。管道按序尝试，首个成功者胜出。
type CaptureStrategy interface {
	Name() string
	Capture(ctx context.Context, state *CaptureState) (*Frame, error)
}

// FrameSource 实时画面来源，由宿主环境在授予屏幕捕获权限后注入
type FrameSource interface {
	Available() bool
	Grab(ctx context.Context) (image.Image, error)
}

// ScreenCaptureStrategy 实时屏幕捕获策略：把画面缩放到目标分辨率，
// 叠加录制指示点和时间戳后编码为PNG静帧。
type ScreenCaptureStrategy struct {
	source FrameSource
}

// NewScreenCaptureStrategy 创建屏幕捕获策略，source可为nil（视为不可用）
func NewScreenCaptureStrategy(source FrameSource) *ScreenCaptureStrategy {
	return &ScreenCaptureStrategy{source: source}
}

// Name 实现 CaptureStrategy
func (s *ScreenCaptureStrategy) Name() string { return "screen" }

// Capture 实现 CaptureStrategy
func (s *ScreenCaptureStrategy) Capture(ctx context.Context, state *CaptureState) (*Frame, error) {
	if s.source == nil || !s.source.Available() {
		return nil, ErrStrategyUnavailable
	}

	src, err := s.source.Grab(ctx)
	if err != nil {
		return nil, fmt.Errorf("grab screen frame failed: %w", err)
	}

	canvas := image.NewRGBA(image.Rect(0, 0, state.Width, state.Height))
	xdraw.BiLinear.Scale(canvas, canvas.Bounds(), src, src.Bounds(), xdraw.Src, nil)

	drawRecordingOverlay(canvas, state)

	return encodeFrame(canvas, state)
}

// drawRecordingOverlay 左上角时间戳，右上角红色REC指示点
func drawRecordingOverlay(canvas *image.RGBA, state *CaptureState) {
	// 顶部半透明条
	bar := image.Rect(0, 0, state.Width, 20)
	fillRect(canvas, bar, color.RGBA{0, 0, 0, 160})

	drawLabel(canvas, 6, 14, state.Now.UTC().Format("2006-01-02 15:04:05"), color.RGBA{255, 255, 255, 255})

	// REC指示点
	dot := image.Rect(state.Width-16, 5, state.Width-6, 15)
	fillRect(canvas, dot, color.RGBA{220, 38, 38, 255})
}

// ElementKind 简略页面快照中的元素类别
type ElementKind string

const (
	KindButton  ElementKind = "button"
	KindLink    ElementKind = "link"
	KindInput   ElementKind = "input"
	KindHeading ElementKind = "heading"
	KindImage   ElementKind = "image"
	KindCard    ElementKind = "card"
	KindText    ElementKind = "text"
)

// PageElement 页面上一个可见的交互元素及其视口内包围盒
type PageElement struct {
	Kind ElementKind
	X    int
	Y    int
	W    int
	H    int
}

// PageSnapshot UI层提供的当前页面简略快照
type PageSnapshot struct {
	Title          string
	Path           string
	ViewportWidth  int
	ViewportHeight int
	Elements       []PageElement
}

// PageObserver 提供当前页面快照的观察者，由UI层实现
type PageObserver interface {
	Observe(ctx context.Context) (*PageSnapshot, error)
}

// StaticPageObserver 固定快照观察者，测试和演示用
type StaticPageObserver struct {
	Snapshot *PageSnapshot
}

// Observe 实现 PageObserver
func (o *StaticPageObserver) Observe(ctx context.Context) (*PageSnapshot, error) {
	return o.Snapshot, nil
}

// kindColors 各类元素的占位色块颜色
var kindColors = map[ElementKind]color.RGBA{
	KindButton:  {59, 130, 246, 255},  // 蓝
	KindLink:    {14, 165, 233, 255},  // 浅蓝
	KindInput:   {255, 255, 255, 255}, // 白底
	KindHeading: {31, 41, 55, 255},    // 深灰
	KindImage:   {167, 139, 250, 255}, // 紫
	KindCard:    {229, 231, 235, 255}, // 浅灰
	KindText:    {156, 163, 175, 255}, // 中灰
}

// SchematicCaptureStrategy 页面示意图捕获策略：
// 按页面快照画彩色占位块，配页头（标题/路径）和页脚（帧号/会话）。
// 无需任何权限，任何页面样式下都能出帧，是保底策略。
type SchematicCaptureStrategy struct {
	observer PageObserver
}

// NewSchematicCaptureStrategy 创建示意图策略，observer可为nil
func NewSchematicCaptureStrategy(observer PageObserver) *SchematicCaptureStrategy {
	return &SchematicCaptureStrategy{observer: observer}
}

// Name 实现 CaptureStrategy
func (s *SchematicCaptureStrategy) Name() string { return "schematic" }

// Capture 实现 CaptureStrategy。观察者缺失或出错时退化为空白页面，
// 依然出帧，保证捕获永远成功。
func (s *SchematicCaptureStrategy) Capture(ctx context.Context, state *CaptureState) (*Frame, error) {
	var snap *PageSnapshot
	if s.observer != nil {
		observed, err := s.observer.Observe(ctx)
		if err == nil {
			snap = observed
		}
	}
	if snap == nil {
		snap = &PageSnapshot{Title: "(无页面数据)", Path: ""}
	}

	const headerH, footerH = 28, 20

	canvas := image.NewRGBA(image.Rect(0, 0, state.Width, state.Height))
	fillRect(canvas, canvas.Bounds(), color.RGBA{249, 250, 251, 255})

	// 页头：标题与路径
	fillRect(canvas, image.Rect(0, 0, state.Width, headerH), color.RGBA{17, 24, 39, 255})
	title := snap.Title
	if snap.Path != "" {
		title = title + "  " + snap.Path
	}
	drawLabel(canvas, 8, 18, title, color.RGBA{255, 255, 255, 255})

	// 元素占位块，按快照视口缩放到目标分辨率
	content := image.Rect(0, headerH, state.Width, state.Height-footerH)
	scaleX, scaleY := 1.0, 1.0
	if snap.ViewportWidth > 0 {
		scaleX = float64(content.Dx()) / float64(snap.ViewportWidth)
	}
	if snap.ViewportHeight > 0 {
		scaleY = float64(content.Dy()) / float64(snap.ViewportHeight)
	}

	for _, el := range snap.Elements {
		box := image.Rect(
			content.Min.X+int(float64(el.X)*scaleX),
			content.Min.Y+int(float64(el.Y)*scaleY),
			content.Min.X+int(float64(el.X+el.W)*scaleX),
			content.Min.Y+int(float64(el.Y+el.H)*scaleY),
		).Intersect(content)
		if box.Empty() {
			continue
		}

		fill, ok := kindColors[el.Kind]
		if !ok {
			fill = kindColors[KindText]
		}
		fillRect(canvas, box, fill)
		strokeRect(canvas, box, color.RGBA{107, 114, 128, 255})
	}

	// 页脚：帧号与会话ID
	fillRect(canvas, image.Rect(0, state.Height-footerH, state.Width, state.Height), color.RGBA{17, 24, 39, 255})
	footer := fmt.Sprintf("frame %d · session %s", state.FrameIndex, state.SessionID)
	drawLabel(canvas, 8, state.Height-6, footer, color.RGBA{209, 213, 219, 255})

	return encodeFrame(canvas, state)
}

// encodeFrame 把画布编码为PNG静帧
func encodeFrame(canvas *image.RGBA, state *CaptureState) (*Frame, error) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, canvas); err != nil {
		return nil, fmt.Errorf("encode frame failed: %w", err)
	}

	return &Frame{
		Index:     state.FrameIndex,
		Timestamp: state.Now,
		PNG:       buf.Bytes(),
		Width:     state.Width,
		Height:    state.Height,
	}, nil
}

func fillRect(canvas *image.RGBA, rect image.Rectangle, c color.RGBA) {
	rect = rect.Intersect(canvas.Bounds())
	for y := rect.Min.Y; y < rect.Max.Y; y++ {
		for x := rect.Min.X; x < rect.Max.X; x++ {
			canvas.SetRGBA(x, y, c)
		}
	}
}

func strokeRect(canvas *image.RGBA, rect image.Rectangle, c color.RGBA) {
	rect = rect.Intersect(canvas.Bounds())
	if rect.Empty() {
		return
	}
	for x := rect.Min.X; x < rect.Max.X; x++ {
		canvas.SetRGBA(x, rect.Min.Y, c)
		canvas.SetRGBA(x, rect.Max.Y-1, c)
	}
	for y := rect.Min.Y; y < rect.Max.Y; y++ {
		canvas.SetRGBA(rect.Min.X, y, c)
		canvas.SetRGBA(rect.Max.X-1, y, c)
	}
}

// drawLabel 用内置点阵字体画一行文字，(x, y)为基线位置
func drawLabel(canvas *image.RGBA, x, y int, text string, c color.RGBA) {
	drawer := &font.Drawer{
		Dst:  canvas,
		Src:  image.NewUniform(c),
		Face: basicfont.Face7x13,
		Dot:  fixed.P(x, y),
	}
	drawer.DrawString(text)
}
