package recording_test

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"KioskTelemetryAgent/internal/recording"
)

// fakeFrameSource 固定纯色画面的帧源
type fakeFrameSource struct {
	available bool
}

func (s *fakeFrameSource) Available() bool { return s.available }

func (s *fakeFrameSource) Grab(ctx context.Context) (image.Image, error) {
	img := image.NewRGBA(image.Rect(0, 0, 1080, 1920))
	for y := 0; y < 1920; y++ {
		for x := 0; x < 1080; x++ {
			img.SetRGBA(x, y, color.RGBA{0, 128, 255, 255})
		}
	}
	return img, nil
}

func captureState(index int) *recording.CaptureState {
	return &recording.CaptureState{
		SessionID:  "S1",
		KioskID:    "K1",
		FrameIndex: index,
		Width:      160,
		Height:     120,
		Now:        time.Date(2026, 8, 29, 10, 0, 0, 0, time.UTC),
	}
}

func decodeFrame(t *testing.T, frame *recording.Frame) image.Image {
	t.Helper()
	img, err := png.Decode(bytes.NewReader(frame.PNG))
	require.NoError(t, err)
	return img
}

// TestScreenCaptureScalesToTarget 屏幕策略把画面缩放到目标分辨率并叠加录制指示
func TestScreenCaptureScalesToTarget(t *testing.T) {
	t.Log("🖥️ 测试屏幕捕获缩放...")

	strategy := recording.NewScreenCaptureStrategy(&fakeFrameSource{available: true})
	frame, err := strategy.Capture(context.Background(), captureState(0))
	require.NoError(t, err)

	assert.Equal(t, 160, frame.Width)
	assert.Equal(t, 120, frame.Height)

	img := decodeFrame(t, frame)
	assert.Equal(t, image.Rect(0, 0, 160, 120), img.Bounds())

	// 画面中部是缩放后的源画面颜色
	r, g, b, _ := img.At(80, 60).RGBA()
	assert.EqualValues(t, 0, r>>8)
	assert.EqualValues(t, 128, g>>8)
	assert.EqualValues(t, 255, b>>8)

	// 右上角有红色REC指示点
	r, g, _, _ = img.At(149, 10).RGBA()
	assert.Greater(t, r>>8, uint32(180))
	assert.Less(t, g>>8, uint32(100))
}

// TestScreenCaptureUnavailable 帧源缺失或未授权时返回专用哨兵错误
func TestScreenCaptureUnavailable(t *testing.T) {
	t.Log("🔒 测试屏幕捕获不可用...")

	strategy := recording.NewScreenCaptureStrategy(nil)
	_, err := strategy.Capture(context.Background(), captureState(0))
	require.ErrorIs(t, err, recording.ErrStrategyUnavailable)

	strategy = recording.NewScreenCaptureStrategy(&fakeFrameSource{available: false})
	_, err = strategy.Capture(context.Background(), captureState(0))
	require.ErrorIs(t, err, recording.ErrStrategyUnavailable)
}

// TestSchematicCaptureAlwaysProducesFrame 示意图策略在无观察者时也能出帧
func TestSchematicCaptureAlwaysProducesFrame(t *testing.T) {
	t.Log("🗺️ 测试示意图保底出帧...")

	strategy := recording.NewSchematicCaptureStrategy(nil)
	frame, err := strategy.Capture(context.Background(), captureState(7))
	require.NoError(t, err)

	assert.Equal(t, 7, frame.Index)
	assert.Equal(t, 160, frame.Width)
	assert.Equal(t, 120, frame.Height)

	img := decodeFrame(t, frame)
	assert.Equal(t, image.Rect(0, 0, 160, 120), img.Bounds())
}

// TestSchematicCaptureDrawsElements 示意图按快照画出元素占位块
func TestSchematicCaptureDrawsElements(t *testing.T) {
	t.Log("🎨 测试示意图元素绘制...")

	observer := &recording.StaticPageObserver{Snapshot: &recording.PageSnapshot{
		Title:          "Editor",
		Path:           "/editor",
		ViewportWidth:  160,
		ViewportHeight: 72, // 与内容区等比，免去缩放误差
		Elements: []recording.PageElement{
			{Kind: recording.KindButton, X: 10, Y: 10, W: 60, H: 20},
		},
	}}

	strategy := recording.NewSchematicCaptureStrategy(observer)
	frame, err := strategy.Capture(context.Background(), captureState(0))
	require.NoError(t, err)

	img := decodeFrame(t, frame)

	// 按钮占位块中心应是按钮蓝，而不是页面底色
	r, g, b, _ := img.At(40, 48).RGBA()
	assert.EqualValues(t, 59, r>>8)
	assert.EqualValues(t, 130, g>>8)
	assert.EqualValues(t, 246, b>>8)

	// 页面底色区域保持浅灰
	r, _, _, _ = img.At(150, 90).RGBA()
	assert.Greater(t, r>>8, uint32(240))
}
