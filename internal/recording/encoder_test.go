package recording_test

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image/gif"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"KioskTelemetryAgent/internal/recording"
)

// makeFrames 用示意图策略生成n帧真实PNG
func makeFrames(t *testing.T, n int) []*recording.Frame {
	t.Helper()

	strategy := recording.NewSchematicCaptureStrategy(&recording.StaticPageObserver{
		Snapshot: &recording.PageSnapshot{
			Title:          "Test Page",
			Path:           "/kiosk/home",
			ViewportWidth:  1080,
			ViewportHeight: 1920,
			Elements: []recording.PageElement{
				{Kind: recording.KindButton, X: 40, Y: 100, W: 400, H: 80},
			},
		},
	})

	frames := make([]*recording.Frame, 0, n)
	for i := 0; i < n; i++ {
		frame, err := strategy.Capture(context.Background(), &recording.CaptureState{
			SessionID:  "S1",
			KioskID:    "K1",
			FrameIndex: i,
			Width:      160,
			Height:     120,
			Now:        time.Now(),
		})
		require.NoError(t, err)
		frames = append(frames, frame)
	}
	return frames
}

// TestGIFEncoderProducesPlayableAnimation 动图编码器产出帧数正确的GIF
func TestGIFEncoderProducesPlayableAnimation(t *testing.T) {
	t.Log("🎞️ 测试动图编码...")

	frames := makeFrames(t, 4)
	artifact, err := recording.NewGIFEncoder().Encode(context.Background(), frames, 2.0)
	require.NoError(t, err)

	assert.Equal(t, recording.ArtifactVideo, artifact.Kind)
	assert.Equal(t, "image/gif", artifact.ContentType)
	assert.Equal(t, "recording.gif", artifact.FileName)
	assert.Equal(t, 4, artifact.FrameCount)
	assert.Equal(t, "160x120", artifact.Resolution)
	assert.Equal(t, 2*time.Second, artifact.Duration)

	decoded, err := gif.DecodeAll(bytes.NewReader(artifact.Data))
	require.NoError(t, err)
	assert.Len(t, decoded.Image, 4)
	// 2fps → 每帧50/100秒
	assert.Equal(t, 50, decoded.Delay[0])
}

// TestFrameBundleEncoderWritesManifest 帧包编码器产出带清单和全部帧的zip
func TestFrameBundleEncoderWritesManifest(t *testing.T) {
	t.Log("📦 测试帧包编码...")

	frames := makeFrames(t, 3)
	artifact, err := recording.NewFrameBundleEncoder().Encode(context.Background(), frames, 1.0)
	require.NoError(t, err)

	assert.Equal(t, recording.ArtifactFrameBundle, artifact.Kind)
	assert.Equal(t, "application/zip", artifact.ContentType)
	assert.Equal(t, "recording_frames.zip", artifact.FileName)

	reader, err := zip.NewReader(bytes.NewReader(artifact.Data), int64(len(artifact.Data)))
	require.NoError(t, err)

	names := map[string]bool{}
	for _, f := range reader.File {
		names[f.Name] = true
	}
	assert.True(t, names["manifest.json"])
	assert.True(t, names["frame_0000.png"])
	assert.True(t, names["frame_0002.png"])

	manifestFile, err := reader.Open("manifest.json")
	require.NoError(t, err)
	defer manifestFile.Close()

	var manifest struct {
		FrameRate  float64 `json:"frame_rate"`
		Resolution string  `json:"resolution"`
		FrameCount int     `json:"frame_count"`
		DurationMS int64   `json:"duration_ms"`
	}
	require.NoError(t, json.NewDecoder(manifestFile).Decode(&manifest))
	assert.Equal(t, 1.0, manifest.FrameRate)
	assert.Equal(t, "160x120", manifest.Resolution)
	assert.Equal(t, 3, manifest.FrameCount)
	assert.EqualValues(t, 3000, manifest.DurationMS)
}

// failingEncoder 永远失败的编码器，用于验证降级顺序
type failingEncoder struct{}

func (e *failingEncoder) Name() string { return "failing" }

func (e *failingEncoder) Encode(ctx context.Context, frames []*recording.Frame, frameRate float64) (*recording.EncodedArtifact, error) {
	return nil, fmt.Errorf("always fails")
}

// TestEncodeFramesFallsBack 首选编码器失败后落到下一个
func TestEncodeFramesFallsBack(t *testing.T) {
	t.Log("🪂 测试编码降级...")

	frames := makeFrames(t, 2)

	artifact, err := recording.EncodeFrames(context.Background(), frames, 1.0,
		&failingEncoder{}, recording.NewFrameBundleEncoder())
	require.NoError(t, err)
	assert.Equal(t, recording.ArtifactFrameBundle, artifact.Kind)

	// 全部失败时返回错误
	_, err = recording.EncodeFrames(context.Background(), frames, 1.0, &failingEncoder{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failing encoder failed")
}

// TestEncodeFramesEmptyInput 空帧序列直接报错
func TestEncodeFramesEmptyInput(t *testing.T) {
	_, err := recording.EncodeFrames(context.Background(), nil, 1.0)
	require.Error(t, err)
}
