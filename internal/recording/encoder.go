package recording

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image"
	"image/color/palette"
	"image/draw"
	"image/gif"
	"image/png"
	"time"
)

// ArtifactKind 编码产物类型标签
type ArtifactKind string

const (
	// ArtifactVideo 动图"视频"产物，可直接播放
	ArtifactVideo ArtifactKind = "video"
	// ArtifactFrameBundle 原始帧打包产物，消费端按幻灯片解码
	ArtifactFrameBundle ArtifactKind = "frame_bundle"
)

// EncodedArtifact 带类型标签的编码产物，上传阶段不区分类型统一处理
type EncodedArtifact struct {
	Kind        ArtifactKind
	Data        []byte
	ContentType string
	FileName    string
	FrameRate   float64
	Resolution  string
	FrameCount  int
	Duration    time.Duration
}

// Encoder 帧序列编码器
type Encoder interface {
	Name() string
	Encode(ctx context.Context, frames []*Frame, frameRate float64) (*EncodedArtifact, error)
}

// EncodeFrames 按序尝试编码器，首个成功者胜出。
// 全部失败时返回最后一个错误。
func EncodeFrames(ctx context.Context, frames []*Frame, frameRate float64, encoders ...Encoder) (*EncodedArtifact, error) {
	if len(frames) == 0 {
		return nil, fmt.Errorf("no frames to encode")
	}
	if len(encoders) == 0 {
		encoders = []Encoder{NewGIFEncoder(), NewFrameBundleEncoder()}
	}

	var lastErr error
	for _, enc := range encoders {
		artifact, err := enc.Encode(ctx, frames, frameRate)
		if err == nil {
			return artifact, nil
		}
		lastErr = fmt.Errorf("%s encoder failed: %w", enc.Name(), err)
	}
	return nil, lastErr
}

// artifactDuration 产物时长 = 帧数 / 帧率
func artifactDuration(frameCount int, frameRate float64) time.Duration {
	if frameRate <= 0 {
		frameRate = 1
	}
	return time.Duration(float64(frameCount) / frameRate * float64(time.Second))
}

func frameResolution(frames []*Frame) string {
	return fmt.Sprintf("%dx%d", frames[0].Width, frames[0].Height)
}

// GIFEncoder 首选编码路径：把帧序列按目标帧率重放为一张动图
type GIFEncoder struct{}

// NewGIFEncoder 创建动图编码器
func NewGIFEncoder() *GIFEncoder { return &GIFEncoder{} }

// Name 实现 Encoder
func (e *GIFEncoder) Name() string { return "gif" }

// Encode 实现 Encoder。逐帧解码PNG、量化到调色板后写入动图，
// 帧间延迟由帧率换算（单位1/100秒）。
func (e *GIFEncoder) Encode(ctx context.Context, frames []*Frame, frameRate float64) (*EncodedArtifact, error) {
	if frameRate <= 0 {
		frameRate = 1
	}
	delay := int(100 / frameRate)
	if delay < 1 {
		delay = 1
	}

	anim := &gif.GIF{}
	for _, frame := range frames {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		img, err := png.Decode(bytes.NewReader(frame.PNG))
		if err != nil {
			return nil, fmt.Errorf("decode frame %d failed: %w", frame.Index, err)
		}

		paletted := image.NewPaletted(img.Bounds(), palette.Plan9)
		draw.FloydSteinberg.Draw(paletted, img.Bounds(), img, image.Point{})

		anim.Image = append(anim.Image, paletted)
		anim.Delay = append(anim.Delay, delay)
	}

	var buf bytes.Buffer
	if err := gif.EncodeAll(&buf, anim); err != nil {
		return nil, fmt.Errorf("encode gif failed: %w", err)
	}

	return &EncodedArtifact{
		Kind:        ArtifactVideo,
		Data:        buf.Bytes(),
		ContentType: "image/gif",
		FileName:    "recording.gif",
		FrameRate:   frameRate,
		Resolution:  frameResolution(frames),
		FrameCount:  len(frames),
		Duration:    artifactDuration(len(frames), frameRate),
	}, nil
}

// bundleManifest 帧包内的元数据清单
type bundleManifest struct {
	FrameRate  float64 `json:"frame_rate"`
	Resolution string  `json:"resolution"`
	FrameCount int     `json:"frame_count"`
	DurationMS int64   `json:"duration_ms"`
}

// FrameBundleEncoder 降级编码路径：把原始帧和清单打进一个zip，
// 消费端按清单里的帧率当幻灯片播放。
type FrameBundleEncoder struct{}

// NewFrameBundleEncoder 创建帧包编码器
func NewFrameBundleEncoder() *FrameBundleEncoder { return &FrameBundleEncoder{} }

// Name 实现 Encoder
func (e *FrameBundleEncoder) Name() string { return "frame-bundle" }

// Encode 实现 Encoder
func (e *FrameBundleEncoder) Encode(ctx context.Context, frames []*Frame, frameRate float64) (*EncodedArtifact, error) {
	if frameRate <= 0 {
		frameRate = 1
	}

	var buf bytes.Buffer
	archive := zip.NewWriter(&buf)

	manifest := bundleManifest{
		FrameRate:  frameRate,
		Resolution: frameResolution(frames),
		FrameCount: len(frames),
		DurationMS: artifactDuration(len(frames), frameRate).Milliseconds(),
	}
	manifestWriter, err := archive.Create("manifest.json")
	if err != nil {
		return nil, fmt.Errorf("create manifest failed: %w", err)
	}
	if err := json.NewEncoder(manifestWriter).Encode(manifest); err != nil {
		return nil, fmt.Errorf("write manifest failed: %w", err)
	}

	for _, frame := range frames {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		writer, err := archive.Create(fmt.Sprintf("frame_%04d.png", frame.Index))
		if err != nil {
			return nil, fmt.Errorf("create frame entry failed: %w", err)
		}
		if _, err := writer.Write(frame.PNG); err != nil {
			return nil, fmt.Errorf("write frame %d failed: %w", frame.Index, err)
		}
	}

	if err := archive.Close(); err != nil {
		return nil, fmt.Errorf("close bundle failed: %w", err)
	}

	return &EncodedArtifact{
		Kind:        ArtifactFrameBundle,
		Data:        buf.Bytes(),
		ContentType: "application/zip",
		FileName:    "recording_frames.zip",
		FrameRate:   frameRate,
		Resolution:  manifest.Resolution,
		FrameCount:  len(frames),
		Duration:    time.Duration(manifest.DurationMS) * time.Millisecond,
	}, nil
}
