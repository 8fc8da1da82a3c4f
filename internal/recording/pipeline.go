package recording

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"KioskTelemetryAgent/internal/logger"
	"KioskTelemetryAgent/internal/storage"
)

// State 录制管道状态
type State int32

const (
	StateIdle State = iota
	StateRecording
	StateProcessing
	StateUploading
	StateCompleted
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRecording:
		return "recording"
	case StateProcessing:
		return "processing"
	case StateUploading:
		return "uploading"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Backend 录制管道需要的后端子集
type Backend interface {
	CreateRecording(ctx context.Context, sessionID, kioskID, resolution string, frameRate float64) (string, error)
	UpdateRecordingStatus(ctx context.Context, recordingID, status, message string) error
	UploadArtifact(ctx context.Context, recordingID, sessionID, kioskID, fileName, contentType string, data []byte) (string, error)
	FinalizeRecording(ctx context.Context, recordingID, sessionID, storageURL, thumbnailURL string,
		duration time.Duration, fileSize int64, frameCount int) error
}

// History 本地录制历史的可选落盘出口
type History interface {
	SaveRecording(rec *storage.RecordingRecord) error
}

// Metadata 一次录制尝试的元数据
type Metadata struct {
	ID           string    `json:"id"`
	SessionID    string    `json:"session_id"`
	KioskID      string    `json:"kiosk_id"`
	StartedAt    time.Time `json:"started_at"`
	EndedAt      time.Time `json:"ended_at,omitempty"`
	FrameCount   int       `json:"frame_count"`
	Resolution   string    `json:"resolution"`
	Status       string    `json:"status"`
	Error        string    `json:"error,omitempty"`
	StorageURL   string    `json:"storage_url,omitempty"`
	ThumbnailURL string    `json:"thumbnail_url,omitempty"`
	FileSize     int64     `json:"file_size,omitempty"`
}

// PipelineConfig 录制管道配置
type PipelineConfig struct {
	FrameInterval time.Duration // 帧间隔，默认1帧/秒
	MaxFrames     int           // 帧数硬上限
	MaxDuration   time.Duration // 录制时长硬上限
	Width         int           // 目标分辨率宽
	Height        int           // 目标分辨率高
}

// DefaultPipelineConfig 返回默认配置
func DefaultPipelineConfig() *PipelineConfig {
	return &PipelineConfig{
		FrameInterval: time.Second,
		MaxFrames:     300,
		MaxDuration:   5 * time.Minute,
		Width:         640,
		Height:        480,
	}
}

// FrameRate 由帧间隔换算的帧率
func (c *PipelineConfig) FrameRate() float64 {
	if c.FrameInterval <= 0 {
		return 1
	}
	return float64(time.Second) / float64(c.FrameInterval)
}

// Resolution 分辨率字符串
func (c *PipelineConfig) Resolution() string {
	return fmt.Sprintf("%dx%d", c.Width, c.Height)
}

// Pipeline 视觉录制管道。
// 状态机 idle → recording → processing → uploading → completed，
// failed可从任意非idle态进入，recording可经取消直接回idle。
// 进程内同时最多一次录制，新录制启动会先取消旧的。
type Pipeline struct {
	config     *PipelineConfig
	backend    Backend
	strategies []CaptureStrategy
	encoders   []Encoder
	history    History

	state atomic.Int32

	mu     sync.Mutex
	meta   *Metadata
	frames []*Frame

	captureCancel context.CancelFunc
	captureWG     sync.WaitGroup
}

// NewPipeline 创建录制管道。未指定策略时只挂保底的示意图策略。
func NewPipeline(config *PipelineConfig, b Backend, strategies ...CaptureStrategy) *Pipeline {
	if config == nil {
		config = DefaultPipelineConfig()
	}
	if len(strategies) == 0 {
		strategies = []CaptureStrategy{NewSchematicCaptureStrategy(nil)}
	}

	return &Pipeline{
		config:     config,
		backend:    b,
		strategies: strategies,
		encoders:   []Encoder{NewGIFEncoder(), NewFrameBundleEncoder()},
	}
}

// SetHistory 挂接本地录制历史存储（可选）
func (p *Pipeline) SetHistory(h History) {
	p.history = h
}

// CurrentState 返回当前状态
func (p *Pipeline) CurrentState() State {
	return State(p.state.Load())
}

// Recording 是否正在捕获
func (p *Pipeline) Recording() bool {
	return p.CurrentState() == StateRecording
}

// FrameCount 当前已捕获帧数
func (p *Pipeline) FrameCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.frames)
}

// Snapshot 返回元数据副本，无录制时为nil
func (p *Pipeline) Snapshot() *Metadata {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.meta == nil {
		return nil
	}
	copied := *p.meta
	if copied.FrameCount == 0 {
		copied.FrameCount = len(p.frames)
	}
	return &copied
}

// Start 开始录制。已有录制在进行时先取消旧的（单飞不变量）。
func (p *Pipeline) Start(ctx context.Context, sessionID, kioskID string) error {
	if p.Recording() {
		logger.LogWarning("Recording", "启动新录制时发现旧录制仍在进行，先取消", &sessionID)
		if err := p.Cancel(ctx); err != nil {
			logger.LogWarning("Recording", fmt.Sprintf("取消旧录制失败: %v", err), &sessionID)
		}
	}

	switch p.CurrentState() {
	case StateProcessing, StateUploading:
		return fmt.Errorf("recorder busy: %s", p.CurrentState())
	}
	p.state.Store(int32(StateRecording))

	recordingID, err := p.backend.CreateRecording(ctx, sessionID, kioskID, p.config.Resolution(), p.config.FrameRate())
	if err != nil {
		p.mu.Lock()
		p.meta = &Metadata{
			SessionID: sessionID,
			KioskID:   kioskID,
			StartedAt: time.Now(),
			Status:    "failed",
			Error:     fmt.Sprintf("create recording: %v", err),
		}
		p.mu.Unlock()
		p.state.Store(int32(StateFailed))
		return fmt.Errorf("创建录制记录失败: %w", err)
	}

	p.mu.Lock()
	p.meta = &Metadata{
		ID:         recordingID,
		SessionID:  sessionID,
		KioskID:    kioskID,
		StartedAt:  time.Now(),
		Resolution: p.config.Resolution(),
		Status:     "recording",
	}
	p.frames = nil
	p.mu.Unlock()

	captureCtx, cancel := context.WithCancel(context.Background())
	p.mu.Lock()
	p.captureCancel = cancel
	p.mu.Unlock()
	p.captureWG.Add(1)
	go p.captureLoop(captureCtx, sessionID, kioskID)

	p.saveHistory()
	logger.LogInfo("Recording", fmt.Sprintf("录制已开始（%s @ %.1ffps）", p.config.Resolution(), p.config.FrameRate()), &sessionID)
	return nil
}

// captureLoop 固定节奏的捕获循环。帧数或时长任一到顶即自动停止
// 捕获（按正常停止处理），编码上传仍由StopAndUpload统一收尾。
func (p *Pipeline) captureLoop(ctx context.Context, sessionID, kioskID string) {
	defer p.captureWG.Done()

	deadline := time.Now().Add(p.config.MaxDuration)

	// 先立刻出一帧，保证再短的录制也有缩略图
	p.captureFrame(ctx, sessionID, kioskID)

	ticker := time.NewTicker(p.config.FrameInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if p.FrameCount() >= p.config.MaxFrames {
			logger.LogInfo("Recording", fmt.Sprintf("达到帧数上限 %d，捕获自动停止", p.config.MaxFrames), &sessionID)
			return
		}
		if time.Now().After(deadline) {
			logger.LogInfo("Recording", fmt.Sprintf("达到时长上限 %s，捕获自动停止", p.config.MaxDuration), &sessionID)
			return
		}

		p.captureFrame(ctx, sessionID, kioskID)
	}
}

// captureFrame 按策略顺序尝试捕获一帧，首个成功者胜出。
// 权限未授予不是错误，静默落到下一策略。
func (p *Pipeline) captureFrame(ctx context.Context, sessionID, kioskID string) {
	state := &CaptureState{
		SessionID:  sessionID,
		KioskID:    kioskID,
		FrameIndex: p.FrameCount(),
		Width:      p.config.Width,
		Height:     p.config.Height,
		Now:        time.Now(),
	}

	for _, strategy := range p.strategies {
		frame, err := strategy.Capture(ctx, state)
		if err != nil {
			if !errors.Is(err, ErrStrategyUnavailable) {
				logger.LogWarning("Recording", fmt.Sprintf("策略 %s 捕获失败: %v", strategy.Name(), err), &sessionID)
			}
			continue
		}

		p.mu.Lock()
		if len(p.frames) < p.config.MaxFrames {
			p.frames = append(p.frames, frame)
		}
		p.mu.Unlock()
		return
	}

	logger.LogWarning("Recording", "所有捕获策略均未出帧", &sessionID)
}

// StopAndUpload 停止捕获并走完 编码 → 上传产物 → 上传缩略图 → 回填 的收尾。
// 任一阶段失败转入failed并回写错误，帧内存总会释放。
// 无进行中录制时为无操作。
func (p *Pipeline) StopAndUpload(ctx context.Context) error {
	p.stopCapture()

	if !p.state.CompareAndSwap(int32(StateRecording), int32(StateProcessing)) {
		return nil
	}

	p.mu.Lock()
	frames := p.frames
	meta := p.meta
	p.mu.Unlock()

	sessionID := meta.SessionID

	defer p.releaseFrames()

	if len(frames) == 0 {
		return p.fail(ctx, "encode", fmt.Errorf("no frames captured"))
	}

	artifact, err := EncodeFrames(ctx, frames, p.config.FrameRate(), p.encoders...)
	if err != nil {
		return p.fail(ctx, "encode", err)
	}
	logger.LogInfo("Recording",
		fmt.Sprintf("编码完成（%s，%d帧，%d字节）", artifact.Kind, artifact.FrameCount, len(artifact.Data)), &sessionID)

	p.state.Store(int32(StateUploading))

	storageURL, err := p.backend.UploadArtifact(ctx, meta.ID, meta.SessionID, meta.KioskID,
		artifact.FileName, artifact.ContentType, artifact.Data)
	if err != nil {
		return p.fail(ctx, "upload artifact", err)
	}

	thumbnailURL, err := p.backend.UploadArtifact(ctx, meta.ID, meta.SessionID, meta.KioskID,
		"thumbnail.png", "image/png", frames[0].PNG)
	if err != nil {
		return p.fail(ctx, "upload thumbnail", err)
	}

	if err := p.backend.FinalizeRecording(ctx, meta.ID, meta.SessionID, storageURL, thumbnailURL,
		artifact.Duration, int64(len(artifact.Data)), artifact.FrameCount); err != nil {
		return p.fail(ctx, "finalize", err)
	}

	p.mu.Lock()
	p.meta.Status = "completed"
	p.meta.EndedAt = time.Now()
	p.meta.FrameCount = artifact.FrameCount
	p.meta.StorageURL = storageURL
	p.meta.ThumbnailURL = thumbnailURL
	p.meta.FileSize = int64(len(artifact.Data))
	p.mu.Unlock()

	p.state.Store(int32(StateCompleted))
	p.saveHistory()

	logger.LogSuccess("Recording", "录制已完成并上传", &sessionID)
	return nil
}

// Cancel 立即取消录制：停止捕获、后端记为cancelled、丢弃帧，不编码不上传。
// 用于超时会话等产物没有回看价值的场景。
func (p *Pipeline) Cancel(ctx context.Context) error {
	p.stopCapture()

	if !p.state.CompareAndSwap(int32(StateRecording), int32(StateIdle)) {
		return nil
	}

	p.mu.Lock()
	meta := p.meta
	if meta != nil {
		meta.Status = "cancelled"
		meta.EndedAt = time.Now()
	}
	p.mu.Unlock()

	if meta != nil && meta.ID != "" {
		// cancelled与failed区分开，运维能看出这不是真失败
		if err := p.backend.UpdateRecordingStatus(ctx, meta.ID, "cancelled", ""); err != nil {
			logger.LogWarning("Recording", fmt.Sprintf("标记录制为cancelled失败: %v", err), &meta.SessionID)
		}
	}

	p.releaseFrames()
	p.saveHistory()

	if meta != nil {
		logger.LogInfo("Recording", "录制已取消，帧已丢弃", &meta.SessionID)
	}
	return nil
}

// fail 统一失败处理：记录错误、回写后端状态、释放帧、转入failed
func (p *Pipeline) fail(ctx context.Context, stage string, cause error) error {
	err := fmt.Errorf("%s: %w", stage, cause)

	p.mu.Lock()
	meta := p.meta
	if meta != nil {
		meta.Status = "failed"
		meta.Error = err.Error()
		meta.EndedAt = time.Now()
	}
	p.mu.Unlock()

	if meta != nil && meta.ID != "" {
		if patchErr := p.backend.UpdateRecordingStatus(ctx, meta.ID, "failed", err.Error()); patchErr != nil {
			logger.LogWarning("Recording", fmt.Sprintf("回写failed状态失败: %v", patchErr), &meta.SessionID)
		}
	}

	p.releaseFrames()
	p.state.Store(int32(StateFailed))
	p.saveHistory()

	if meta != nil {
		logger.LogError("Recording", "录制失败: "+err.Error(), &meta.SessionID)
	}
	return err
}

// stopCapture 停止捕获循环并等待其退出
func (p *Pipeline) stopCapture() {
	p.mu.Lock()
	cancel := p.captureCancel
	p.captureCancel = nil
	p.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	p.captureWG.Wait()
}

// releaseFrames 释放帧内存
func (p *Pipeline) releaseFrames() {
	p.mu.Lock()
	if p.meta != nil && p.meta.FrameCount == 0 {
		p.meta.FrameCount = len(p.frames)
	}
	p.frames = nil
	p.mu.Unlock()
}

// saveHistory 把当前元数据落入本地历史，失败只记日志
func (p *Pipeline) saveHistory() {
	if p.history == nil {
		return
	}

	meta := p.Snapshot()
	if meta == nil || meta.ID == "" {
		return
	}

	rec := &storage.RecordingRecord{
		ID:         meta.ID,
		SessionID:  meta.SessionID,
		KioskID:    meta.KioskID,
		Status:     meta.Status,
		Error:      meta.Error,
		FrameCount: meta.FrameCount,
		StorageURL: meta.StorageURL,
		StartedAt:  meta.StartedAt,
		EndedAt:    meta.EndedAt,
	}
	if err := p.history.SaveRecording(rec); err != nil {
		logger.LogWarning("Recording", fmt.Sprintf("写入本地录制历史失败: %v", err), &meta.SessionID)
	}
}
