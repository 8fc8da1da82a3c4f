package session

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"KioskTelemetryAgent/internal/logger"
	"KioskTelemetryAgent/internal/storage"
	"KioskTelemetryAgent/internal/telemetry"
	"KioskTelemetryAgent/internal/zone"
)

// State 会话生命周期状态
type State int32

const (
	StateIdle State = iota
	StateActive
	StateEnding
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateActive:
		return "active"
	case StateEnding:
		return "ending"
	default:
		return "unknown"
	}
}

// Outcome 会话结束方式，具体语义由后端定义
type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	OutcomeAbandoned Outcome = "abandoned"
	OutcomeCancelled Outcome = "cancelled"
)

// Backend 生命周期管理器需要的后端子集
type Backend interface {
	StartSession(ctx context.Context, kioskID string) (string, error)
	EndSession(ctx context.Context, sessionID, outcome string) error
}

// Recorder 录制管道的抽象。录制永远是尽力而为，
// 任何错误只记日志，绝不影响会话本身。
type Recorder interface {
	Start(ctx context.Context, sessionID, kioskID string) error
	StopAndUpload(ctx context.Context) error
	Cancel(ctx context.Context) error
}

// ManagerConfig 生命周期管理器配置
type ManagerConfig struct {
	SnapshotMaxAge time.Duration // 超过该时限的快照视为过期，不再恢复
}

// DefaultManagerConfig 返回默认配置
func DefaultManagerConfig() *ManagerConfig {
	return &ManagerConfig{
		SnapshotMaxAge: 30 * time.Minute,
	}
}

// Manager 会话生命周期管理器。
// 状态机 idle → active → ending → idle；全程保证同一终端
// 同时最多一个活跃会话，新会话启动前强制结束旧会话。
type Manager struct {
	config    *ManagerConfig
	backend   Backend
	pipeline  *telemetry.Pipeline
	recorder  Recorder
	snapshots storage.SnapshotStore

	state atomic.Int32

	mu            sync.Mutex
	sessionID     string
	kioskID       string
	currentPage   string
	pageEnteredAt time.Time
	lastActivity  time.Time
	generation    uint64 // 每装入一个新会话递增，结束流程据此识别接管

	now func() time.Time
}

// NewManager 创建生命周期管理器，所有依赖显式注入
func NewManager(config *ManagerConfig, b Backend, p *telemetry.Pipeline, r Recorder, snapshots storage.SnapshotStore) *Manager {
	if config == nil {
		config = DefaultManagerConfig()
	}

	m := &Manager{
		config:    config,
		backend:   b,
		pipeline:  p,
		recorder:  r,
		snapshots: snapshots,
		now:       time.Now,
	}

	p.SetTeardownHandler(m.handleTeardown)
	return m
}

// Initialize 启动时调用一次：存在未过期快照则直接恢复为活跃会话，
// 不重新联系后端，避免部署/重载期间虚增会话。
func (m *Manager) Initialize() error {
	snap, err := m.snapshots.LoadSnapshot()
	if err != nil {
		return fmt.Errorf("读取恢复快照失败: %w", err)
	}
	if snap == nil {
		return nil
	}

	if SnapshotIsStale(m.now(), snap.TakenAt, m.config.SnapshotMaxAge) {
		logger.LogWarning("Session",
			fmt.Sprintf("快照已过期（%s 前），放弃恢复", m.now().Sub(snap.TakenAt).Round(time.Second)), nil)
		if err := m.snapshots.ClearSnapshot(); err != nil {
			logger.LogWarning("Session", fmt.Sprintf("清除过期快照失败: %v", err), nil)
		}
		return nil
	}

	m.mu.Lock()
	m.sessionID = snap.SessionID
	m.kioskID = snap.KioskID
	m.currentPage = snap.CurrentPage
	m.pageEnteredAt = snap.PageEnteredAt
	m.lastActivity = m.now()
	m.generation++
	m.mu.Unlock()

	m.state.Store(int32(StateActive))
	m.pipeline.Bind(snap.SessionID)
	m.pipeline.Start()

	logger.LogSuccess("Session",
		fmt.Sprintf("从快照恢复会话 %s（页面 %s）", snap.SessionID, snap.CurrentPage), &snap.SessionID)
	return nil
}

// Destroy 停止后台定时器但保留快照，供进程重启后恢复
func (m *Manager) Destroy() {
	m.pipeline.Stop()
}

// StartSession 启动新会话。已有活跃会话时先将其以abandoned结束，
// 保证任何时刻都不会出现两个会话并存。
func (m *Manager) StartSession(ctx context.Context, kioskID string) (string, error) {
	if m.CurrentState() != StateIdle {
		logger.LogWarning("Session", "启动新会话时发现旧会话仍活跃，强制结束", nil)
		if err := m.EndSession(ctx, OutcomeAbandoned); err != nil {
			logger.LogWarning("Session", fmt.Sprintf("强制结束旧会话失败: %v", err), nil)
		}
	}

	sessionID, err := m.backend.StartSession(ctx, kioskID)
	if err != nil {
		m.state.Store(int32(StateIdle))
		return "", fmt.Errorf("向后端申请会话失败: %w", err)
	}

	m.mu.Lock()
	m.sessionID = sessionID
	m.kioskID = kioskID
	m.currentPage = ""
	m.pageEnteredAt = m.now()
	m.lastActivity = m.now()
	m.generation++
	m.mu.Unlock()

	m.pipeline.Reset()
	m.pipeline.Bind(sessionID)
	m.pipeline.Start()
	m.state.Store(int32(StateActive))

	m.emit(telemetry.New(telemetry.EventSessionStart, "").WithDetail(map[string]interface{}{
		"kiosk_id": kioskID,
	}))

	// 录制异步启动，失败只记日志，绝不阻塞会话
	go func() {
		if err := m.recorder.Start(context.Background(), sessionID, kioskID); err != nil {
			logger.LogWarning("Session", fmt.Sprintf("录制启动失败（会话继续）: %v", err), &sessionID)
		}
	}()

	m.writeSnapshot()

	logger.LogSuccess("Session", fmt.Sprintf("会话已启动（终端 %s）", kioskID), &sessionID)
	return sessionID, nil
}

// TrackPageView 记录换页。与当前页不同的才算换页：
// 先补发上一页的page_exit（含停留时长），再发新页的page_view。
func (m *Manager) TrackPageView(page string) {
	if m.CurrentState() != StateActive {
		return
	}

	m.mu.Lock()
	if page == m.currentPage {
		m.mu.Unlock()
		return
	}

	previous := m.currentPage
	enteredAt := m.pageEnteredAt
	now := m.now()
	m.currentPage = page
	m.pageEnteredAt = now
	m.lastActivity = now
	m.mu.Unlock()

	if previous != "" {
		timeOnPage := now.Sub(enteredAt)
		if timeOnPage < 0 {
			timeOnPage = 0
		}
		exit := telemetry.New(telemetry.EventPageExit, previous).WithDetail(map[string]interface{}{
			"from":            previous,
			"to":              page,
			"time_on_page_ms": timeOnPage.Milliseconds(),
		})
		m.emit(exit)
	}

	m.emit(telemetry.New(telemetry.EventPageView, page))
	m.writeSnapshot()
}

// TrackEvent 记录一条自定义事件，页面自动取当前页
func (m *Manager) TrackEvent(eventType telemetry.EventType, detail map[string]interface{}) {
	if m.CurrentState() != StateActive {
		return
	}

	m.touch()

	event := telemetry.New(eventType, m.CurrentPage())
	if detail != nil {
		event.WithDetail(detail)
	}
	m.emit(event)
}

// TrackClick 记录点击事件，目标元素经区域分类器打上zone标签
func (m *Manager) TrackClick(target zone.Target, pointer *telemetry.Pointer, detail map[string]interface{}) {
	if m.CurrentState() != StateActive {
		return
	}

	m.touch()

	event := telemetry.New(telemetry.EventClick, m.CurrentPage()).
		WithZone(zone.Classify(target)).
		WithPointer(pointer)
	if detail != nil {
		event.WithDetail(detail)
	}
	m.emit(event)
}

// TrackSearch 记录搜索事件
func (m *Manager) TrackSearch(query string, resultCount int) {
	m.TrackEvent(telemetry.EventSearch, map[string]interface{}{
		"query":        query,
		"result_count": resultCount,
	})
}

// TrackTileSelect 记录首页磁贴选择
func (m *Manager) TrackTileSelect(tile string) {
	m.TrackEvent(telemetry.EventTileSelect, map[string]interface{}{"tile": tile})
}

// TrackStickerEvent 记录贴纸流程事件
func (m *Manager) TrackStickerEvent(action string, detail map[string]interface{}) {
	m.TrackEvent(telemetry.StickerEvent(action), detail)
}

// TrackCardEvent 记录贺卡流程事件
func (m *Manager) TrackCardEvent(action string, detail map[string]interface{}) {
	m.TrackEvent(telemetry.CardEvent(action), detail)
}

// TrackGiftCardEvent 记录礼品卡流程事件
func (m *Manager) TrackGiftCardEvent(action string, detail map[string]interface{}) {
	m.TrackEvent(telemetry.GiftCardEvent(action), detail)
}

// TrackEditorEvent 记录编辑器事件
func (m *Manager) TrackEditorEvent(action string, detail map[string]interface{}) {
	m.TrackEvent(telemetry.EditorEvent(action), detail)
}

// TrackCheckoutEvent 记录结账事件
func (m *Manager) TrackCheckoutEvent(action string, detail map[string]interface{}) {
	m.TrackEvent(telemetry.CheckoutEvent(action), detail)
}

// TrackPaymentEvent 记录支付事件
func (m *Manager) TrackPaymentEvent(action string, detail map[string]interface{}) {
	m.TrackEvent(telemetry.PaymentEvent(action), detail)
}

// TrackOutputEvent 记录出件事件
func (m *Manager) TrackOutputEvent(action string, detail map[string]interface{}) {
	m.TrackEvent(telemetry.OutputEvent(action), detail)
}

// EndSession 结束当前会话：发session_end → 等录制收尾上传 →
// 排空事件队列 → 通知后端 → 清快照 → 回到idle。
// 没有活跃会话时记日志直接返回，可安全重复调用。
func (m *Manager) EndSession(ctx context.Context, outcome Outcome) error {
	return m.end(ctx, outcome, false)
}

// HandleTimeout 处理闲置超时。超时会话的录像没有回看价值，
// 先取消（不上传）录制，再走abandoned结束路径。
func (m *Manager) HandleTimeout(ctx context.Context) error {
	return m.end(ctx, OutcomeAbandoned, true)
}

func (m *Manager) end(ctx context.Context, outcome Outcome, viaTimeout bool) error {
	if !m.state.CompareAndSwap(int32(StateActive), int32(StateEnding)) {
		if viaTimeout && m.CurrentState() == StateEnding {
			// 超时与用户主动结束撞车：结束流程已在进行，超时让路
			logger.LogWarning("Session", "闲置超时与进行中的结束流程竞争，忽略超时", nil)
		} else {
			logger.LogInfo("Session", "没有活跃会话，结束调用被忽略", nil)
		}
		return nil
	}

	// 记住进入结束流程时正在结束的是哪个会话：下面的收尾上传和
	// 后端调用都可能阻塞，期间新顾客可能已经开启了新会话
	m.mu.Lock()
	sessionID := m.sessionID
	gen := m.generation
	m.mu.Unlock()

	if viaTimeout {
		m.emit(telemetry.New(telemetry.EventSessionTimeout, m.CurrentPage()))
		if err := m.recorder.Cancel(ctx); err != nil {
			logger.LogWarning("Session", fmt.Sprintf("取消录制失败: %v", err), &sessionID)
		}
	}

	m.emit(telemetry.New(telemetry.EventSessionEnd, m.CurrentPage()).WithDetail(map[string]interface{}{
		"outcome": string(outcome),
	}))

	if !viaTimeout {
		if err := m.recorder.StopAndUpload(ctx); err != nil {
			logger.LogWarning("Session", fmt.Sprintf("录制收尾失败（会话继续结束）: %v", err), &sessionID)
		}
	}

	if m.ownsGeneration(gen) {
		if err := m.pipeline.Drain(ctx); err != nil {
			logger.LogWarning("Session", fmt.Sprintf("结束前排空事件队列失败: %v", err), &sessionID)
		}
		m.pipeline.Stop()
	}

	var endErr error
	if sessionID != "" {
		if endErr = m.backend.EndSession(ctx, sessionID, string(outcome)); endErr != nil {
			logger.LogWarning("Session", fmt.Sprintf("通知后端结束会话失败: %v", endErr), &sessionID)
		}
	}

	// 清理只许动属于自己的那个会话。结束流程阻塞期间若有新会话接管
	// （闲置看门狗撞上新顾客开机的场景），这里绝不能把新会话抹掉。
	m.mu.Lock()
	owned := m.generation == gen
	if owned {
		if err := m.snapshots.ClearSnapshot(); err != nil {
			logger.LogWarning("Session", fmt.Sprintf("清除快照失败: %v", err), &sessionID)
		}
		m.sessionID = ""
		m.kioskID = ""
		m.currentPage = ""
		m.pageEnteredAt = time.Time{}
		m.lastActivity = time.Time{}
	}
	m.mu.Unlock()

	if owned {
		m.state.CompareAndSwap(int32(StateEnding), int32(StateIdle))
		logger.LogInfo("Session", fmt.Sprintf("会话已结束（%s）", outcome), &sessionID)
	} else {
		logger.LogWarning("Session", "结束期间新会话已接管，跳过状态清理", &sessionID)
	}
	return endErr
}

// ownsGeneration 当前装入的会话代数是否仍是给定值
func (m *Manager) ownsGeneration(gen uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.generation == gen
}

// handleTeardown 事件管道判定会话不可恢复时的回调：
// 重置状态并清快照，但不打断终端UI，也不再联系后端。
func (m *Manager) handleTeardown(reason string) {
	logger.LogError("Session", "会话遥测被拆除: "+reason, nil)

	if err := m.snapshots.ClearSnapshot(); err != nil {
		logger.LogWarning("Session", fmt.Sprintf("拆除时清除快照失败: %v", err), nil)
	}

	if err := m.recorder.Cancel(context.Background()); err != nil {
		logger.LogWarning("Session", fmt.Sprintf("拆除时取消录制失败: %v", err), nil)
	}

	m.resetFields()
	m.state.Store(int32(StateIdle))
}

// Active 当前是否有活跃会话
func (m *Manager) Active() bool {
	return m.CurrentState() == StateActive
}

// CurrentState 返回当前状态
func (m *Manager) CurrentState() State {
	return State(m.state.Load())
}

// SessionID 返回当前会话ID，无会话时为空串
func (m *Manager) SessionID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessionID
}

// KioskID 返回当前终端ID
func (m *Manager) KioskID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.kioskID
}

// CurrentPage 返回当前页面路径
func (m *Manager) CurrentPage() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.currentPage
}

// IdleFor 距最后一次顾客交互过去的时长，供闲置看门狗使用。
// 无活跃会话时返回0。
func (m *Manager) IdleFor() time.Duration {
	if m.CurrentState() != StateActive {
		return 0
	}

	m.mu.Lock()
	last := m.lastActivity
	m.mu.Unlock()
	if last.IsZero() {
		return 0
	}
	return m.now().Sub(last)
}

// touch 刷新最后交互时间
func (m *Manager) touch() {
	m.mu.Lock()
	m.lastActivity = m.now()
	m.mu.Unlock()
}

func (m *Manager) resetFields() {
	m.mu.Lock()
	m.sessionID = ""
	m.kioskID = ""
	m.currentPage = ""
	m.pageEnteredAt = time.Time{}
	m.lastActivity = time.Time{}
	m.mu.Unlock()
}

func (m *Manager) emit(event *telemetry.Event) {
	m.pipeline.Enqueue(event)
}

// writeSnapshot 写入恢复快照，失败只记日志
func (m *Manager) writeSnapshot() {
	state := m.CurrentState()

	m.mu.Lock()
	snap := &storage.Snapshot{
		SessionID:     m.sessionID,
		KioskID:       m.kioskID,
		State:         state.String(),
		CurrentPage:   m.currentPage,
		PageEnteredAt: m.pageEnteredAt,
		TakenAt:       m.now(),
	}
	m.mu.Unlock()

	if err := m.snapshots.SaveSnapshot(snap); err != nil {
		logger.LogWarning("Session", fmt.Sprintf("写入快照失败: %v", err), &snap.SessionID)
	}
}

// SnapshotIsStale 快照过期判定，纯函数便于单测
func SnapshotIsStale(now, takenAt time.Time, maxAge time.Duration) bool {
	if takenAt.IsZero() {
		return true
	}
	return now.Sub(takenAt) > maxAge
}
