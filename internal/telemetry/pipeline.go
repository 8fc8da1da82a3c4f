package telemetry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"

	"KioskTelemetryAgent/internal/logger"
)

// ErrSessionUnknown 由EventSink返回，表示后端已不认识当前会话。
// 管道收到该错误后不再重试，直接触发整体拆除。
var ErrSessionUnknown = errors.New("session unknown to backend")

// EventSink 事件批次的出口，通常由后端HTTP客户端实现
type EventSink interface {
	PostEvents(ctx context.Context, sessionID string, events []*Event) error
}

// TeardownFunc 会话不可恢复时由管道回调，由持有者负责重置会话状态
type TeardownFunc func(reason string)

// PipelineConfig 事件管道配置
type PipelineConfig struct {
	FlushInterval time.Duration // 定时冲刷间隔
	MaxBatchSize  int           // 单次请求最多携带的事件数，队列到达该值立即冲刷
	MaxRetries    int           // 每个批次的重试预算
	RetryInterval time.Duration // 线性退避基准间隔
	MaxQueueSize  int           // 离线队列上限，超出后丢弃最旧事件
	FlushTimeout  time.Duration // 单次冲刷（含重试）允许的最长时间
}

// DefaultPipelineConfig 返回默认配置
func DefaultPipelineConfig() *PipelineConfig {
	return &PipelineConfig{
		FlushInterval: 10 * time.Second,
		MaxBatchSize:  20,
		MaxRetries:    3,
		RetryInterval: 1 * time.Second,
		MaxQueueSize:  500,
		FlushTimeout:  30 * time.Second,
	}
}

// Pipeline 遥测事件管道。
// 持有在线/离线两个队列，负责批量冲刷、线性退避重试、
// 断网缓冲以及会话失效时的整体拆除。进程内同时只存在一个实例在工作。
type Pipeline struct {
	config *PipelineConfig
	sink   EventSink

	mu        sync.Mutex
	sessionID string
	online    []*Event
	offline   []*Event

	isOnline   atomic.Bool
	running    atomic.Bool
	stopChan   chan struct{}
	flushChan  chan struct{}
	wg         sync.WaitGroup
	onTeardown TeardownFunc

	// 统计计数器
	delivered atomic.Int64
	dropped   atomic.Int64
}

// NewPipeline 创建事件管道，初始视为在线
func NewPipeline(config *PipelineConfig, sink EventSink) *Pipeline {
	if config == nil {
		config = DefaultPipelineConfig()
	}

	p := &Pipeline{
		config:    config,
		sink:      sink,
		flushChan: make(chan struct{}, 1),
	}
	p.isOnline.Store(true)
	return p
}

// SetTeardownHandler 注册会话失效回调
func (p *Pipeline) SetTeardownHandler(fn TeardownFunc) {
	p.onTeardown = fn
}

// Bind 绑定当前会话ID，冲刷请求按该ID发往后端
func (p *Pipeline) Bind(sessionID string) {
	p.mu.Lock()
	p.sessionID = sessionID
	p.mu.Unlock()
}

// Reset 清空两个队列，会话开始时调用
func (p *Pipeline) Reset() {
	p.mu.Lock()
	p.online = nil
	p.offline = nil
	p.mu.Unlock()
}

// Start 启动后台冲刷定时器
func (p *Pipeline) Start() {
	if !p.running.CompareAndSwap(false, true) {
		return
	}

	p.stopChan = make(chan struct{})
	p.wg.Add(1)
	go p.flushLoop()
}

// Stop 停止后台冲刷定时器，不清空队列
func (p *Pipeline) Stop() {
	if !p.running.CompareAndSwap(true, false) {
		return
	}

	close(p.stopChan)
	p.wg.Wait()
}

// Running 定时器是否在运行
func (p *Pipeline) Running() bool {
	return p.running.Load()
}

// Enqueue 事件入队。在线时进在线队列，队满立即触发冲刷；
// 离线时进离线缓冲，超出上限丢弃最旧的事件。
func (p *Pipeline) Enqueue(event *Event) {
	if event == nil {
		return
	}

	if !p.isOnline.Load() {
		p.mu.Lock()
		p.offline = append(p.offline, event)
		if p.config.MaxQueueSize > 0 && len(p.offline) > p.config.MaxQueueSize {
			overflow := len(p.offline) - p.config.MaxQueueSize
			p.offline = p.offline[overflow:]
			p.dropped.Add(int64(overflow))
			logger.LogWarning("Telemetry", fmt.Sprintf("离线队列溢出，丢弃最旧 %d 条事件", overflow), nil)
		}
		p.mu.Unlock()
		return
	}

	p.mu.Lock()
	p.online = append(p.online, event)
	full := len(p.online) >= p.config.MaxBatchSize
	p.mu.Unlock()

	if full {
		p.requestFlush()
	}
}

// SetOnlineStatus 更新连通性状态。离线转在线时把离线缓冲追加到
// 在线队列尾部并立即触发一次冲刷：断网时滞留在在线队列里的事件
// 比离线缓冲的更早，必须排在前面。
func (p *Pipeline) SetOnlineStatus(online bool) {
	was := p.isOnline.Swap(online)
	if was == online {
		return
	}

	if online {
		p.mu.Lock()
		if len(p.offline) > 0 {
			p.online = append(p.online, p.offline...)
			p.offline = nil
		}
		p.mu.Unlock()
		p.requestFlush()
		logger.LogInfo("Telemetry", "网络恢复，离线事件已并入发送队列", nil)
	} else {
		logger.LogWarning("Telemetry", "网络断开，事件转入离线缓冲", nil)
	}
}

// Flush 冲刷一个批次。批次大小不超过MaxBatchSize，批内保持入队顺序。
// 瞬时失败按线性退避重试，预算耗尽后整批丢弃；
// 后端判定会话失效时触发拆除回调。
func (p *Pipeline) Flush(ctx context.Context) error {
	if !p.isOnline.Load() {
		return nil
	}

	p.mu.Lock()
	if len(p.online) == 0 {
		p.mu.Unlock()
		return nil
	}

	n := len(p.online)
	if p.config.MaxBatchSize > 0 && n > p.config.MaxBatchSize {
		n = p.config.MaxBatchSize
	}
	batch := p.online[:n]
	p.online = p.online[n:]
	sessionID := p.sessionID
	p.mu.Unlock()

	if sessionID == "" {
		p.dropped.Add(int64(len(batch)))
		logger.LogWarning("Telemetry", fmt.Sprintf("无会话绑定，丢弃 %d 条事件", len(batch)), nil)
		return nil
	}

	flushCtx := ctx
	if p.config.FlushTimeout > 0 {
		var cancel context.CancelFunc
		flushCtx, cancel = context.WithTimeout(ctx, p.config.FlushTimeout)
		defer cancel()
	}

	operation := func() error {
		err := p.sink.PostEvents(flushCtx, sessionID, batch)
		if err == nil {
			return nil
		}
		if errors.Is(err, ErrSessionUnknown) {
			return backoff.Permanent(err)
		}
		return err
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(newLinearBackOff(p.config.RetryInterval), uint64(p.config.MaxRetries)),
		flushCtx,
	)

	if err := backoff.Retry(operation, policy); err != nil {
		if errors.Is(err, ErrSessionUnknown) {
			p.dropped.Add(int64(len(batch)))
			p.teardown(fmt.Sprintf("会话 %s 已被后端判定失效", sessionID))
			return err
		}

		p.dropped.Add(int64(len(batch)))
		logger.LogWarning("Telemetry",
			fmt.Sprintf("批次发送失败，重试 %d 次后丢弃 %d 条事件: %v", p.config.MaxRetries, len(batch), err), &sessionID)
		return err
	}

	p.delivered.Add(int64(len(batch)))
	return nil
}

// Drain 把在线队列冲刷到空为止，会话结束前调用。
// 处于离线状态时剩余事件无法送达，只记录日志。
func (p *Pipeline) Drain(ctx context.Context) error {
	if !p.isOnline.Load() {
		p.mu.Lock()
		remaining := len(p.online) + len(p.offline)
		p.mu.Unlock()
		if remaining > 0 {
			logger.LogWarning("Telemetry", fmt.Sprintf("离线状态下结束会话，%d 条事件未能送达", remaining), nil)
		}
		return nil
	}

	for {
		p.mu.Lock()
		empty := len(p.online) == 0
		p.mu.Unlock()
		if empty {
			return nil
		}
		if err := p.Flush(ctx); err != nil {
			return err
		}
	}
}

// Depths 返回两个队列当前深度（在线, 离线）
func (p *Pipeline) Depths() (int, int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.online), len(p.offline)
}

// Stats 返回累计送达/丢弃计数
func (p *Pipeline) Stats() (delivered, dropped int64) {
	return p.delivered.Load(), p.dropped.Load()
}

// requestFlush 请求后台循环立即冲刷一次；定时器未运行时直接同步冲刷
func (p *Pipeline) requestFlush() {
	if p.running.Load() {
		select {
		case p.flushChan <- struct{}{}:
		default:
		}
		return
	}

	if err := p.Flush(context.Background()); err != nil {
		logger.LogWarning("Telemetry", fmt.Sprintf("立即冲刷失败: %v", err), nil)
	}
}

// flushLoop 后台定时冲刷循环
func (p *Pipeline) flushLoop() {
	defer p.wg.Done()

	ticker := time.NewTicker(p.config.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopChan:
			return
		case <-ticker.C:
		case <-p.flushChan:
		}

		if err := p.Flush(context.Background()); err != nil {
			if errors.Is(err, ErrSessionUnknown) {
				return // 拆除回调已触发，循环终止
			}
		}
	}
}

// teardown 会话不可恢复，停止定时器并通知持有者
func (p *Pipeline) teardown(reason string) {
	logger.LogError("Telemetry", "事件管道拆除: "+reason, nil)

	// close不会阻塞，可以同步执行；只有wg.Wait会在flushLoop内部
	// 自我等待，所以这里不等循环退出
	if p.running.CompareAndSwap(true, false) {
		close(p.stopChan)
	}

	p.Reset()

	if p.onTeardown != nil {
		p.onTeardown(reason)
	}
}

// linearBackOff 线性退避策略：第n次重试前等待 n*interval
type linearBackOff struct {
	interval time.Duration
	attempt  int
}

func newLinearBackOff(interval time.Duration) *linearBackOff {
	if interval <= 0 {
		interval = time.Second
	}
	return &linearBackOff{interval: interval}
}

// NextBackOff 实现 backoff.BackOff
func (b *linearBackOff) NextBackOff() time.Duration {
	b.attempt++
	return time.Duration(b.attempt) * b.interval
}

// Reset 实现 backoff.BackOff
func (b *linearBackOff) Reset() {
	b.attempt = 0
}
