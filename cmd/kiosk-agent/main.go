package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"KioskTelemetryAgent/internal/backend"
	"KioskTelemetryAgent/internal/config"
	"KioskTelemetryAgent/internal/diag"
	"KioskTelemetryAgent/internal/logger"
	"KioskTelemetryAgent/internal/recording"
	"KioskTelemetryAgent/internal/session"
	"KioskTelemetryAgent/internal/storage"
	"KioskTelemetryAgent/internal/telemetry"
	"KioskTelemetryAgent/internal/testbackend"
	"KioskTelemetryAgent/internal/zone"
)

func main() {
	var (
		mode       = flag.String("mode", "serve", "运行模式: serve, demo")
		configPath = flag.String("config", "", "配置文件路径（缺省用内置默认值）")
	)
	flag.Parse()

	switch *mode {
	case "serve":
		runServe(*configPath)
	case "demo":
		runDemo()
	default:
		fmt.Printf("未知模式: %s\n", *mode)
		os.Exit(1)
	}
}

// buildAgent 按配置装配整条遥测链路
func buildAgent(cfg *config.AgentConfig, store *storage.Store, observer recording.PageObserver, source recording.FrameSource) (*session.Manager, *telemetry.Pipeline, *recording.Pipeline) {
	client := backend.New(&backend.ClientConfig{
		BaseURL:         cfg.Backend.BaseURL,
		AuthToken:       cfg.Backend.AuthToken,
		Timeout:         cfg.Backend.Timeout,
		UploadTimeout:   cfg.Backend.UploadTimeout,
		MaxIdleConns:    10,
		MaxConnsPerHost: 4,
		UserAgent:       "KioskTelemetryAgent/1.0",
	})

	pipeline := telemetry.NewPipeline(&telemetry.PipelineConfig{
		FlushInterval: cfg.Telemetry.FlushInterval,
		MaxBatchSize:  cfg.Telemetry.MaxBatchSize,
		MaxRetries:    cfg.Telemetry.MaxRetries,
		RetryInterval: cfg.Telemetry.RetryInterval,
		MaxQueueSize:  cfg.Telemetry.MaxQueueSize,
		FlushTimeout:  30 * time.Second,
	}, client)

	recorder := recording.NewPipeline(&recording.PipelineConfig{
		FrameInterval: cfg.Recording.FrameInterval,
		MaxFrames:     cfg.Recording.MaxFrames,
		MaxDuration:   cfg.Recording.MaxDuration,
		Width:         cfg.Recording.Width,
		Height:        cfg.Recording.Height,
	}, client,
		recording.NewScreenCaptureStrategy(source),
		recording.NewSchematicCaptureStrategy(observer),
	)
	if store != nil {
		recorder.SetHistory(store)
	}

	var snapshots storage.SnapshotStore = storage.NewMemorySnapshotStore()
	if store != nil {
		snapshots = store
	}

	manager := session.NewManager(&session.ManagerConfig{
		SnapshotMaxAge: cfg.Session.SnapshotMaxAge,
	}, client, pipeline, recorder, snapshots)

	return manager, pipeline, recorder
}

// runServe 常驻模式：接入真实后端，开诊断口，等UI层调用
func runServe(configPath string) {
	logger.InitGlobalLogger()

	cm := config.NewConfigManager(
		config.WithConfigPath(configPath),
		config.WithWatchEnabled(configPath != ""),
	)
	cfg, err := cm.Load()
	if err != nil {
		log.Fatalf("加载配置失败: %v", err)
	}

	store, err := storage.NewStore(cfg.Session.DatabasePath)
	if err != nil {
		log.Fatalf("打开本地存储失败: %v", err)
	}
	defer store.Close()

	// serve模式下屏幕捕获权限由宿主环境注入，默认只有示意图兜底
	manager, pipeline, recorder := buildAgent(cfg, store, nil, nil)

	if err := manager.Initialize(); err != nil {
		logger.LogWarning("Agent", fmt.Sprintf("会话恢复检查失败: %v", err), nil)
	}

	var diagServer *diag.Server
	if cfg.Diagnostics.Enabled {
		diagServer = diag.New(cfg.Diagnostics.Addr, cfg, manager, pipeline, recorder, store)
		diagServer.Start()
	}

	// 闲置看门狗：所有交互都经过manager，超过阈值没有动静就按超时收场
	watchdogStop := make(chan struct{})
	if cfg.Session.IdleTimeout > 0 {
		go runIdleWatchdog(manager, cfg.Session.IdleTimeout, watchdogStop)
	}

	logger.LogSuccess("Agent", fmt.Sprintf("遥测代理已就绪（终端 %s，后端 %s）", cfg.Kiosk.ID, cfg.Backend.BaseURL), nil)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.LogInfo("Agent", "收到退出信号，开始关停", nil)
	close(watchdogStop)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if diagServer != nil {
		diagServer.Shutdown(ctx)
	}
	// 保留快照，进程重启后可恢复进行中的会话
	manager.Destroy()
}

// runIdleWatchdog 周期检查顾客闲置时长，超过阈值触发超时结束
func runIdleWatchdog(manager *session.Manager, idleTimeout time.Duration, stop <-chan struct{}) {
	ticker := time.NewTicker(idleTimeout / 4)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}

		if idle := manager.IdleFor(); idle > idleTimeout {
			logger.LogWarning("Agent", fmt.Sprintf("顾客已闲置 %s，按超时结束会话", idle.Round(time.Second)), nil)
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			if err := manager.HandleTimeout(ctx); err != nil {
				logger.LogWarning("Agent", fmt.Sprintf("超时结束会话失败: %v", err), nil)
			}
			cancel()
		}
	}
}

// runDemo 演示模式：起内存后端，跑一段脚本化的顾客会话
func runDemo() {
	fmt.Println("🎯 自助终端会话遥测演示")
	fmt.Println("==================================")
	fmt.Println()

	logger.InitGlobalLogger()

	fmt.Println("🚀 启动内存后端...")
	server := testbackend.New()
	if err := server.Start("127.0.0.1:0"); err != nil {
		log.Fatalf("启动内存后端失败: %v", err)
	}
	defer server.Shutdown(context.Background())
	fmt.Printf("✅ 内存后端已启动: %s\n\n", server.URL())

	cfg, _, err := config.Load("")
	if err != nil {
		log.Fatalf("加载默认配置失败: %v", err)
	}
	cfg.Backend.BaseURL = server.URL()
	cfg.Kiosk.ID = "demo-kiosk-1"
	cfg.Recording.FrameInterval = 200 * time.Millisecond
	cfg.Recording.Width = 320
	cfg.Recording.Height = 240

	observer := &recording.StaticPageObserver{Snapshot: &recording.PageSnapshot{
		Title:          "SmartWish Kiosk",
		Path:           "/kiosk/home",
		ViewportWidth:  1080,
		ViewportHeight: 1920,
		Elements: []recording.PageElement{
			{Kind: recording.KindHeading, X: 40, Y: 60, W: 1000, H: 80},
			{Kind: recording.KindCard, X: 40, Y: 200, W: 480, H: 600},
			{Kind: recording.KindCard, X: 560, Y: 200, W: 480, H: 600},
			{Kind: recording.KindButton, X: 40, Y: 900, W: 1000, H: 120},
			{Kind: recording.KindInput, X: 40, Y: 1100, W: 1000, H: 90},
		},
	}}

	manager, _, _ := buildAgent(cfg, nil, observer, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	fmt.Println("📹 启动脚本化会话...")
	sessionID, err := manager.StartSession(ctx, cfg.Kiosk.ID)
	if err != nil {
		log.Fatalf("启动会话失败: %v", err)
	}
	fmt.Printf("✅ 会话已启动: %s\n\n", sessionID)

	// 模拟一位顾客的完整流程
	manager.TrackPageView("/kiosk/home")
	manager.TrackTileSelect("greeting-cards")
	time.Sleep(600 * time.Millisecond)

	manager.TrackPageView("/templates")
	manager.TrackClick(zone.Target{
		Element:   zone.Element{Tag: "div", Classes: []string{"template-grid-item"}},
		Ancestors: []zone.Element{{Tag: "div", Classes: []string{"template-grid"}}},
	}, &telemetry.Pointer{X: 340, Y: 512, ViewportWidth: 1080, ViewportHeight: 1920}, map[string]interface{}{
		"template_id": "birthday-042",
	})
	manager.TrackSearch("生日快乐", 17)
	time.Sleep(600 * time.Millisecond)

	manager.TrackPageView("/editor")
	manager.TrackCardEvent("customize", map[string]interface{}{"template_id": "birthday-042"})
	manager.TrackEditorEvent("text_change", map[string]interface{}{"field": "headline"})
	time.Sleep(600 * time.Millisecond)

	manager.TrackPageView("/checkout")
	manager.TrackCheckoutEvent("confirm", map[string]interface{}{"total_cents": 599})
	manager.TrackPaymentEvent("success", map[string]interface{}{"method": "card"})

	fmt.Println("🛑 结束会话并等待录制上传...")
	if err := manager.EndSession(ctx, session.OutcomeCompleted); err != nil {
		log.Printf("结束会话出错: %v", err)
	}

	fmt.Println("\n📊 后端收到的数据:")
	summary := map[string]interface{}{
		"session":     server.Session(sessionID),
		"event_types": server.EventTypes(sessionID),
		"batch_sizes": server.BatchSizes(),
		"recordings":  server.Recordings(),
	}
	encoded, _ := json.MarshalIndent(summary, "", "  ")
	fmt.Println(string(encoded))

	fmt.Println("\n✅ 演示完成")
}
