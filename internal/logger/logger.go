package logger

import (
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// LogMessage 日志消息结构，经WebSocket广播给运维端
type LogMessage struct {
	Level     string    `json:"level"`
	Message   string    `json:"message"`
	Module    string    `json:"module"`
	SessionID *string   `json:"session_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// WebSocketLogger 日志广播器。
// 终端客户永远看不到这些日志，只有运维侧的诊断页面会连上来。
type WebSocketLogger struct {
	clients    map[*websocket.Conn]bool
	broadcast  chan LogMessage
	register   chan *websocket.Conn
	unregister chan *websocket.Conn
	mu         sync.RWMutex
}

// NewWebSocketLogger 创建新的日志广播器
func NewWebSocketLogger() *WebSocketLogger {
	return &WebSocketLogger{
		clients:    make(map[*websocket.Conn]bool),
		broadcast:  make(chan LogMessage, 256),
		register:   make(chan *websocket.Conn),
		unregister: make(chan *websocket.Conn),
	}
}

// Run 启动广播循环
func (wsl *WebSocketLogger) Run() {
	for {
		select {
		case client := <-wsl.register:
			wsl.mu.Lock()
			wsl.clients[client] = true
			count := len(wsl.clients)
			wsl.mu.Unlock()
			log.Printf("诊断日志客户端已连接，当前连接数: %d", count)

		case client := <-wsl.unregister:
			wsl.mu.Lock()
			if _, ok := wsl.clients[client]; ok {
				delete(wsl.clients, client)
				client.Close()
			}
			count := len(wsl.clients)
			wsl.mu.Unlock()
			log.Printf("诊断日志客户端已断开，当前连接数: %d", count)

		case message := <-wsl.broadcast:
			wsl.mu.Lock()
			for client := range wsl.clients {
				client.SetWriteDeadline(time.Now().Add(time.Second))
				if err := client.WriteJSON(message); err != nil {
					delete(wsl.clients, client)
					client.Close()
				}
			}
			wsl.mu.Unlock()
		}
	}
}

// emit 控制台输出并投递广播；通道满时丢弃，日志永不阻塞业务
func (wsl *WebSocketLogger) emit(level, module, message string, sessionID *string) {
	logMsg := LogMessage{
		Level:     level,
		Message:   message,
		Module:    module,
		SessionID: sessionID,
		Timestamp: time.Now(),
	}

	if sessionID != nil {
		log.Printf("[%s] [%s] %s: %s", level, *sessionID, module, message)
	} else {
		log.Printf("[%s] %s: %s", level, module, message)
	}

	select {
	case wsl.broadcast <- logMsg:
	default:
	}
}

// LogInfo 记录信息日志
func (wsl *WebSocketLogger) LogInfo(module, message string, sessionID *string) {
	wsl.emit("INFO", module, message, sessionID)
}

// LogError 记录错误日志
func (wsl *WebSocketLogger) LogError(module, message string, sessionID *string) {
	wsl.emit("ERROR", module, message, sessionID)
}

// LogSuccess 记录成功日志
func (wsl *WebSocketLogger) LogSuccess(module, message string, sessionID *string) {
	wsl.emit("SUCCESS", module, message, sessionID)
}

// LogWarning 记录警告日志
func (wsl *WebSocketLogger) LogWarning(module, message string, sessionID *string) {
	wsl.emit("WARNING", module, message, sessionID)
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // 诊断端口只在本机/内网暴露
	},
}

// HandleWebSocket 处理诊断页面的WebSocket连接
func (wsl *WebSocketLogger) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("日志流WebSocket升级失败: %v", err)
		return
	}

	wsl.register <- conn

	welcome := LogMessage{
		Level:     "INFO",
		Message:   "已连接到自助终端遥测日志流",
		Module:    "Logger",
		Timestamp: time.Now(),
	}
	conn.WriteJSON(welcome)

	defer func() {
		wsl.unregister <- conn
	}()

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("日志流连接错误: %v", err)
			}
			break
		}
	}
}

// 全局日志器实例
var GlobalLogger *WebSocketLogger

// InitGlobalLogger 初始化全局日志器
func InitGlobalLogger() {
	GlobalLogger = NewWebSocketLogger()
	go GlobalLogger.Run()
}

// 便捷函数，全局日志器未初始化时退化为纯控制台输出

func LogInfo(module, message string, sessionID *string) {
	if GlobalLogger != nil {
		GlobalLogger.LogInfo(module, message, sessionID)
		return
	}
	log.Printf("[INFO] %s: %s", module, message)
}

func LogError(module, message string, sessionID *string) {
	if GlobalLogger != nil {
		GlobalLogger.LogError(module, message, sessionID)
		return
	}
	log.Printf("[ERROR] %s: %s", module, message)
}

func LogSuccess(module, message string, sessionID *string) {
	if GlobalLogger != nil {
		GlobalLogger.LogSuccess(module, message, sessionID)
		return
	}
	log.Printf("[SUCCESS] %s: %s", module, message)
}

func LogWarning(module, message string, sessionID *string) {
	if GlobalLogger != nil {
		GlobalLogger.LogWarning(module, message, sessionID)
		return
	}
	log.Printf("[WARNING] %s: %s", module, message)
}
