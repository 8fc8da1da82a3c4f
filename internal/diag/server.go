package diag

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/cors"

	"KioskTelemetryAgent/internal/config"
	"KioskTelemetryAgent/internal/logger"
	"KioskTelemetryAgent/internal/recording"
	"KioskTelemetryAgent/internal/session"
	"KioskTelemetryAgent/internal/storage"
	"KioskTelemetryAgent/internal/telemetry"
)

// APIResponse 统一响应结构
type APIResponse struct {
	Success   bool        `json:"success"`
	Data      interface{} `json:"data,omitempty"`
	Message   string      `json:"message,omitempty"`
	Timestamp int64       `json:"timestamp"`
}

// Server 本机诊断HTTP服务。只给运维用，终端客户永远接触不到。
type Server struct {
	addr      string
	router    *mux.Router
	server    *http.Server
	cfg       *config.AgentConfig
	manager   *session.Manager
	pipeline  *telemetry.Pipeline
	recorder  *recording.Pipeline
	store     *storage.Store
	startTime time.Time
}

// New 创建诊断服务。store可为nil（录制历史接口将返回空）。
func New(addr string, cfg *config.AgentConfig, m *session.Manager, p *telemetry.Pipeline, r *recording.Pipeline, store *storage.Store) *Server {
	s := &Server{
		addr:      addr,
		router:    mux.NewRouter(),
		cfg:       cfg,
		manager:   m,
		pipeline:  p,
		recorder:  r,
		store:     store,
		startTime: time.Now(),
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.router.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	s.router.HandleFunc("/api/status", s.handleStatus).Methods(http.MethodGet)
	s.router.HandleFunc("/api/config", s.handleConfig).Methods(http.MethodGet)
	s.router.HandleFunc("/api/recordings", s.handleRecordings).Methods(http.MethodGet)

	if logger.GlobalLogger != nil {
		s.router.HandleFunc("/ws/logs", logger.GlobalLogger.HandleWebSocket)
	}
}

// Start 启动诊断服务（非阻塞）
func (s *Server) Start() {
	handler := cors.Default().Handler(s.router)
	s.server = &http.Server{
		Addr:         s.addr,
		Handler:      handler,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	go func() {
		log.Printf("诊断服务监听 %s", s.addr)
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("诊断服务退出: %v", err)
		}
	}()
}

// Shutdown 优雅关闭
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, APIResponse{
		Success:   true,
		Data:      map[string]interface{}{"uptime_seconds": int(time.Since(s.startTime).Seconds())},
		Timestamp: time.Now().Unix(),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	online, offline := s.pipeline.Depths()
	delivered, dropped := s.pipeline.Stats()

	status := map[string]interface{}{
		"kiosk_id":      s.cfg.Kiosk.ID,
		"session_state": s.manager.CurrentState().String(),
		"session_id":    s.manager.SessionID(),
		"current_page":  s.manager.CurrentPage(),
		"queue": map[string]interface{}{
			"online_depth":  online,
			"offline_depth": offline,
			"delivered":     delivered,
			"dropped":       dropped,
		},
		"recording": map[string]interface{}{
			"state":    s.recorder.CurrentState().String(),
			"metadata": s.recorder.Snapshot(),
		},
	}

	writeJSON(w, http.StatusOK, APIResponse{Success: true, Data: status, Timestamp: time.Now().Unix()})
}

func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	// 脱敏后返回，令牌不出诊断口
	sanitized := *s.cfg
	sanitized.Backend.AuthToken = ""
	writeJSON(w, http.StatusOK, APIResponse{Success: true, Data: sanitized, Timestamp: time.Now().Unix()})
}

func (s *Server) handleRecordings(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		writeJSON(w, http.StatusOK, APIResponse{Success: true, Data: []interface{}{}, Timestamp: time.Now().Unix()})
		return
	}

	records, err := s.store.ListRecordings(50)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, APIResponse{
			Success: false, Message: err.Error(), Timestamp: time.Now().Unix(),
		})
		return
	}

	writeJSON(w, http.StatusOK, APIResponse{Success: true, Data: records, Timestamp: time.Now().Unix()})
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Printf("写诊断响应失败: %v", err)
	}
}
