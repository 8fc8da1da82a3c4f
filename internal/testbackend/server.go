package testbackend

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/mux"
)

// SessionData 后端侧的会话记录
type SessionData struct {
	ID        string    `json:"id"`
	KioskID   string    `json:"kiosk_id"`
	Outcome   string    `json:"outcome,omitempty"`
	StartedAt time.Time `json:"started_at"`
	EndedAt   time.Time `json:"ended_at,omitempty"`
}

// RecordingData 后端侧的录制记录
type RecordingData struct {
	ID           string  `json:"id"`
	SessionID    string  `json:"session_id"`
	KioskID      string  `json:"kiosk_id"`
	Resolution   string  `json:"resolution"`
	FrameRate    float64 `json:"frame_rate"`
	Status       string  `json:"status"`
	Error        string  `json:"error,omitempty"`
	StorageURL   string  `json:"storage_url,omitempty"`
	ThumbnailURL string  `json:"thumbnail_url,omitempty"`
	DurationMS   int64   `json:"duration_ms,omitempty"`
	FileSize     int64   `json:"file_size,omitempty"`
	FrameCount   int     `json:"frame_count,omitempty"`
}

// EventRecord 后端收到的单条事件（保留接收顺序）
type EventRecord struct {
	SessionID string
	Type      string
	Payload   map[string]interface{}
}

// Server 内存版自助终端后端，测试与演示共用。
// 支持故障注入：连续拒绝若干次事件上报、把指定会话判为未知。
type Server struct {
	listener net.Listener
	server   *http.Server

	mu              sync.Mutex
	sessions        map[string]*SessionData
	recordings      map[string]*RecordingData
	events          []EventRecord
	batchSizes      []int
	callOrder       []string
	uploads         map[string][]byte
	invalidSessions map[string]bool

	sessionSeq   atomic.Int64
	recordingSeq atomic.Int64
	failPosts    atomic.Int32
}

// New 创建内存后端
func New() *Server {
	s := &Server{
		sessions:        make(map[string]*SessionData),
		recordings:      make(map[string]*RecordingData),
		uploads:         make(map[string][]byte),
		invalidSessions: make(map[string]bool),
	}
	return s
}

// Start 在给定地址启动（addr传":0"取随机端口）
func (s *Server) Start(addr string) error {
	router := mux.NewRouter()
	router.HandleFunc("/api/sessions", s.handleStartSession).Methods(http.MethodPost)
	router.HandleFunc("/api/sessions/{id}/end", s.handleEndSession).Methods(http.MethodPost)
	router.HandleFunc("/api/sessions/{id}/events", s.handlePostEvents).Methods(http.MethodPost)
	router.HandleFunc("/api/recordings", s.handleCreateRecording).Methods(http.MethodPost)
	router.HandleFunc("/api/recordings/{id}/status", s.handleUpdateStatus).Methods(http.MethodPatch)
	router.HandleFunc("/api/recordings/{id}/upload", s.handleUpload).Methods(http.MethodPost)
	router.HandleFunc("/api/recordings/{id}/finalize", s.handleFinalize).Methods(http.MethodPost)

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("testbackend listen failed: %w", err)
	}

	s.listener = listener
	s.server = &http.Server{Handler: router}

	go func() {
		if err := s.server.Serve(listener); err != nil && err != http.ErrServerClosed {
			log.Printf("testbackend serve: %v", err)
		}
	}()
	return nil
}

// URL 返回服务基地址
func (s *Server) URL() string {
	return "http://" + s.listener.Addr().String()
}

// Shutdown 关闭服务
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// ---- 故障注入 ----

// FailNextEventPosts 让接下来n次事件上报返回500
func (s *Server) FailNextEventPosts(n int) {
	s.failPosts.Store(int32(n))
}

// InvalidateSession 把会话判为未知，之后的事件/结束请求都返回404
func (s *Server) InvalidateSession(sessionID string) {
	s.mu.Lock()
	s.invalidSessions[sessionID] = true
	s.mu.Unlock()
}

// ---- 观察接口 ----

// Events 返回按接收顺序排列的全部事件
func (s *Server) Events() []EventRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]EventRecord{}, s.events...)
}

// EventTypes 返回指定会话的事件类型序列
func (s *Server) EventTypes(sessionID string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	var types []string
	for _, ev := range s.events {
		if ev.SessionID == sessionID {
			types = append(types, ev.Type)
		}
	}
	return types
}

// BatchSizes 返回每次事件上报的批次大小
func (s *Server) BatchSizes() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]int{}, s.batchSizes...)
}

// CallOrder 返回后端各接口被调用的顺序
func (s *Server) CallOrder() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string{}, s.callOrder...)
}

// Session 返回会话记录
func (s *Server) Session(id string) *SessionData {
	s.mu.Lock()
	defer s.mu.Unlock()
	if data, ok := s.sessions[id]; ok {
		copied := *data
		return &copied
	}
	return nil
}

// Recording 返回录制记录
func (s *Server) Recording(id string) *RecordingData {
	s.mu.Lock()
	defer s.mu.Unlock()
	if data, ok := s.recordings[id]; ok {
		copied := *data
		return &copied
	}
	return nil
}

// Recordings 返回全部录制记录
func (s *Server) Recordings() []*RecordingData {
	s.mu.Lock()
	defer s.mu.Unlock()
	var all []*RecordingData
	for _, data := range s.recordings {
		copied := *data
		all = append(all, &copied)
	}
	return all
}

// Upload 返回上传的文件内容
func (s *Server) Upload(name string) []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.uploads[name]
}

func (s *Server) record(call string) {
	s.callOrder = append(s.callOrder, call)
}

// ---- 处理器 ----

func (s *Server) handleStartSession(w http.ResponseWriter, r *http.Request) {
	var req struct {
		KioskID string `json:"kiosk_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.KioskID == "" {
		writeError(w, http.StatusBadRequest, "kiosk_id required")
		return
	}

	id := fmt.Sprintf("S%d", s.sessionSeq.Add(1))

	s.mu.Lock()
	s.sessions[id] = &SessionData{ID: id, KioskID: req.KioskID, StartedAt: time.Now()}
	s.record("start_session")
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]string{"session_id": id})
}

func (s *Server) handleEndSession(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	s.mu.Lock()
	data, ok := s.sessions[id]
	invalid := s.invalidSessions[id]
	if ok && !invalid {
		s.record("end_session")
	}
	s.mu.Unlock()

	if !ok || invalid {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}

	var req struct {
		Outcome string `json:"outcome"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}

	s.mu.Lock()
	data.Outcome = req.Outcome
	data.EndedAt = time.Now()
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handlePostEvents(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	s.mu.Lock()
	_, ok := s.sessions[id]
	invalid := s.invalidSessions[id]
	s.mu.Unlock()

	if !ok || invalid {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}

	if s.failPosts.Load() > 0 {
		s.failPosts.Add(-1)
		writeError(w, http.StatusInternalServerError, "injected failure")
		return
	}

	var req struct {
		Events []map[string]interface{} `json:"events"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}

	s.mu.Lock()
	s.record("post_events")
	s.batchSizes = append(s.batchSizes, len(req.Events))
	for _, payload := range req.Events {
		eventType, _ := payload["type"].(string)
		s.events = append(s.events, EventRecord{SessionID: id, Type: eventType, Payload: payload})
	}
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleCreateRecording(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SessionID  string  `json:"session_id"`
		KioskID    string  `json:"kiosk_id"`
		Resolution string  `json:"resolution"`
		FrameRate  float64 `json:"frame_rate"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.SessionID == "" {
		writeError(w, http.StatusBadRequest, "session_id required")
		return
	}

	id := fmt.Sprintf("R%d", s.recordingSeq.Add(1))

	s.mu.Lock()
	s.recordings[id] = &RecordingData{
		ID: id, SessionID: req.SessionID, KioskID: req.KioskID,
		Resolution: req.Resolution, FrameRate: req.FrameRate, Status: "recording",
	}
	s.record("create_recording")
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]string{"recording_id": id})
}

func (s *Server) handleUpdateStatus(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	var req struct {
		Status string `json:"status"`
		Error  string `json:"error"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}

	s.mu.Lock()
	data, ok := s.recordings[id]
	if ok {
		data.Status = req.Status
		data.Error = req.Error
		s.record("update_status:" + req.Status)
	}
	s.mu.Unlock()

	if !ok {
		writeError(w, http.StatusNotFound, "recording not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	if err := r.ParseMultipartForm(64 << 20); err != nil {
		writeError(w, http.StatusBadRequest, "invalid multipart body")
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "file part required")
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "read file failed")
		return
	}

	s.mu.Lock()
	_, ok := s.recordings[id]
	if ok {
		s.uploads[header.Filename] = data
		s.record("upload:" + header.Filename)
	}
	s.mu.Unlock()

	if !ok {
		writeError(w, http.StatusNotFound, "recording not found")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"storage_url": "https://storage.test/" + id + "/" + header.Filename,
	})
}

func (s *Server) handleFinalize(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	var req struct {
		SessionID    string `json:"session_id"`
		StorageURL   string `json:"storage_url"`
		ThumbnailURL string `json:"thumbnail_url"`
		DurationMS   int64  `json:"duration_ms"`
		FileSize     int64  `json:"file_size"`
		FrameCount   int    `json:"frame_count"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}

	s.mu.Lock()
	data, ok := s.recordings[id]
	if ok {
		data.Status = "completed"
		data.StorageURL = req.StorageURL
		data.ThumbnailURL = req.ThumbnailURL
		data.DurationMS = req.DurationMS
		data.FileSize = req.FileSize
		data.FrameCount = req.FrameCount
		s.record("finalize")
	}
	s.mu.Unlock()

	if !ok {
		writeError(w, http.StatusNotFound, "recording not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
