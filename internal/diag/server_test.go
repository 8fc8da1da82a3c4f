package diag

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"KioskTelemetryAgent/internal/config"
	"KioskTelemetryAgent/internal/recording"
	"KioskTelemetryAgent/internal/session"
	"KioskTelemetryAgent/internal/storage"
	"KioskTelemetryAgent/internal/telemetry"
)

type noopSink struct{}

func (noopSink) PostEvents(ctx context.Context, sessionID string, events []*telemetry.Event) error {
	return nil
}

type noopBackend struct{}

func (noopBackend) StartSession(ctx context.Context, kioskID string) (string, error) {
	return "S1", nil
}

func (noopBackend) EndSession(ctx context.Context, sessionID, outcome string) error { return nil }

type noopRecorder struct{}

func (noopRecorder) Start(ctx context.Context, sessionID, kioskID string) error { return nil }
func (noopRecorder) StopAndUpload(ctx context.Context) error                    { return nil }
func (noopRecorder) Cancel(ctx context.Context) error                           { return nil }

type noopRecordingBackend struct{}

func (noopRecordingBackend) CreateRecording(ctx context.Context, sessionID, kioskID, resolution string, frameRate float64) (string, error) {
	return "R1", nil
}

func (noopRecordingBackend) UpdateRecordingStatus(ctx context.Context, recordingID, status, message string) error {
	return nil
}

func (noopRecordingBackend) UploadArtifact(ctx context.Context, recordingID, sessionID, kioskID, fileName, contentType string, data []byte) (string, error) {
	return "mem://" + fileName, nil
}

func (noopRecordingBackend) FinalizeRecording(ctx context.Context, recordingID, sessionID, storageURL, thumbnailURL string,
	duration time.Duration, fileSize int64, frameCount int) error {
	return nil
}

func newDiagFixture(t *testing.T) (*httptest.Server, *config.AgentConfig) {
	t.Helper()

	cfg, _, err := config.Load("")
	require.NoError(t, err)
	cfg.Kiosk.ID = "diag-kiosk"
	cfg.Backend.AuthToken = "super-secret"

	pipeline := telemetry.NewPipeline(nil, noopSink{})
	recorder := recording.NewPipeline(nil, noopRecordingBackend{})
	manager := session.NewManager(nil, noopBackend{}, pipeline, noopRecorder{}, storage.NewMemorySnapshotStore())

	server := New("127.0.0.1:0", cfg, manager, pipeline, recorder, nil)
	srv := httptest.NewServer(server.router)
	t.Cleanup(srv.Close)
	return srv, cfg
}

func getJSON(t *testing.T, url string) APIResponse {
	t.Helper()

	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var payload APIResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&payload))
	return payload
}

// TestHealthEndpoint 健康检查返回运行时长
func TestHealthEndpoint(t *testing.T) {
	srv, _ := newDiagFixture(t)

	payload := getJSON(t, srv.URL+"/healthz")
	assert.True(t, payload.Success)

	data, ok := payload.Data.(map[string]interface{})
	require.True(t, ok)
	assert.Contains(t, data, "uptime_seconds")
}

// TestStatusEndpoint 状态接口汇总会话、队列与录制信息
func TestStatusEndpoint(t *testing.T) {
	t.Log("🩺 测试诊断状态接口...")

	srv, _ := newDiagFixture(t)

	payload := getJSON(t, srv.URL+"/api/status")
	require.True(t, payload.Success)

	data, ok := payload.Data.(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "diag-kiosk", data["kiosk_id"])
	assert.Equal(t, "idle", data["session_state"])

	queue, ok := data["queue"].(map[string]interface{})
	require.True(t, ok)
	assert.EqualValues(t, 0, queue["online_depth"])

	rec, ok := data["recording"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "idle", rec["state"])
}

// TestConfigEndpointSanitizesToken 配置接口脱敏鉴权令牌
func TestConfigEndpointSanitizesToken(t *testing.T) {
	t.Log("🔒 测试配置脱敏...")

	srv, _ := newDiagFixture(t)

	resp, err := http.Get(srv.URL + "/api/config")
	require.NoError(t, err)
	defer resp.Body.Close()

	var payload struct {
		Success bool `json:"success"`
		Data    struct {
			Backend struct {
				AuthToken string `json:"AuthToken"`
				BaseURL   string `json:"BaseURL"`
			} `json:"Backend"`
		} `json:"data"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&payload))
	assert.True(t, payload.Success)
	assert.Empty(t, payload.Data.Backend.AuthToken, "令牌不能出诊断口")
	assert.NotEmpty(t, payload.Data.Backend.BaseURL)
}

// TestRecordingsEndpointWithoutStore 无本地存储时录制历史返回空列表
func TestRecordingsEndpointWithoutStore(t *testing.T) {
	srv, _ := newDiagFixture(t)

	payload := getJSON(t, srv.URL+"/api/recordings")
	assert.True(t, payload.Success)

	list, ok := payload.Data.([]interface{})
	require.True(t, ok)
	assert.Empty(t, list)
}
