package backend_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"KioskTelemetryAgent/internal/backend"
	"KioskTelemetryAgent/internal/telemetry"
	"KioskTelemetryAgent/internal/testbackend"
)

func newClientFixture(t *testing.T) (*backend.Client, *testbackend.Server) {
	t.Helper()

	server := testbackend.New()
	require.NoError(t, server.Start("127.0.0.1:0"))
	t.Cleanup(func() { server.Shutdown(context.Background()) })

	client := backend.New(backend.DefaultClientConfig(server.URL()))
	return client, server
}

// TestSessionRoundtrip 会话创建与结束
func TestSessionRoundtrip(t *testing.T) {
	t.Log("🔗 测试会话接口...")

	client, server := newClientFixture(t)
	ctx := context.Background()

	sessionID, err := client.StartSession(ctx, "K1")
	require.NoError(t, err)
	require.NotEmpty(t, sessionID)

	require.NoError(t, client.EndSession(ctx, sessionID, "completed"))

	data := server.Session(sessionID)
	require.NotNil(t, data)
	assert.Equal(t, "K1", data.KioskID)
	assert.Equal(t, "completed", data.Outcome)
	assert.False(t, data.EndedAt.IsZero())
}

// TestPostEventsDelivery 事件批量上报，字段完整到达后端
func TestPostEventsDelivery(t *testing.T) {
	t.Log("📨 测试事件上报...")

	client, server := newClientFixture(t)
	ctx := context.Background()

	sessionID, err := client.StartSession(ctx, "K1")
	require.NoError(t, err)

	events := []*telemetry.Event{
		telemetry.New(telemetry.EventPageView, "/kiosk/home"),
		telemetry.New(telemetry.EventSearch, "/templates").WithDetail(map[string]interface{}{
			"query":        "birthday",
			"result_count": 17,
		}),
	}
	require.NoError(t, client.PostEvents(ctx, sessionID, events))

	assert.Equal(t, []string{"page_view", "search"}, server.EventTypes(sessionID))
	assert.Equal(t, []int{2}, server.BatchSizes())

	received := server.Events()
	require.Len(t, received, 2)
	assert.Equal(t, "/kiosk/home", received[0].Payload["page"])
	detail, ok := received[1].Payload["detail"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "birthday", detail["query"])
}

// TestPostEventsUnknownSession 后端404映射为会话失效哨兵错误
func TestPostEventsUnknownSession(t *testing.T) {
	t.Log("❓ 测试会话失效错误映射...")

	client, server := newClientFixture(t)
	ctx := context.Background()

	err := client.PostEvents(ctx, "no-such-session", []*telemetry.Event{
		telemetry.New(telemetry.EventClick, "/kiosk/home"),
	})
	require.ErrorIs(t, err, telemetry.ErrSessionUnknown)

	// 被后端主动失效的会话同样映射
	sessionID, err := client.StartSession(ctx, "K1")
	require.NoError(t, err)
	server.InvalidateSession(sessionID)

	err = client.PostEvents(ctx, sessionID, []*telemetry.Event{
		telemetry.New(telemetry.EventClick, "/kiosk/home"),
	})
	require.ErrorIs(t, err, telemetry.ErrSessionUnknown)

	err = client.EndSession(ctx, sessionID, "completed")
	require.ErrorIs(t, err, telemetry.ErrSessionUnknown)
}

// TestPostEventsServerErrorIsTransient 500不映射为会话失效
func TestPostEventsServerErrorIsTransient(t *testing.T) {
	client, server := newClientFixture(t)
	ctx := context.Background()

	sessionID, err := client.StartSession(ctx, "K1")
	require.NoError(t, err)

	server.FailNextEventPosts(1)
	err = client.PostEvents(ctx, sessionID, []*telemetry.Event{
		telemetry.New(telemetry.EventClick, "/kiosk/home"),
	})
	require.Error(t, err)
	assert.NotErrorIs(t, err, telemetry.ErrSessionUnknown)
}

// TestRecordingFlow 录制接口全流程：创建 → 上传 → 回填
func TestRecordingFlow(t *testing.T) {
	t.Log("🎬 测试录制接口...")

	client, server := newClientFixture(t)
	ctx := context.Background()

	sessionID, err := client.StartSession(ctx, "K1")
	require.NoError(t, err)

	recordingID, err := client.CreateRecording(ctx, sessionID, "K1", "640x480", 1.0)
	require.NoError(t, err)
	require.NotEmpty(t, recordingID)

	payload := []byte("GIF89a-fake-payload")
	storageURL, err := client.UploadArtifact(ctx, recordingID, sessionID, "K1",
		"recording.gif", "image/gif", payload)
	require.NoError(t, err)
	assert.Contains(t, storageURL, recordingID)
	assert.Equal(t, payload, server.Upload("recording.gif"))

	require.NoError(t, client.FinalizeRecording(ctx, recordingID, sessionID,
		storageURL, "", 12*time.Second, int64(len(payload)), 12))

	data := server.Recording(recordingID)
	require.NotNil(t, data)
	assert.Equal(t, "completed", data.Status)
	assert.Equal(t, "640x480", data.Resolution)
	assert.Equal(t, storageURL, data.StorageURL)
	assert.EqualValues(t, 12000, data.DurationMS)
	assert.Equal(t, 12, data.FrameCount)
}

// TestUpdateRecordingStatus 状态回写（cancelled/failed）
func TestUpdateRecordingStatus(t *testing.T) {
	client, server := newClientFixture(t)
	ctx := context.Background()

	sessionID, err := client.StartSession(ctx, "K1")
	require.NoError(t, err)
	recordingID, err := client.CreateRecording(ctx, sessionID, "K1", "640x480", 1.0)
	require.NoError(t, err)

	require.NoError(t, client.UpdateRecordingStatus(ctx, recordingID, "failed", "encode: boom"))

	data := server.Recording(recordingID)
	require.NotNil(t, data)
	assert.Equal(t, "failed", data.Status)
	assert.Equal(t, "encode: boom", data.Error)
}

// TestAuthAndUserAgentHeaders 鉴权令牌与UA随请求携带
func TestAuthAndUserAgentHeaders(t *testing.T) {
	t.Log("🔑 测试请求头...")

	var gotAuth, gotUA string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotUA = r.Header.Get("User-Agent")
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"session_id":"S1"}`))
	}))
	defer srv.Close()

	cfg := backend.DefaultClientConfig(srv.URL)
	cfg.AuthToken = "secret-token"
	client := backend.New(cfg)

	_, err := client.StartSession(context.Background(), "K1")
	require.NoError(t, err)

	assert.Equal(t, "Bearer secret-token", gotAuth)
	assert.Equal(t, "KioskTelemetryAgent/1.0", gotUA)
}
