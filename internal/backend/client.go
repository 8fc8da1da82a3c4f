package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"time"

	"KioskTelemetryAgent/internal/telemetry"
)

// ClientConfig 后端HTTP客户端配置
type ClientConfig struct {
	BaseURL         string
	AuthToken       string
	Timeout         time.Duration
	UploadTimeout   time.Duration
	MaxIdleConns    int
	MaxConnsPerHost int
	UserAgent       string
}

// DefaultClientConfig 返回默认配置
func DefaultClientConfig(baseURL string) *ClientConfig {
	return &ClientConfig{
		BaseURL:         baseURL,
		Timeout:         10 * time.Second,
		UploadTimeout:   60 * time.Second,
		MaxIdleConns:    10,
		MaxConnsPerHost: 4,
		UserAgent:       "KioskTelemetryAgent/1.0",
	}
}

// Client 自助终端后端的HTTP客户端。
// 只做传输，不做重试；重试策略由事件管道和录制管道各自掌握。
type Client struct {
	config *ClientConfig
	http   *http.Client
	upload *http.Client
}

// New 创建后端客户端
func New(config *ClientConfig) *Client {
	if config == nil {
		panic("config cannot be nil")
	}

	transport := &http.Transport{
		MaxIdleConns:    config.MaxIdleConns,
		MaxConnsPerHost: config.MaxConnsPerHost,
		IdleConnTimeout: 90 * time.Second,
	}

	return &Client{
		config: config,
		http:   &http.Client{Timeout: config.Timeout, Transport: transport},
		upload: &http.Client{Timeout: config.UploadTimeout, Transport: transport},
	}
}

// StartSession 向后端申请新会话，返回会话ID
func (c *Client) StartSession(ctx context.Context, kioskID string) (string, error) {
	var resp struct {
		SessionID string `json:"session_id"`
	}
	body := map[string]string{"kiosk_id": kioskID}

	if err := c.doJSON(ctx, http.MethodPost, "/api/sessions", body, &resp); err != nil {
		return "", fmt.Errorf("start session failed: %w", err)
	}
	if resp.SessionID == "" {
		return "", fmt.Errorf("start session failed: empty session id")
	}
	return resp.SessionID, nil
}

// EndSession 通知后端会话结束
func (c *Client) EndSession(ctx context.Context, sessionID, outcome string) error {
	body := map[string]string{"outcome": outcome}
	err := c.doJSON(ctx, http.MethodPost, "/api/sessions/"+sessionID+"/end", body, nil)
	if err != nil {
		return fmt.Errorf("end session failed: %w", err)
	}
	return nil
}

// PostEvents 批量上报事件，实现 telemetry.EventSink
func (c *Client) PostEvents(ctx context.Context, sessionID string, events []*telemetry.Event) error {
	body := map[string]interface{}{"events": events}
	err := c.doJSON(ctx, http.MethodPost, "/api/sessions/"+sessionID+"/events", body, nil)
	if err != nil {
		return fmt.Errorf("post events failed: %w", err)
	}
	return nil
}

// CreateRecording 创建录制记录，返回录制ID
func (c *Client) CreateRecording(ctx context.Context, sessionID, kioskID, resolution string, frameRate float64) (string, error) {
	var resp struct {
		RecordingID string `json:"recording_id"`
	}
	body := map[string]interface{}{
		"session_id": sessionID,
		"kiosk_id":   kioskID,
		"resolution": resolution,
		"frame_rate": frameRate,
	}

	if err := c.doJSON(ctx, http.MethodPost, "/api/recordings", body, &resp); err != nil {
		return "", fmt.Errorf("create recording failed: %w", err)
	}
	if resp.RecordingID == "" {
		return "", fmt.Errorf("create recording failed: empty recording id")
	}
	return resp.RecordingID, nil
}

// UpdateRecordingStatus 更新录制状态（failed/cancelled等），message可为空
func (c *Client) UpdateRecordingStatus(ctx context.Context, recordingID, status, message string) error {
	body := map[string]string{"status": status}
	if message != "" {
		body["error"] = message
	}
	err := c.doJSON(ctx, http.MethodPatch, "/api/recordings/"+recordingID+"/status", body, nil)
	if err != nil {
		return fmt.Errorf("update recording status failed: %w", err)
	}
	return nil
}

// UploadArtifact 以multipart上传录制产物或缩略图，返回存储URL
func (c *Client) UploadArtifact(ctx context.Context, recordingID, sessionID, kioskID, fileName, contentType string, data []byte) (string, error) {
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)

	fields := map[string]string{
		"session_id":   sessionID,
		"kiosk_id":     kioskID,
		"recording_id": recordingID,
		"content_type": contentType,
	}
	for key, value := range fields {
		if err := writer.WriteField(key, value); err != nil {
			return "", fmt.Errorf("upload artifact failed: %w", err)
		}
	}

	part, err := writer.CreateFormFile("file", fileName)
	if err != nil {
		return "", fmt.Errorf("upload artifact failed: %w", err)
	}
	if _, err := part.Write(data); err != nil {
		return "", fmt.Errorf("upload artifact failed: %w", err)
	}
	if err := writer.Close(); err != nil {
		return "", fmt.Errorf("upload artifact failed: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.config.BaseURL+"/api/recordings/"+recordingID+"/upload", &buf)
	if err != nil {
		return "", fmt.Errorf("upload artifact failed: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())
	c.setCommonHeaders(req)

	httpResp, err := c.upload.Do(req)
	if err != nil {
		return "", fmt.Errorf("upload artifact failed: %w", err)
	}
	defer httpResp.Body.Close()

	if err := checkStatus(httpResp); err != nil {
		return "", fmt.Errorf("upload artifact failed: %w", err)
	}

	var resp struct {
		StorageURL string `json:"storage_url"`
	}
	if err := json.NewDecoder(httpResp.Body).Decode(&resp); err != nil {
		return "", fmt.Errorf("upload artifact failed: %w", err)
	}
	if resp.StorageURL == "" {
		return "", fmt.Errorf("upload artifact failed: empty storage url")
	}
	return resp.StorageURL, nil
}

// FinalizeRecording 录制完成后回填产物信息
func (c *Client) FinalizeRecording(ctx context.Context, recordingID, sessionID, storageURL, thumbnailURL string,
	duration time.Duration, fileSize int64, frameCount int) error {
	body := map[string]interface{}{
		"session_id":    sessionID,
		"storage_url":   storageURL,
		"thumbnail_url": thumbnailURL,
		"duration_ms":   duration.Milliseconds(),
		"file_size":     fileSize,
		"frame_count":   frameCount,
	}
	err := c.doJSON(ctx, http.MethodPost, "/api/recordings/"+recordingID+"/finalize", body, nil)
	if err != nil {
		return fmt.Errorf("finalize recording failed: %w", err)
	}
	return nil
}

// doJSON 执行一次JSON请求，out为nil时忽略响应体
func (c *Client) doJSON(ctx context.Context, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request failed: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.config.BaseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	c.setCommonHeaders(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err := checkStatus(resp); err != nil {
		return err
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode response failed: %w", err)
		}
	}
	return nil
}

func (c *Client) setCommonHeaders(req *http.Request) {
	req.Header.Set("User-Agent", c.config.UserAgent)
	if c.config.AuthToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.config.AuthToken)
	}
}

// checkStatus 把HTTP状态码翻译为错误。
// 404/410 意味着后端不再认识这个会话/录制，按会话失效处理。
func checkStatus(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	payload, _ := io.ReadAll(io.LimitReader(resp.Body, 512))

	if resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone {
		return fmt.Errorf("status %d: %s: %w", resp.StatusCode, bytes.TrimSpace(payload), telemetry.ErrSessionUnknown)
	}
	return fmt.Errorf("status %d: %s", resp.StatusCode, bytes.TrimSpace(payload))
}
