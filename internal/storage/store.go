package storage

import (
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite" // 无CGO的SQLite驱动
)

// Snapshot 会话恢复快照。
// 会话激活及每次换页时写入，子系统初始化时读取一次，
// 用于页面意外重载后恢复遥测而不虚增会话。
type Snapshot struct {
	SessionID     string    `json:"session_id"`
	KioskID       string    `json:"kiosk_id"`
	State         string    `json:"state"`
	CurrentPage   string    `json:"current_page"`
	PageEnteredAt time.Time `json:"page_entered_at"`
	TakenAt       time.Time `json:"taken_at"`
}

// SnapshotStore 快照存取接口，持久化机制可替换
type SnapshotStore interface {
	SaveSnapshot(s *Snapshot) error
	LoadSnapshot() (*Snapshot, error) // 不存在时返回 (nil, nil)
	ClearSnapshot() error
}

// RecordingRecord 本地录制历史，离线时运维仍可回看录制状态
type RecordingRecord struct {
	ID         string    `json:"id"`
	SessionID  string    `json:"session_id"`
	KioskID    string    `json:"kiosk_id"`
	Status     string    `json:"status"`
	Error      string    `json:"error,omitempty"`
	FrameCount int       `json:"frame_count"`
	StorageURL string    `json:"storage_url,omitempty"`
	StartedAt  time.Time `json:"started_at"`
	EndedAt    time.Time `json:"ended_at,omitempty"`
}

// Store 本机SQLite存储，持有快照和录制历史两张表
type Store struct {
	db *sql.DB
}

// NewStore 打开（必要时创建）本机数据库。
// WAL加busy timeout，避免诊断读取与写入互相卡死。
func NewStore(databasePath string) (*Store, error) {
	db, err := sql.Open("sqlite", databasePath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("打开本地数据库失败: %w", err)
	}

	if err := createTables(db); err != nil {
		db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

func createTables(db *sql.DB) error {
	_, err := db.Exec(`
	CREATE TABLE IF NOT EXISTS session_snapshot(
	  id              INTEGER PRIMARY KEY CHECK (id = 1),
	  session_id      TEXT    NOT NULL,
	  kiosk_id        TEXT    NOT NULL,
	  state           TEXT    NOT NULL,
	  current_page    TEXT    NOT NULL,
	  page_entered_at INTEGER NOT NULL,
	  taken_at        INTEGER NOT NULL
	);
	CREATE TABLE IF NOT EXISTS recordings(
	  id          TEXT PRIMARY KEY,
	  session_id  TEXT NOT NULL,
	  kiosk_id    TEXT NOT NULL,
	  status      TEXT NOT NULL,
	  error       TEXT,
	  frame_count INTEGER NOT NULL DEFAULT 0,
	  storage_url TEXT,
	  started_at  INTEGER NOT NULL,
	  ended_at    INTEGER
	);
	CREATE INDEX IF NOT EXISTS idx_recordings_session ON recordings(session_id);
	CREATE INDEX IF NOT EXISTS idx_recordings_started ON recordings(started_at);
	`)
	if err != nil {
		return fmt.Errorf("建表失败: %w", err)
	}
	return nil
}

// Close 关闭数据库
func (s *Store) Close() error {
	return s.db.Close()
}

// SaveSnapshot 覆盖写入唯一一行快照
func (s *Store) SaveSnapshot(snap *Snapshot) error {
	if snap == nil {
		return fmt.Errorf("快照不能为空")
	}

	_, err := s.db.Exec(`
	INSERT INTO session_snapshot(id, session_id, kiosk_id, state, current_page, page_entered_at, taken_at)
	VALUES(1, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
	  session_id = excluded.session_id,
	  kiosk_id = excluded.kiosk_id,
	  state = excluded.state,
	  current_page = excluded.current_page,
	  page_entered_at = excluded.page_entered_at,
	  taken_at = excluded.taken_at`,
		snap.SessionID, snap.KioskID, snap.State, snap.CurrentPage,
		snap.PageEnteredAt.UnixMilli(), snap.TakenAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("写入快照失败: %w", err)
	}
	return nil
}

// LoadSnapshot 读取快照，不存在时返回 (nil, nil)
func (s *Store) LoadSnapshot() (*Snapshot, error) {
	row := s.db.QueryRow(`
	SELECT session_id, kiosk_id, state, current_page, page_entered_at, taken_at
	FROM session_snapshot WHERE id = 1`)

	var snap Snapshot
	var pageEnteredAt, takenAt int64
	err := row.Scan(&snap.SessionID, &snap.KioskID, &snap.State, &snap.CurrentPage, &pageEnteredAt, &takenAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("读取快照失败: %w", err)
	}

	snap.PageEnteredAt = time.UnixMilli(pageEnteredAt)
	snap.TakenAt = time.UnixMilli(takenAt)
	return &snap, nil
}

// ClearSnapshot 删除快照
func (s *Store) ClearSnapshot() error {
	if _, err := s.db.Exec(`DELETE FROM session_snapshot WHERE id = 1`); err != nil {
		return fmt.Errorf("清除快照失败: %w", err)
	}
	return nil
}

// SaveRecording 写入或更新一条录制历史
func (s *Store) SaveRecording(rec *RecordingRecord) error {
	if rec == nil || rec.ID == "" {
		return fmt.Errorf("录制记录不完整")
	}

	var endedAt interface{}
	if !rec.EndedAt.IsZero() {
		endedAt = rec.EndedAt.UnixMilli()
	}

	_, err := s.db.Exec(`
	INSERT INTO recordings(id, session_id, kiosk_id, status, error, frame_count, storage_url, started_at, ended_at)
	VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
	  status = excluded.status,
	  error = excluded.error,
	  frame_count = excluded.frame_count,
	  storage_url = excluded.storage_url,
	  ended_at = excluded.ended_at`,
		rec.ID, rec.SessionID, rec.KioskID, rec.Status, rec.Error,
		rec.FrameCount, rec.StorageURL, rec.StartedAt.UnixMilli(), endedAt)
	if err != nil {
		return fmt.Errorf("写入录制历史失败: %w", err)
	}
	return nil
}

// ListRecordings 按开始时间倒序列出最近的录制历史
func (s *Store) ListRecordings(limit int) ([]*RecordingRecord, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := s.db.Query(`
	SELECT id, session_id, kiosk_id, status, COALESCE(error, ''), frame_count, COALESCE(storage_url, ''), started_at, ended_at
	FROM recordings ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("查询录制历史失败: %w", err)
	}
	defer rows.Close()

	var records []*RecordingRecord
	for rows.Next() {
		var rec RecordingRecord
		var startedAt int64
		var endedAt sql.NullInt64
		if err := rows.Scan(&rec.ID, &rec.SessionID, &rec.KioskID, &rec.Status, &rec.Error,
			&rec.FrameCount, &rec.StorageURL, &startedAt, &endedAt); err != nil {
			return nil, fmt.Errorf("扫描录制历史失败: %w", err)
		}
		rec.StartedAt = time.UnixMilli(startedAt)
		if endedAt.Valid {
			rec.EndedAt = time.UnixMilli(endedAt.Int64)
		}
		records = append(records, &rec)
	}
	return records, rows.Err()
}

// MemorySnapshotStore 内存快照存储，测试用
type MemorySnapshotStore struct {
	mu   sync.Mutex
	snap *Snapshot
}

// NewMemorySnapshotStore 创建内存快照存储
func NewMemorySnapshotStore() *MemorySnapshotStore {
	return &MemorySnapshotStore{}
}

// SaveSnapshot 实现 SnapshotStore
func (m *MemorySnapshotStore) SaveSnapshot(s *Snapshot) error {
	if s == nil {
		return fmt.Errorf("快照不能为空")
	}
	m.mu.Lock()
	copied := *s
	m.snap = &copied
	m.mu.Unlock()
	return nil
}

// LoadSnapshot 实现 SnapshotStore
func (m *MemorySnapshotStore) LoadSnapshot() (*Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.snap == nil {
		return nil, nil
	}
	copied := *m.snap
	return &copied, nil
}

// ClearSnapshot 实现 SnapshotStore
func (m *MemorySnapshotStore) ClearSnapshot() error {
	m.mu.Lock()
	m.snap = nil
	m.mu.Unlock()
	return nil
}
