package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// SyncStatus — состояние записи в машине синхронизации.
type SyncStatus string

const (
	StatusLocal     SyncStatus = "local"
	StatusUploading SyncStatus = "uploading"
	StatusSynced    SyncStatus = "synced"
	StatusConflict  SyncStatus = "conflict"
	StatusFailed    SyncStatus = "failed"
)

// JournalEntry — запись голосового дневника на клиенте. Эмоциональные
// отметки (до/после) живут ТОЛЬКО внутри зашифрованного блоба метаданных;
// в таблице хранятся лишь ссылки на блобы и версии. До первой успешной
// синхронизации записью владеет устройство, после — референсом для
// разрешения конфликтов становится сервер.
type JournalEntry struct {
	ID                 string
	CreatedAt          time.Time
	DurationSeconds    int
	PreEmotionalState  int // 1–5, заполняется из расшифрованных метаданных
	PostEmotionalState int // 1–5, заполняется из расшифрованных метаданных
	AudioBlobRef       string
	MetadataBlobRef    string
	LocalVersion       int64
	RemoteVersion      int64
	SyncStatus         SyncStatus
}

// EntryMetadata — чувствительная часть записи; сериализуется в JSON и
// шифруется целиком как блоб метаданных.
type EntryMetadata struct {
	DurationSeconds    int    `json:"duration_seconds"`
	PreEmotionalState  int    `json:"pre_emotional_state"`
	PostEmotionalState int    `json:"post_emotional_state"`
	MoodLabel          string `json:"mood_label,omitempty"`
	Notes              string `json:"notes,omitempty"`
}

// SyncState — по-сущностное состояние синхронизации; используется для
// обнаружения расхождений и разрешения конфликтов.
type SyncState struct {
	EntityID       string
	LocalVersion   int64
	RemoteVersion  int64
	LastSyncedHash string
	LastAttemptAt  time.Time
}

var ErrEntryNotFound = errors.New("storage: journal entry not found")

// EntryStore — CRUD записей дневника и их состояния синхронизации.
type EntryStore struct {
	db    *sql.DB
	locks *EntityLocks
}

func NewEntryStore(s *Storage) *EntryStore {
	return &EntryStore{db: s.db, locks: s.locks}
}

func (e *EntryStore) Save(ctx context.Context, entry *JournalEntry) error {
	_, err := e.db.ExecContext(ctx, `
		INSERT INTO journal_entries
			(id, created_at, duration_seconds, audio_blob_ref, metadata_blob_ref,
			 local_version, remote_version, sync_status)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			duration_seconds = excluded.duration_seconds,
			audio_blob_ref = excluded.audio_blob_ref,
			metadata_blob_ref = excluded.metadata_blob_ref,
			local_version = excluded.local_version,
			remote_version = excluded.remote_version,
			sync_status = excluded.sync_status
	`, entry.ID, entry.CreatedAt.UTC(), entry.DurationSeconds,
		entry.AudioBlobRef, entry.MetadataBlobRef,
		entry.LocalVersion, entry.RemoteVersion, string(entry.SyncStatus))
	if err != nil {
		return fmt.Errorf("ошибка сохранения записи: %w", err)
	}
	return nil
}

func (e *EntryStore) Get(ctx context.Context, id string) (*JournalEntry, error) {
	var entry JournalEntry
	var status string
	err := e.db.QueryRowContext(ctx, `
		SELECT id, created_at, duration_seconds, audio_blob_ref, metadata_blob_ref,
		       local_version, remote_version, sync_status
		FROM journal_entries WHERE id = ?
	`, id).Scan(&entry.ID, &entry.CreatedAt, &entry.DurationSeconds,
		&entry.AudioBlobRef, &entry.MetadataBlobRef,
		&entry.LocalVersion, &entry.RemoteVersion, &status)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrEntryNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("ошибка чтения записи: %w", err)
	}
	entry.SyncStatus = SyncStatus(status)
	return &entry, nil
}

func (e *EntryStore) List(ctx context.Context, limit, offset int) ([]*JournalEntry, error) {
	query := `
		SELECT id, created_at, duration_seconds, audio_blob_ref, metadata_blob_ref,
		       local_version, remote_version, sync_status
		FROM journal_entries ORDER BY created_at DESC`
	args := []interface{}{}

	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	if offset > 0 {
		query += " OFFSET ?"
		args = append(args, offset)
	}

	rows, err := e.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("ошибка выполнения запроса: %w", err)
	}
	defer rows.Close()

	var entries []*JournalEntry
	for rows.Next() {
		var entry JournalEntry
		var status string
		if err := rows.Scan(&entry.ID, &entry.CreatedAt, &entry.DurationSeconds,
			&entry.AudioBlobRef, &entry.MetadataBlobRef,
			&entry.LocalVersion, &entry.RemoteVersion, &status); err != nil {
			return nil, fmt.Errorf("ошибка сканирования записи: %w", err)
		}
		entry.SyncStatus = SyncStatus(status)
		entries = append(entries, &entry)
	}
	return entries, rows.Err()
}

func (e *EntryStore) Delete(ctx context.Context, id string) error {
	_, err := e.db.ExecContext(ctx, "DELETE FROM journal_entries WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("ошибка удаления записи: %w", err)
	}
	_, err = e.db.ExecContext(ctx, "DELETE FROM sync_state WHERE entity_id = ?", id)
	if err != nil {
		return fmt.Errorf("ошибка удаления состояния синхронизации: %w", err)
	}
	return nil
}

// SetSyncStatus переводит запись в новое состояние машины синхронизации.
func (e *EntryStore) SetSyncStatus(ctx context.Context, id string, status SyncStatus) error {
	res, err := e.db.ExecContext(ctx,
		"UPDATE journal_entries SET sync_status = ? WHERE id = ?", string(status), id)
	if err != nil {
		return fmt.Errorf("ошибка обновления статуса: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrEntryNotFound
	}
	return nil
}

// SetRemoteVersion фиксирует подтвержденную сервером версию.
func (e *EntryStore) SetRemoteVersion(ctx context.Context, id string, version int64) error {
	_, err := e.db.ExecContext(ctx,
		"UPDATE journal_entries SET remote_version = ?, sync_status = ? WHERE id = ?",
		version, string(StatusSynced), id)
	if err != nil {
		return fmt.Errorf("ошибка обновления версии: %w", err)
	}
	return nil
}

// BumpLocalVersion инкрементирует локальную версию при мутации.
func (e *EntryStore) BumpLocalVersion(ctx context.Context, id string) error {
	_, err := e.db.ExecContext(ctx,
		"UPDATE journal_entries SET local_version = local_version + 1 WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("ошибка инкремента версии: %w", err)
	}
	return nil
}

func (e *EntryStore) Count(ctx context.Context) (int, error) {
	var count int
	if err := e.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM journal_entries").Scan(&count); err != nil {
		return 0, fmt.Errorf("ошибка подсчета записей: %w", err)
	}
	return count, nil
}

// CountByStatus — количество записей в каждом состоянии (для status CLI).
func (e *EntryStore) CountByStatus(ctx context.Context) (map[SyncStatus]int, error) {
	rows, err := e.db.QueryContext(ctx,
		"SELECT sync_status, COUNT(*) FROM journal_entries GROUP BY sync_status")
	if err != nil {
		return nil, fmt.Errorf("ошибка подсчета по статусам: %w", err)
	}
	defer rows.Close()

	counts := make(map[SyncStatus]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[SyncStatus(status)] = n
	}
	return counts, rows.Err()
}

// GetSyncState возвращает состояние синхронизации сущности (нулевое, если
// синхронизаций еще не было).
func (e *EntryStore) GetSyncState(ctx context.Context, entityID string) (*SyncState, error) {
	state := &SyncState{EntityID: entityID}
	var lastAttempt sql.NullTime
	err := e.db.QueryRowContext(ctx, `
		SELECT local_version, remote_version, last_synced_hash, last_attempt_at
		FROM sync_state WHERE entity_id = ?
	`, entityID).Scan(&state.LocalVersion, &state.RemoteVersion,
		&state.LastSyncedHash, &lastAttempt)

	if errors.Is(err, sql.ErrNoRows) {
		return state, nil
	}
	if err != nil {
		return nil, fmt.Errorf("ошибка чтения состояния синхронизации: %w", err)
	}
	if lastAttempt.Valid {
		state.LastAttemptAt = lastAttempt.Time
	}
	return state, nil
}

// DeleteSyncState удаляет состояние синхронизации сущности. Вызывается
// после подтверждения удаления на сервере, чтобы не оставлять осиротевших
// строк за уже не существующей записью.
func (e *EntryStore) DeleteSyncState(ctx context.Context, entityID string) error {
	_, err := e.db.ExecContext(ctx,
		"DELETE FROM sync_state WHERE entity_id = ?", entityID)
	if err != nil {
		return fmt.Errorf("ошибка удаления состояния синхронизации: %w", err)
	}
	return nil
}

// SaveSyncState сохраняет состояние синхронизации сущности.
func (e *EntryStore) SaveSyncState(ctx context.Context, state *SyncState) error {
	_, err := e.db.ExecContext(ctx, `
		INSERT INTO sync_state (entity_id, local_version, remote_version, last_synced_hash, last_attempt_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (entity_id) DO UPDATE SET
			local_version = excluded.local_version,
			remote_version = excluded.remote_version,
			last_synced_hash = excluded.last_synced_hash,
			last_attempt_at = excluded.last_attempt_at
	`, state.EntityID, state.LocalVersion, state.RemoteVersion,
		state.LastSyncedHash, state.LastAttemptAt.UTC())
	if err != nil {
		return fmt.Errorf("ошибка сохранения состояния синхронизации: %w", err)
	}
	return nil
}
