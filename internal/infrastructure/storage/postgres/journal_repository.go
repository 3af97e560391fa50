package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/exp/slog"

	"echokeeper/internal/domain/journal"
)

type JournalRepository struct {
	pool *pgxpool.Pool
	log  *slog.Logger
}

func NewJournalRepository(pool *pgxpool.Pool, log *slog.Logger) *JournalRepository {
	return &JournalRepository{
		pool: pool,
		log:  log.With("component", "journal_repository"),
	}
}

func (r *JournalRepository) Create(ctx context.Context, e *journal.Entry) (bool, error) {
	const query = `
		INSERT INTO journal_entries
			(id, user_id, encrypted_meta, audio_checksum, remote_version, committed_at, device_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO NOTHING`

	tag, err := r.pool.Exec(ctx, query,
		e.ID, e.UserID, e.EncryptedMeta, e.AudioChecksum,
		e.RemoteVersion, e.CommittedAt, e.DeviceID)
	if err != nil {
		r.log.Error("failed to insert entry", "entry_id", e.ID, "error", err)
		return false, fmt.Errorf("insert entry: %w", err)
	}

	return tag.RowsAffected() > 0, nil
}

func (r *JournalRepository) Get(ctx context.Context, userID int, id string) (*journal.Entry, error) {
	const query = `
		SELECT id, user_id, encrypted_meta, audio_checksum, remote_version,
		       committed_at, deleted_at, device_id
		FROM journal_entries
		WHERE id = $1 AND user_id = $2`

	row := r.pool.QueryRow(ctx, query, id, userID)

	e, err := scanEntry(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, journal.ErrNotFound
		}
		r.log.Error("failed to get entry", "entry_id", id, "user_id", userID, "error", err)
		return nil, fmt.Errorf("get entry: %w", err)
	}

	return e, nil
}

func (r *JournalRepository) List(ctx context.Context, userID int) ([]journal.Entry, error) {
	const query = `
		SELECT id, user_id, encrypted_meta, audio_checksum, remote_version,
		       committed_at, deleted_at, device_id
		FROM journal_entries
		WHERE user_id = $1 AND deleted_at IS NULL
		ORDER BY committed_at DESC`

	rows, err := r.pool.Query(ctx, query, userID)
	if err != nil {
		r.log.Error("failed to list entries", "user_id", userID, "error", err)
		return nil, fmt.Errorf("list entries: %w", err)
	}
	defer rows.Close()

	var entries []journal.Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan entry: %w", err)
		}
		entries = append(entries, *e)
	}

	return entries, rows.Err()
}

// UpdateVersioned выполняет compare-and-swap по remote_version: строка
// меняется только если версия не ушла вперед с момента, который видел
// клиент. Удаленная запись не обновляется — клиент узнает об этом из 409.
func (r *JournalRepository) UpdateVersioned(ctx context.Context, userID int, id string, baseVersion int64, encryptedMeta, audioChecksum, deviceID string) (*journal.Entry, error) {
	const query = `
		UPDATE journal_entries
		SET encrypted_meta = $1,
		    audio_checksum = $2,
		    device_id      = $3,
		    remote_version = remote_version + 1,
		    committed_at   = NOW()
		WHERE id = $4 AND user_id = $5
		  AND remote_version = $6 AND deleted_at IS NULL
		RETURNING remote_version, committed_at`

	var version int64
	var committedAt time.Time
	err := r.pool.QueryRow(ctx, query,
		encryptedMeta, audioChecksum, deviceID, id, userID, baseVersion).
		Scan(&version, &committedAt)

	if errors.Is(err, pgx.ErrNoRows) {
		// Либо записи нет, либо версия разошлась — различаем отдельным чтением
		if _, gerr := r.Get(ctx, userID, id); gerr != nil {
			return nil, gerr
		}
		return nil, journal.ErrVersionConflict
	}
	if err != nil {
		r.log.Error("failed to update entry", "entry_id", id, "user_id", userID, "error", err)
		return nil, fmt.Errorf("update entry: %w", err)
	}

	return &journal.Entry{
		ID:            id,
		UserID:        userID,
		RemoteVersion: version,
		CommittedAt:   committedAt,
	}, nil
}

func (r *JournalRepository) SoftDelete(ctx context.Context, userID int, id, deviceID string) error {
	const query = `
		UPDATE journal_entries
		SET deleted_at     = NOW(),
		    committed_at   = NOW(),
		    remote_version = remote_version + 1,
		    device_id      = $1,
		    encrypted_meta = '',
		    audio_blob     = NULL
		WHERE id = $2 AND user_id = $3 AND deleted_at IS NULL`

	tag, err := r.pool.Exec(ctx, query, deviceID, id, userID)
	if err != nil {
		r.log.Error("failed to delete entry", "entry_id", id, "user_id", userID, "error", err)
		return fmt.Errorf("delete entry: %w", err)
	}

	if tag.RowsAffected() == 0 {
		// Уже удалена — повтор не ошибка, отсутствие — ошибка
		if _, err := r.Get(ctx, userID, id); err != nil {
			return err
		}
	}

	return nil
}

func (r *JournalRepository) SetAudio(ctx context.Context, userID int, id string, blob []byte) error {
	const query = `
		UPDATE journal_entries
		SET audio_blob = $1
		WHERE id = $2 AND user_id = $3 AND deleted_at IS NULL`

	tag, err := r.pool.Exec(ctx, query, blob, id, userID)
	if err != nil {
		r.log.Error("failed to store audio", "entry_id", id, "user_id", userID, "error", err)
		return fmt.Errorf("store audio: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return journal.ErrNotFound
	}
	return nil
}

func (r *JournalRepository) GetAudio(ctx context.Context, userID int, id string) ([]byte, error) {
	const query = `
		SELECT audio_blob FROM journal_entries
		WHERE id = $1 AND user_id = $2 AND deleted_at IS NULL`

	var blob []byte
	err := r.pool.QueryRow(ctx, query, id, userID).Scan(&blob)
	if errors.Is(err, pgx.ErrNoRows) || (err == nil && blob == nil) {
		return nil, journal.ErrNotFound
	}
	if err != nil {
		r.log.Error("failed to load audio", "entry_id", id, "user_id", userID, "error", err)
		return nil, fmt.Errorf("load audio: %w", err)
	}

	return blob, nil
}

func scanEntry(row pgx.Row) (*journal.Entry, error) {
	var e journal.Entry
	var deletedAt *time.Time
	err := row.Scan(&e.ID, &e.UserID, &e.EncryptedMeta, &e.AudioChecksum,
		&e.RemoteVersion, &e.CommittedAt, &deletedAt, &e.DeviceID)
	if err != nil {
		return nil, err
	}
	e.DeletedAt = deletedAt
	return &e, nil
}
