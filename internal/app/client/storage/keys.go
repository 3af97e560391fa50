package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"echokeeper/internal/app/client/crypto"
)

const metaMasterAlias = "master_alias"

// KeyRepository реализует crypto.WrappedKeyRepository поверх SQLite:
// завернутые ключи данных в таблице data_keys, активный алиас мастер-ключа
// в таблице meta. Подмена при ротации — одна транзакция.
type KeyRepository struct {
	db *sql.DB
}

func NewKeyRepository(s *Storage) *KeyRepository {
	return &KeyRepository{db: s.db}
}

func (r *KeyRepository) SaveWrappedKey(ctx context.Context, purpose, id string, blob []byte) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO data_keys (purpose, id, wrapped, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (purpose, id) DO UPDATE SET wrapped = excluded.wrapped
	`, purpose, id, blob, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("ошибка сохранения завернутого ключа: %w", err)
	}
	return nil
}

func (r *KeyRepository) GetWrappedKey(ctx context.Context, purpose, id string) ([]byte, error) {
	var blob []byte
	err := r.db.QueryRowContext(ctx,
		"SELECT wrapped FROM data_keys WHERE purpose = ? AND id = ?",
		purpose, id,
	).Scan(&blob)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, crypto.ErrKeyNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("ошибка чтения завернутого ключа: %w", err)
	}
	return blob, nil
}

func (r *KeyRepository) DeleteWrappedKey(ctx context.Context, purpose, id string) error {
	res, err := r.db.ExecContext(ctx,
		"DELETE FROM data_keys WHERE purpose = ? AND id = ?", purpose, id)
	if err != nil {
		return fmt.Errorf("ошибка удаления завернутого ключа: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return crypto.ErrKeyNotFound
	}
	return nil
}

func (r *KeyRepository) ListWrappedKeys(ctx context.Context) ([]crypto.WrappedKey, error) {
	rows, err := r.db.QueryContext(ctx,
		"SELECT purpose, id, wrapped FROM data_keys ORDER BY purpose, id")
	if err != nil {
		return nil, fmt.Errorf("ошибка перечисления завернутых ключей: %w", err)
	}
	defer rows.Close()

	var keys []crypto.WrappedKey
	for rows.Next() {
		var wk crypto.WrappedKey
		if err := rows.Scan(&wk.Purpose, &wk.ID, &wk.Blob); err != nil {
			return nil, fmt.Errorf("ошибка сканирования ключа: %w", err)
		}
		keys = append(keys, wk)
	}
	return keys, rows.Err()
}

func (r *KeyRepository) ActiveMasterAlias(ctx context.Context) (string, error) {
	var alias string
	err := r.db.QueryRowContext(ctx,
		"SELECT v FROM meta WHERE k = ?", metaMasterAlias).Scan(&alias)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("ошибка чтения активного алиаса: %w", err)
	}
	return alias, nil
}

func (r *KeyRepository) SetActiveMasterAlias(ctx context.Context, alias string) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO meta (k, v) VALUES (?, ?)
		ON CONFLICT (k) DO UPDATE SET v = excluded.v
	`, metaMasterAlias, alias)
	if err != nil {
		return fmt.Errorf("ошибка записи активного алиаса: %w", err)
	}
	return nil
}

// SwapWrappedKeys заполняет staging-таблицу перезавернутым набором и в той же
// транзакции подменяет рабочий набор и активный алиас мастер-ключа.
// Сбой до COMMIT оставляет полностью старое состояние.
func (r *KeyRepository) SwapWrappedKeys(ctx context.Context, keys []crypto.WrappedKey, newMasterAlias string) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("ошибка начала транзакции: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec("DELETE FROM data_keys_staging"); err != nil {
		return fmt.Errorf("ошибка очистки staging: %w", err)
	}

	now := time.Now().UTC()
	for _, wk := range keys {
		if _, err := tx.Exec(
			"INSERT INTO data_keys_staging (purpose, id, wrapped, created_at) VALUES (?, ?, ?, ?)",
			wk.Purpose, wk.ID, wk.Blob, now,
		); err != nil {
			return fmt.Errorf("ошибка записи в staging: %w", err)
		}
	}

	if _, err := tx.Exec("DELETE FROM data_keys"); err != nil {
		return fmt.Errorf("ошибка очистки рабочего набора: %w", err)
	}
	if _, err := tx.Exec(`
		INSERT INTO data_keys (purpose, id, wrapped, created_at)
		SELECT purpose, id, wrapped, created_at FROM data_keys_staging
	`); err != nil {
		return fmt.Errorf("ошибка подмены набора: %w", err)
	}
	if _, err := tx.Exec("DELETE FROM data_keys_staging"); err != nil {
		return fmt.Errorf("ошибка очистки staging после подмены: %w", err)
	}
	if _, err := tx.Exec(`
		INSERT INTO meta (k, v) VALUES (?, ?)
		ON CONFLICT (k) DO UPDATE SET v = excluded.v
	`, metaMasterAlias, newMasterAlias); err != nil {
		return fmt.Errorf("ошибка записи нового алиаса: %w", err)
	}

	return tx.Commit()
}
